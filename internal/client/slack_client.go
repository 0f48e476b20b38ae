package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SlackNotifier posts operational alerts to an incoming webhook. Alerts are
// best effort: delivery happens in the background and failures are only logged.
type SlackNotifier struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	wg      sync.WaitGroup
}

// NewSlackNotifier returns a notifier; an empty url disables it.
func NewSlackNotifier(url string, ratePerSec int) *SlackNotifier {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	return &SlackNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, text string) {
	if s == nil || s.url == "" || text == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if err := s.limiter.Wait(ctx); err != nil {
			slog.Warn("slack alert dropped", "error", err)
			return
		}
		if err := s.post(ctx, text); err != nil {
			slog.Warn("slack alert failed", "error", err)
		}
	}()
}

// Close waits for in-flight alerts.
func (s *SlackNotifier) Close() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

func (s *SlackNotifier) post(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}
