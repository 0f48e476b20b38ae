package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

var ErrInstanceNotFound = errors.New("instance not found")

// StatusError is returned for any non-2xx gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d body=%q", e.Code, e.Body)
}

// GatewayClient talks to the messaging gateway. Account-wide calls carry the
// API key; calls scoped to one instance carry that instance's token.
type GatewayClient struct {
	baseURL    string
	apiKey     string
	webhookURL string
	client     *http.Client
}

func NewGatewayClient(baseURL, apiKey, webhookURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type instanceResponse struct {
	Name             string    `json:"name"`
	ConnectionStatus string    `json:"connectionStatus"`
	OwnerJID         string    `json:"ownerJid"`
	CreatedAt        time.Time `json:"createdAt"`
	Auth             struct {
		Token string `json:"token"`
	} `json:"Auth"`
}

func (r instanceResponse) snapshot() model.InstanceSnapshot {
	return model.InstanceSnapshot{
		ID:           r.Name,
		Status:       model.ParseConnectionStatus(r.ConnectionStatus),
		MobileNumber: model.MobileFromJID(r.OwnerJID),
		Token:        r.Auth.Token,
		CreatedAt:    r.CreatedAt,
	}
}

// ConnectResult carries the pairing material returned by connect.
type ConnectResult struct {
	Count  int    `json:"count"`
	Base64 string `json:"base64"`
	Code   string `json:"code"`
}

// OutgoingMessage is one text or media send.
type OutgoingMessage struct {
	InstanceID         string
	Token              string
	MessageID          string
	Receiver           string
	Text               string
	ExternalAttributes string
	Media              *model.Media
}

type sendOptions struct {
	Delay              int    `json:"delay"`
	Presence           string `json:"presence"`
	MessageID          string `json:"messageId,omitempty"`
	ExternalAttributes string `json:"externalAttributes,omitempty"`
}

type textMessage struct {
	Text string `json:"text"`
}

type mediaMessage struct {
	MediaType string `json:"mediatype"`
	FileName  string `json:"fileName,omitempty"`
	Caption   string `json:"caption,omitempty"`
	Media     string `json:"media"`
}

type sendRequest struct {
	Number       string        `json:"number"`
	Options      sendOptions   `json:"options"`
	TextMessage  *textMessage  `json:"textMessage,omitempty"`
	MediaMessage *mediaMessage `json:"mediaMessage,omitempty"`
}

type webhookRequest struct {
	Enabled bool            `json:"enabled"`
	URL     string          `json:"url"`
	Events  map[string]bool `json:"events"`
}

func webhookEvents(enabled bool) map[string]bool {
	return map[string]bool{
		"sendMessage":               true,
		"groupsUpsert":              enabled,
		"groupsUpdated":             enabled,
		"groupsParticipantsUpdated": enabled,
		"connectionUpdated":         enabled,
		"statusInstance":            enabled,
		"refreshToken":              enabled,
	}
}

// FetchInstance looks up one instance. A missing instance is ErrInstanceNotFound.
func (c *GatewayClient) FetchInstance(ctx context.Context, id string) (model.InstanceSnapshot, error) {
	var out []instanceResponse
	err := c.do(ctx, http.MethodGet, "/instance/fetchInstances?instanceName="+url.QueryEscape(id), c.apiKeyAuth(), nil, &out)
	if err != nil {
		if isInstanceNotFound(err) {
			return model.InstanceSnapshot{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return model.InstanceSnapshot{}, err
	}
	if len(out) == 0 {
		return model.InstanceSnapshot{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return out[0].snapshot(), nil
}

func (c *GatewayClient) ListInstances(ctx context.Context) ([]model.InstanceSnapshot, error) {
	var out []instanceResponse
	if err := c.do(ctx, http.MethodGet, "/instance/fetchInstances", c.apiKeyAuth(), nil, &out); err != nil {
		return nil, err
	}
	snaps := make([]model.InstanceSnapshot, 0, len(out))
	for _, r := range out {
		snaps = append(snaps, r.snapshot())
	}
	return snaps, nil
}

func (c *GatewayClient) CreateInstance(ctx context.Context, id, description string) (model.InstanceSnapshot, error) {
	body := map[string]string{"instanceName": id}
	if description != "" {
		body["description"] = description
	}
	var out instanceResponse
	if err := c.do(ctx, http.MethodPost, "/instance/create", c.apiKeyAuth(), body, &out); err != nil {
		return model.InstanceSnapshot{}, err
	}
	if out.Name == "" {
		out.Name = id
	}
	return out.snapshot(), nil
}

func (c *GatewayClient) Connect(ctx context.Context, id, token string) (ConnectResult, error) {
	var out ConnectResult
	err := c.do(ctx, http.MethodGet, "/instance/connect/"+url.PathEscape(id), bearer(token), nil, &out)
	return out, err
}

func (c *GatewayClient) DeleteInstance(ctx context.Context, id, token string) error {
	return c.do(ctx, http.MethodDelete, "/instance/delete/"+url.PathEscape(id)+"?force=true", bearer(token), nil, nil)
}

func (c *GatewayClient) RegisterWebhook(ctx context.Context, id, token string) error {
	return c.setWebhook(ctx, id, token, true)
}

func (c *GatewayClient) UnregisterWebhook(ctx context.Context, id, token string) error {
	return c.setWebhook(ctx, id, token, false)
}

func (c *GatewayClient) setWebhook(ctx context.Context, id, token string, enabled bool) error {
	req := webhookRequest{
		Enabled: enabled,
		URL:     c.webhookURL,
		Events:  webhookEvents(enabled),
	}
	return c.do(ctx, http.MethodPut, "/webhook/set/"+url.PathEscape(id), bearer(token), req, nil)
}

// Send delivers a message through the text or media endpoint depending on
// whether it carries an attachment. Any non-2xx answer is a decline.
func (c *GatewayClient) Send(ctx context.Context, msg OutgoingMessage) error {
	req := sendRequest{
		Number: msg.Receiver,
		Options: sendOptions{
			Delay:              1000,
			Presence:           "composing",
			MessageID:          msg.MessageID,
			ExternalAttributes: msg.ExternalAttributes,
		},
	}

	path := "/message/sendText/"
	if msg.Media != nil && msg.Media.URL != "" {
		path = "/message/sendMedia/"
		req.MediaMessage = &mediaMessage{
			MediaType: msg.Media.Type,
			FileName:  msg.Media.FileName,
			Caption:   msg.Text,
			Media:     msg.Media.URL,
		}
	} else {
		req.TextMessage = &textMessage{Text: msg.Text}
	}

	return c.do(ctx, http.MethodPost, path+url.PathEscape(msg.InstanceID), bearer(msg.Token), req, nil)
}

type authFunc func(h http.Header)

func (c *GatewayClient) apiKeyAuth() authFunc {
	return func(h http.Header) { h.Set("Apikey", c.apiKey) }
}

func bearer(token string) authFunc {
	return func(h http.Header) { h.Set("Authorization", "Bearer "+token) }
}

func (c *GatewayClient) do(ctx context.Context, method, path string, auth authFunc, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	auth(req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	return nil
}

// isInstanceNotFound recognises the gateway's 400 answer for unknown instances.
func isInstanceNotFound(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		return false
	}
	var payload struct {
		Message []string `json:"message"`
	}
	if json.Unmarshal([]byte(se.Body), &payload) != nil || len(payload.Message) == 0 {
		return false
	}
	return strings.EqualFold(payload.Message[0], "Instance not found")
}
