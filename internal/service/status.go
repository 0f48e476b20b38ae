package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/cache"
	"github.com/LeventeLantos/scheduled-messaging/internal/client"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
)

const DefaultConnectTimeout = 5 * time.Minute

var ErrConnectionTimeout = errors.New("instance connection timeout")

type StatusSource string

const (
	SourceCache   StatusSource = "cache"
	SourceGateway StatusSource = "gateway"
	SourceStale   StatusSource = "stale"
	SourceStore   StatusSource = "store"
)

type StatusResult struct {
	InstanceID string                 `json:"instanceId"`
	Status     model.ConnectionStatus `json:"status"`
	Source     StatusSource           `json:"source"`
	// MobileNumber is the bound account, when the source knows it.
	MobileNumber string `json:"mobileNumber,omitempty"`
}

type InitResult struct {
	InstanceID       string `json:"instanceName"`
	AlreadyConnected bool   `json:"alreadyConnected"`
	client.ConnectResult
}

// InstanceService answers connectivity questions and provisions instances.
type InstanceService struct {
	instances      repo.InstanceRepository
	cache          *cache.ConnectionCache
	gateway        InstanceProvisioner
	connectTimeout time.Duration
	now            func() time.Time
}

func NewInstanceService(instances repo.InstanceRepository, c *cache.ConnectionCache, gateway InstanceProvisioner, connectTimeout time.Duration) *InstanceService {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &InstanceService{
		instances:      instances,
		cache:          c,
		gateway:        gateway,
		connectTimeout: connectTimeout,
		now:            time.Now,
	}
}

// Status resolves connectivity from the cache, then the gateway, then the
// expired cache entry, and finally the persisted record. A persisted
// instance that has not come online within the connect timeout yields
// ErrConnectionTimeout.
func (s *InstanceService) Status(ctx context.Context, id string) (StatusResult, error) {
	staleOnline, staleKnown := s.cache.StaleStatus(id)
	if e, ok := s.cache.Get(id); ok {
		mobile, _ := s.cache.MobileNumber(id)
		return StatusResult{InstanceID: id, Status: e.Status, Source: SourceCache, MobileNumber: mobile}, nil
	}

	snap, err := s.gateway.FetchInstance(ctx, id)
	if err == nil {
		s.cache.CacheFromFetch(snap)
		return StatusResult{InstanceID: id, Status: snap.Status, Source: SourceGateway, MobileNumber: snap.MobileNumber}, nil
	}
	slog.Warn("instance status fetch failed", "instance", id, "error", err)

	if staleKnown && !errors.Is(err, client.ErrInstanceNotFound) {
		slog.Warn("using stale connection status", "instance", id)
		return StatusResult{InstanceID: id, Status: onlineOrOffline(staleOnline), Source: SourceStale}, nil
	}

	inst, err := s.instances.GetInstance(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return StatusResult{InstanceID: id, Status: model.Offline, Source: SourceStore}, nil
	}
	if err != nil {
		return StatusResult{}, err
	}

	res := StatusResult{InstanceID: id, Status: inst.Status, Source: SourceStore, MobileNumber: inst.MobileNumber}
	if inst.Status != model.Online && inst.InitiatedAt != nil &&
		!inst.InitiatedAt.After(s.now().Add(-s.connectTimeout)) {
		return res, ErrConnectionTimeout
	}
	return res, nil
}

// Init fetches or creates the gateway instance, records the initiation and
// returns pairing material. Already connected instances are only refreshed.
func (s *InstanceService) Init(ctx context.Context, id, description string) (InitResult, error) {
	snap, err := s.gateway.FetchInstance(ctx, id)
	if errors.Is(err, client.ErrInstanceNotFound) {
		snap, err = s.gateway.CreateInstance(ctx, id, description)
	}
	if err != nil {
		return InitResult{}, fmt.Errorf("fetch or create instance %s: %w", id, err)
	}

	if err := s.instances.MarkInitiated(ctx, id); err != nil {
		return InitResult{}, err
	}

	if snap.Status == model.Online {
		if err := s.instances.SetStatus(ctx, id, model.Online); err != nil {
			return InitResult{}, err
		}
		s.cache.Invalidate(id)
		s.cache.CacheFromFetch(snap)
		slog.Info("instance already connected", "instance", id)
		return InitResult{
			InstanceID:       id,
			AlreadyConnected: true,
			ConnectResult:    client.ConnectResult{Code: snap.Token},
		}, nil
	}

	s.cache.CacheFromFetch(snap)

	res, err := s.gateway.Connect(ctx, id, snap.Token)
	if err != nil {
		return InitResult{}, fmt.Errorf("connect instance %s: %w", id, err)
	}
	if err := s.gateway.RegisterWebhook(ctx, id, snap.Token); err != nil {
		return InitResult{}, fmt.Errorf("register webhook %s: %w", id, err)
	}

	slog.Info("instance initiated", "instance", id)
	return InitResult{InstanceID: id, ConnectResult: res}, nil
}

func onlineOrOffline(online bool) model.ConnectionStatus {
	if online {
		return model.Online
	}
	return model.Offline
}
