package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

func newStatusFixture(t *testing.T) (*InstanceService, *fakeClock, *fakeGateway, *fakeInstances) {
	t.Helper()
	clock := newFakeClock()
	gw := newFakeGateway()
	inst := newFakeInstances()
	svc := NewInstanceService(inst, newTestCache(t, clock), gw, 5*time.Minute)
	svc.now = clock.Now
	return svc, clock, gw, inst
}

func TestInstanceService_StatusFromCacheThenGateway(t *testing.T) {
	t.Parallel()

	svc, clock, gw, _ := newStatusFixture(t)
	ctx := context.Background()
	gw.snapshots["i1"] = model.InstanceSnapshot{ID: "i1", Status: model.Online, Token: "tok"}

	res, err := svc.Status(ctx, "i1")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if res.Status != model.Online || res.Source != SourceGateway {
		t.Fatalf("expected gateway online, got %+v", res)
	}

	res, _ = svc.Status(ctx, "i1")
	if res.Source != SourceCache || gw.fetchCount() != 1 {
		t.Fatalf("expected second lookup from cache, got %+v after %d fetches", res, gw.fetchCount())
	}

	// Token entries live four hours.
	clock.Advance(4 * time.Hour)
	res, _ = svc.Status(ctx, "i1")
	if res.Source != SourceGateway || gw.fetchCount() != 2 {
		t.Fatalf("expected expired entry to refetch, got %+v", res)
	}
}

func TestInstanceService_StaleFallbackWhenGatewayFails(t *testing.T) {
	t.Parallel()

	svc, clock, gw, _ := newStatusFixture(t)
	ctx := context.Background()
	svc.cache.CacheFromWebhook("i1", model.Online, "", "")
	clock.Advance(31 * time.Minute)
	gw.script = []fetchResult{{err: errors.New("gateway down")}}

	res, err := svc.Status(ctx, "i1")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if res.Status != model.Online || res.Source != SourceStale {
		t.Fatalf("expected stale online, got %+v", res)
	}
}

func TestInstanceService_StoreFallbackAndTimeout(t *testing.T) {
	t.Parallel()

	svc, clock, gw, inst := newStatusFixture(t)
	ctx := context.Background()
	gw.script = []fetchResult{{err: errors.New("down")}, {err: errors.New("down")}, {err: errors.New("down")}}

	res, err := svc.Status(ctx, "unknown")
	if err != nil || res.Status != model.Offline || res.Source != SourceStore {
		t.Fatalf("unknown instance should be offline from store, got %+v err=%v", res, err)
	}

	if err := inst.MarkInitiated(ctx, "i1"); err != nil {
		t.Fatalf("MarkInitiated() error: %v", err)
	}
	if _, err := svc.Status(ctx, "i1"); err != nil {
		t.Fatalf("fresh initiation should not time out, got %v", err)
	}

	clock.Advance(5 * time.Minute)
	if _, err := svc.Status(ctx, "i1"); !errors.Is(err, ErrConnectionTimeout) {
		t.Fatalf("expected ErrConnectionTimeout, got %v", err)
	}
}

func TestInstanceService_InitCreatesConnectsAndRegisters(t *testing.T) {
	t.Parallel()

	svc, _, gw, inst := newStatusFixture(t)
	ctx := context.Background()

	res, err := svc.Init(ctx, "i1", "desc")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if res.AlreadyConnected || res.Base64 != "qr-i1" {
		t.Fatalf("unexpected init result %+v", res)
	}
	if len(gw.created) != 1 || len(gw.connected) != 1 || gw.connected[0] != "i1|tok-i1" {
		t.Fatalf("expected create+connect, got created=%v connected=%v", gw.created, gw.connected)
	}
	if len(gw.registered) != 1 || gw.registered[0] != "i1|tok-i1" {
		t.Fatalf("expected webhook registration, got %v", gw.registered)
	}
	if i, ok := inst.instance("i1"); !ok || i.InitiatedAt == nil {
		t.Fatalf("expected initiation recorded, got %+v", i)
	}
	if tok, ok := svc.cache.Token("i1"); !ok || tok != "tok-i1" {
		t.Fatalf("expected fetched instance cached")
	}
}

func TestInstanceService_InitAlreadyConnected(t *testing.T) {
	t.Parallel()

	svc, _, gw, inst := newStatusFixture(t)
	gw.snapshots["i1"] = model.InstanceSnapshot{ID: "i1", Status: model.Online, Token: "tok", MobileNumber: "1"}

	res, err := svc.Init(context.Background(), "i1", "")
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if !res.AlreadyConnected || res.Code != "tok" {
		t.Fatalf("unexpected init result %+v", res)
	}
	if len(gw.connected) != 0 || len(gw.created) != 0 {
		t.Fatalf("connected instance must not be recreated or reconnected")
	}
	if i, _ := inst.instance("i1"); i.Status != model.Online {
		t.Fatalf("expected instance online, got %s", i.Status)
	}
}

func TestInstanceService_GatewayReportsConnectingAndIdentity(t *testing.T) {
	t.Parallel()

	svc, _, gw, _ := newStatusFixture(t)
	ctx := context.Background()
	gw.snapshots["i1"] = model.InstanceSnapshot{ID: "i1", Status: model.Connecting, Token: "tok"}
	gw.snapshots["i2"] = model.InstanceSnapshot{ID: "i2", Status: model.Online, Token: "tok", MobileNumber: "15550001"}

	res, err := svc.Status(ctx, "i1")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if res.Status != model.Connecting || res.Source != SourceGateway {
		t.Fatalf("expected gateway connecting, got %+v", res)
	}

	res, _ = svc.Status(ctx, "i2")
	if res.MobileNumber != "15550001" {
		t.Fatalf("expected mobile from gateway, got %+v", res)
	}
	res, _ = svc.Status(ctx, "i2")
	if res.Source != SourceCache || res.MobileNumber != "15550001" {
		t.Fatalf("expected mobile from cache, got %+v", res)
	}
}
