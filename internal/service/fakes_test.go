package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/scheduled-messaging/internal/cache"
	"github.com/LeventeLantos/scheduled-messaging/internal/client"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/queue"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testNow} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, clock *fakeClock) *cache.ConnectionCache {
	t.Helper()
	c, err := cache.NewConnectionCache(cache.Options{Now: clock.Now})
	if err != nil {
		t.Fatalf("NewConnectionCache() error: %v", err)
	}
	return c
}

// fakeMessages mirrors the conditional updates of the Postgres repository.
type fakeMessages struct {
	mu   sync.Mutex
	byID map[string]model.Message
	err  error
	now  func() time.Time
}

var _ repo.MessageRepository = (*fakeMessages)(nil)

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: map[string]model.Message{}}
}

func (f *fakeMessages) clock() time.Time {
	if f.now == nil {
		return testNow
	}
	return f.now()
}

func (f *fakeMessages) put(m model.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[m.ID] = m
}

func (f *fakeMessages) get(id string) model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id]
}

func (f *fakeMessages) Create(_ context.Context, m model.Message) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Message{}, f.err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Status = model.Pending
	m.Version = 0
	m.CreatedAt = testNow
	m.UpdatedAt = testNow
	f.byID[m.ID] = m
	return m, nil
}

func (f *fakeMessages) Get(_ context.Context, id string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Message{}, f.err
	}
	m, ok := f.byID[id]
	if !ok {
		return model.Message{}, repo.ErrNotFound
	}
	return m, nil
}

func (f *fakeMessages) Update(_ context.Context, id string, edit model.MessageEdit) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return model.Message{}, repo.ErrNotFound
	}
	if m.Status != model.Pending && m.Status != model.Failed {
		return model.Message{}, repo.ErrNotEditable
	}
	m = repo.ApplyEdit(m, edit)
	m.Status = model.Pending
	m.Version++
	f.byID[id] = m
	return m, nil
}

func (f *fakeMessages) Cancel(_ context.Context, id string) (model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok {
		return model.Message{}, repo.ErrNotFound
	}
	switch m.Status {
	case model.Deleted:
		return m, nil
	case model.Pending, model.Failed:
		m.Status = model.Deleted
		m.Version++
		f.byID[id] = m
		return m, nil
	}
	return model.Message{}, repo.ErrNotEditable
}

func (f *fakeMessages) Claim(_ context.Context, id string, version int64) (model.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok || m.Version != version || m.Status != model.Pending {
		return model.Message{}, false, nil
	}
	m.Status = model.Sent
	m.Version++
	m.UpdatedAt = f.clock()
	f.byID[id] = m
	return m, true, nil
}

func (f *fakeMessages) MarkOutcome(ctx context.Context, id string, version int64, status model.Status, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok || m.Version != version || m.Status != model.Sent {
		return false, nil
	}
	m.Status = status
	m.Version++
	if status == model.Failed {
		m.RetryCount++
	}
	f.byID[id] = m
	return true, nil
}

func (f *fakeMessages) MarkDelivered(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.byID[id]
	if !ok || m.Status != model.Sent {
		return false, nil
	}
	m.Status = model.Success
	m.Version++
	f.byID[id] = m
	return true, nil
}

func (f *fakeMessages) FailStuck(_ context.Context, sentBefore time.Time, _ string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Message
	for id, m := range f.byID {
		if m.Status != model.Sent || !m.UpdatedAt.Before(sentBefore) {
			continue
		}
		m.Status = model.Failed
		m.Version++
		m.RetryCount++
		m.UpdatedAt = f.clock()
		f.byID[id] = m
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeMessages) ListBySender(_ context.Context, sender string, _, _ int) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.byID {
		if m.Sender == sender && m.Status != model.Deleted {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessages) HasGroupWelcome(_ context.Context, sender, receiver, groupID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.byID {
		if m.Sender == sender && m.Receiver == receiver && m.Status != model.Deleted &&
			strings.Contains(m.Body, model.GroupMarker(groupID)) {
			return true, nil
		}
	}
	return false, nil
}

type fakeInstances struct {
	mu        sync.Mutex
	instances map[string]model.Instance
	users     map[string]model.User
}

var _ repo.InstanceRepository = (*fakeInstances)(nil)

func newFakeInstances() *fakeInstances {
	return &fakeInstances{
		instances: map[string]model.Instance{},
		users:     map[string]model.User{},
	}
}

func (f *fakeInstances) addUser(mobile, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[mobile] = model.User{MobileNumber: mobile, InstanceID: instanceID, Status: model.Online}
}

func (f *fakeInstances) instance(id string) (model.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	return inst, ok
}

func (f *fakeInstances) user(mobile string) (model.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[mobile]
	return u, ok
}

func (f *fakeInstances) GetInstance(_ context.Context, id string) (model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return model.Instance{}, repo.ErrNotFound
	}
	return inst, nil
}

func (f *fakeInstances) SetStatus(_ context.Context, id string, status model.ConnectionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[id]
	inst.ID = id
	inst.Status = status
	f.instances[id] = inst
	for k, u := range f.users {
		if u.InstanceID == id {
			u.Status = status
			f.users[k] = u
		}
	}
	return nil
}

func (f *fakeInstances) MarkInitiated(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		inst = model.Instance{ID: id, Status: model.Offline}
	}
	at := testNow
	inst.InitiatedAt = &at
	f.instances[id] = inst
	return nil
}

func (f *fakeInstances) BindIdentity(_ context.Context, id, mobile string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[id] = model.Instance{ID: id, Status: model.Online, MobileNumber: mobile}
	return nil
}

func (f *fakeInstances) UpsertUser(_ context.Context, mobile, instanceID, otp string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[mobile]
	if !ok {
		f.users[mobile] = model.User{MobileNumber: mobile, InstanceID: instanceID, Status: model.Online, OTP: otp, IsNewUser: true}
		return true, nil
	}
	u.InstanceID = instanceID
	u.Status = model.Online
	if u.OTP == "" {
		u.OTP = otp
	}
	f.users[mobile] = u
	return false, nil
}

func (f *fakeInstances) FindUserByMobile(_ context.Context, mobile string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[mobile]
	if !ok {
		return model.User{}, repo.ErrNotFound
	}
	return u, nil
}

type fakeGroups struct {
	greetings map[string]model.GroupGreeting
}

func (f *fakeGroups) FindGreeting(_ context.Context, instanceID, groupID string) (model.GroupGreeting, error) {
	g, ok := f.greetings[instanceID+"|"+groupID]
	if !ok {
		return model.GroupGreeting{}, repo.ErrNotFound
	}
	return g, nil
}

type fetchResult struct {
	snap model.InstanceSnapshot
	err  error
}

type fakeGateway struct {
	mu sync.Mutex

	snapshots map[string]model.InstanceSnapshot
	// scripted results are consumed before falling back to snapshots.
	script  []fetchResult
	fetches int

	sendErr error
	// sendHook runs before a send is recorded; a non-nil error declines it.
	sendHook func(ctx context.Context) error
	sent     []client.OutgoingMessage

	registered   []string
	unregistered []string
	created      []string
	connected    []string
	deleted      []string
	deleteErr    error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{snapshots: map[string]model.InstanceSnapshot{}}
}

func (g *fakeGateway) FetchInstance(_ context.Context, id string) (model.InstanceSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if len(g.script) > 0 {
		r := g.script[0]
		g.script = g.script[1:]
		return r.snap, r.err
	}
	snap, ok := g.snapshots[id]
	if !ok {
		return model.InstanceSnapshot{}, fmt.Errorf("%w: %s", client.ErrInstanceNotFound, id)
	}
	return snap, nil
}

func (g *fakeGateway) ListInstances(context.Context) ([]model.InstanceSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []model.InstanceSnapshot
	for _, s := range g.snapshots {
		out = append(out, s)
	}
	return out, nil
}

func (g *fakeGateway) CreateInstance(_ context.Context, id, _ string) (model.InstanceSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, id)
	snap := model.InstanceSnapshot{ID: id, Status: model.Offline, Token: "tok-" + id, CreatedAt: testNow}
	g.snapshots[id] = snap
	return snap, nil
}

func (g *fakeGateway) Connect(_ context.Context, id, token string) (client.ConnectResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connected = append(g.connected, id+"|"+token)
	return client.ConnectResult{Count: 1, Base64: "qr-" + id}, nil
}

func (g *fakeGateway) RegisterWebhook(_ context.Context, id, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registered = append(g.registered, id+"|"+token)
	return nil
}

func (g *fakeGateway) UnregisterWebhook(_ context.Context, id, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unregistered = append(g.unregistered, id+"|"+token)
	return nil
}

func (g *fakeGateway) DeleteInstance(_ context.Context, id, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deleteErr != nil {
		return g.deleteErr
	}
	g.deleted = append(g.deleted, id+"|"+token)
	return nil
}

func (g *fakeGateway) Send(ctx context.Context, msg client.OutgoingMessage) error {
	if g.sendHook != nil {
		if err := g.sendHook(ctx); err != nil {
			return err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, msg)
	return nil
}

func (g *fakeGateway) sentMessages() []client.OutgoingMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]client.OutgoingMessage(nil), g.sent...)
}

func (g *fakeGateway) fetchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *fakeNotifier) Notify(_ context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

func (n *fakeNotifier) count(substr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, t := range n.texts {
		if strings.Contains(t, substr) {
			c++
		}
	}
	return c
}

// fakeQueue keeps enqueued jobs in memory so tests can run them in order.
type fakeQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, kind string, payload any, dueAt time.Time) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Job{}, q.err
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return queue.Job{}, err
	}
	j := queue.Job{ID: uuid.NewString(), Kind: kind, Payload: b, DueAt: dueAt}
	q.jobs = append(q.jobs, j)
	return j, nil
}

func (q *fakeQueue) pop() (queue.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return queue.Job{}, false
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j, true
}

func (q *fakeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func deliveryPayload(t *testing.T, j queue.Job) model.DeliveryJob {
	t.Helper()
	var p model.DeliveryJob
	if err := j.Decode(&p); err != nil {
		t.Fatalf("decode delivery job: %v", err)
	}
	return p
}

var errFake = fmt.Errorf("fake failure")
