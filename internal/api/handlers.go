package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/event"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/queue"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
	"github.com/LeventeLantos/scheduled-messaging/internal/scheduler"
	"github.com/LeventeLantos/scheduled-messaging/internal/service"
)

const maxBodyBytes = 1 << 20

type Messages interface {
	Schedule(ctx context.Context, req service.ScheduleRequest) (model.Message, error)
	Edit(ctx context.Context, id string, edit model.MessageEdit) (model.Message, error)
	Cancel(ctx context.Context, id string) (model.Message, error)
	Get(ctx context.Context, id string) (model.Message, error)
	ListBySender(ctx context.Context, sender string, limit, offset int) ([]model.Message, error)
}

type Instances interface {
	Status(ctx context.Context, id string) (service.StatusResult, error)
	Init(ctx context.Context, id, description string) (service.InitResult, error)
}

type EventHandler interface {
	Handle(ctx context.Context, ev event.Event) error
}

type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

type Deps struct {
	Scheduler *scheduler.Scheduler
	Messages  Messages
	Instances Instances
	Events    EventHandler
	Queue     QueueStats
	// CacheSize reports how many instances the connection cache holds.
	CacheSize func() int
}

type Handler struct {
	sched     *scheduler.Scheduler
	messages  Messages
	instances Instances
	events    EventHandler
	queue     QueueStats
	cacheSize func() int
}

func NewHandler(d Deps) *Handler {
	if d.CacheSize == nil {
		d.CacheSize = func() int { return 0 }
	}
	return &Handler{
		sched:     d.Scheduler,
		messages:  d.Messages,
		instances: d.Instances,
		events:    d.Events,
		queue:     d.Queue,
		cacheSize: d.CacheSize,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"cachedInstances": h.cacheSize(),
	})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) ScheduleMessage(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduleRequest
	if !readJSON(w, r, &req) {
		return
	}
	msg, err := h.messages.Schedule(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type editRequest struct {
	Receiver     *string      `json:"receiver"`
	ReceiverName *string      `json:"receiverName"`
	Body         *string      `json:"message"`
	ScheduledAt  *time.Time   `json:"scheduledAt"`
	Media        *model.Media `json:"media"`
	ClearMedia   bool         `json:"clearMedia"`
}

func (e editRequest) toEdit() model.MessageEdit {
	return model.MessageEdit{
		Receiver:     e.Receiver,
		ReceiverName: e.ReceiverName,
		Body:         e.Body,
		ScheduledAt:  e.ScheduledAt,
		Media:        e.Media,
		ClearMedia:   e.ClearMedia,
	}
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if !readJSON(w, r, &req) {
		return
	}
	msg, err := h.messages.Edit(r.Context(), r.PathValue("id"), req.toEdit())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseInt(q.Get("limit"), 50)
	offset := parseInt(q.Get("offset"), 0)

	items, err := h.messages.ListBySender(r.Context(), q.Get("sender"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// Webhook decodes a gateway callback and hands it to the lifecycle. Event
// kinds this service does not track are acknowledged and dropped.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	ev, err := event.Decode(body)
	switch {
	case errors.Is(err, event.ErrUnknownEvent):
		slog.Debug("webhook ignored", "error", err)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.events.Handle(r.Context(), ev); err != nil {
		slog.Error("webhook handling failed", "instance", ev.Instance(), "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) InstanceStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.instances.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, service.ErrConnectionTimeout) {
		writeJSON(w, http.StatusRequestTimeout, map[string]any{
			"error":  err.Error(),
			"status": res,
		})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type initRequest struct {
	InstanceName string `json:"instanceName"`
	Description  string `json:"description"`
}

func (h *Handler) InitInstance(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if !readJSON(w, r, &req) {
		return
	}
	id := strings.TrimSpace(req.InstanceName)
	if id == "" {
		http.Error(w, "instanceName is required", http.StatusBadRequest)
		return
	}
	res, err := h.instances.Init(r.Context(), id, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, repo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repo.ErrNotEditable):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
