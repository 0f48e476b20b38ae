package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/scheduler/status", h.SchedulerStatus)
	mux.HandleFunc("POST /v1/scheduler/start", h.SchedulerStart)
	mux.HandleFunc("POST /v1/scheduler/stop", h.SchedulerStop)
	mux.HandleFunc("GET /v1/queue/stats", h.QueueStats)

	mux.HandleFunc("POST /v1/messages", h.ScheduleMessage)
	mux.HandleFunc("GET /v1/messages", h.ListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("PUT /v1/messages/{id}", h.EditMessage)
	mux.HandleFunc("DELETE /v1/messages/{id}", h.CancelMessage)

	mux.HandleFunc("POST /v1/webhook", h.Webhook)

	mux.HandleFunc("POST /v1/instances/init", h.InitInstance)
	mux.HandleFunc("GET /v1/instances/{id}/status", h.InstanceStatus)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("scheduled-messaging"))
	})

	return mux
}
