package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	if h.socket != nil {
		mux.Handle("GET /ws", h.socket)
	}

	mux.HandleFunc("GET /jobs", h.ListJobs)
	mux.HandleFunc("POST /jobs/{name}/start", h.requireAuth(h.StartJob))
	mux.HandleFunc("POST /jobs/{name}/stop", h.requireAuth(h.StopJob))

	mux.HandleFunc("POST /conversations/{id}/messages", h.requireAuth(h.SendMessage))
	mux.HandleFunc("GET /conversations/{id}/messages", h.requireAuth(h.ListMessages))
	mux.HandleFunc("GET /conversations/{id}/status", h.requireAuth(h.ConversationStatus))
	mux.HandleFunc("GET /conversations/{id}/read-status", h.requireAuth(h.ReadStatus))
	mux.HandleFunc("PATCH /conversations/{id}/read", h.requireAuth(h.MarkConversationRead))

	mux.HandleFunc("PATCH /messages/{id}/delivered", h.requireAuth(h.MarkDelivered))
	mux.HandleFunc("PATCH /messages/{id}/read", h.requireAuth(h.MarkRead))
	mux.HandleFunc("GET /messages/{id}/status", h.requireAuth(h.MessageStatus))

	mux.HandleFunc("POST /sync", h.requireAuth(h.Sync))
	mux.HandleFunc("POST /auth/logout", h.requireAuth(h.Logout))

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("finnigram"))
	})

	return mux
}
