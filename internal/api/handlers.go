package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Arefin090/finnigram/internal/ledger"
	"github.com/Arefin090/finnigram/internal/model"
	"github.com/Arefin090/finnigram/internal/repo"
	"github.com/Arefin090/finnigram/internal/scheduler"
	"github.com/Arefin090/finnigram/internal/service"
	"github.com/Arefin090/finnigram/internal/session"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	maxSyncUpdates  = 500
	maxBodyBytes    = 1 << 20
)

var errBadRequest = errors.New("bad request")

type Messaging interface {
	Send(ctx context.Context, req service.SendRequest) (model.Message, error)
	Messages(ctx context.Context, userID, conversationID string, before time.Time, limit int) ([]model.Message, error)
	Message(ctx context.Context, userID, messageID string) (model.Message, error)
	ConversationStatus(ctx context.Context, userID, conversationID string) (model.Status, bool, error)
	ReadStatus(ctx context.Context, userID, conversationID string) (model.ConversationReadStatus, error)
	MarkConversationRead(ctx context.Context, userID, conversationID, deviceID string) (service.ReadReceipt, error)
	MarkDelivered(ctx context.Context, userID, messageID, deviceID string) (ledger.Result, error)
	MarkRead(ctx context.Context, userID, messageID, deviceID string) (ledger.Result, error)
}

type Syncer interface {
	Sync(ctx context.Context, req service.SyncRequest) (service.SyncResult, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (session.Claims, error)
	Blacklist(ctx context.Context, raw, reason string) error
	BlacklistAllForUser(ctx context.Context, userID, reason string) int
}

type Deps struct {
	Messaging Messaging
	Sync      Syncer
	Auth      Authenticator
	// Socket serves the websocket upgrade; it authenticates on its own.
	Socket         http.Handler
	Metrics        http.Handler
	Jobs           []*scheduler.Scheduler
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type Handler struct {
	msg     Messaging
	sync    Syncer
	auth    Authenticator
	socket  http.Handler
	metrics http.Handler
	jobs    map[string]*scheduler.Scheduler
	order   []string
	timeout time.Duration
	log     *slog.Logger
}

func NewHandler(d Deps) *Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 10 * time.Second
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &Handler{
		msg:     d.Messaging,
		sync:    d.Sync,
		auth:    d.Auth,
		socket:  d.Socket,
		metrics: d.Metrics,
		jobs:    make(map[string]*scheduler.Scheduler, len(d.Jobs)),
		timeout: d.RequestTimeout,
		log:     d.Logger,
	}
	for _, j := range d.Jobs {
		h.jobs[j.Name()] = j
		h.order = append(h.order, j.Name())
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type jobStatus struct {
	Name     string `json:"name"`
	Running  bool   `json:"running"`
	Runs     int64  `json:"runs"`
	Failures int64  `json:"failures"`
}

func statusOf(s *scheduler.Scheduler) jobStatus {
	return jobStatus{Name: s.Name(), Running: s.IsRunning(), Runs: s.Runs(), Failures: s.Failures()}
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	items := make([]jobStatus, 0, len(h.order))
	for _, name := range h.order {
		items = append(items, statusOf(h.jobs[name]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	h.toggleJob(w, r, (*scheduler.Scheduler).Start)
}

func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	h.toggleJob(w, r, (*scheduler.Scheduler).Stop)
}

func (h *Handler) toggleJob(w http.ResponseWriter, r *http.Request, fn func(*scheduler.Scheduler) bool) {
	job, ok := h.jobs[r.PathValue("name")]
	if !ok {
		h.writeError(w, repo.ErrNotFound)
		return
	}
	fn(job)
	writeJSON(w, http.StatusOK, statusOf(job))
}

type sendBody struct {
	ClientID string `json:"clientId"`
	Content  string `json:"content"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	if err := decodeBody(w, r, &body); err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.msg.Send(r.Context(), service.SendRequest{
		ConversationID: r.PathValue("id"),
		SenderID:       userID(r),
		ClientID:       body.ClientID,
		Content:        body.Content,
		DeviceID:       deviceID(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, fmt.Errorf("%w: before must be RFC 3339", errBadRequest))
			return
		}
		before = t
	}
	limit := min(parseInt(r.URL.Query().Get("limit"), defaultPageSize), maxPageSize)

	items, err := h.msg.Messages(r.Context(), userID(r), r.PathValue("id"), before, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if items == nil {
		items = []model.Message{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) ConversationStatus(w http.ResponseWriter, r *http.Request) {
	conv := r.PathValue("id")
	status, ok, err := h.msg.ConversationStatus(r.Context(), userID(r), conv)
	if err != nil {
		h.writeError(w, err)
		return
	}
	body := map[string]any{"conversationId": conv, "status": nil}
	if ok {
		body["status"] = status
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) ReadStatus(w http.ResponseWriter, r *http.Request) {
	rs, err := h.msg.ReadStatus(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *Handler) MarkConversationRead(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.msg.MarkConversationRead(r.Context(), userID(r), r.PathValue("id"), deviceID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	res, err := h.msg.MarkDelivered(r.Context(), userID(r), r.PathValue("id"), deviceID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	res, err := h.msg.MarkRead(r.Context(), userID(r), r.PathValue("id"), deviceID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type messageStatus struct {
	MessageID      string       `json:"messageId"`
	ConversationID string       `json:"conversationId"`
	Status         model.Status `json:"status"`
	DeliveredAt    *time.Time   `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time   `json:"readAt,omitempty"`
}

func (h *Handler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	m, err := h.msg.Message(r.Context(), userID(r), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageStatus{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		Status:         m.Status,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
	})
}

func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	var req service.SyncRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	if len(req.StatusUpdates) > maxSyncUpdates {
		h.writeError(w, fmt.Errorf("%w: at most %d status updates per sync", errBadRequest, maxSyncUpdates))
		return
	}
	req.UserID = userID(r)
	if req.DeviceID == "" {
		req.DeviceID = deviceID(r)
	}

	res, err := h.sync.Sync(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Logout revokes the presented token. With all=true every tracked session
// of the user is revoked as well.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid := userID(r)

	if all, _ := strconv.ParseBool(r.URL.Query().Get("all")); all {
		n := h.auth.BlacklistAllForUser(ctx, uid, "logout_all")
		h.log.Info("all sessions revoked", "user_id", uid, "sessions", n)
	}
	if err := h.auth.Blacklist(ctx, rawToken(r), "logout"); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", errBadRequest, err)
	}
	return nil
}

// writeError maps domain errors onto status codes. Unexpected errors are
// logged and never echoed to the caller.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrContentTooLong):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrUnauthorized), errors.Is(err, session.ErrTokenRevoked):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrNotParticipant):
		status = http.StatusForbidden
	case errors.Is(err, repo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
