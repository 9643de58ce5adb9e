package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Arefin090/finnigram/internal/ledger"
	"github.com/Arefin090/finnigram/internal/model"
	"github.com/Arefin090/finnigram/internal/repo"
)

type StatusUpdate struct {
	MessageID      string         `json:"messageId"`
	ConversationID string         `json:"conversationId"`
	Status         model.Status   `json:"status"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type SyncRequest struct {
	UserID            string         `json:"-"`
	DeviceID          string         `json:"deviceId"`
	LastSyncTimestamp *time.Time     `json:"lastSyncTimestamp,omitempty"`
	StatusUpdates     []StatusUpdate `json:"statusUpdates"`
}

type Conflict struct {
	MessageID       string       `json:"messageId"`
	ServerStatus    model.Status `json:"serverStatus"`
	ClientStatus    model.Status `json:"clientStatus"`
	ServerTimestamp time.Time    `json:"serverTimestamp"`
}

type SyncResult struct {
	ProcessedCount int                 `json:"processedCount"`
	FailedCount    int                 `json:"failedCount"`
	Conflicts      []Conflict          `json:"conflicts"`
	ServerUpdates  []model.StatusEvent `json:"serverUpdates"`
	SyncTimestamp  time.Time           `json:"syncTimestamp"`
}

// Reconciler folds a device's offline status updates into the ledger.
// The server wins every disagreement.
type Reconciler struct {
	repo       repo.MessageRepository
	ledger     *ledger.Ledger
	messaging  *Messaging
	maxUpdates int
	now        func() time.Time
	log        *slog.Logger
}

func NewReconciler(r repo.MessageRepository, l *ledger.Ledger, m *Messaging, maxUpdates int, logger *slog.Logger) *Reconciler {
	if maxUpdates <= 0 {
		maxUpdates = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		repo:       r,
		ledger:     l,
		messaging:  m,
		maxUpdates: maxUpdates,
		now:        m.now,
		log:        logger,
	}
}

// Sync never fails the batch for a single bad update: those are counted
// and skipped. The returned error is reserved for the server-update query.
func (rc *Reconciler) Sync(ctx context.Context, req SyncRequest) (SyncResult, error) {
	res := SyncResult{
		Conflicts:     []Conflict{},
		ServerUpdates: []model.StatusEvent{},
		SyncTimestamp: rc.now().UTC(),
	}

	for _, u := range req.StatusUpdates {
		conflict, err := rc.apply(ctx, req, u)
		switch {
		case err != nil:
			res.FailedCount++
			rc.log.Warn("sync update skipped",
				"user_id", req.UserID, "message_id", u.MessageID, "status", u.Status, "error", err)
		case conflict != nil:
			res.Conflicts = append(res.Conflicts, *conflict)
		default:
			res.ProcessedCount++
		}
	}

	if req.LastSyncTimestamp != nil {
		events, err := rc.repo.EventsSince(ctx, req.UserID, *req.LastSyncTimestamp, rc.maxUpdates)
		if err != nil {
			return res, err
		}
		res.ServerUpdates = append(res.ServerUpdates, events...)
	}

	rc.log.Info("sync processed",
		"user_id", req.UserID,
		"device_id", req.DeviceID,
		"processed", res.ProcessedCount,
		"failed", res.FailedCount,
		"conflicts", len(res.Conflicts),
		"server_updates", len(res.ServerUpdates),
	)
	return res, nil
}

var errConversationMismatch = errors.New("message belongs to another conversation")

func (rc *Reconciler) apply(ctx context.Context, req SyncRequest, u StatusUpdate) (*Conflict, error) {
	if u.MessageID == "" || !u.Status.Valid() {
		return nil, errors.New("malformed update")
	}
	m, err := rc.messaging.messageFor(ctx, req.UserID, u.MessageID)
	if err != nil {
		return nil, err
	}
	if u.ConversationID != "" && u.ConversationID != m.ConversationID {
		return nil, errConversationMismatch
	}
	// Recipients are compared against their own receipt, not the furthest
	// status any participant reached.
	observed, err := rc.ledger.ObservedStatus(ctx, m, req.UserID)
	if err != nil {
		return nil, err
	}
	if observed == u.Status {
		return nil, nil
	}

	last, err := rc.ledger.LastChange(ctx, m, req.UserID)
	if err != nil {
		return nil, err
	}
	if last.After(u.Timestamp) || observed.Outranks(u.Status) {
		return &Conflict{
			MessageID:       m.ID,
			ServerStatus:    observed,
			ClientStatus:    u.Status,
			ServerTimestamp: last,
		}, nil
	}

	lr := ledger.Request{
		MessageID: m.ID,
		UserID:    req.UserID,
		Status:    u.Status,
		DeviceID:  req.DeviceID,
		Metadata:  u.Metadata,
	}
	var out ledger.Result
	if u.Status == model.Delivered || u.Status == model.Read {
		out, err = rc.messaging.acknowledge(ctx, m, lr)
	} else {
		out, err = rc.ledger.RecordTransition(ctx, lr)
	}
	if err != nil {
		return nil, err
	}
	if out.Outcome == ledger.Rejected {
		return &Conflict{
			MessageID:       m.ID,
			ServerStatus:    out.Status,
			ClientStatus:    u.Status,
			ServerTimestamp: last,
		}, nil
	}
	return nil, nil
}
