// Package ledger owns the authoritative per-message status and the
// append-only record of every transition observed for it.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
	"github.com/Arefin090/finnigram/internal/repo"
)

type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Rejected  Outcome = "rejected"
)

type Request struct {
	MessageID string
	UserID    string
	Status    model.Status
	DeviceID  string
	Metadata  map[string]any
}

// Result always carries the authoritative status after the call, whatever
// the outcome. For a recipient's delivered or read it is that recipient's
// own status; the message status only records the furthest any reached.
type Result struct {
	MessageID      string             `json:"messageId"`
	ConversationID string             `json:"conversationId"`
	Status         model.Status       `json:"status"`
	Outcome        Outcome            `json:"outcome"`
	Reason         string             `json:"reason,omitempty"`
	Event          *model.StatusEvent `json:"event,omitempty"`
}

type Options struct {
	// Strict rejects transitions missing from the legal table. When false,
	// forward skips (e.g. sent→read) are allowed with a warning; downgrades
	// are always rejected.
	Strict          bool
	AggregateWindow int
	Now             func() time.Time
	Logger          *slog.Logger
}

type Ledger struct {
	repo   repo.MessageRepository
	strict bool
	window int
	now    func() time.Time
	log    *slog.Logger
}

func New(r repo.MessageRepository, opts Options) *Ledger {
	if opts.AggregateWindow <= 0 {
		opts.AggregateWindow = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ledger{
		repo:   r,
		strict: opts.Strict,
		window: opts.AggregateWindow,
		now:    opts.Now,
		log:    opts.Logger,
	}
}

// RecordTransition validates and applies one status transition. Invalid
// requests are not errors: they come back as Rejected with the current
// status. Errors are reserved for unknown messages and store failures.
func (l *Ledger) RecordTransition(ctx context.Context, req Request) (Result, error) {
	if !req.Status.Valid() {
		return Result{}, fmt.Errorf("unknown status %q", req.Status)
	}

	m, err := l.repo.Get(ctx, req.MessageID)
	if err != nil {
		return Result{}, fmt.Errorf("load message %s: %w", req.MessageID, err)
	}
	if req.UserID != m.SenderID && (req.Status == model.Delivered || req.Status == model.Read) {
		return l.recordReceipt(ctx, m, req)
	}
	res := Result{MessageID: m.ID, ConversationID: m.ConversationID, Status: m.Status}

	if m.Status == req.Status {
		res.Outcome = Duplicate
		return res, nil
	}

	if (req.Status == model.Delivered || req.Status == model.Read) && req.UserID == m.SenderID {
		return l.reject(res, req, "sender cannot acknowledge own message"), nil
	}
	if (req.Status == model.Sent || req.Status == model.Sending || req.Status == model.Failed) && req.UserID != m.SenderID {
		return l.reject(res, req, "only the sender drives delivery to the server"), nil
	}

	from := []model.Status{m.Status}
	if !model.CanTransition(m.Status, req.Status) {
		if l.strict || !req.Status.Outranks(m.Status) {
			return l.reject(res, req, "illegal transition"), nil
		}
		l.log.Warn("state violation allowed",
			"message_id", m.ID, "from", m.Status, "to", req.Status, "user_id", req.UserID)
	}

	now := l.now().UTC()
	ev := model.StatusEvent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		UserID:         req.UserID,
		Status:         req.Status,
		PreviousStatus: m.Status,
		Timestamp:      now,
		DeviceID:       req.DeviceID,
		Metadata:       req.Metadata,
	}
	applied, err := l.repo.ApplyTransition(ctx, repo.Transition{
		MessageID: m.ID,
		From:      from,
		To:        req.Status,
		At:        now,
		Event:     ev,
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply transition %s→%s: %w", m.Status, req.Status, err)
	}
	if applied {
		res.Status = req.Status
		res.Outcome = Applied
		res.Event = &ev
		return res, nil
	}

	// Lost a race against a concurrent writer.
	current, err := l.repo.Get(ctx, m.ID)
	if err != nil {
		return Result{}, fmt.Errorf("reload message %s: %w", m.ID, err)
	}
	res.Status = current.Status
	if current.Status == req.Status {
		res.Outcome = Duplicate
		return res, nil
	}
	return l.reject(res, req, "concurrent update"), nil
}

// recordReceipt applies a recipient's delivered or read against that
// recipient's own receipt, so every participant gets one event per status.
// Result.Status is the recipient's status.
func (l *Ledger) recordReceipt(ctx context.Context, m model.Message, req Request) (Result, error) {
	current, err := l.ObservedStatus(ctx, m, req.UserID)
	if err != nil {
		return Result{}, err
	}
	res := Result{MessageID: m.ID, ConversationID: m.ConversationID, Status: current}

	if current == req.Status {
		res.Outcome = Duplicate
		return res, nil
	}
	if !m.Status.Confirmed() {
		res.Status = m.Status
		return l.reject(res, req, "message not confirmed by the server"), nil
	}
	if !model.CanTransition(current, req.Status) {
		if l.strict || !req.Status.Outranks(current) {
			return l.reject(res, req, "illegal transition"), nil
		}
		l.log.Warn("state violation allowed",
			"message_id", m.ID, "from", current, "to", req.Status, "user_id", req.UserID)
	}

	now := l.now().UTC()
	ev := model.StatusEvent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		UserID:         req.UserID,
		Status:         req.Status,
		PreviousStatus: current,
		Timestamp:      now,
		DeviceID:       req.DeviceID,
		Metadata:       req.Metadata,
	}
	applied, err := l.repo.ApplyTransition(ctx, repo.Transition{
		MessageID: m.ID,
		Observer:  req.UserID,
		From:      []model.Status{current},
		To:        req.Status,
		At:        now,
		Event:     ev,
	})
	if err != nil {
		return Result{}, fmt.Errorf("apply receipt %s→%s: %w", current, req.Status, err)
	}
	if applied {
		res.Status = req.Status
		res.Outcome = Applied
		res.Event = &ev
		return res, nil
	}

	latest, err := l.ObservedStatus(ctx, m, req.UserID)
	if err != nil {
		return Result{}, err
	}
	res.Status = latest
	if latest == req.Status {
		res.Outcome = Duplicate
		return res, nil
	}
	return l.reject(res, req, "concurrent update"), nil
}

// ObservedStatus is the message status as userID sees it: the message
// status for its sender, the user's own receipt for everyone else.
func (l *Ledger) ObservedStatus(ctx context.Context, m model.Message, userID string) (model.Status, error) {
	if userID == m.SenderID || !m.Status.Confirmed() {
		return m.Status, nil
	}
	rc, ok, err := l.repo.Receipt(ctx, m.ID, userID)
	if err != nil {
		return "", fmt.Errorf("load receipt %s/%s: %w", m.ID, userID, err)
	}
	if !ok {
		return model.Sent, nil
	}
	return rc.Status, nil
}

func (l *Ledger) reject(res Result, req Request, reason string) Result {
	l.log.Warn("status transition rejected",
		"message_id", req.MessageID,
		"from", res.Status,
		"to", req.Status,
		"user_id", req.UserID,
		"reason", reason,
	)
	res.Outcome = Rejected
	res.Reason = reason
	return res
}

// Advance moves a recipient-side status forward through the legal graph,
// recording each intermediate step, so that reading a message that was
// never acknowledged as delivered records delivered first.
func (l *Ledger) Advance(ctx context.Context, req Request) (Result, error) {
	if req.Status != model.Read {
		return l.RecordTransition(ctx, req)
	}
	m, err := l.repo.Get(ctx, req.MessageID)
	if err != nil {
		return Result{}, fmt.Errorf("load message %s: %w", req.MessageID, err)
	}
	current, err := l.ObservedStatus(ctx, m, req.UserID)
	if err != nil {
		return Result{}, err
	}
	if current == model.Sent {
		step := req
		step.Status = model.Delivered
		res, err := l.RecordTransition(ctx, step)
		if err != nil {
			return Result{}, err
		}
		if res.Outcome == Rejected {
			return res, nil
		}
	}
	return l.RecordTransition(ctx, req)
}

func (l *Ledger) CurrentStatus(ctx context.Context, messageID string) (model.Status, error) {
	m, err := l.repo.Get(ctx, messageID)
	if err != nil {
		return "", fmt.Errorf("load message %s: %w", messageID, err)
	}
	return m.Status, nil
}

// LastChange returns when the status userID observes last moved: the
// user's own receipt for recipients, otherwise the most recent ledger event.
// It falls back to the creation time.
func (l *Ledger) LastChange(ctx context.Context, m model.Message, userID string) (time.Time, error) {
	if userID != m.SenderID {
		rc, ok, err := l.repo.Receipt(ctx, m.ID, userID)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return rc.UpdatedAt, nil
		}
		return m.CreatedAt, nil
	}
	ev, ok, err := l.repo.LatestEvent(ctx, m.ID)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return m.CreatedAt, nil
	}
	return ev.Timestamp, nil
}

// AggregateConversationStatus derives the display status for a user's own
// outgoing messages: the status of the newest confirmed message among the
// last N they sent. With nothing confirmed it falls back to the newest
// message's status; ok is false when the user has sent nothing.
func (l *Ledger) AggregateConversationStatus(ctx context.Context, conversationID, userID string) (model.Status, bool, error) {
	recent, err := l.repo.ListRecentBySender(ctx, conversationID, userID, l.window)
	if err != nil {
		return "", false, err
	}
	if len(recent) == 0 {
		return "", false, nil
	}
	for _, m := range recent {
		if m.Status.Confirmed() {
			return m.Status, true, nil
		}
	}
	return recent[0].Status, true, nil
}

func (l *Ledger) ReadStatus(ctx context.Context, conversationID, userID string) (model.ConversationReadStatus, error) {
	return l.repo.ReadStatus(ctx, conversationID, userID)
}

// Prune drops events older than the retention window. Message status
// fields are untouched.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention)
	n, err := l.repo.PruneEvents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Info("pruned status events", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
