package repo

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
)

var (
	_ MessageRepository     = (*Memory)(nil)
	_ ConversationDirectory = (*Memory)(nil)
)

// Memory is an in-process store with the same conditional-update semantics
// as the postgres repository.
type Memory struct {
	mu           sync.RWMutex
	messages     map[string]*model.Message
	events       []model.StatusEvent
	receipts     map[string]map[string]model.Receipt
	participants map[string]map[string]struct{}
	nextEventID  int64
}

func NewMemory() *Memory {
	return &Memory{
		messages:     make(map[string]*model.Message),
		receipts:     make(map[string]map[string]model.Receipt),
		participants: make(map[string]map[string]struct{}),
	}
}

func (r *Memory) Create(ctx context.Context, m model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[m.ID]; ok {
		return ErrConflict
	}
	cp := m
	r.messages[m.ID] = &cp
	return nil
}

func (r *Memory) Get(ctx context.Context, id string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messages[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return *m, nil
}

func (r *Memory) ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Message
	for _, m := range r.sortedLocked() {
		if m.ConversationID != conversationID {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (r *Memory) ListRecentBySender(ctx context.Context, conversationID, senderID string, limit int) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Message
	sorted := r.sortedLocked()
	for i := len(sorted) - 1; i >= 0 && len(out) < limit; i-- {
		m := sorted[i]
		if m.ConversationID == conversationID && m.SenderID == senderID && !m.Deleted() {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Memory) ListUnreadFor(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Message
	for _, m := range r.sortedLocked() {
		if m.ConversationID != conversationID || m.SenderID == userID || m.Deleted() || !m.Status.Confirmed() {
			continue
		}
		if r.receiptLocked(m.ID, userID).Status != model.Read {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Memory) ListUndeliveredFor(ctx context.Context, userID string) ([]model.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.Message
	for _, m := range r.sortedLocked() {
		if m.SenderID == userID || m.Deleted() || !m.Status.Confirmed() {
			continue
		}
		if _, acked := r.receipts[m.ID][userID]; acked {
			continue
		}
		if _, ok := r.participants[m.ConversationID][userID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *Memory) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[t.MessageID]
	if !ok {
		return false, ErrNotFound
	}
	if t.Observer != "" {
		if !slices.Contains(t.From, r.receiptLocked(m.ID, t.Observer).Status) {
			return false, nil
		}
		if r.receipts[m.ID] == nil {
			r.receipts[m.ID] = make(map[string]model.Receipt)
		}
		r.receipts[m.ID][t.Observer] = model.Receipt{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			UserID:         t.Observer,
			Status:         t.To,
			UpdatedAt:      t.At,
		}
		if t.To.Outranks(m.Status) {
			m.Status = t.To
		}
	} else {
		if !slices.Contains(t.From, m.Status) {
			return false, nil
		}
		m.Status = t.To
	}

	at := t.At
	switch t.To {
	case model.Delivered:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
	case model.Read:
		if m.DeliveredAt == nil {
			m.DeliveredAt = &at
		}
		if m.ReadAt == nil {
			m.ReadAt = &at
		}
	}

	r.nextEventID++
	ev := t.Event
	ev.ID = r.nextEventID
	r.events = append(r.events, ev)
	return true, nil
}

func (r *Memory) Receipt(ctx context.Context, messageID, userID string) (model.Receipt, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rc, ok := r.receipts[messageID][userID]
	return rc, ok, nil
}

// receiptLocked returns the user's receipt, defaulting to sent. Callers
// hold mu.
func (r *Memory) receiptLocked(messageID, userID string) model.Receipt {
	if rc, ok := r.receipts[messageID][userID]; ok {
		return rc
	}
	return model.Receipt{MessageID: messageID, UserID: userID, Status: model.Sent}
}

func (r *Memory) LatestEvent(ctx context.Context, messageID string) (model.StatusEvent, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		latest model.StatusEvent
		found  bool
	)
	for _, ev := range r.events {
		if ev.MessageID != messageID {
			continue
		}
		if !found || !ev.Timestamp.Before(latest.Timestamp) {
			latest = ev
			found = true
		}
	}
	return latest, found, nil
}

func (r *Memory) EventsSince(ctx context.Context, userID string, since time.Time, limit int) ([]model.StatusEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.StatusEvent
	for _, ev := range r.events {
		if !ev.Timestamp.After(since) {
			continue
		}
		if _, ok := r.participants[ev.ConversationID][userID]; !ok {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Memory) ReadStatus(ctx context.Context, conversationID, userID string) (model.ConversationReadStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rs := model.ConversationReadStatus{ConversationID: conversationID, UserID: userID}

	var marker *model.Message
	for id, byUser := range r.receipts {
		rc, ok := byUser[userID]
		if !ok || rc.ConversationID != conversationID || rc.Status != model.Read {
			continue
		}
		m := r.messages[id]
		if marker == nil || m.CreatedAt.After(marker.CreatedAt) {
			marker = m
			at := rc.UpdatedAt
			rs.LastReadAt = &at
		}
	}
	if marker != nil {
		rs.LastReadMessageID = marker.ID
	}

	for _, m := range r.messages {
		if m.ConversationID != conversationID || m.SenderID == userID || m.Deleted() {
			continue
		}
		if marker == nil || m.CreatedAt.After(marker.CreatedAt) {
			rs.UnreadCount++
		}
	}
	return rs, nil
}

func (r *Memory) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	var pruned int64
	for _, ev := range r.events {
		if ev.Timestamp.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return pruned, nil
}

func (r *Memory) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.participants[conversationID][userID]
	return ok, nil
}

func (r *Memory) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for conv, users := range r.participants {
		if _, ok := users[userID]; ok {
			out = append(out, conv)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *Memory) Participants(ctx context.Context, conversationID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.participants[conversationID]))
	for u := range r.participants[conversationID] {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Memory) AddParticipant(ctx context.Context, conversationID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.participants[conversationID] == nil {
		r.participants[conversationID] = make(map[string]struct{})
	}
	r.participants[conversationID][userID] = struct{}{}
	return nil
}

// sortedLocked returns a snapshot ordered by creation time. Callers hold mu.
func (r *Memory) sortedLocked() []model.Message {
	out := make([]model.Message, 0, len(r.messages))
	for _, m := range r.messages {
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
