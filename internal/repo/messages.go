package repo

import (
	"context"
	"errors"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Transition is a conditional status update: the message moves to To only
// if its current status is one of From. Event is appended in the same
// transaction when the update applies.
//
// With Observer set the transition is a recipient receipt instead: From and
// To apply to the observer's own receipt (model.Sent when none exists yet),
// and the message status is only raised, never lowered.
type Transition struct {
	MessageID string
	Observer  string
	From      []model.Status
	To        model.Status
	At        time.Time
	Event     model.StatusEvent
}

type MessageRepository interface {
	Create(ctx context.Context, m model.Message) error
	Get(ctx context.Context, id string) (model.Message, error)
	ListByConversation(ctx context.Context, conversationID string, before time.Time, limit int) ([]model.Message, error)
	ListRecentBySender(ctx context.Context, conversationID, senderID string, limit int) ([]model.Message, error)
	// ListUnreadFor and ListUndeliveredFor select confirmed messages from
	// other senders by the user's own receipts, not by message status.
	ListUnreadFor(ctx context.Context, conversationID, userID string) ([]model.Message, error)
	ListUndeliveredFor(ctx context.Context, userID string) ([]model.Message, error)

	// ApplyTransition reports applied=false when the conditional update
	// matched no row; the caller re-reads to learn why.
	ApplyTransition(ctx context.Context, t Transition) (applied bool, err error)
	// Receipt reports ok=false when the user has acknowledged nothing yet.
	Receipt(ctx context.Context, messageID, userID string) (model.Receipt, bool, error)
	LatestEvent(ctx context.Context, messageID string) (model.StatusEvent, bool, error)
	EventsSince(ctx context.Context, userID string, since time.Time, limit int) ([]model.StatusEvent, error)
	ReadStatus(ctx context.Context, conversationID, userID string) (model.ConversationReadStatus, error)
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
}

// ConversationDirectory is the narrow view of conversation membership this
// service needs. Conversation CRUD lives elsewhere.
type ConversationDirectory interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ConversationsFor(ctx context.Context, userID string) ([]string, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
	AddParticipant(ctx context.Context, conversationID, userID string) error
}
