package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Arefin090/finnigram/internal/ledger"
	"github.com/Arefin090/finnigram/internal/model"
	"github.com/Arefin090/finnigram/internal/protocol"
	"github.com/Arefin090/finnigram/internal/repo"
	"github.com/google/uuid"
)

var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrContentTooLong = errors.New("message content too long")
	ErrNotParticipant = errors.New("not a participant of the conversation")
)

// Publisher fans an event out to every socket the users hold, on any
// instance.
type Publisher interface {
	ToUsers(ctx context.Context, userIDs []string, ev protocol.Event) error
}

type Options struct {
	ContentMax int
	Now        func() time.Time
	Logger     *slog.Logger
}

type Messaging struct {
	repo       repo.MessageRepository
	dir        repo.ConversationDirectory
	ledger     *ledger.Ledger
	pub        Publisher
	contentMax int
	now        func() time.Time
	log        *slog.Logger
}

func NewMessaging(r repo.MessageRepository, dir repo.ConversationDirectory, l *ledger.Ledger, pub Publisher, opts Options) *Messaging {
	if opts.ContentMax <= 0 {
		opts.ContentMax = 4000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Messaging{
		repo:       r,
		dir:        dir,
		ledger:     l,
		pub:        pub,
		contentMax: opts.ContentMax,
		now:        opts.Now,
		log:        opts.Logger,
	}
}

type SendRequest struct {
	ConversationID string
	SenderID       string
	// ClientID correlates the optimistic copy on the sending device with
	// the server echo. Generated when empty.
	ClientID string
	Content  string
	DeviceID string
}

// ReadReceipt lists the messages a conversation-wide read moved to read.
type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

// Send persists the message as sending, confirms it as sent and pushes it
// to every participant, the sender's other devices included.
func (s *Messaging) Send(ctx context.Context, req SendRequest) (model.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return model.Message{}, ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > s.contentMax {
		return model.Message{}, fmt.Errorf("%w: exceeds %d chars", ErrContentTooLong, s.contentMax)
	}
	if err := s.requireParticipant(ctx, req.ConversationID, req.SenderID); err != nil {
		return model.Message{}, err
	}

	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	m := model.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		ClientID:       clientID,
		Content:        content,
		Status:         model.Sending,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.repo.Create(ctx, m); err != nil {
		return model.Message{}, fmt.Errorf("create message: %w", err)
	}

	res, err := s.ledger.RecordTransition(ctx, ledger.Request{
		MessageID: m.ID,
		UserID:    m.SenderID,
		Status:    model.Sent,
		DeviceID:  req.DeviceID,
	})
	if err != nil {
		return m, fmt.Errorf("confirm message %s: %w", m.ID, err)
	}
	m.Status = res.Status

	participants, err := s.dir.Participants(ctx, m.ConversationID)
	if err != nil {
		s.log.Warn("participants lookup failed", "conversation_id", m.ConversationID, "error", err)
		return m, nil
	}
	s.publish(ctx, participants, protocol.NewMessage{Message: m})
	return m, nil
}

func (s *Messaging) MarkDelivered(ctx context.Context, userID, messageID, deviceID string) (ledger.Result, error) {
	m, err := s.messageFor(ctx, userID, messageID)
	if err != nil {
		return ledger.Result{}, err
	}
	return s.acknowledge(ctx, m, ledger.Request{MessageID: m.ID, UserID: userID, Status: model.Delivered, DeviceID: deviceID})
}

// MarkRead records delivered first when the message skipped it.
func (s *Messaging) MarkRead(ctx context.Context, userID, messageID, deviceID string) (ledger.Result, error) {
	m, err := s.messageFor(ctx, userID, messageID)
	if err != nil {
		return ledger.Result{}, err
	}
	return s.acknowledge(ctx, m, ledger.Request{MessageID: m.ID, UserID: userID, Status: model.Read, DeviceID: deviceID})
}

// acknowledge applies a recipient-side transition and tells the sender.
func (s *Messaging) acknowledge(ctx context.Context, m model.Message, req ledger.Request) (ledger.Result, error) {
	res, err := s.ledger.Advance(ctx, req)
	if err != nil {
		return ledger.Result{}, err
	}
	if res.Outcome != ledger.Applied || res.Event == nil {
		return res, nil
	}

	switch res.Status {
	case model.Delivered:
		s.publish(ctx, []string{m.SenderID}, protocol.MessageDelivered{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			UserID:         req.UserID,
			DeliveredAt:    res.Event.Timestamp,
		})
	case model.Read:
		s.publish(ctx, []string{m.SenderID}, protocol.MessageRead{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			UserID:         req.UserID,
			ReadAt:         res.Event.Timestamp,
		})
	}
	return res, nil
}

// MarkConversationRead moves every unread message from other participants
// to read and announces them in one conversation_read event.
func (s *Messaging) MarkConversationRead(ctx context.Context, userID, conversationID, deviceID string) (ReadReceipt, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return ReadReceipt{}, err
	}
	unread, err := s.repo.ListUnreadFor(ctx, conversationID, userID)
	if err != nil {
		return ReadReceipt{}, fmt.Errorf("list unread: %w", err)
	}

	receipt := ReadReceipt{ConversationID: conversationID, MessageIDs: []string{}, ReadAt: s.now().UTC()}
	for _, m := range unread {
		res, err := s.ledger.Advance(ctx, ledger.Request{MessageID: m.ID, UserID: userID, Status: model.Read, DeviceID: deviceID})
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return receipt, fmt.Errorf("mark %s read: %w", m.ID, err)
		}
		if res.Outcome == ledger.Applied {
			receipt.MessageIDs = append(receipt.MessageIDs, m.ID)
		}
	}
	if len(receipt.MessageIDs) == 0 {
		return receipt, nil
	}

	participants, err := s.dir.Participants(ctx, conversationID)
	if err != nil {
		s.log.Warn("participants lookup failed", "conversation_id", conversationID, "error", err)
		return receipt, nil
	}
	s.publish(ctx, participants, protocol.ConversationRead{
		ConversationID: conversationID,
		UserID:         userID,
		MessageIDs:     receipt.MessageIDs,
		ReadAt:         receipt.ReadAt,
	})
	return receipt, nil
}

// DeliverPending acknowledges every message that reached the server while
// the user was offline.
func (s *Messaging) DeliverPending(ctx context.Context, userID, deviceID string) (int, error) {
	pending, err := s.repo.ListUndeliveredFor(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list undelivered: %w", err)
	}
	n := 0
	for _, m := range pending {
		res, err := s.acknowledge(ctx, m, ledger.Request{MessageID: m.ID, UserID: userID, Status: model.Delivered, DeviceID: deviceID})
		if err != nil {
			s.log.Warn("auto-ack failed", "message_id", m.ID, "user_id", userID, "error", err)
			continue
		}
		if res.Outcome == ledger.Applied {
			n++
		}
	}
	return n, nil
}

// ConversationStatus reports the aggregate status of the user's own
// messages in the conversation. ok is false when they sent none.
func (s *Messaging) ConversationStatus(ctx context.Context, userID, conversationID string) (model.Status, bool, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return "", false, err
	}
	return s.ledger.AggregateConversationStatus(ctx, conversationID, userID)
}

func (s *Messaging) ReadStatus(ctx context.Context, userID, conversationID string) (model.ConversationReadStatus, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return model.ConversationReadStatus{}, err
	}
	return s.ledger.ReadStatus(ctx, conversationID, userID)
}

// Messages pages backwards from before (zero means newest), oldest first.
func (s *Messaging) Messages(ctx context.Context, userID, conversationID string, before time.Time, limit int) ([]model.Message, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListByConversation(ctx, conversationID, before, limit)
}

func (s *Messaging) Message(ctx context.Context, userID, messageID string) (model.Message, error) {
	return s.messageFor(ctx, userID, messageID)
}

func (s *Messaging) messageFor(ctx context.Context, userID, messageID string) (model.Message, error) {
	m, err := s.repo.Get(ctx, messageID)
	if err != nil {
		return model.Message{}, err
	}
	if err := s.requireParticipant(ctx, m.ConversationID, userID); err != nil {
		return model.Message{}, err
	}
	return m, nil
}

func (s *Messaging) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := s.dir.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

func (s *Messaging) publish(ctx context.Context, users []string, ev protocol.Event) {
	if s.pub == nil {
		return
	}
	if err := s.pub.ToUsers(ctx, users, ev); err != nil {
		s.log.Warn("event publish failed", "type", ev.EventType(), "error", err)
	}
}
