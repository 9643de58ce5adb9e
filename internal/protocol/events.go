// Package protocol defines the socket event surface as a closed set of
// tagged variants. Frames are validated when decoded.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
)

type Type string

const (
	TypeJoinConversation  Type = "join_conversation"
	TypeLeaveConversation Type = "leave_conversation"
	TypeTypingStart       Type = "typing_start"
	TypeTypingStop        Type = "typing_stop"
	TypeMarkRead          Type = "mark_read"
	TypeNewMessage        Type = "new_message"
	TypeMessageDelivered  Type = "message_delivered"
	TypeMessageRead       Type = "message_read"
	TypeConversationRead  Type = "conversation_read"
	TypeUserTyping        Type = "user_typing"
	TypeOnlineUsers       Type = "online_users"
	TypeConnected         Type = "connected"
	TypeConnectError      Type = "connect_error"
	TypeDisconnect        Type = "disconnect"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrInvalidEvent = errors.New("invalid event")
)

// Event is implemented by every variant.
type Event interface {
	EventType() Type
	validate() error
}

// Frame is the wire envelope.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinConversation struct {
	ConversationID string `json:"conversationId"`
}

type LeaveConversation struct {
	ConversationID string `json:"conversationId"`
}

type TypingStart struct {
	ConversationID string `json:"conversationId"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId"`
}

type MarkRead struct {
	ConversationID string `json:"conversationId"`
}

type NewMessage struct {
	Message model.Message `json:"message"`
}

// MessageDelivered flows both ways: clients send it as a delivery ack
// (DeliveredAt empty) and receive it as a broadcast. UserID names the
// recipient whose receipt moved; in a group each recipient produces one.
type MessageDelivered struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId,omitempty"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

type MessageRead struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

type ConversationRead struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId,omitempty"`
	MessageIDs     []string  `json:"messageIds"`
	ReadAt         time.Time `json:"readAt"`
}

type UserTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type OnlineUsers struct {
	UserIDs []string `json:"userIds"`
}

type ConnectedUser struct {
	ID string `json:"id"`
}

type Connected struct {
	User      ConnectedUser `json:"user"`
	Timestamp time.Time     `json:"timestamp"`
}

type ConnectError struct {
	Message string `json:"message"`
}

type Disconnect struct {
	Reason string `json:"reason"`
}

func (JoinConversation) EventType() Type  { return TypeJoinConversation }
func (LeaveConversation) EventType() Type { return TypeLeaveConversation }
func (TypingStart) EventType() Type       { return TypeTypingStart }
func (TypingStop) EventType() Type        { return TypeTypingStop }
func (MarkRead) EventType() Type          { return TypeMarkRead }
func (NewMessage) EventType() Type        { return TypeNewMessage }
func (MessageDelivered) EventType() Type  { return TypeMessageDelivered }
func (MessageRead) EventType() Type       { return TypeMessageRead }
func (ConversationRead) EventType() Type  { return TypeConversationRead }
func (UserTyping) EventType() Type        { return TypeUserTyping }
func (OnlineUsers) EventType() Type       { return TypeOnlineUsers }
func (Connected) EventType() Type         { return TypeConnected }
func (ConnectError) EventType() Type      { return TypeConnectError }
func (Disconnect) EventType() Type        { return TypeDisconnect }

func requireField(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidEvent, name)
	}
	return nil
}

func (e JoinConversation) validate() error  { return requireField("conversationId", e.ConversationID) }
func (e LeaveConversation) validate() error { return requireField("conversationId", e.ConversationID) }
func (e TypingStart) validate() error       { return requireField("conversationId", e.ConversationID) }
func (e TypingStop) validate() error        { return requireField("conversationId", e.ConversationID) }
func (e MarkRead) validate() error          { return requireField("conversationId", e.ConversationID) }
func (e MessageDelivered) validate() error  { return requireField("messageId", e.MessageID) }
func (e MessageRead) validate() error       { return requireField("messageId", e.MessageID) }
func (e ConversationRead) validate() error  { return requireField("conversationId", e.ConversationID) }
func (e OnlineUsers) validate() error       { return nil }
func (e ConnectError) validate() error      { return nil }
func (e Disconnect) validate() error        { return nil }

func (e NewMessage) validate() error {
	if err := requireField("message.id", e.Message.ID); err != nil {
		return err
	}
	return requireField("message.conversationId", e.Message.ConversationID)
}

func (e UserTyping) validate() error {
	if err := requireField("userId", e.UserID); err != nil {
		return err
	}
	return requireField("conversationId", e.ConversationID)
}

func (e Connected) validate() error {
	return requireField("user.id", e.User.ID)
}

// Queueable reports whether a client may buffer the event while offline
// and replay it after reconnecting.
func Queueable(t Type) bool {
	switch t {
	case TypeJoinConversation, TypeLeaveConversation, TypeTypingStart, TypeTypingStop,
		TypeMarkRead, TypeMessageDelivered:
		return true
	default:
		return false
	}
}

// ClientSent reports whether clients are allowed to send the event.
func ClientSent(t Type) bool {
	return Queueable(t)
}
