package model

import "time"

// StatusEvent is one row of the append-only status ledger.
type StatusEvent struct {
	ID             int64          `json:"id"`
	MessageID      string         `json:"messageId"`
	ConversationID string         `json:"conversationId"`
	UserID         string         `json:"userId"`
	Status         Status         `json:"status"`
	PreviousStatus Status         `json:"previousStatus"`
	Timestamp      time.Time      `json:"timestamp"`
	DeviceID       string         `json:"deviceId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Receipt is one recipient's own progress on a message. It survives event
// pruning, unlike the ledger rows that produced it.
type Receipt struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Status         Status    `json:"status"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ConversationReadStatus is derived from messages newer than the user's
// last read marker. It is never stored.
type ConversationReadStatus struct {
	ConversationID    string     `json:"conversationId"`
	UserID            string     `json:"userId"`
	LastReadMessageID string     `json:"lastReadMessageId,omitempty"`
	LastReadAt        *time.Time `json:"lastReadAt,omitempty"`
	UnreadCount       int        `json:"unreadCount"`
}
