package model

import "time"

type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// transitions is the legal status graph. read is terminal.
var transitions = map[Status][]Status{
	Sending:   {Sent, Failed},
	Sent:      {Delivered, Failed},
	Delivered: {Read},
	Read:      nil,
	Failed:    {Sending},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Priority orders statuses failed < sending < sent < delivered < read.
func (s Status) Priority() int {
	switch s {
	case Failed:
		return 0
	case Sending:
		return 1
	case Sent:
		return 2
	case Delivered:
		return 3
	case Read:
		return 4
	default:
		return -1
	}
}

// Outranks reports whether s has a strictly higher priority than other.
func (s Status) Outranks(other Status) bool {
	return s.Priority() > other.Priority()
}

// Confirmed reports whether the server has acknowledged the message.
func (s Status) Confirmed() bool {
	return s == Sent || s == Delivered || s == Read
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every status that may legally move to `to`.
func Predecessors(to Status) []Status {
	var out []Status
	for _, from := range []Status{Sending, Sent, Delivered, Read, Failed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	ClientID       string     `json:"clientId,omitempty"`
	Content        string     `json:"content"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
}

func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}
