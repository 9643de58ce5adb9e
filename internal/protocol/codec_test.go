package protocol

import (
	"testing"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []Event{
		JoinConversation{ConversationID: "c1"},
		TypingStart{ConversationID: "c1"},
		UserTyping{UserID: "u1", ConversationID: "c1", IsTyping: true},
		ConversationRead{ConversationID: "c1", UserID: "u2", MessageIDs: []string{"m1", "m2"}, ReadAt: now},
		NewMessage{Message: model.Message{ID: "m1", ConversationID: "c1", SenderID: "u1", ClientID: "tmp-1", Status: model.Sent, CreatedAt: now}},
		Connected{User: ConnectedUser{ID: "u1"}, Timestamp: now},
	}

	for _, ev := range events {
		t.Run(string(ev.EventType()), func(t *testing.T) {
			b, err := Encode(ev)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"not json", `{`, ErrInvalidEvent},
		{"unknown type", `{"type":"shout","data":{}}`, ErrUnknownEvent},
		{"missing conversation", `{"type":"join_conversation","data":{}}`, ErrInvalidEvent},
		{"missing payload", `{"type":"mark_read"}`, ErrInvalidEvent},
		{"wrong field type", `{"type":"typing_start","data":{"conversationId":5}}`, ErrInvalidEvent},
		{"ack without message", `{"type":"message_delivered","data":{"conversationId":"c1"}}`, ErrInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestQueueable(t *testing.T) {
	assert.True(t, Queueable(TypeJoinConversation))
	assert.True(t, Queueable(TypeMarkRead))
	assert.True(t, Queueable(TypeMessageDelivered))
	assert.False(t, Queueable(TypeNewMessage))
	assert.False(t, Queueable(TypeOnlineUsers))
	assert.False(t, Queueable(TypeConnected))
}
