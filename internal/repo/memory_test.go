package repo

import (
	"context"
	"testing"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupStore(t *testing.T) (*Memory, model.Message) {
	t.Helper()
	r := NewMemory()
	ctx := context.Background()
	for _, u := range []string{"alice", "bob", "carol"} {
		require.NoError(t, r.AddParticipant(ctx, "conv-1", u))
	}
	m := model.Message{
		ID:             "m1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		Status:         model.Sent,
		CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, r.Create(ctx, m))
	return r, m
}

func receiptTransition(m model.Message, user string, from, to model.Status, at time.Time) Transition {
	return Transition{
		MessageID: m.ID,
		Observer:  user,
		From:      []model.Status{from},
		To:        to,
		At:        at,
		Event: model.StatusEvent{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			UserID:         user,
			Status:         to,
			PreviousStatus: from,
			Timestamp:      at,
		},
	}
}

func TestMemory_ReceiptsAreKeptPerUser(t *testing.T) {
	r, m := groupStore(t)
	ctx := context.Background()
	at := m.CreatedAt.Add(time.Minute)

	for _, st := range [][2]model.Status{{model.Sent, model.Delivered}, {model.Delivered, model.Read}} {
		ok, err := r.ApplyTransition(ctx, receiptTransition(m, "bob", st[0], st[1], at))
		require.NoError(t, err)
		require.True(t, ok)
	}

	stored, err := r.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Read, stored.Status)

	unread, err := r.ListUnreadFor(ctx, "conv-1", "carol")
	require.NoError(t, err)
	require.Len(t, unread, 1, "bob reading does not read for carol")

	pending, err := r.ListUndeliveredFor(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// A lower receipt from carol leaves the message status where it is.
	ok, err := r.ApplyTransition(ctx, receiptTransition(m, "carol", model.Sent, model.Delivered, at))
	require.NoError(t, err)
	require.True(t, ok)
	stored, err = r.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Read, stored.Status)

	rc, found, err := r.Receipt(ctx, m.ID, "carol")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.Delivered, rc.Status)

	rs, err := r.ReadStatus(ctx, "conv-1", "carol")
	require.NoError(t, err)
	assert.Empty(t, rs.LastReadMessageID)
	assert.Equal(t, 1, rs.UnreadCount)

	rs, err = r.ReadStatus(ctx, "conv-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, m.ID, rs.LastReadMessageID)
	assert.Equal(t, 0, rs.UnreadCount)
}

func TestMemory_ReceiptTransitionLosesOnStaleFrom(t *testing.T) {
	r, m := groupStore(t)
	ctx := context.Background()
	at := m.CreatedAt.Add(time.Minute)

	ok, err := r.ApplyTransition(ctx, receiptTransition(m, "bob", model.Sent, model.Delivered, at))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.ApplyTransition(ctx, receiptTransition(m, "bob", model.Sent, model.Delivered, at))
	require.NoError(t, err)
	assert.False(t, ok)

	evs, err := r.EventsSince(ctx, "bob", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}
