package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Arefin090/finnigram/internal/localcache"
	"github.com/Arefin090/finnigram/internal/model"
	"github.com/Arefin090/finnigram/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu        sync.Mutex
	requests  []service.SyncRequest
	result    service.SyncResult
	syncErr   error
	logoutErr error
	logouts   []bool
}

func (f *fakeRemote) Sync(_ context.Context, req service.SyncRequest) (service.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.syncErr != nil {
		return service.SyncResult{}, f.syncErr
	}
	return f.result, nil
}

func (f *fakeRemote) Logout(_ context.Context, all bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts = append(f.logouts, all)
	return f.logoutErr
}

func (f *fakeRemote) syncRequests() []service.SyncRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]service.SyncRequest(nil), f.requests...)
}

func newMemCache(t *testing.T) *localcache.Cache {
	t.Helper()
	c, err := localcache.New(localcache.NewMemoryStore(), localcache.Options{})
	require.NoError(t, err)
	return c
}

func cached(t *testing.T, c *localcache.Cache, conv string) {
	t.Helper()
	require.NoError(t, c.Put(conv, []model.Message{{ID: conv + "-m1", ConversationID: conv, Status: model.Sent}}, localcache.Medium))
}

func TestOutbox_RecordKeepsMostAdvancedUpdate(t *testing.T) {
	o := NewOutbox(&fakeRemote{}, nil, "phone", nil)

	o.Record(service.StatusUpdate{MessageID: "m1", ConversationID: "c1", Status: model.Delivered})
	o.Record(service.StatusUpdate{MessageID: "m2", ConversationID: "c1", Status: model.Delivered})
	o.Record(service.StatusUpdate{MessageID: "m1", ConversationID: "c1", Status: model.Read})
	o.Record(service.StatusUpdate{MessageID: "m1", ConversationID: "c1", Status: model.Delivered})

	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].MessageID)
	assert.Equal(t, model.Read, pending[0].Status)
	assert.True(t, o.Queued("m1", model.Delivered))
	assert.False(t, o.Queued("m2", model.Read))
}

func TestOutbox_FlushInvalidatesDivergedConversations(t *testing.T) {
	syncAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	remote := &fakeRemote{result: service.SyncResult{
		ProcessedCount: 1,
		Conflicts:      []service.Conflict{{MessageID: "m2", ServerStatus: model.Read, ClientStatus: model.Delivered}},
		ServerUpdates:  []model.StatusEvent{{MessageID: "m9", ConversationID: "c3", Status: model.Read}},
		SyncTimestamp:  syncAt,
	}}
	cache := newMemCache(t)
	for _, conv := range []string{"c1", "c2", "c3", "c4"} {
		cached(t, cache, conv)
	}

	o := NewOutbox(remote, cache, "phone", nil)
	o.Record(service.StatusUpdate{MessageID: "m1", ConversationID: "c1", Status: model.Delivered})
	o.Record(service.StatusUpdate{MessageID: "m2", ConversationID: "c2", Status: model.Delivered})

	res, err := o.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProcessedCount)
	assert.Empty(t, o.Pending())
	assert.Equal(t, syncAt, o.LastSync())

	reqs := remote.syncRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "phone", reqs[0].DeviceID)
	assert.Nil(t, reqs[0].LastSyncTimestamp)
	assert.Len(t, reqs[0].StatusUpdates, 2)

	_, ok := cache.Get("c1")
	assert.True(t, ok, "accepted update keeps its conversation cached")
	_, ok = cache.Get("c2")
	assert.False(t, ok, "conflicting conversation is invalidated")
	_, ok = cache.Get("c3")
	assert.False(t, ok, "conversation with server updates is invalidated")
	_, ok = cache.Get("c4")
	assert.True(t, ok)

	_, err = o.Flush(context.Background())
	require.NoError(t, err)
	reqs = remote.syncRequests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[1].LastSyncTimestamp)
	assert.Equal(t, syncAt, *reqs[1].LastSyncTimestamp)
	assert.Empty(t, reqs[1].StatusUpdates)
}

func TestOutbox_FlushFailureRestoresBatch(t *testing.T) {
	remote := &fakeRemote{syncErr: errors.New("network down")}
	o := NewOutbox(remote, nil, "phone", nil)
	o.Record(service.StatusUpdate{MessageID: "m1", ConversationID: "c1", Status: model.Delivered})
	o.Record(service.StatusUpdate{MessageID: "m2", ConversationID: "c1", Status: model.Read})

	_, err := o.Flush(context.Background())
	require.Error(t, err)

	pending := o.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "m1", pending[0].MessageID)
	assert.Equal(t, "m2", pending[1].MessageID)
	assert.True(t, o.LastSync().IsZero())
	assert.Equal(t, 2, o.Clear())
}
