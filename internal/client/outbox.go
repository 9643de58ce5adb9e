package client

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Arefin090/finnigram/internal/localcache"
	"github.com/Arefin090/finnigram/internal/model"
	"github.com/Arefin090/finnigram/internal/service"
)

type Syncer interface {
	Sync(ctx context.Context, req service.SyncRequest) (service.SyncResult, error)
}

// Outbox holds status changes made while offline until they can be
// reconciled with the server. One update is kept per message: the most
// advanced one.
type Outbox struct {
	api      Syncer
	cache    *localcache.Cache
	deviceID string
	log      *slog.Logger

	mu       sync.Mutex
	pending  []service.StatusUpdate
	lastSync time.Time
}

// NewOutbox takes an optional cache whose conversations are invalidated
// whenever the server disagrees with, or adds to, what the device knew.
func NewOutbox(api Syncer, cache *localcache.Cache, deviceID string, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		api:      api,
		cache:    cache,
		deviceID: deviceID,
		log:      logger.With("component", "outbox"),
	}
}

func (o *Outbox) Record(u service.StatusUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, p := range o.pending {
		if p.MessageID != u.MessageID {
			continue
		}
		if u.Status.Outranks(p.Status) {
			o.pending[i] = u
		}
		return
	}
	o.pending = append(o.pending, u)
}

func (o *Outbox) Pending() []service.StatusUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.pending)
}

// LastSync is the server time of the last successful flush.
func (o *Outbox) LastSync() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSync
}

func (o *Outbox) Clear() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := len(o.pending)
	o.pending = nil
	return n
}

// Flush sends everything pending in one batch. On error the batch goes
// back in front of anything recorded meanwhile.
func (o *Outbox) Flush(ctx context.Context) (service.SyncResult, error) {
	o.mu.Lock()
	batch := o.pending
	o.pending = nil
	req := service.SyncRequest{DeviceID: o.deviceID, StatusUpdates: batch}
	if !o.lastSync.IsZero() {
		since := o.lastSync
		req.LastSyncTimestamp = &since
	}
	o.mu.Unlock()

	if req.StatusUpdates == nil {
		req.StatusUpdates = []service.StatusUpdate{}
	}

	res, err := o.api.Sync(ctx, req)
	if err != nil {
		o.restore(batch)
		return service.SyncResult{}, err
	}

	o.mu.Lock()
	o.lastSync = res.SyncTimestamp
	o.mu.Unlock()

	stale := o.staleConversations(batch, res)
	o.invalidate(stale)

	o.log.Info("outbox flushed",
		"processed", res.ProcessedCount,
		"failed", res.FailedCount,
		"conflicts", len(res.Conflicts),
		"server_updates", len(res.ServerUpdates),
	)
	return res, nil
}

func (o *Outbox) restore(batch []service.StatusUpdate) {
	o.mu.Lock()
	later := o.pending
	o.pending = nil
	o.mu.Unlock()

	for _, u := range batch {
		o.Record(u)
	}
	for _, u := range later {
		o.Record(u)
	}
}

func (o *Outbox) staleConversations(batch []service.StatusUpdate, res service.SyncResult) []string {
	byMessage := make(map[string]string, len(batch))
	for _, u := range batch {
		byMessage[u.MessageID] = u.ConversationID
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(conv string) {
		if conv == "" {
			return
		}
		if _, ok := seen[conv]; ok {
			return
		}
		seen[conv] = struct{}{}
		out = append(out, conv)
	}
	for _, c := range res.Conflicts {
		add(byMessage[c.MessageID])
	}
	for _, ev := range res.ServerUpdates {
		add(ev.ConversationID)
	}
	return out
}

func (o *Outbox) invalidate(conversations []string) {
	if o.cache == nil {
		return
	}
	for _, conv := range conversations {
		if err := o.cache.Invalidate(conv); err != nil {
			o.log.Warn("cache invalidation failed", "conversation_id", conv, "error", err)
		}
	}
}

// Queued reports whether the message already has a pending update at or
// beyond status.
func (o *Outbox) Queued(messageID string, status model.Status) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.pending {
		if p.MessageID == messageID {
			return !status.Outranks(p.Status)
		}
	}
	return false
}
