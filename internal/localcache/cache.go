// Package localcache keeps the most recent messages of each conversation
// on the device. Entries carry a checksum and are only trusted while it
// matches and the entry is younger than the TTL.
package localcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
	"github.com/cespare/xxhash/v2"
)

const (
	KeyPrefix     = "messages_"
	VersionKey    = "cache_version"
	SchemaVersion = 1

	DefaultTTL              = 24 * time.Hour
	DefaultMaxConversations = 20
)

type Priority string

const (
	High   Priority = "high"
	Medium Priority = "medium"
	Low    Priority = "low"
)

// Limit is how many of the newest messages an entry keeps.
func (p Priority) Limit() int {
	switch p {
	case High:
		return 30
	case Low:
		return 10
	default:
		return 50
	}
}

func (p Priority) rank() int {
	switch p {
	case High:
		return 2
	case Medium:
		return 1
	default:
		return 0
	}
}

type Entry struct {
	ConversationID string          `json:"conversationId"`
	Messages       json.RawMessage `json:"messages"`
	Checksum       string          `json:"checksum"`
	Timestamp      time.Time       `json:"timestamp"`
	LastAccessedAt time.Time       `json:"lastAccessedAt"`
	Priority       Priority        `json:"priority"`
	AccessCount    int             `json:"accessCount"`
	SchemaVersion  int             `json:"schemaVersion"`
}

type Options struct {
	TTL              time.Duration
	MaxConversations int
	Now              func() time.Time
	Logger           *slog.Logger
}

type Cache struct {
	store Store
	ttl   time.Duration
	max   int
	now   func() time.Time
	log   *slog.Logger

	mu sync.Mutex
}

// New wipes every entry written under a different schema version before
// returning.
func New(store Store, opts Options) (*Cache, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxConversations <= 0 {
		opts.MaxConversations = DefaultMaxConversations
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Cache{
		store: store,
		ttl:   opts.TTL,
		max:   opts.MaxConversations,
		now:   opts.Now,
		log:   opts.Logger,
	}
	if err := c.checkVersion(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) checkVersion() error {
	raw, ok, err := c.store.Get(VersionKey)
	if err != nil {
		return fmt.Errorf("read cache version: %w", err)
	}
	if ok && string(raw) == strconv.Itoa(SchemaVersion) {
		return nil
	}
	if err := c.clearLocked(); err != nil {
		return err
	}
	if err := c.store.Set(VersionKey, []byte(strconv.Itoa(SchemaVersion))); err != nil {
		return fmt.Errorf("write cache version: %w", err)
	}
	c.log.Info("cache schema changed, entries cleared", "version", SchemaVersion)
	return nil
}

func key(conversationID string) string {
	return KeyPrefix + conversationID
}

func checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// Get returns the cached messages, oldest first. Corrupt, expired or
// foreign-version entries are discarded and reported as a miss.
func (c *Cache) Get(conversationID string) ([]model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.load(conversationID)
	if !ok {
		return nil, false
	}
	var msgs []model.Message
	if err := json.Unmarshal(e.Messages, &msgs); err != nil {
		c.discard(conversationID, "undecodable messages")
		return nil, false
	}

	e.LastAccessedAt = c.now()
	e.AccessCount++
	if err := c.write(e); err != nil {
		c.log.Warn("cache access update failed", "conversation_id", conversationID, "error", err)
	}
	return msgs, true
}

// load reads and validates an entry. Callers hold mu.
func (c *Cache) load(conversationID string) (Entry, bool) {
	raw, ok, err := c.store.Get(key(conversationID))
	if err != nil {
		c.log.Warn("cache read failed", "conversation_id", conversationID, "error", err)
		return Entry{}, false
	}
	if !ok {
		return Entry{}, false
	}

	var e Entry
	switch {
	case json.Unmarshal(raw, &e) != nil:
		c.discard(conversationID, "undecodable entry")
	case e.SchemaVersion != SchemaVersion:
		c.discard(conversationID, "schema version mismatch")
	case checksum(e.Messages) != e.Checksum:
		c.discard(conversationID, "checksum mismatch")
	case c.now().Sub(e.Timestamp) > c.ttl:
		c.discard(conversationID, "expired")
	default:
		return e, true
	}
	return Entry{}, false
}

func (c *Cache) discard(conversationID, reason string) {
	if err := c.store.Delete(key(conversationID)); err != nil {
		c.log.Warn("cache discard failed", "conversation_id", conversationID, "error", err)
		return
	}
	c.log.Warn("cache entry discarded", "conversation_id", conversationID, "reason", reason)
}

// Put stores the newest messages allowed by the priority and evicts other
// conversations when over capacity.
func (c *Cache) Put(conversationID string, msgs []model.Message, p Priority) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.putLocked(conversationID, msgs, p); err != nil {
		return err
	}
	_, err := c.enforceCapLocked()
	return err
}

func (c *Cache) putLocked(conversationID string, msgs []model.Message, p Priority) error {
	if p == "" {
		p = Medium
	}
	if limit := p.Limit(); len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode messages: %w", err)
	}
	now := c.now()
	return c.write(Entry{
		ConversationID: conversationID,
		Messages:       raw,
		Checksum:       checksum(raw),
		Timestamp:      now,
		LastAccessedAt: now,
		Priority:       p,
		SchemaVersion:  SchemaVersion,
	})
}

func (c *Cache) write(e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := c.store.Set(key(e.ConversationID), raw); err != nil {
		return fmt.Errorf("write entry %s: %w", e.ConversationID, err)
	}
	return nil
}

func (c *Cache) Invalidate(conversationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(key(conversationID))
}

// EnforceCap evicts entries beyond the conversation cap, keeping higher
// priority first and then the most recently accessed.
func (c *Cache) EnforceCap() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enforceCapLocked()
}

func (c *Cache) enforceCapLocked() (int, error) {
	keys, err := c.store.Keys(KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list entries: %w", err)
	}
	if len(keys) <= c.max {
		return 0, nil
	}

	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if e, ok := c.load(strings.TrimPrefix(k, KeyPrefix)); ok {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Priority.rank(), entries[j].Priority.rank()
		if ri != rj {
			return ri > rj
		}
		return entries[i].LastAccessedAt.After(entries[j].LastAccessedAt)
	})

	evicted := len(keys) - len(entries)
	for _, e := range entries[min(c.max, len(entries)):] {
		if err := c.store.Delete(key(e.ConversationID)); err != nil {
			return evicted, fmt.Errorf("evict %s: %w", e.ConversationID, err)
		}
		evicted++
	}
	if evicted > 0 {
		c.log.Debug("cache entries evicted", "count", evicted)
	}
	return evicted, nil
}

// Reconcile compares a freshly fetched page with the cached one. The fresh
// page wins when they differ; an identical page leaves the entry alone.
func (c *Cache) Reconcile(conversationID string, fresh []model.Message, p Priority) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p == "" {
		p = Medium
	}
	if limit := p.Limit(); len(fresh) > limit {
		fresh = fresh[len(fresh)-limit:]
	}
	if e, ok := c.load(conversationID); ok {
		raw, err := json.Marshal(fresh)
		if err == nil && checksum(raw) == e.Checksum {
			return false, nil
		}
	}
	if err := c.putLocked(conversationID, fresh, p); err != nil {
		return false, err
	}
	_, err := c.enforceCapLocked()
	return true, err
}

// MergeEcho replaces the optimistic copy of a message, matched by its
// client correlation id, with the server's echo. Unmatched echoes are
// appended. It reports whether an optimistic copy was replaced.
func (c *Cache) MergeEcho(conversationID string, echo model.Message) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.load(conversationID)
	if !ok {
		return false, nil
	}
	var msgs []model.Message
	if err := json.Unmarshal(e.Messages, &msgs); err != nil {
		c.discard(conversationID, "undecodable messages")
		return false, nil
	}

	replaced := false
	for i, m := range msgs {
		if m.ID == echo.ID || (echo.ClientID != "" && m.ClientID == echo.ClientID) {
			msgs[i] = echo
			replaced = true
			break
		}
	}
	if !replaced {
		msgs = append(msgs, echo)
	}
	return replaced, c.putLocked(conversationID, msgs, e.Priority)
}

// Clear removes every conversation entry. The version marker stays.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clearLocked()
}

func (c *Cache) clearLocked() error {
	keys, err := c.store.Keys(KeyPrefix)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	for _, k := range keys {
		if err := c.store.Delete(k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return nil
}

// Len returns the number of cached conversations.
func (c *Cache) Len() (int, error) {
	keys, err := c.store.Keys(KeyPrefix)
	return len(keys), err
}
