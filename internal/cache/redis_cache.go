package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/Arefin090/finnigram/internal/repo"
	"github.com/redis/go-redis/v9"
)

var _ Directory = (*RedisDirectory)(nil)

// RedisDirectory caches participant lists in Redis in front of the
// authoritative directory. Any Redis failure falls through to the inner
// directory.
type RedisDirectory struct {
	inner repo.ConversationDirectory
	rdb   *redis.Client
	ttl   time.Duration
	log   *slog.Logger
}

func NewRedisDirectory(inner repo.ConversationDirectory, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisDirectory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDirectory{inner: inner, rdb: rdb, ttl: ttl, log: logger.With("component", "directory_cache")}
}

func (c *RedisDirectory) Participants(ctx context.Context, conversationID string) ([]string, error) {
	key := participantsKey(conversationID)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var users []string
		if err := json.Unmarshal(raw, &users); err == nil {
			return users, nil
		}
		c.log.Warn("corrupt cache entry", "key", key)
	case !errors.Is(err, redis.Nil):
		c.log.Warn("cache read failed", "key", key, "error", err)
	}

	users, err := c.inner.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := c.store(ctx, key, users); err != nil {
		c.log.Warn("cache write failed", "key", key, "error", err)
	}
	return users, nil
}

func (c *RedisDirectory) store(ctx context.Context, key string, users []string) error {
	if users == nil {
		users = []string{}
	}
	b, err := json.Marshal(users)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}

func (c *RedisDirectory) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	users, err := c.Participants(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return slices.Contains(users, userID), nil
}

// ConversationsFor is not cached.
func (c *RedisDirectory) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	return c.inner.ConversationsFor(ctx, userID)
}

func (c *RedisDirectory) AddParticipant(ctx context.Context, conversationID, userID string) error {
	if err := c.inner.AddParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, conversationID); err != nil {
		c.log.Warn("cache invalidate failed", "conversation_id", conversationID, "error", err)
	}
	return nil
}

func (c *RedisDirectory) Invalidate(ctx context.Context, conversationID string) error {
	if err := c.rdb.Del(ctx, participantsKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("invalidate %s: %w", conversationID, err)
	}
	return nil
}
