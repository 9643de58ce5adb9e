package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
	"github.com/redis/go-redis/v9"
)

// Store is the shared tier behind the guard. It is the source of truth
// whenever it is reachable.
type Store interface {
	AddBlacklist(ctx context.Context, e model.BlacklistEntry) error
	LookupBlacklist(ctx context.Context, tokenID string) (model.BlacklistEntry, bool, error)
	PutSession(ctx context.Context, s model.UserSession) error
	DeleteSession(ctx context.Context, userID, tokenID string) error
	Sessions(ctx context.Context, userID string) ([]model.UserSession, error)
	DeleteSessions(ctx context.Context, userID string) error
}

const (
	blacklistKeyPrefix = "finnigram:blacklist:"
	sessionsKeyPrefix  = "finnigram:sessions:"
)

type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

// AddBlacklist stores the entry with a TTL ending at the token's own
// expiry; entries for already expired tokens are dropped.
func (s *RedisStore) AddBlacklist(ctx context.Context, e model.BlacklistEntry) error {
	ttl := e.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, blacklistKeyPrefix+e.TokenID, b, ttl).Err()
}

func (s *RedisStore) LookupBlacklist(ctx context.Context, tokenID string) (model.BlacklistEntry, bool, error) {
	raw, err := s.rdb.Get(ctx, blacklistKeyPrefix+tokenID).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.BlacklistEntry{}, false, nil
	}
	if err != nil {
		return model.BlacklistEntry{}, false, err
	}
	var e model.BlacklistEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return model.BlacklistEntry{}, false, err
	}
	return e, true, nil
}

func (s *RedisStore) PutSession(ctx context.Context, us model.UserSession) error {
	b, err := json.Marshal(us)
	if err != nil {
		return err
	}
	key := sessionsKeyPrefix + us.UserID

	if err := s.rdb.HSet(ctx, key, us.TokenID, b).Err(); err != nil {
		return err
	}

	// The hash lives as long as its longest-lived session.
	want := us.ExpiresAt.Sub(s.now())
	if want <= 0 {
		return nil
	}
	current, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return err
	}
	if current < want {
		return s.rdb.Expire(ctx, key, want).Err()
	}
	return nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, userID, tokenID string) error {
	return s.rdb.HDel(ctx, sessionsKeyPrefix+userID, tokenID).Err()
}

func (s *RedisStore) Sessions(ctx context.Context, userID string) ([]model.UserSession, error) {
	key := sessionsKeyPrefix + userID
	all, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	now := s.now()
	var (
		out     []model.UserSession
		expired []string
	)
	for tokenID, raw := range all {
		var us model.UserSession
		if err := json.Unmarshal([]byte(raw), &us); err != nil {
			expired = append(expired, tokenID)
			continue
		}
		if !us.ExpiresAt.IsZero() && !us.ExpiresAt.After(now) {
			expired = append(expired, tokenID)
			continue
		}
		out = append(out, us)
	}
	if len(expired) > 0 {
		_ = s.rdb.HDel(ctx, key, expired...).Err()
	}
	return out, nil
}

func (s *RedisStore) DeleteSessions(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, sessionsKeyPrefix+userID).Err()
}
