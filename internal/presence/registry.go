package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry counts live connections per user across every instance. A user
// is online while at least one connection is registered. Refresh extends a
// connection's lease; registries shared between instances drop connections
// whose lease ran out, so a crashed instance cannot keep users online.
type Registry interface {
	Online(ctx context.Context, userID, connID string) (first bool, err error)
	Offline(ctx context.Context, userID, connID string) (last bool, err error)
	Refresh(ctx context.Context, userID, connID string) error
	OnlineUsers(ctx context.Context) ([]string, error)
}

type MemoryRegistry struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{conns: make(map[string]map[string]struct{})}
}

func (r *MemoryRegistry) Online(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := len(r.conns[userID]) == 0
	if r.conns[userID] == nil {
		r.conns[userID] = make(map[string]struct{})
	}
	r.conns[userID][connID] = struct{}{}
	return first, nil
}

func (r *MemoryRegistry) Offline(_ context.Context, userID, connID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.conns[userID]
	if !ok {
		return false, nil
	}
	delete(set, connID)
	if len(set) > 0 {
		return false, nil
	}
	delete(r.conns, userID)
	return true, nil
}

func (r *MemoryRegistry) OnlineUsers(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.conns))
	for u := range r.conns {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

// Refresh is a no-op: entries live and die with this process.
func (r *MemoryRegistry) Refresh(context.Context, string, string) error {
	return nil
}

const (
	onlineKey     = "finnigram:presence:online"
	connKeyPrefix = "finnigram:presence:conns:"

	DefaultLease = 2 * time.Minute
)

// Each user's connections are a sorted set scored by lease expiry in unix
// milliseconds. The scripts reap expired connections before counting so the
// connection set and the online set never disagree between instances.
var (
	onlineScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
local live = redis.call('ZCARD', KEYS[1])
local added = redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('SADD', KEYS[2], ARGV[2])
if live == 0 and added == 1 then return 1 end
return 0
`)
	offlineScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then return 0 end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)
	refreshScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then return 0 end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)
	reapScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZCARD', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[1])
  return 0
end
return 1
`)
)

type RedisRegistry struct {
	rdb   *redis.Client
	lease time.Duration
	now   func() time.Time
}

// NewRedisRegistry keeps each connection registered for lease after its
// last Online or Refresh. Zero means DefaultLease.
func NewRedisRegistry(rdb *redis.Client, lease time.Duration) *RedisRegistry {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &RedisRegistry{rdb: rdb, lease: lease, now: time.Now}
}

func (r *RedisRegistry) keys(userID string) []string {
	return []string{connKeyPrefix + userID, onlineKey}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *RedisRegistry) Online(ctx context.Context, userID, connID string) (bool, error) {
	now := r.now()
	n, err := onlineScript.Run(ctx, r.rdb, r.keys(userID),
		connID, userID, millis(now), millis(now.Add(r.lease)), r.lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("presence online %s: %w", userID, err)
	}
	return n == 1, nil
}

func (r *RedisRegistry) Offline(ctx context.Context, userID, connID string) (bool, error) {
	n, err := offlineScript.Run(ctx, r.rdb, r.keys(userID), connID, userID, millis(r.now())).Int()
	if err != nil {
		return false, fmt.Errorf("presence offline %s: %w", userID, err)
	}
	return n == 1, nil
}

// Refresh never re-adds a connection that already went offline.
func (r *RedisRegistry) Refresh(ctx context.Context, userID, connID string) error {
	err := refreshScript.Run(ctx, r.rdb, r.keys(userID),
		connID, millis(r.now().Add(r.lease)), r.lease.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("presence refresh %s: %w", userID, err)
	}
	return nil
}

// OnlineUsers drops users whose every connection lease has run out.
func (r *RedisRegistry) OnlineUsers(ctx context.Context) ([]string, error) {
	users, err := r.rdb.SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	now := millis(r.now())
	live := users[:0]
	for _, u := range users {
		ok, err := reapScript.Run(ctx, r.rdb, r.keys(u), u, now).Int()
		if err != nil {
			return nil, fmt.Errorf("presence reap %s: %w", u, err)
		}
		if ok == 1 {
			live = append(live, u)
		}
	}
	sort.Strings(live)
	return live, nil
}
