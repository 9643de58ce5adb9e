package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis publishes over Redis Pub/Sub. Delivery is at-most-once; clients
// recover missed events through sync.
type Redis struct {
	rdb *redis.Client
	log *slog.Logger

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

type redisSub struct {
	bus    *Redis
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedis(rdb *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, log: logger, subs: make(map[*redisSub]struct{})}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning,
// so nothing published afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error) {
	ps := r.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &redisSub{bus: r, ps: ps, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	go s.loop(loopCtx, h)
	return s, nil
}

func (s *redisSub) loop(ctx context.Context, h Handler) {
	defer close(s.done)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.dispatch(h, msg)
		}
	}
}

func (s *redisSub) dispatch(h Handler, msg *redis.Message) {
	defer func() {
		if r := recover(); r != nil {
			s.bus.log.Error("bus handler panic", "channel", msg.Channel, "panic", r)
		}
	}()
	h([]byte(msg.Payload))
}

func (s *redisSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.cancel()
	err := s.ps.Close()
	<-s.done
	return err
}

// Close drops every subscription. The client itself is owned by the caller.
func (r *Redis) Close() error {
	r.mu.Lock()
	subs := make([]*redisSub, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	var first error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
