package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Arefin090/finnigram/internal/localcache"
	"github.com/Arefin090/finnigram/internal/protocol"
	"github.com/Arefin090/finnigram/internal/service"
)

type Remote interface {
	Syncer
	Logout(ctx context.Context, all bool) error
}

type SessionOptions struct {
	Manager *Manager
	Remote  Remote
	Cache   *localcache.Cache
	Outbox  *Outbox
	// FlushTimeout bounds the outbox flush that follows each reconnect.
	FlushTimeout time.Duration
	Logger       *slog.Logger
}

// Session ties the socket, the HTTP client, the local cache and the outbox
// together for one signed-in user.
type Session struct {
	mgr          *Manager
	remote       Remote
	cache        *localcache.Cache
	outbox       *Outbox
	flushTimeout time.Duration
	log          *slog.Logger

	unsubscribe []func()
	flushing    sync.WaitGroup
}

func NewSession(opts SessionOptions) *Session {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Outbox == nil {
		opts.Outbox = NewOutbox(opts.Remote, opts.Cache, "", opts.Logger)
	}
	s := &Session{
		mgr:          opts.Manager,
		remote:       opts.Remote,
		cache:        opts.Cache,
		outbox:       opts.Outbox,
		flushTimeout: opts.FlushTimeout,
		log:          opts.Logger.With("component", "session"),
	}
	s.unsubscribe = append(s.unsubscribe,
		s.mgr.OnState(s.onState),
		s.mgr.Subscribe(protocol.TypeNewMessage, s.onNewMessage),
		s.mgr.Subscribe(protocol.TypeConversationRead, s.onConversationRead),
	)
	return s
}

func (s *Session) Outbox() *Outbox {
	return s.outbox
}

// Acknowledge records a status change locally and pushes it to the server
// when the socket is up.
func (s *Session) Acknowledge(ctx context.Context, u service.StatusUpdate) {
	s.outbox.Record(u)
	if s.mgr.State() != StateConnected {
		return
	}
	if _, err := s.outbox.Flush(ctx); err != nil {
		s.log.Warn("status sync deferred", "message_id", u.MessageID, "error", err)
	}
}

// Close detaches the session from the manager and waits for any flush in
// progress.
func (s *Session) Close() {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
	s.flushing.Wait()
}

func (s *Session) onState(st State) {
	if st != StateConnected {
		return
	}
	s.flushing.Add(1)
	go func() {
		defer s.flushing.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
		defer cancel()
		if _, err := s.outbox.Flush(ctx); err != nil {
			s.log.Warn("sync after reconnect failed", "error", err)
		}
	}()
}

func (s *Session) onNewMessage(ev protocol.Event) {
	if s.cache == nil {
		return
	}
	m := ev.(protocol.NewMessage).Message
	if _, err := s.cache.MergeEcho(m.ConversationID, m); err != nil {
		s.log.Warn("cache merge failed", "conversation_id", m.ConversationID, "error", err)
	}
}

func (s *Session) onConversationRead(ev protocol.Event) {
	if s.cache == nil {
		return
	}
	conv := ev.(protocol.ConversationRead).ConversationID
	if err := s.cache.Invalidate(conv); err != nil {
		s.log.Warn("cache invalidation failed", "conversation_id", conv, "error", err)
	}
}

// Logout revokes the token on the server and clears all local state. Every
// step runs even when an earlier one fails, and local state is cleared
// regardless: the returned error only reports what went wrong on the way.
func (s *Session) Logout(ctx context.Context, all bool) error {
	var errs []error
	step := func(name string, fn func() error) {
		if err := s.guard(name, fn); err != nil {
			s.log.Warn("logout step failed", "step", name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("server logout", func() error { return s.remote.Logout(ctx, all) })
	step("socket", func() error {
		s.mgr.Disconnect()
		return nil
	})
	step("queue", func() error {
		dropped := s.mgr.ClearQueue() + s.outbox.Clear()
		if dropped > 0 {
			s.log.Info("discarded unsent events", "count", dropped)
		}
		return nil
	})
	step("cache", func() error {
		if s.cache == nil {
			return nil
		}
		return s.cache.Clear()
	})

	if len(errs) > 0 {
		s.emergencyClear()
	}
	s.Close()
	s.log.Info("logged out", "all_devices", all, "failed_steps", len(errs))
	return errors.Join(errs...)
}

// emergencyClear repeats the local cleanup with every failure swallowed.
func (s *Session) emergencyClear() {
	_ = s.guard("emergency socket", func() error {
		s.mgr.Disconnect()
		return nil
	})
	_ = s.guard("emergency queue", func() error {
		s.mgr.ClearQueue()
		s.outbox.Clear()
		return nil
	})
	if s.cache != nil {
		if err := s.guard("emergency cache", s.cache.Clear); err != nil {
			s.log.Error("local cache could not be cleared", "error", err)
		}
	}
}

func (s *Session) guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn()
}
