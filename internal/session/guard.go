// Package session gates connections and privileged calls: it verifies
// bearer tokens, keeps the token blacklist and tracks active sessions per
// user across a local tier and a shared store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
)

type Options struct {
	Secret []byte
	// Store is the shared tier. Nil runs the guard local-only.
	Store Store
	// Staleness bounds how long a local blacklist hit is trusted before it
	// is re-confirmed against the store.
	Staleness    time.Duration
	StoreTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

type Guard struct {
	secret       []byte
	store        Store
	local        *localTier
	staleness    time.Duration
	storeTimeout time.Duration
	now          func() time.Time
	log          *slog.Logger
	degraded     atomic.Bool
}

func NewGuard(opts Options) *Guard {
	if opts.Staleness <= 0 {
		opts.Staleness = time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guard{
		secret:       opts.Secret,
		store:        opts.Store,
		local:        newLocalTier(),
		staleness:    opts.Staleness,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Now,
		log:          opts.Logger,
	}
}

// Degraded reports whether the last shared-store call failed.
func (g *Guard) Degraded() bool {
	return g.degraded.Load()
}

// Authenticate verifies the token and rejects it when blacklisted.
func (g *Guard) Authenticate(ctx context.Context, raw string) (Claims, error) {
	c, err := parseToken(g.secret, raw, true)
	if err != nil {
		return Claims{}, err
	}
	if g.revoked(ctx, c.TokenID) {
		return Claims{}, ErrTokenRevoked
	}
	return c, nil
}

// IsBlacklisted fails safe toward rejection: a token that cannot be
// verified is reported as blacklisted.
func (g *Guard) IsBlacklisted(ctx context.Context, raw string) bool {
	c, err := parseToken(g.secret, raw, false)
	if err != nil {
		return true
	}
	return g.revoked(ctx, c.TokenID)
}

func (g *Guard) revoked(ctx context.Context, tokenID string) bool {
	now := g.now()
	hit, ok := g.local.lookup(tokenID, now)
	if ok && now.Sub(hit.verifiedAt) < g.staleness {
		return true
	}
	if g.store == nil {
		return ok
	}

	var (
		entry model.BlacklistEntry
		found bool
	)
	err := g.withStore(ctx, "lookup blacklist", func(ctx context.Context) error {
		var err error
		entry, found, err = g.store.LookupBlacklist(ctx, tokenID)
		return err
	})
	if err != nil {
		return ok
	}
	if found {
		g.local.addBlacklist(entry, now)
		return true
	}
	if ok {
		g.local.removeBlacklist(tokenID)
	}
	return false
}

// Blacklist revokes a single token until its own expiry. Tokens that are
// already expired need no entry.
func (g *Guard) Blacklist(ctx context.Context, raw, reason string) error {
	c, err := parseToken(g.secret, raw, false)
	if err != nil {
		return err
	}
	g.blacklistClaims(ctx, c.UserID, c.TokenID, c.ExpiresAt, reason)
	g.RemoveSession(ctx, c.UserID, c.TokenID)
	return nil
}

func (g *Guard) blacklistClaims(ctx context.Context, userID, tokenID string, expiresAt time.Time, reason string) {
	now := g.now()
	if !expiresAt.After(now) {
		return
	}
	e := model.BlacklistEntry{
		TokenID:       tokenID,
		UserID:        userID,
		BlacklistedAt: now,
		ExpiresAt:     expiresAt,
		Reason:        reason,
	}
	g.local.addBlacklist(e, now)
	if g.store != nil {
		_ = g.withStore(ctx, "add blacklist", func(ctx context.Context) error {
			return g.store.AddBlacklist(ctx, e)
		})
	}
	g.log.Info("token blacklisted", "user_id", userID, "token_id", tokenID, "reason", reason)
}

// TrackSession registers an active device session. Store failures degrade
// to local-only tracking.
func (g *Guard) TrackSession(ctx context.Context, userID, tokenID, deviceInfo string, expiresAt time.Time) {
	now := g.now()
	s := model.UserSession{
		UserID:       userID,
		TokenID:      tokenID,
		DeviceInfo:   deviceInfo,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    expiresAt,
	}
	g.local.putSession(s)
	if g.store != nil {
		_ = g.withStore(ctx, "put session", func(ctx context.Context) error {
			return g.store.PutSession(ctx, s)
		})
	}
}

func (g *Guard) RemoveSession(ctx context.Context, userID, tokenID string) {
	g.local.deleteSession(userID, tokenID)
	if g.store != nil {
		_ = g.withStore(ctx, "delete session", func(ctx context.Context) error {
			return g.store.DeleteSession(ctx, userID, tokenID)
		})
	}
}

// Sessions lists the user's active sessions from the store, or from the
// local tier when the store is unavailable.
func (g *Guard) Sessions(ctx context.Context, userID string) []model.UserSession {
	local := g.local.userSessions(userID, g.now())
	if g.store == nil {
		return local
	}

	var shared []model.UserSession
	err := g.withStore(ctx, "list sessions", func(ctx context.Context) error {
		var err error
		shared, err = g.store.Sessions(ctx, userID)
		return err
	})
	if err != nil {
		return local
	}

	// Sessions tracked while degraded exist only locally.
	seen := make(map[string]struct{}, len(shared))
	for _, s := range shared {
		seen[s.TokenID] = struct{}{}
	}
	for _, s := range local {
		if _, ok := seen[s.TokenID]; !ok {
			shared = append(shared, s)
		}
	}
	return shared
}

// BlacklistAllForUser revokes every token enumerated in the user's tracked
// sessions and clears them. Untracked tokens and other users are untouched.
func (g *Guard) BlacklistAllForUser(ctx context.Context, userID, reason string) int {
	sessions := g.Sessions(ctx, userID)
	for _, s := range sessions {
		g.blacklistClaims(ctx, userID, s.TokenID, s.ExpiresAt, reason)
	}

	g.local.deleteSessions(userID)
	if g.store != nil {
		_ = g.withStore(ctx, "delete sessions", func(ctx context.Context) error {
			return g.store.DeleteSessions(ctx, userID)
		})
	}
	return len(sessions)
}

// PruneLocal drops expired local entries. The shared store expires its
// own keys.
func (g *Guard) PruneLocal(ctx context.Context) {
	if n := g.local.prune(g.now()); n > 0 {
		g.log.Debug("pruned local session entries", "count", n)
	}
}

func (g *Guard) withStore(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		if !g.degraded.Swap(true) {
			g.log.Warn("session store unavailable, degrading to local tracking", "op", op, "error", err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if g.degraded.Swap(false) {
		g.log.Info("session store recovered", "op", op)
	}
	return nil
}
