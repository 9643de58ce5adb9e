package session

import (
	"sync"
	"time"

	"github.com/Arefin090/finnigram/internal/model"
)

// localTier is the in-process half of the guard: a fast existence check for
// blacklisted tokens and a fallback session registry for when the shared
// store is unreachable.
type localTier struct {
	mu        sync.RWMutex
	blacklist map[string]localEntry
	sessions  map[string]map[string]model.UserSession
}

type localEntry struct {
	entry      model.BlacklistEntry
	verifiedAt time.Time
}

func newLocalTier() *localTier {
	return &localTier{
		blacklist: make(map[string]localEntry),
		sessions:  make(map[string]map[string]model.UserSession),
	}
}

func (l *localTier) addBlacklist(e model.BlacklistEntry, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blacklist[e.TokenID] = localEntry{entry: e, verifiedAt: now}
}

// lookup returns the entry and when it was last confirmed. Expired entries
// are reported as absent.
func (l *localTier) lookup(tokenID string, now time.Time) (localEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.blacklist[tokenID]
	if !ok || !e.entry.ExpiresAt.After(now) {
		return localEntry{}, false
	}
	return e, true
}

func (l *localTier) removeBlacklist(tokenID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.blacklist, tokenID)
}

func (l *localTier) putSession(s model.UserSession) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessions[s.UserID] == nil {
		l.sessions[s.UserID] = make(map[string]model.UserSession)
	}
	l.sessions[s.UserID][s.TokenID] = s
}

func (l *localTier) deleteSession(userID, tokenID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions[userID], tokenID)
	if len(l.sessions[userID]) == 0 {
		delete(l.sessions, userID)
	}
}

func (l *localTier) deleteSessions(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, userID)
}

func (l *localTier) userSessions(userID string, now time.Time) []model.UserSession {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.UserSession
	for _, s := range l.sessions[userID] {
		if s.ExpiresAt.IsZero() || s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	return out
}

// prune drops expired blacklist entries and sessions.
func (l *localTier) prune(now time.Time) (removed int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, e := range l.blacklist {
		if !e.entry.ExpiresAt.After(now) {
			delete(l.blacklist, id)
			removed++
		}
	}
	for user, byToken := range l.sessions {
		for id, s := range byToken {
			if !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now) {
				delete(byToken, id)
				removed++
			}
		}
		if len(byToken) == 0 {
			delete(l.sessions, user)
		}
	}
	return removed
}
