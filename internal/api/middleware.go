package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Arefin090/finnigram/internal/session"
)

type ctxKey int

const (
	claimsKey ctxKey = iota
	tokenKey
)

// requireAuth verifies the bearer token and bounds the request with the
// configured timeout.
func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			h.writeError(w, session.ErrUnauthorized)
			return
		}
		claims, err := h.auth.Authenticate(r.Context(), raw)
		if err != nil {
			if !errors.Is(err, session.ErrTokenRevoked) {
				err = session.ErrUnauthorized
			}
			h.writeError(w, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		ctx = context.WithValue(ctx, claimsKey, claims)
		ctx = context.WithValue(ctx, tokenKey, raw)
		next(w, r.WithContext(ctx))
	}
}

func bearer(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func userID(r *http.Request) string {
	c, _ := r.Context().Value(claimsKey).(session.Claims)
	return c.UserID
}

func rawToken(r *http.Request) string {
	t, _ := r.Context().Value(tokenKey).(string)
	return t
}

func deviceID(r *http.Request) string {
	return r.Header.Get("X-Device-ID")
}
