package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenRevoked = errors.New("token revoked")
)

// Claims is the subset of a bearer token this service relies on.
type Claims struct {
	UserID    string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenID returns the stable identifier used to key blacklist entries: the
// jti claim when present, otherwise a hash of the raw token.
func TokenID(raw string, jti string) string {
	if jti != "" {
		return jti
	}
	sum := sha256.Sum256([]byte(raw))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SignToken issues an HS256 token for development and tests. Production
// tokens come from the identity service.
func SignToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// parseToken verifies the signature. With validate=false expiry is not
// enforced, which lets an expired token still be identified on logout.
func parseToken(secret []byte, raw string, validate bool) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if !validate {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	var rc jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &rc, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !tok.Valid || rc.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrUnauthorized)
	}

	c := Claims{
		UserID:  rc.Subject,
		TokenID: TokenID(raw, rc.ID),
	}
	if rc.ExpiresAt != nil {
		c.ExpiresAt = rc.ExpiresAt.Time
	}
	if rc.IssuedAt != nil {
		c.IssuedAt = rc.IssuedAt.Time
	}
	return c, nil
}
