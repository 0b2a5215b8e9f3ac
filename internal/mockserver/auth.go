package mockserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is used when no TTL is configured.
const DefaultTokenTTL = time.Hour

var errInvalidToken = errors.New("invalid token")

type ctxKey int

const subjectKey ctxKey = iota

// tokenIssuer signs and verifies HS256 bearer tokens and tracks revocations.
type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

func newTokenIssuer(secret []byte, ttl time.Duration, now func() time.Time) *tokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &tokenIssuer{secret: secret, ttl: ttl, now: now, revoked: make(map[string]time.Time)}
}

func (t *tokenIssuer) issue(subject string) (string, error) {
	now := t.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (t *tokenIssuer) verify(token string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidToken, err)
	}
	t.mu.Lock()
	_, revoked := t.revoked[claims.ID]
	t.mu.Unlock()
	if revoked {
		return nil, fmt.Errorf("%w: revoked", errInvalidToken)
	}
	return claims, nil
}

// revoke remembers id until the token would have expired anyway.
func (t *tokenIssuer) revoke(claims *jwt.RegisteredClaims) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	for id, exp := range t.revoked {
		if now.After(exp) {
			delete(t.revoked, id)
		}
	}
	exp := now.Add(t.ttl)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	t.revoked[claims.ID] = exp
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// requireAuth rejects requests without a valid bearer token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.respond(w, http.StatusUnauthorized, map[string]string{"detail": "Not authenticated"})
			return
		}
		claims, err := s.tokens.verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.respond(w, http.StatusUnauthorized, map[string]string{"detail": "Could not validate credentials"})
			return
		}
		ctx := context.WithValue(r.Context(), subjectKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(ctx context.Context) *jwt.RegisteredClaims {
	c, _ := ctx.Value(subjectKey).(*jwt.RegisteredClaims)
	return c
}
