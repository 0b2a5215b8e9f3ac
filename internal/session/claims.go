package session

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// parserUnverified reads claims without checking the signature; the client never
// holds the signing key.
var parserUnverified = jwt.NewParser()

// Claims is the client's view of a JWT bearer token.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Raw       jwt.MapClaims
}

// HasExpiry reports whether the token carries an "exp" claim.
func (c Claims) HasExpiry() bool { return !c.ExpiresAt.IsZero() }

// ExpiredAt reports whether the token is past its expiry at now.
func (c Claims) ExpiredAt(now time.Time) bool {
	return c.HasExpiry() && !now.Before(c.ExpiresAt)
}

// Inspect decodes a JWT without verification. Opaque (non-JWT) tokens return an error;
// callers should treat that as "claims unknown", not as an invalid session.
func Inspect(token string) (Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := parserUnverified.ParseUnverified(token, claims); err != nil {
		return Claims{}, fmt.Errorf("session: token is not a decodable JWT: %w", err)
	}

	out := Claims{Raw: claims}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return out, nil
}
