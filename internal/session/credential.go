package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the opaque proof of a browser's login state, as issued by the backend.
//
// The portal never verifies the token itself; it only carries it to the backend.
// Version is assigned by the Store on every write and is 0 when no credential is stored.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   uint64    `json:"version"`
}

// NewCredential wraps a backend token. When the token is a JWT, its exp claim
// becomes ExpiresAt; otherwise the expiry is unknown.
func NewCredential(token string) Credential {
	return Credential{Token: token, ExpiresAt: tokenExpiry(token)}
}

func (c Credential) Present() bool { return c.Token != "" }

// Expired reports whether a known expiry has passed. Unknown expiry never expires locally.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Usable is true when the credential is worth sending to the backend.
func (c Credential) Usable(now time.Time) bool {
	return c.Present() && !c.Expired(now)
}

// WithExpiry returns a copy with an explicit expiry (e.g. from a cookie's Expires attribute).
func (c Credential) WithExpiry(t time.Time) Credential {
	c.ExpiresAt = t
	return c
}

func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
