package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type ctxKey int

const ctxSessionID ctxKey = iota

func WithID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, ctxSessionID, sid)
}

func IDFrom(ctx context.Context) (string, error) {
	v := ctx.Value(ctxSessionID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("session_id not in context")
}

// NewID mints a portal session id. Ids are rotated on every login.
func NewID() string { return uuid.NewString() }

// Cookie describes the portal's own session cookie. The backend credential
// itself never reaches the browser.
type Cookie struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

func (ck Cookie) Set(c *gin.Context, sid string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ck.Name, sid, int(ck.TTL.Seconds()), "/", "", ck.Secure, true)
}

func (ck Cookie) Expire(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ck.Name, "", -1, "/", "", ck.Secure, true)
}

// Middleware copies a well-formed session cookie into the request context.
// It never creates sessions; a request without one simply has no session id.
func Middleware(ck Cookie) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.Cookie(ck.Name)
		if err == nil && raw != "" {
			if _, perr := uuid.Parse(raw); perr == nil {
				c.Request = c.Request.WithContext(WithID(c.Request.Context(), raw))
				c.Set("session_id", raw)
			}
		}
		c.Next()
	}
}
