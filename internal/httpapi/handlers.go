package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"projecthub-portal/internal/backend"
	"projecthub-portal/internal/session"
	"projecthub-portal/pkg/logger"
)

// Backend is what the session endpoints need from the project API client.
type Backend interface {
	Login(ctx context.Context, identifier, password string) (session.Credential, error)
	Logout(ctx context.Context, cred session.Credential) error
	Attach(req *http.Request, cred session.Credential)
	BaseURL() *url.URL
}

// Limiter throttles login attempts per client.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON or a redirect.
type Handlers struct {
	Backend Backend
	Store   session.Store
	Cookie  session.Cookie
	// Home is where a browser lands after login; LoginPath after logout.
	Home      string
	LoginPath string
	// LoginLimiter is optional; limiter errors let the attempt through.
	LoginLimiter Limiter
}

// --- Session ---

type loginRequest struct {
	Identifier string `json:"identifier" form:"identifier"`
	Password   string `json:"password" form:"password"`
}

type sessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

// Login trades user credentials for a backend credential and binds it to a
// fresh portal session id.
func (h Handlers) Login(c *gin.Context) {
	if h.Backend == nil || h.Store == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		h.loginFailed(c, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Identifier = strings.TrimSpace(req.Identifier)
	if req.Identifier == "" || req.Password == "" {
		h.loginFailed(c, http.StatusBadRequest, "identifier and password required")
		return
	}

	ctx := c.Request.Context()
	if h.LoginLimiter != nil {
		ok, err := h.LoginLimiter.Allow(ctx, c.ClientIP())
		if err != nil {
			logger.FromGin(c).Warn("login limiter unavailable", "err", err)
		} else if !ok {
			h.loginFailed(c, http.StatusTooManyRequests, "too many login attempts")
			return
		}
	}

	cred, err := h.Backend.Login(ctx, req.Identifier, req.Password)
	if err != nil {
		logger.FromGin(c).Info("login rejected", "err", err)
		status, msg := http.StatusBadGateway, "backend unavailable"
		var apiErr *backend.APIError
		if errors.As(err, &apiErr) && apiErr.Status < 500 || errors.Is(err, backend.ErrNotSuccessful) {
			status, msg = http.StatusUnauthorized, "invalid credentials"
		}
		h.loginFailed(c, status, msg)
		return
	}

	// Rotate: the pre-login id, if any, never carries a credential.
	if old, err := session.IDFrom(ctx); err == nil {
		if err := h.Store.Clear(ctx, old); err != nil {
			logger.FromGin(c).Warn("clear previous session failed", "err", err)
		}
	}
	sid := session.NewID()
	stored, err := h.Store.Set(ctx, sid, cred)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session store unavailable"})
		return
	}
	h.Cookie.Set(c, sid)
	logger.FromGin(c).Info("login succeeded", "session_id", sid)

	if wantsJSON(c) {
		c.JSON(http.StatusOK, toResponse(stored, time.Now()))
		return
	}
	c.Redirect(http.StatusSeeOther, h.Home)
}

func (h Handlers) loginFailed(c *gin.Context, status int, msg string) {
	if wantsJSON(c) {
		c.AbortWithStatusJSON(status, gin.H{"error": msg})
		return
	}
	c.Redirect(http.StatusSeeOther, h.LoginPath+"?login=failed")
	c.Abort()
}

// Logout revokes the credential upstream when possible and always forgets it locally.
func (h Handlers) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	if sid, err := session.IDFrom(ctx); err == nil {
		cred, err := h.Store.Get(ctx, sid)
		if err == nil && cred.Present() {
			if err := h.Backend.Logout(ctx, cred); err != nil {
				logger.FromGin(c).Warn("backend logout failed", "err", err)
			}
		}
		if err := h.Store.Clear(ctx, sid); err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session store unavailable"})
			return
		}
	}
	h.Cookie.Expire(c)

	if wantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}
	c.Redirect(http.StatusSeeOther, h.LoginPath+"?logout=success")
}

// Session reports the locally known state. It never calls the backend, so
// authenticated=true is a hint, not a verdict.
func (h Handlers) Session(c *gin.Context) {
	var cred session.Credential
	if sid, err := session.IDFrom(c.Request.Context()); err == nil {
		cred, err = h.Store.Get(c.Request.Context(), sid)
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session store unavailable"})
			return
		}
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, toResponse(cred, time.Now()))
}

func toResponse(cred session.Credential, now time.Time) sessionResponse {
	out := sessionResponse{Authenticated: cred.Usable(now)}
	if out.Authenticated && !cred.ExpiresAt.IsZero() {
		exp := cred.ExpiresAt.UTC()
		out.ExpiresAt = &exp
	}
	return out
}

func wantsJSON(c *gin.Context) bool {
	return c.ContentType() == gin.MIMEJSON || strings.Contains(c.GetHeader("Accept"), gin.MIMEJSON)
}

// --- API proxy ---

type credKey struct{}

// Proxy forwards requests under prefix to the backend with the session's
// credential attached. The browser's cookies stay at the portal and the
// backend's cookies never reach the browser.
func (h Handlers) Proxy(prefix string) gin.HandlerFunc {
	target := h.Backend.BaseURL()
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			p := strings.TrimPrefix(pr.Out.URL.Path, prefix)
			if !strings.HasPrefix(p, "/") {
				p = "/" + p
			}
			pr.Out.URL.Path = p
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Header.Del("Cookie")
			pr.Out.Header.Del("Authorization")
			if cred, ok := pr.In.Context().Value(credKey{}).(session.Credential); ok {
				h.Backend.Attach(pr.Out, cred)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Set-Cookie")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.From(r.Context()).Warn("backend proxy failed", "path", r.URL.Path, "err", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":"backend unavailable"}`))
		},
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if sid, err := session.IDFrom(ctx); err == nil {
			if cred, err := h.Store.Get(ctx, sid); err == nil && cred.Usable(time.Now()) {
				ctx = context.WithValue(ctx, credKey{}, cred)
			}
		}
		rp.ServeHTTP(c.Writer, c.Request.WithContext(ctx))
	}
}
