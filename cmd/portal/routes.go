package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"projecthub-portal/internal/audit"
	"projecthub-portal/internal/backend"
	"projecthub-portal/internal/config"
	"projecthub-portal/internal/gate"
	"projecthub-portal/internal/httpapi"
	"projecthub-portal/internal/session"
	"projecthub-portal/internal/views"
	"projecthub-portal/pkg/logger"
)

// routeDeps are the collaborators the router needs. Audit and LoginLimiter are optional.
type routeDeps struct {
	Config       config.Config
	Log          *slog.Logger
	Store        session.Store
	Watcher      *session.Watcher
	Backend      *backend.Client
	Views        *views.Renderer
	Audit        *audit.Service
	LoginLimiter httpapi.Limiter
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) error {
	cfg := d.Config

	gateOpts := []gate.Option{
		gate.WithWatcher(d.Watcher),
		gate.WithLogger(d.Log),
		gate.WithObserver(logDecision(d.Log)),
	}
	if d.Audit != nil {
		gateOpts = append(gateOpts, gate.WithObserver(d.Audit.Observer(d.Log, 2*time.Second)))
	}

	authGate, err := gate.New(gate.Config{
		Name:         "auth",
		Strategy:     gate.Authenticated(d.Backend),
		Fallback:     cfg.Gate.LoginPath,
		CheckTimeout: cfg.Gate.CheckTimeout,
	}, d.Store, gateOpts...)
	if err != nil {
		return err
	}
	// Admin presupposes authentication: the admin check only runs for a credential the backend accepts.
	adminGate, err := gate.New(gate.Config{
		Name:         "admin",
		Strategy:     gate.All(gate.Authenticated(d.Backend), gate.Admin(d.Backend)),
		Fallback:     cfg.Gate.AdminFallback,
		CheckTimeout: cfg.Gate.CheckTimeout,
	}, d.Store, gateOpts...)
	if err != nil {
		return err
	}

	guard := gate.GuardOptions{
		Progressive: cfg.Gate.RenderMode == config.RenderProgressive,
		Presenter:   d.Views,
	}
	cookie := session.Cookie{Name: cfg.Session.CookieName, TTL: cfg.Session.TTL, Secure: cfg.IsProduction()}
	h := httpapi.Handlers{
		Backend:      d.Backend,
		Store:        d.Store,
		Cookie:       cookie,
		Home:         "/dashboard",
		LoginPath:    cfg.Gate.LoginPath,
		LoginLimiter: d.LoginLimiter,
	}

	r.Use(session.Middleware(cookie))

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/", redirectTo(cfg.Gate.LoginPath))
	r.GET(cfg.Gate.LoginPath, d.Views.Login(d.Store, "/dashboard"))
	r.GET("/register", d.Views.Handler(views.PageRegister))

	// session endpoints
	r.GET("/session", h.Session)
	r.POST("/session/login", h.Login)
	r.POST("/session/logout", h.Logout)

	// gated views
	r.GET("/dashboard", gate.Guard(authGate, guard), d.Views.Handler(views.PageDashboard))
	r.GET("/projects/create", gate.Guard(authGate, guard), d.Views.Handler(views.PageCreateProject))
	r.GET("/admin", gate.Guard(adminGate, guard), d.Views.Handler(views.PageAdmin))

	// data calls from the pages
	r.Any("/api/*path", h.Proxy("/api"))

	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.Redirect(http.StatusSeeOther, "/dashboard")
	})
	return nil
}

func redirectTo(path string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Redirect(http.StatusSeeOther, path)
	}
}

func logDecision(log *slog.Logger) gate.Observer {
	return func(d gate.Decision) {
		attrs := []any{
			"gate", d.Gate,
			"mount_id", d.MountID,
			"verdict", d.Verdict.String(),
			"path", d.Target.Path,
			"duration_ms", float64(d.Duration.Milliseconds()),
		}
		if d.Reason != "" {
			attrs = append(attrs, "reason", d.Reason)
		}
		log.Info("gate decision", attrs...)
	}
}

func newEngine(log *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	return r
}
