package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"projecthub-portal/internal/audit"
	"projecthub-portal/internal/backend"
	"projecthub-portal/internal/config"
	"projecthub-portal/internal/httpapi"
	"projecthub-portal/internal/refresh"
	"projecthub-portal/internal/session"
	"projecthub-portal/internal/views"
	"projecthub-portal/pkg/logger"
	"projecthub-portal/pkg/utils"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("portal stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	var rdb *redis.Client
	if cfg.Session.Store == config.StoreRedis {
		c, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
		if err != nil {
			return err
		}
		defer c.Close()
		rdb = c
	}

	store, err := newStore(cfg, rdb, log)
	if err != nil {
		return err
	}

	auditSvc, db, err := newAudit(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	client, err := backend.New(backend.Options{
		BaseURL:    cfg.Backend.BaseURL,
		Transport:  backend.Transport(cfg.Backend.Transport),
		CookieName: cfg.Backend.CookieName,
		Endpoints: backend.Endpoints{
			Auth:    cfg.Backend.AuthPath,
			Admin:   cfg.Backend.AdminPath,
			Refresh: cfg.Backend.RefreshPath,
			Login:   cfg.Backend.LoginPath,
			Logout:  cfg.Backend.LogoutPath,
		},
		Timeout: cfg.Backend.Timeout,
		Logger:  log,
	})
	if err != nil {
		return err
	}

	renderer, err := views.New()
	if err != nil {
		return err
	}

	var limiter httpapi.Limiter
	if rdb != nil {
		limiter = utils.NewWindowLimiter(rdb, "portal:login-attempts", cfg.Session.LoginRateLimit, cfg.Session.LoginRateWindow)
	}

	watcher := session.NewWatcher()
	r := newEngine(log)
	if err := registerRoutes(r, routeDeps{
		Config:       cfg,
		Log:          log,
		Store:        store,
		Watcher:      watcher,
		Backend:      client,
		Views:        renderer,
		Audit:        auditSvc,
		LoginLimiter: limiter,
	}); err != nil {
		return err
	}

	refresher, err := refresh.New(store, client, refresh.Config{
		Interval:    cfg.Refresh.Interval,
		Concurrency: cfg.Refresh.Concurrency,
		Timeout:     cfg.Backend.Timeout,
		Logger:      log,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx, store) })
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error {
		log.Info("portal listening", "addr", srv.Addr, "env", cfg.App.Env,
			"session_store", cfg.Session.Store, "render_mode", cfg.Gate.RenderMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})
	return g.Wait()
}

func newStore(cfg config.Config, rdb *redis.Client, log *slog.Logger) (session.Store, error) {
	if cfg.Session.Store == config.StoreRedis {
		return session.NewRedisStore(rdb, session.RedisStoreOptions{
			Prefix: "portal",
			TTL:    cfg.Session.TTL,
			Logger: log,
		})
	}
	return session.NewMemoryStoreWithTTL(cfg.Session.TTL), nil
}

// newAudit returns a nil service when auditing is off. The *sql.DB is returned
// so the caller can close it.
func newAudit(ctx context.Context, cfg config.Config) (*audit.Service, *sql.DB, error) {
	switch cfg.Audit.Sink {
	case config.AuditMemory:
		return audit.NewService(audit.NewMemoryRepo()), nil, nil
	case config.AuditPostgres:
		db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			return nil, nil, err
		}
		repo, err := audit.NewPostgresRepo(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return audit.NewService(repo), db, nil
	default:
		return nil, nil, nil
	}
}
