package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"projecthub-portal/internal/session"
)

var ErrAlreadyRunning = errors.New("refresh: already running")

// Renewer exchanges a credential for a fresh one.
type Renewer interface {
	Refresh(ctx context.Context, cred session.Credential) (session.Credential, error)
}

// Outcome records what a single session refresh did.
type Outcome string

const (
	OutcomeRenewed Outcome = "renewed"
	OutcomeCleared Outcome = "cleared"
	// OutcomeSkipped: nothing stored for the session.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeSuperseded: the credential changed while the refresh was in flight;
	// the newer write wins and this result is dropped.
	OutcomeSuperseded Outcome = "superseded"
)

type Config struct {
	Interval    time.Duration
	Concurrency int
	// Timeout bounds one refresh call.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Refresher keeps stored credentials from expiring while users sit on pages
// that never remount a gate.
type Refresher struct {
	store   session.Store
	renewer Renewer
	cfg     Config
	log     *slog.Logger

	flights singleflight.Group
	running atomic.Bool
}

func New(store session.Store, renewer Renewer, cfg Config) (*Refresher, error) {
	if store == nil || renewer == nil {
		return nil, errors.New("refresh: store and renewer are required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("refresh: interval must be > 0, got %v", cfg.Interval)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Refresher{store: store, renewer: renewer, cfg: cfg, log: cfg.Logger}, nil
}

// Run ticks until ctx is cancelled. It must be started once per process; the
// timer is stopped before Run returns.
func (r *Refresher) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer r.running.Store(false)

	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()

	r.log.Info("session refresher started", "interval", r.cfg.Interval.String())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("session refresher stopped")
			return nil
		case <-t.C:
			if err := r.Tick(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("session refresh tick failed", "err", err)
			}
		}
	}
}

// Tick refreshes every live session once.
func (r *Refresher) Tick(ctx context.Context) error {
	ids, err := r.store.Sessions(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, sid := range ids {
		g.Go(func() error {
			out, err := r.RefreshSession(ctx, sid)
			if err != nil {
				r.log.Warn("session refresh failed", "session_id", sid, "err", err)
				return nil
			}
			r.log.Debug("session refreshed", "session_id", sid, "outcome", string(out))
			return nil
		})
	}
	return g.Wait()
}

// RefreshSession renews one session. Concurrent calls for the same session
// share one backend round trip.
func (r *Refresher) RefreshSession(ctx context.Context, sid string) (Outcome, error) {
	v, err, _ := r.flights.Do(sid, func() (any, error) {
		return r.refresh(ctx, sid)
	})
	if err != nil {
		return "", err
	}
	return v.(Outcome), nil
}

func (r *Refresher) refresh(ctx context.Context, sid string) (Outcome, error) {
	cred, err := r.store.Get(ctx, sid)
	if err != nil {
		return "", err
	}
	if !cred.Present() {
		return OutcomeSkipped, nil
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	renewed, rerr := r.renewer.Refresh(cctx, cred)
	cancel()

	if rerr != nil {
		if ctx.Err() != nil {
			// Shutting down: not the credential's fault.
			return "", ctx.Err()
		}
		if _, err := r.store.Swap(ctx, sid, cred.Version, session.Credential{}); err != nil {
			if errors.Is(err, session.ErrVersionConflict) {
				return OutcomeSuperseded, nil
			}
			return "", err
		}
		r.log.Info("session credential cleared after failed refresh", "session_id", sid, "err", rerr)
		return OutcomeCleared, nil
	}

	if _, err := r.store.Swap(ctx, sid, cred.Version, renewed); err != nil {
		if errors.Is(err, session.ErrVersionConflict) {
			return OutcomeSuperseded, nil
		}
		return "", err
	}
	return OutcomeRenewed, nil
}
