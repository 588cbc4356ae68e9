package gate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"projecthub-portal/internal/session"
)

// Target identifies what a mount is protecting and for whom.
type Target struct {
	SessionID string
	Path      string
	ClientIP  string
}

// Decision is reported to observers once a mount resolves.
type Decision struct {
	MountID  string
	Gate     string
	Target   Target
	Verdict  Verdict
	Reason   string
	Duration time.Duration
}

// Observer receives decisions on the check goroutine; it must not block for long.
type Observer func(Decision)

type Config struct {
	// Name labels decisions and logs, e.g. "auth" or "admin".
	Name     string
	Strategy Strategy
	// Fallback is where a denied navigation is replaced to.
	Fallback string
	// CheckTimeout bounds how long a mount may stay Pending.
	CheckTimeout time.Duration
}

type Option func(*Gate)

// WithWatcher lets pending mounts abort as soon as their session is cleared.
func WithWatcher(w *session.Watcher) Option {
	return func(g *Gate) { g.watcher = w }
}

func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observers = append(g.observers, o) }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// Gate guards a view with one verification strategy.
type Gate struct {
	name      string
	strategy  Strategy
	fallback  string
	timeout   time.Duration
	store     session.Store
	watcher   *session.Watcher
	observers []Observer
	log       *slog.Logger
}

func New(cfg Config, store session.Store, opts ...Option) (*Gate, error) {
	if cfg.Strategy == nil {
		return nil, errors.New("gate: strategy is required")
	}
	if cfg.Fallback == "" {
		return nil, errors.New("gate: fallback path is required")
	}
	if store == nil {
		return nil, errors.New("gate: session store is required")
	}
	if cfg.Name == "" {
		cfg.Name = "gate"
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 8 * time.Second
	}

	g := &Gate{
		name:     cfg.Name,
		strategy: cfg.Strategy,
		fallback: cfg.Fallback,
		timeout:  cfg.CheckTimeout,
		store:    store,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

func (g *Gate) Name() string     { return g.name }
func (g *Gate) Fallback() string { return g.fallback }

// Mount starts one authorization check and returns immediately in Pending.
// The check is owned by the mount: cancelling ctx or calling Unmount abandons
// it, and a result arriving afterwards is discarded.
func (g *Gate) Mount(ctx context.Context, t Target) *Mount {
	mctx, cancel := context.WithCancel(ctx)
	m := &Mount{
		id:     uuid.NewString(),
		gate:   g,
		target: t,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go m.run(mctx)
	return m
}

// Mount is one gate instance for one navigation.
type Mount struct {
	id     string
	gate   *Gate
	target Target

	state    atomic.Int32
	done     chan struct{}
	cancel   context.CancelFunc
	unmounts sync.Once
}

func (m *Mount) ID() string { return m.id }

func (m *Mount) Verdict() Verdict { return Verdict(m.state.Load()) }

// Done is closed when the mount resolves. It stays open for a mount that was
// unmounted while pending.
func (m *Mount) Done() <-chan struct{} { return m.done }

// Wait blocks until the mount resolves or ctx ends, and returns the verdict at that point.
func (m *Mount) Wait(ctx context.Context) Verdict {
	select {
	case <-m.done:
	case <-ctx.Done():
	}
	return m.Verdict()
}

// Outcome is what should be rendered right now.
func (m *Mount) Outcome() Outcome {
	return Decide(m.Verdict(), m.gate.fallback)
}

// Unmount abandons the check. Safe to call more than once and after resolution.
func (m *Mount) Unmount() {
	m.unmounts.Do(m.cancel)
}

func (m *Mount) run(mctx context.Context) {
	g := m.gate
	start := time.Now()
	sid := m.target.SessionID

	// Watch before reading so a clear between the read and the check is not missed.
	var changes <-chan session.Change
	if g.watcher != nil && sid != "" {
		ch, stop := g.watcher.Watch(sid)
		defer stop()
		changes = ch
	}

	var cred session.Credential
	if sid != "" {
		c, err := g.store.Get(mctx, sid)
		if err != nil {
			g.log.Warn("gate credential read failed", "gate", g.name, "mount_id", m.id, "err", err)
		} else {
			cred = c
		}
	}

	cctx, cancelCheck := context.WithTimeout(mctx, g.timeout)
	defer cancelCheck()

	result := make(chan bool, 1)
	go func() { result <- g.strategy(cctx, cred) }()

	granted, reason := false, ""
wait:
	for {
		select {
		case granted = <-result:
			if !granted {
				reason = "refused"
			}
			break wait
		case <-cctx.Done():
			reason = "timeout"
			break wait
		case ch := <-changes:
			if ch.Cleared() {
				reason = "credential cleared"
				break wait
			}
		}
	}
	cancelCheck()

	if mctx.Err() != nil {
		// Unmounted while in flight: nobody is listening for this result.
		return
	}

	if granted && sid != "" {
		// The credential may have been cleared while the check ran; a newer
		// credential keeps the grant, an absent one does not.
		cur, err := g.store.Get(mctx, sid)
		switch {
		case mctx.Err() != nil:
			return
		case err != nil:
			granted, reason = false, "credential reread failed"
		case !cur.Present():
			granted, reason = false, "credential cleared"
		}
	}

	v := Denied
	if granted {
		v = Granted
	}
	if !m.state.CompareAndSwap(int32(Pending), int32(v)) {
		return
	}
	close(m.done)

	d := Decision{
		MountID:  m.id,
		Gate:     g.name,
		Target:   m.target,
		Verdict:  v,
		Reason:   reason,
		Duration: time.Since(start),
	}
	for _, o := range g.observers {
		o(d)
	}
}
