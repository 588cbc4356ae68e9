package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"projecthub-portal/internal/backend"
	"projecthub-portal/internal/gate"
	"projecthub-portal/internal/session"
	"projecthub-portal/internal/testbackend"
)

type stubRenewer struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	fail    bool
	once    sync.Once
}

func (s *stubRenewer) Refresh(ctx context.Context, cred session.Credential) (session.Credential, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.once.Do(func() { close(s.started) })
	}
	if s.release != nil {
		<-s.release
	}
	if s.fail {
		return session.Credential{}, errors.New("refresh rejected")
	}
	return session.Credential{Token: cred.Token + "+"}, nil
}

func newBackendRefresher(t *testing.T) (*testbackend.Server, *backend.Client, *session.MemoryStore, *Refresher) {
	t.Helper()
	srv := testbackend.New(time.Hour)
	t.Cleanup(srv.Close)
	client, err := backend.New(backend.Options{
		BaseURL:    srv.URL,
		CookieName: srv.CookieName,
		Endpoints: backend.Endpoints{
			Auth:    testbackend.PathVerify,
			Refresh: testbackend.PathRefresh,
		},
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	store := session.NewMemoryStore()
	r, err := New(store, client, Config{Interval: time.Hour})
	if err != nil {
		t.Fatalf("refresher: %v", err)
	}
	return srv, client, store, r
}

func TestRefreshSession_SuccessOverwritesCredential(t *testing.T) {
	ctx := context.Background()
	srv, _, store, r := newBackendRefresher(t)
	srv.AddUser("ada", "pw", false)
	old, _ := store.Set(ctx, "sid", session.NewCredential(srv.Token("ada")))

	out, err := r.RefreshSession(ctx, "sid")
	if err != nil || out != OutcomeRenewed {
		t.Fatalf("expected renewed, got %q %v", out, err)
	}
	cur, _ := store.Get(ctx, "sid")
	if cur.Token == old.Token || cur.Version <= old.Version {
		t.Fatalf("credential not replaced: old=%+v cur=%+v", old, cur)
	}
}

func TestRefreshSession_FailureClearsAndNextMountDenies(t *testing.T) {
	ctx := context.Background()
	srv, client, store, r := newBackendRefresher(t)
	srv.AddUser("ada", "pw", false)
	_, _ = store.Set(ctx, "sid", session.NewCredential(srv.Token("ada")))
	srv.SetMode(testbackend.PathRefresh, testbackend.ModeServerError)

	out, err := r.RefreshSession(ctx, "sid")
	if err != nil || out != OutcomeCleared {
		t.Fatalf("expected cleared, got %q %v", out, err)
	}
	if cur, _ := store.Get(ctx, "sid"); cur.Present() {
		t.Fatalf("credential should be cleared")
	}

	g, err := gate.New(gate.Config{Strategy: gate.Authenticated(client), Fallback: "/login"}, store)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	m := g.Mount(ctx, gate.Target{SessionID: "sid"})
	defer m.Unmount()
	if v := m.Wait(ctx); v != gate.Denied {
		t.Fatalf("expected denied after failed refresh, got %s", v)
	}
	if srv.Calls(testbackend.PathVerify) != 0 {
		t.Fatalf("cleared credential should not reach the backend")
	}
}

func TestRefreshSession_AbsentCredentialSkipped(t *testing.T) {
	renewer := &stubRenewer{}
	r, err := New(session.NewMemoryStore(), renewer, Config{Interval: time.Hour})
	if err != nil {
		t.Fatalf("refresher: %v", err)
	}
	out, err := r.RefreshSession(context.Background(), "missing")
	if err != nil || out != OutcomeSkipped {
		t.Fatalf("expected skipped, got %q %v", out, err)
	}
	if renewer.calls.Load() != 0 {
		t.Fatalf("renewer must not run without a credential")
	}
}

func TestRefreshSession_NewerWriteWins(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	_, _ = store.Set(ctx, "sid", session.Credential{Token: "t1"})
	renewer := &stubRenewer{started: make(chan struct{}), release: make(chan struct{})}
	r, _ := New(store, renewer, Config{Interval: time.Hour})

	done := make(chan Outcome, 1)
	go func() {
		out, _ := r.RefreshSession(ctx, "sid")
		done <- out
	}()
	<-renewer.started
	// A login lands while the refresh is in flight.
	_, _ = store.Set(ctx, "sid", session.Credential{Token: "fresh-login"})
	close(renewer.release)

	if out := <-done; out != OutcomeSuperseded {
		t.Fatalf("expected superseded, got %q", out)
	}
	if cur, _ := store.Get(ctx, "sid"); cur.Token != "fresh-login" {
		t.Fatalf("stale refresh overwrote newer credential: %q", cur.Token)
	}
}

func TestRefreshSession_FailureDoesNotClearNewerCredential(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	_, _ = store.Set(ctx, "sid", session.Credential{Token: "t1"})
	renewer := &stubRenewer{started: make(chan struct{}), release: make(chan struct{}), fail: true}
	r, _ := New(store, renewer, Config{Interval: time.Hour})

	done := make(chan Outcome, 1)
	go func() {
		out, _ := r.RefreshSession(ctx, "sid")
		done <- out
	}()
	<-renewer.started
	_, _ = store.Set(ctx, "sid", session.Credential{Token: "fresh-login"})
	close(renewer.release)

	if out := <-done; out != OutcomeSuperseded {
		t.Fatalf("expected superseded, got %q", out)
	}
	if cur, _ := store.Get(ctx, "sid"); cur.Token != "fresh-login" {
		t.Fatalf("failed refresh cleared a newer credential")
	}
}

func TestRefreshSession_OverlappingCallsShareOneRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	_, _ = store.Set(ctx, "sid", session.Credential{Token: "t1"})
	renewer := &stubRenewer{started: make(chan struct{}), release: make(chan struct{})}
	r, _ := New(store, renewer, Config{Interval: time.Hour})

	var wg sync.WaitGroup
	first := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(first)
		_, _ = r.RefreshSession(ctx, "sid")
	}()
	<-first
	<-renewer.started
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.RefreshSession(ctx, "sid")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(renewer.release)
	wg.Wait()

	if n := renewer.calls.Load(); n != 1 {
		t.Fatalf("expected one renew call, got %d", n)
	}
}

func TestRefreshSession_ShutdownDoesNotClear(t *testing.T) {
	store := session.NewMemoryStore()
	_, _ = store.Set(context.Background(), "sid", session.Credential{Token: "t1"})
	renewer := &stubRenewer{started: make(chan struct{}), release: make(chan struct{}), fail: true}
	r, _ := New(store, renewer, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.RefreshSession(ctx, "sid")
		errc <- err
	}()
	<-renewer.started
	cancel()
	close(renewer.release)

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if cur, _ := store.Get(context.Background(), "sid"); cur.Token != "t1" {
		t.Fatalf("shutdown must not clear the credential")
	}
}

func TestTick_RefreshesEverySession(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	for _, sid := range []string{"a", "b", "c"} {
		_, _ = store.Set(ctx, sid, session.Credential{Token: sid})
	}
	renewer := &stubRenewer{}
	r, _ := New(store, renewer, Config{Interval: time.Hour, Concurrency: 2})

	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n := renewer.calls.Load(); n != 3 {
		t.Fatalf("expected 3 renew calls, got %d", n)
	}
	for _, sid := range []string{"a", "b", "c"} {
		if cur, _ := store.Get(ctx, sid); cur.Token != sid+"+" {
			t.Fatalf("%s not refreshed: %q", sid, cur.Token)
		}
	}
}

func TestRun_TicksAndStopsOnCancel(t *testing.T) {
	store := session.NewMemoryStore()
	_, _ = store.Set(context.Background(), "sid", session.Credential{Token: "t"})
	renewer := &stubRenewer{}
	r, _ := New(store, renewer, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for renewer.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if renewer.calls.Load() == 0 {
		t.Fatalf("refresher never ticked")
	}
	if err := r.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("refresher did not stop")
	}
}

func TestNew_RequiresInterval(t *testing.T) {
	if _, err := New(session.NewMemoryStore(), &stubRenewer{}, Config{}); err == nil {
		t.Fatalf("expected interval error")
	}
	if _, err := New(nil, &stubRenewer{}, Config{Interval: time.Second}); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestTick_RefreshesStopAfterSessionLifetime(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStoreWithTTL(200 * time.Millisecond)
	renewer := &stubRenewer{}
	r, err := New(store, renewer, Config{Interval: time.Hour})
	if err != nil {
		t.Fatalf("refresher: %v", err)
	}
	_, _ = store.Set(ctx, "sid", session.Credential{Token: "t"})

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline.Add(-50 * time.Millisecond)) {
		if err := r.Tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if renewer.calls.Load() == 0 {
		t.Fatalf("expected refreshes while the session was alive")
	}

	time.Sleep(time.Until(deadline) + 20*time.Millisecond)
	before := renewer.calls.Load()
	if err := r.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if renewer.calls.Load() != before {
		t.Fatalf("expired session was refreshed again")
	}
	if out, _ := r.RefreshSession(ctx, "sid"); out != OutcomeSkipped {
		t.Fatalf("expected skipped for an expired session, got %q", out)
	}
	if ids, _ := store.Sessions(ctx); len(ids) != 0 {
		t.Fatalf("expired session still listed: %v", ids)
	}
}
