package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"projecthub-portal/internal/session"
	"projecthub-portal/internal/testbackend"
)

func newTestClient(t *testing.T, srv *testbackend.Server, transport Transport) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:    srv.URL,
		Transport:  transport,
		CookieName: srv.CookieName,
		Endpoints: Endpoints{
			Auth:    testbackend.PathVerify,
			Admin:   testbackend.PathAdmin,
			Refresh: testbackend.PathRefresh,
			Login:   testbackend.PathLogin,
			Logout:  testbackend.PathLogout,
		},
		Timeout: 500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestCheckAuthenticated_BothTransports(t *testing.T) {
	srv := testbackend.New(time.Hour)
	defer srv.Close()
	srv.AddUser("ada", "pw", false)
	cred := session.NewCredential(srv.Token("ada"))

	for _, tr := range []Transport{TransportCookie, TransportBearer} {
		c := newTestClient(t, srv, tr)
		if !c.CheckAuthenticated(context.Background(), cred) {
			t.Fatalf("%s: expected authenticated", tr)
		}
	}
}

func TestCheckAdmin_SeparateFromAuthentication(t *testing.T) {
	srv := testbackend.New(time.Hour)
	defer srv.Close()
	srv.AddUser("ada", "pw", true)
	srv.AddUser("bob", "pw", false)
	c := newTestClient(t, srv, TransportCookie)

	if !c.CheckAdmin(context.Background(), session.NewCredential(srv.Token("ada"))) {
		t.Fatalf("expected admin")
	}
	bob := session.NewCredential(srv.Token("bob"))
	if c.CheckAdmin(context.Background(), bob) {
		t.Fatalf("expected not admin")
	}
	if !c.CheckAuthenticated(context.Background(), bob) {
		t.Fatalf("non-admin is still authenticated")
	}
}

func TestChecks_NormalizeEveryFailureToFalse(t *testing.T) {
	modes := map[string]testbackend.Mode{
		"server error":    testbackend.ModeServerError,
		"success false":   testbackend.ModeNoSuccess,
		"malformed body":  testbackend.ModeMalformed,
		"hanging backend": testbackend.ModeHang,
	}
	for name, mode := range modes {
		t.Run(name, func(t *testing.T) {
			srv := testbackend.New(time.Hour)
			defer srv.Close()
			srv.AddUser("ada", "pw", true)
			srv.SetMode(testbackend.PathVerify, mode)
			srv.SetMode(testbackend.PathAdmin, mode)
			c := newTestClient(t, srv, TransportCookie)
			cred := session.NewCredential(srv.Token("ada"))

			if c.CheckAuthenticated(context.Background(), cred) {
				t.Fatalf("expected unauthenticated")
			}
			if c.CheckAdmin(context.Background(), cred) {
				t.Fatalf("expected not admin")
			}
		})
	}
}

func TestChecks_UnreachableBackend(t *testing.T) {
	srv := testbackend.New(time.Hour)
	srv.AddUser("ada", "pw", false)
	cred := session.NewCredential(srv.Token("ada"))
	c := newTestClient(t, srv, TransportCookie)
	srv.Close()

	if c.CheckAuthenticated(context.Background(), cred) {
		t.Fatalf("expected unauthenticated")
	}
}

func TestChecks_AbsentOrExpiredCredentialSkipsNetwork(t *testing.T) {
	srv := testbackend.New(time.Hour)
	defer srv.Close()
	c := newTestClient(t, srv, TransportCookie)

	if c.CheckAuthenticated(context.Background(), session.Credential{}) {
		t.Fatalf("expected unauthenticated")
	}
	expired := session.Credential{Token: "x", ExpiresAt: time.Now().Add(-time.Minute)}
	if c.CheckAdmin(context.Background(), expired) {
		t.Fatalf("expected not admin")
	}
	if n := srv.Calls(testbackend.PathVerify) + srv.Calls(testbackend.PathAdmin); n != 0 {
		t.Fatalf("expected no backend calls, got %d", n)
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	srv := testbackend.New(time.Hour)
	defer srv.Close()
	srv.AddUser("ada", "pw", false)
	c := newTestClient(t, srv, TransportCookie)
	ctx := context.Background()

	if _, err := c.Login(ctx, "ada", "wrong"); err == nil {
		t.Fatalf("expected login failure")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != 401 || apiErr.Message != "Invalid credentials" {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	cred, err := c.Login(ctx, "ada", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !cred.Present() || cred.ExpiresAt.IsZero() {
		t.Fatalf("expected credential with expiry, got %+v", cred)
	}

	renewed, err := c.Refresh(ctx, cred)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if renewed.Token == cred.Token {
		t.Fatalf("expected a new token")
	}
	if c.CheckAuthenticated(ctx, cred) {
		t.Fatalf("old credential must be revoked after refresh")
	}

	if err := c.Logout(ctx, renewed); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if c.CheckAuthenticated(ctx, renewed) {
		t.Fatalf("credential must be revoked after logout")
	}
}

func TestRefresh_Failures(t *testing.T) {
	srv := testbackend.New(time.Hour)
	defer srv.Close()
	c := newTestClient(t, srv, TransportCookie)

	if _, err := c.Refresh(context.Background(), session.Credential{}); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential, got %v", err)
	}

	srv.AddUser("ada", "pw", false)
	srv.SetMode(testbackend.PathRefresh, testbackend.ModeMalformed)
	if _, err := c.Refresh(context.Background(), session.NewCredential(srv.Token("ada"))); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	if _, err := New(Options{BaseURL: "not a url"}); err == nil {
		t.Fatalf("expected base url error")
	}
	if _, err := New(Options{BaseURL: "http://x", Transport: "smoke-signal"}); err == nil {
		t.Fatalf("expected transport error")
	}
}
