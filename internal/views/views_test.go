package views

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"projecthub-portal/internal/session"
)

func newRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := New()
	if err != nil {
		t.Fatalf("views: %v", err)
	}
	return r
}

func TestRender_EveryPageHidesPlaceholder(t *testing.T) {
	r := newRenderer(t)
	for name := range titles {
		var buf bytes.Buffer
		if err := r.Render(&buf, name, Page{}); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		out := buf.String()
		if !strings.Contains(out, "#gate-pending{display:none}") {
			t.Fatalf("%s: page must hide the placeholder", name)
		}
		if !strings.Contains(out, `data-page="`+name+`"`) {
			t.Fatalf("%s: missing page marker", name)
		}
	}
}

func TestRender_UnknownPage(t *testing.T) {
	if err := newRenderer(t).Render(&bytes.Buffer{}, "nope", Page{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestReplace_UsesLocationReplace(t *testing.T) {
	var buf bytes.Buffer
	if err := newRenderer(t).Replace(&buf, "/login"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "window.location.replace(") || !strings.Contains(out, "0;url=/login") {
		t.Fatalf("unexpected replace document: %q", out)
	}
}

func TestReplace_EscapesLocation(t *testing.T) {
	var buf bytes.Buffer
	_ = newRenderer(t).Replace(&buf, `/x");alert(1);("`)
	if strings.Contains(buf.String(), `");alert(1)`) {
		t.Fatalf("location was not escaped: %q", buf.String())
	}
}

func TestPlaceholder_IsNeutral(t *testing.T) {
	var buf bytes.Buffer
	if err := newRenderer(t).Placeholder(&buf); err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if !strings.Contains(buf.String(), `id="gate-pending"`) {
		t.Fatalf("unexpected placeholder: %q", buf.String())
	}
}

func TestPlaceholder_OpensDocumentInStandardsMode(t *testing.T) {
	var buf bytes.Buffer
	if err := newRenderer(t).Placeholder(&buf); err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "<!doctype html>") {
		t.Fatalf("placeholder must lead with the doctype, got %q", buf.String())
	}
}

func serveLogin(t *testing.T, store *session.MemoryStore, target, sid string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(session.Middleware(session.Cookie{Name: "portal_sid", TTL: time.Hour}))
	r.GET("/login", newRenderer(t).Login(store, "/dashboard"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if sid != "" {
		req.AddCookie(&http.Cookie{Name: "portal_sid", Value: sid})
	}
	r.ServeHTTP(w, req)
	return w
}

func TestLogin_Banners(t *testing.T) {
	store := session.NewMemoryStore()
	cases := map[string]string{
		"/login?logout=success":  "successfully logged out",
		"/login?session=expired": "session has expired",
		"/login?login=failed":    "Invalid username or password",
	}
	for target, want := range cases {
		w := serveLogin(t, store, target, "")
		if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), want) {
			t.Fatalf("%s: got %d %q", target, w.Code, w.Body.String())
		}
	}
	if body := serveLogin(t, store, "/login", "").Body.String(); strings.Contains(body, `class="banner"`) {
		t.Fatalf("plain login must not show a banner")
	}
}

func TestLogin_RedirectsWhenCredentialPresent(t *testing.T) {
	store := session.NewMemoryStore()
	sid := session.NewID()
	_, _ = store.Set(context.Background(), sid, session.Credential{Token: "t"})

	w := serveLogin(t, store, "/login", sid)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/dashboard" {
		t.Fatalf("expected redirect to /dashboard, got %d %q", w.Code, w.Header().Get("Location"))
	}
}

func TestLogin_ExpiredCredentialStaysOnLogin(t *testing.T) {
	store := session.NewMemoryStore()
	sid := session.NewID()
	_, _ = store.Set(context.Background(), sid, session.Credential{Token: "t"}.WithExpiry(time.Now().Add(-time.Minute)))

	if w := serveLogin(t, store, "/login", sid); w.Code != http.StatusOK {
		t.Fatalf("expected login page, got %d", w.Code)
	}
}
