// Package views renders the portal's HTML documents.
package views

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"projecthub-portal/internal/session"
)

//go:embed templates
var files embed.FS

const (
	PageLogin         = "login"
	PageRegister      = "register"
	PageDashboard     = "dashboard"
	PageCreateProject = "create-project"
	PageAdmin         = "admin"
)

var titles = map[string]string{
	PageLogin:         "Sign in",
	PageRegister:      "Register",
	PageDashboard:     "Dashboard",
	PageCreateProject: "Create project",
	PageAdmin:         "Admin",
}

// Page is the data every page template receives.
type Page struct {
	Name   string
	Title  string
	Banner string
}

// Renderer holds parsed templates. It is safe for concurrent use.
type Renderer struct {
	pages  map[string]*template.Template
	shared *template.Template
}

func New() (*Renderer, error) {
	shared, err := template.ParseFS(files, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("views: parse shared templates: %w", err)
	}

	pageFiles, err := fs.Glob(files, "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	r := &Renderer{pages: make(map[string]*template.Template, len(pageFiles)), shared: shared}
	for _, f := range pageFiles {
		name := strings.TrimSuffix(path.Base(f), ".html")
		t, err := template.Must(shared.Clone()).ParseFS(files, f)
		if err != nil {
			return nil, fmt.Errorf("views: parse %s: %w", name, err)
		}
		r.pages[name] = t
	}
	for name := range titles {
		if _, ok := r.pages[name]; !ok {
			return nil, fmt.Errorf("views: missing page %q", name)
		}
	}
	return r, nil
}

// Render writes page name. Output is buffered so a template error never
// leaves a half-written document.
func (r *Renderer) Render(w io.Writer, name string, p Page) error {
	t, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("views: unknown page %q", name)
	}
	if p.Name == "" {
		p.Name = name
	}
	if p.Title == "" {
		p.Title = titles[name]
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", p); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

// Placeholder is the neutral loading indicator shown while a gate is pending.
// It opens the document, so it carries the doctype; the later one from the
// layout is ignored by browsers. Pages hide it once they render.
func (r *Renderer) Placeholder(w io.Writer) error {
	return r.shared.ExecuteTemplate(w, "placeholder", nil)
}

// Replace writes a document that swaps the current history entry for location.
func (r *Renderer) Replace(w io.Writer, location string) error {
	return r.shared.ExecuteTemplate(w, "replace", struct{ Location string }{location})
}

// Handler serves a page with no extra data.
func (r *Renderer) Handler(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		r.serve(c, name, Page{})
	}
}

// CredentialReader is the part of session.Store the login page needs.
type CredentialReader interface {
	Get(ctx context.Context, sid string) (session.Credential, error)
}

// Login serves the login page. A visitor who already holds a usable
// credential goes straight to home.
func (r *Renderer) Login(creds CredentialReader, home string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if sid, err := session.IDFrom(c.Request.Context()); err == nil {
			if cred, err := creds.Get(c.Request.Context(), sid); err == nil && cred.Usable(time.Now()) {
				c.Redirect(http.StatusSeeOther, home)
				return
			}
		}
		r.serve(c, PageLogin, Page{Banner: loginBanner(c)})
	}
}

func loginBanner(c *gin.Context) string {
	switch {
	case c.Query("logout") == "success":
		return "You have been successfully logged out"
	case c.Query("session") == "expired":
		return "Your session has expired. Please log in again"
	case c.Query("login") == "failed":
		return "Invalid username or password"
	}
	return ""
}

func (r *Renderer) serve(c *gin.Context, name string, p Page) {
	if !c.Writer.Written() {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.Status(http.StatusOK)
	}
	if err := r.Render(c.Writer, name, p); err != nil {
		_ = c.Error(err)
		if !c.Writer.Written() {
			c.AbortWithStatus(http.StatusInternalServerError)
		}
	}
}
