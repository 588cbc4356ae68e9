package gate

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"projecthub-portal/internal/session"
)

// Presenter renders the two documents a gate owns while it is not showing the view.
type Presenter interface {
	// Placeholder starts the response, so it must open the HTML document.
	Placeholder(w io.Writer) error
	// Replace renders a document that swaps the current history entry for location.
	Replace(w io.Writer, location string) error
}

type GuardOptions struct {
	// Progressive streams the placeholder before the verdict is known.
	// Only applies to HTML navigations and requires a Presenter.
	Progressive bool
	Presenter   Presenter
}

// Guard mounts g for every request and unmounts it when the handler chain
// returns or the client goes away. The protected view is the next handler.
func Guard(g *Gate, opts GuardOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid, _ := session.IDFrom(c.Request.Context())
		m := g.Mount(c.Request.Context(), Target{
			SessionID: sid,
			Path:      c.Request.URL.Path,
			ClientIP:  c.ClientIP(),
		})
		defer m.Unmount()
		c.Set("gate_mount_id", m.ID())

		if opts.Progressive && opts.Presenter != nil && wantsHTML(c.Request) {
			serveProgressive(c, m, opts.Presenter)
			return
		}

		m.Wait(c.Request.Context())
		switch out := m.Outcome(); out.Action {
		case ShowView:
			c.Next()
		case Redirect:
			c.Header("Cache-Control", "no-store")
			c.Redirect(http.StatusSeeOther, out.Location)
			c.Abort()
		default:
			// Client left before the verdict; nothing to render.
			c.Abort()
		}
	}
}

func serveProgressive(c *gin.Context, m *Mount, p Presenter) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)

	// The response starts before the verdict, so the placeholder always leads.
	if err := p.Placeholder(c.Writer); err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.Writer.Flush()

	m.Wait(c.Request.Context())
	switch out := m.Outcome(); out.Action {
	case ShowView:
		c.Next()
	case Redirect:
		if err := p.Replace(c.Writer, out.Location); err != nil {
			_ = c.Error(err)
		}
		c.Abort()
	default:
		c.Abort()
	}
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
