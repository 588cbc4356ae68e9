package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func TestMiddleware_RequestIDAndSummary(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	l := NewWithWriter(&buf, "production")

	r := gin.New()
	r.Use(Middleware(l))
	r.GET("/dashboard", func(c *gin.Context) {
		c.Set("session_id", "sid-1")
		if From(c.Request.Context()) != FromGin(c) {
			t.Errorf("context and gin loggers differ")
		}
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	rid := w.Header().Get("X-Request-Id")
	if _, err := uuid.Parse(rid); err != nil {
		t.Fatalf("expected generated request id, got %q", rid)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["request_id"] != rid || line["session_id"] != "sid-1" || line["status"] != float64(204) {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestMiddleware_KeepsValidIncomingRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(NewWithWriter(&bytes.Buffer{}, "local")))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	in := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", in)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got != in {
		t.Fatalf("expected %s, got %s", in, got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "not a uuid\r\n")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-Id"); got == "not a uuid\r\n" {
		t.Fatalf("malformed request id must be replaced")
	}
}
