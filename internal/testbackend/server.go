// Package testbackend is an in-process stand-in for the project-collaboration
// API, used by tests that exercise the portal end to end.
package testbackend

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Mode makes an endpoint misbehave in a specific way.
type Mode int

const (
	ModeNormal Mode = iota
	// ModeServerError answers 500.
	ModeServerError
	// ModeNoSuccess answers 200 with {"success": false}.
	ModeNoSuccess
	// ModeMalformed answers 200 with a non-JSON body.
	ModeMalformed
	// ModeHang never answers until the client gives up or the server closes.
	ModeHang
)

const (
	PathVerify  = "/users/verify"
	PathAdmin   = "/users/admin"
	PathRefresh = "/users/refresh-token"
	PathLogin   = "/users/login"
	PathLogout  = "/users/logout"
	PathProject = "/project/list"
)

type user struct {
	password string
	admin    bool
}

type Server struct {
	*httptest.Server

	CookieName string
	tokens     *Issuer

	mu      sync.Mutex
	users   map[string]user
	revoked map[string]bool
	modes   map[string]Mode
	calls   map[string]int

	release   chan struct{}
	closeOnce sync.Once
}

// New starts a fake backend with the given token lifetime.
func New(tokenTTL time.Duration) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		CookieName: "accessToken",
		tokens:     NewIssuer("test-backend-secret", tokenTTL),
		users:      make(map[string]user),
		revoked:    make(map[string]bool),
		modes:      make(map[string]Mode),
		calls:      make(map[string]int),
		release:    make(chan struct{}),
	}

	r := gin.New()
	r.Use(s.instrument)
	r.POST(PathLogin, s.login)
	r.Any(PathVerify, s.verify)
	r.POST(PathAdmin, s.admin)
	r.POST(PathRefresh, s.refresh)
	r.POST(PathLogout, s.logout)
	r.GET(PathProject, s.projects)

	s.Server = httptest.NewServer(r)
	return s
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.release)
		s.Server.Close()
	})
}

func (s *Server) AddUser(username, password string, admin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = user{password: password, admin: admin}
}

// Token issues a valid credential without going through login.
func (s *Server) Token(username string) string {
	s.mu.Lock()
	u := s.users[username]
	s.mu.Unlock()
	tok, err := s.tokens.Issue(time.Now(), username, u.admin)
	if err != nil {
		panic(err)
	}
	return tok
}

func (s *Server) SetMode(path string, m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[path] = m
}

// Calls reports how many requests reached path.
func (s *Server) Calls(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *Server) instrument(c *gin.Context) {
	path := c.Request.URL.Path

	s.mu.Lock()
	s.calls[path]++
	mode := s.modes[path]
	s.mu.Unlock()

	switch mode {
	case ModeServerError:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
	case ModeNoSuccess:
		c.AbortWithStatusJSON(http.StatusOK, gin.H{"success": false, "message": "not allowed"})
	case ModeMalformed:
		c.Data(http.StatusOK, "text/html", []byte("<html>maintenance</html>"))
		c.Abort()
	case ModeHang:
		select {
		case <-c.Request.Context().Done():
		case <-s.release:
		}
		c.Abort()
	default:
		c.Next()
	}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid json"})
		return
	}

	s.mu.Lock()
	u, ok := s.users[req.Identifier]
	s.mu.Unlock()
	if !ok || u.password != req.Password {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid credentials"})
		return
	}
	s.issue(c, req.Identifier, u.admin, "Login successful")
}

func (s *Server) verify(c *gin.Context) {
	claims, ok := s.authenticate(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"username": claims.Username}})
}

func (s *Server) admin(c *gin.Context) {
	claims, ok := s.authenticate(c)
	if !ok {
		return
	}
	s.mu.Lock()
	isAdmin := s.users[claims.Username].admin
	s.mu.Unlock()
	if !isAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"success": false, "message": "Admin access required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Admin verified"})
}

func (s *Server) refresh(c *gin.Context) {
	claims, ok := s.authenticate(c)
	if !ok {
		return
	}
	s.revoke(claims.ID)
	s.issue(c, claims.Username, claims.Admin, "Token refreshed")
}

func (s *Server) logout(c *gin.Context) {
	claims, ok := s.authenticate(c)
	if !ok {
		return
	}
	s.revoke(claims.ID)
	c.SetCookie(s.CookieName, "", -1, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out"})
}

func (s *Server) projects(c *gin.Context) {
	if _, ok := s.authenticate(c); !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": []gin.H{
		{"projectname": "portal", "description": "gatekeeping", "skill": []string{"go"}},
	}})
}

func (s *Server) issue(c *gin.Context, username string, admin bool, msg string) {
	tok, err := s.tokens.Issue(time.Now(), username, admin)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "token issuance failed"})
		return
	}
	c.SetCookie(s.CookieName, tok, 3600, "/", "", false, true)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg, "data": gin.H{"accessToken": tok}})
}

func (s *Server) authenticate(c *gin.Context) (Claims, bool) {
	tok, _ := c.Cookie(s.CookieName)
	if tok == "" {
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			tok = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if tok == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized request"})
		return Claims{}, false
	}

	claims, err := s.tokens.Verify(tok, time.Now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid access token"})
		return Claims{}, false
	}
	s.mu.Lock()
	revoked := s.revoked[claims.ID]
	s.mu.Unlock()
	if revoked {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Token revoked"})
		return Claims{}, false
	}
	return claims, true
}

func (s *Server) revoke(jti string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = true
}
