package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"projecthub-portal/internal/session"
)

// Transport selects how the credential travels to the backend.
type Transport string

const (
	TransportCookie Transport = "cookie"
	TransportBearer Transport = "bearer"
)

const maxResponseBytes = 1 << 20

var (
	// ErrNoCredential is returned when an operation needs a credential and none is stored.
	ErrNoCredential = errors.New("backend: no usable credential")
	// ErrMalformedResponse covers non-JSON bodies and envelopes without a success flag.
	ErrMalformedResponse = errors.New("backend: malformed response")
	// ErrNotSuccessful is a 2xx answer whose envelope says success=false.
	ErrNotSuccessful = errors.New("backend: request not successful")
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
}

// Endpoints are paths relative to the backend base URL.
type Endpoints struct {
	Auth    string
	Admin   string
	Refresh string
	Login   string
	Logout  string
}

type Options struct {
	BaseURL    string
	Transport  Transport
	CookieName string
	Endpoints  Endpoints
	Timeout    time.Duration

	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is the portal's only way of asking the backend about a credential.
// It never writes to the session store.
type Client struct {
	base       *url.URL
	http       *http.Client
	transport  Transport
	cookieName string
	endpoints  Endpoints
	log        *slog.Logger
	now        func() time.Time
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", opts.BaseURL)
	}
	switch opts.Transport {
	case "":
		opts.Transport = TransportCookie
	case TransportCookie, TransportBearer:
	default:
		return nil, fmt.Errorf("backend: unknown credential transport %q", opts.Transport)
	}
	if opts.CookieName == "" {
		opts.CookieName = "accessToken"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		base:       base,
		http:       hc,
		transport:  opts.Transport,
		cookieName: opts.CookieName,
		endpoints:  opts.Endpoints,
		log:        opts.Logger,
		now:        time.Now,
	}, nil
}

// BaseURL returns a copy of the backend base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// CheckAuthenticated reports whether the backend accepts cred.
// Every failure, including transport errors, is a plain false.
func (c *Client) CheckAuthenticated(ctx context.Context, cred session.Credential) bool {
	return c.check(ctx, http.MethodGet, c.endpoints.Auth, cred)
}

// CheckAdmin reports whether the backend grants cred the admin role.
func (c *Client) CheckAdmin(ctx context.Context, cred session.Credential) bool {
	return c.check(ctx, http.MethodPost, c.endpoints.Admin, cred)
}

func (c *Client) check(ctx context.Context, method, path string, cred session.Credential) bool {
	if !cred.Usable(c.now()) {
		c.log.Debug("backend check skipped", "path", path, "present", cred.Present())
		return false
	}
	if _, _, err := c.do(ctx, method, path, cred, nil); err != nil {
		c.log.Debug("backend check denied", "path", path, "err", err)
		return false
	}
	return true
}

// Refresh exchanges cred for a new one.
func (c *Client) Refresh(ctx context.Context, cred session.Credential) (session.Credential, error) {
	if !cred.Present() {
		return session.Credential{}, ErrNoCredential
	}
	resp, env, err := c.do(ctx, http.MethodPost, c.endpoints.Refresh, cred, nil)
	if err != nil {
		return session.Credential{}, err
	}
	return c.credentialFrom(resp, env)
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// Login trades user credentials for a session credential.
func (c *Client) Login(ctx context.Context, identifier, password string) (session.Credential, error) {
	resp, env, err := c.do(ctx, http.MethodPost, c.endpoints.Login, session.Credential{}, loginRequest{
		Identifier: identifier,
		Password:   password,
	})
	if err != nil {
		return session.Credential{}, err
	}
	return c.credentialFrom(resp, env)
}

// Logout asks the backend to revoke cred. An absent credential is a no-op.
func (c *Client) Logout(ctx context.Context, cred session.Credential) error {
	if !cred.Present() {
		return nil
	}
	_, _, err := c.do(ctx, http.MethodPost, c.endpoints.Logout, cred, nil)
	return err
}

// Attach puts cred on an outgoing request using the configured transport.
func (c *Client) Attach(req *http.Request, cred session.Credential) {
	if !cred.Present() {
		return
	}
	switch c.transport {
	case TransportBearer:
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	default:
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: cred.Token})
	}
}

type envelope struct {
	Success *bool           `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, cred session.Credential, body any) (*http.Response, envelope, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, envelope{}, fmt.Errorf("backend: encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), rdr)
	if err != nil {
		return nil, envelope{}, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.Attach(req, cred)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, envelope{}, fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, envelope{}, fmt.Errorf("backend: read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return resp, env, &APIError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil || env.Success == nil {
		return resp, env, ErrMalformedResponse
	}
	if !*env.Success {
		return resp, env, fmt.Errorf("%w: %s", ErrNotSuccessful, env.Message)
	}
	return resp, env, nil
}

type tokenData struct {
	AccessToken string `json:"accessToken"`
	Token       string `json:"token"`
}

// credentialFrom prefers the credential cookie, then the token in the JSON data.
func (c *Client) credentialFrom(resp *http.Response, env envelope) (session.Credential, error) {
	for _, ck := range resp.Cookies() {
		if ck.Name != c.cookieName || ck.Value == "" {
			continue
		}
		cred := session.NewCredential(ck.Value)
		if cred.ExpiresAt.IsZero() {
			switch {
			case ck.MaxAge > 0:
				cred = cred.WithExpiry(c.now().Add(time.Duration(ck.MaxAge) * time.Second))
			case !ck.Expires.IsZero():
				cred = cred.WithExpiry(ck.Expires)
			}
		}
		return cred, nil
	}

	if len(env.Data) > 0 {
		var td tokenData
		if err := json.Unmarshal(env.Data, &td); err == nil {
			if td.AccessToken != "" {
				return session.NewCredential(td.AccessToken), nil
			}
			if td.Token != "" {
				return session.NewCredential(td.Token), nil
			}
		}
	}
	return session.Credential{}, fmt.Errorf("%w: no credential in response", ErrMalformedResponse)
}
