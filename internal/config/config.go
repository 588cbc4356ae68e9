package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the portal process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Backend BackendConfig
	Gate    GateConfig
	Refresh RefreshConfig
	Session SessionConfig
	Redis   RedisConfig
	Audit   AuditConfig
	DB      DBConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// BackendConfig describes the remote project-collaboration API.
type BackendConfig struct {
	BaseURL string

	// Transport is how the credential travels: "cookie" or "bearer".
	Transport  string
	CookieName string

	AuthPath    string
	AdminPath   string
	RefreshPath string
	LoginPath   string
	LogoutPath  string

	Timeout time.Duration
}

type GateConfig struct {
	CheckTimeout  time.Duration
	LoginPath     string
	AdminFallback string

	// RenderMode is "redirect" or "progressive".
	RenderMode string
}

type RefreshConfig struct {
	Interval    time.Duration
	Concurrency int
}

type SessionConfig struct {
	// Store is "memory" or "redis".
	Store      string
	CookieName string
	TTL        time.Duration

	// Login attempts per client IP per window. Enforced with the redis store only.
	LoginRateLimit  int
	LoginRateWindow time.Duration
}

type RedisConfig struct {
	Host string
	Port int
}

type AuditConfig struct {
	// Sink is "none", "memory" or "postgres".
	Sink string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

const (
	TransportCookie = "cookie"
	TransportBearer = "bearer"

	RenderRedirect    = "redirect"
	RenderProgressive = "progressive"

	StoreMemory = "memory"
	StoreRedis  = "redis"

	AuditNone     = "none"
	AuditMemory   = "memory"
	AuditPostgres = "postgres"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = optionalInt("APP_PORT", parseErrs)

	c.Backend.BaseURL = strings.TrimSpace(os.Getenv("BACKEND_BASE_URL"))
	c.Backend.Transport = strings.ToLower(strings.TrimSpace(os.Getenv("BACKEND_CREDENTIAL_TRANSPORT")))
	c.Backend.CookieName = strings.TrimSpace(os.Getenv("BACKEND_CREDENTIAL_COOKIE"))
	c.Backend.AuthPath = strings.TrimSpace(os.Getenv("BACKEND_AUTH_PATH"))
	c.Backend.AdminPath = strings.TrimSpace(os.Getenv("BACKEND_ADMIN_PATH"))
	c.Backend.RefreshPath = strings.TrimSpace(os.Getenv("BACKEND_REFRESH_PATH"))
	c.Backend.LoginPath = strings.TrimSpace(os.Getenv("BACKEND_LOGIN_PATH"))
	c.Backend.LogoutPath = strings.TrimSpace(os.Getenv("BACKEND_LOGOUT_PATH"))
	c.Backend.Timeout, parseErrs = optionalDuration("BACKEND_TIMEOUT", parseErrs)

	c.Gate.CheckTimeout, parseErrs = optionalDuration("GATE_CHECK_TIMEOUT", parseErrs)
	c.Gate.LoginPath = strings.TrimSpace(os.Getenv("GATE_LOGIN_PATH"))
	c.Gate.AdminFallback = strings.TrimSpace(os.Getenv("GATE_ADMIN_FALLBACK_PATH"))
	c.Gate.RenderMode = strings.ToLower(strings.TrimSpace(os.Getenv("GATE_RENDER_MODE")))

	c.Refresh.Interval, parseErrs = optionalDuration("REFRESH_INTERVAL", parseErrs)
	c.Refresh.Concurrency, parseErrs = optionalInt("REFRESH_CONCURRENCY", parseErrs)

	c.Session.Store = strings.ToLower(strings.TrimSpace(os.Getenv("SESSION_STORE")))
	c.Session.CookieName = strings.TrimSpace(os.Getenv("SESSION_COOKIE"))
	c.Session.TTL, parseErrs = optionalDuration("SESSION_TTL", parseErrs)
	c.Session.LoginRateLimit, parseErrs = optionalInt("LOGIN_RATE_LIMIT", parseErrs)
	c.Session.LoginRateWindow, parseErrs = optionalDuration("LOGIN_RATE_WINDOW", parseErrs)

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = optionalInt("REDIS_PORT", parseErrs)

	c.Audit.Sink = strings.ToLower(strings.TrimSpace(os.Getenv("AUDIT_SINK")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = optionalInt("DB_PORT", parseErrs)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in defaults for optional values.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port == 0 {
		c.App.Port = 8080
	}
	if c.App.Port < 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	errs = append(errs, c.validateBackend()...)
	errs = append(errs, c.validateGate()...)

	if c.Refresh.Interval <= 0 {
		// Well inside a typical 15 minute access token lifetime.
		c.Refresh.Interval = 10 * time.Minute
	}
	if c.Refresh.Concurrency <= 0 {
		c.Refresh.Concurrency = 8
	}

	errs = append(errs, c.validateSession()...)
	errs = append(errs, c.validateAudit()...)

	return joinErrors(errs)
}

func (c *Config) validateBackend() []error {
	var errs []error

	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("BACKEND_BASE_URL is required"))
	} else if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BACKEND_BASE_URL must be an absolute URL, got %q", c.Backend.BaseURL))
	} else if c.IsProduction() && u.Scheme != "https" {
		errs = append(errs, errors.New("BACKEND_BASE_URL must use https in production"))
	}

	switch c.Backend.Transport {
	case "":
		c.Backend.Transport = TransportCookie
	case TransportCookie, TransportBearer:
	default:
		errs = append(errs, fmt.Errorf("BACKEND_CREDENTIAL_TRANSPORT must be one of cookie, bearer, got %q", c.Backend.Transport))
	}

	c.Backend.CookieName = orDefault(c.Backend.CookieName, "accessToken")
	c.Backend.AuthPath = orDefault(c.Backend.AuthPath, "/users/verify")
	c.Backend.AdminPath = orDefault(c.Backend.AdminPath, "/users/admin")
	c.Backend.RefreshPath = orDefault(c.Backend.RefreshPath, "/users/refresh-token")
	c.Backend.LoginPath = orDefault(c.Backend.LoginPath, "/users/login")
	c.Backend.LogoutPath = orDefault(c.Backend.LogoutPath, "/users/logout")

	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = 10 * time.Second
	}
	return errs
}

func (c *Config) validateGate() []error {
	var errs []error

	if c.Gate.CheckTimeout <= 0 {
		c.Gate.CheckTimeout = 8 * time.Second
	}
	c.Gate.LoginPath = orDefault(c.Gate.LoginPath, "/login")
	c.Gate.AdminFallback = orDefault(c.Gate.AdminFallback, "/dashboard")
	if !strings.HasPrefix(c.Gate.LoginPath, "/") {
		errs = append(errs, fmt.Errorf("GATE_LOGIN_PATH must be an absolute path, got %q", c.Gate.LoginPath))
	}
	if !strings.HasPrefix(c.Gate.AdminFallback, "/") {
		errs = append(errs, fmt.Errorf("GATE_ADMIN_FALLBACK_PATH must be an absolute path, got %q", c.Gate.AdminFallback))
	}

	switch c.Gate.RenderMode {
	case "":
		c.Gate.RenderMode = RenderRedirect
	case RenderRedirect, RenderProgressive:
	default:
		errs = append(errs, fmt.Errorf("GATE_RENDER_MODE must be one of redirect, progressive, got %q", c.Gate.RenderMode))
	}
	return errs
}

func (c *Config) validateSession() []error {
	var errs []error

	c.Session.CookieName = orDefault(c.Session.CookieName, "portal_sid")
	if c.Session.TTL <= 0 {
		c.Session.TTL = 7 * 24 * time.Hour
	}
	if c.Session.LoginRateLimit == 0 {
		c.Session.LoginRateLimit = 10
	}
	if c.Session.LoginRateLimit < 0 {
		errs = append(errs, fmt.Errorf("LOGIN_RATE_LIMIT must be > 0, got %d", c.Session.LoginRateLimit))
	}
	if c.Session.LoginRateWindow <= 0 {
		c.Session.LoginRateWindow = time.Minute
	}

	switch c.Session.Store {
	case "":
		c.Session.Store = StoreMemory
	case StoreMemory:
	case StoreRedis:
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required when SESSION_STORE=redis"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE must be one of memory, redis, got %q", c.Session.Store))
	}

	if c.IsProduction() && c.Session.Store == StoreMemory {
		errs = append(errs, errors.New("SESSION_STORE=redis is required in production"))
	}
	return errs
}

func (c *Config) validateAudit() []error {
	var errs []error

	switch c.Audit.Sink {
	case "":
		c.Audit.Sink = AuditNone
	case AuditNone, AuditMemory:
	case AuditPostgres:
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required when AUDIT_SINK=postgres"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			} else {
				// Local-friendly default; production must be explicit.
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	default:
		errs = append(errs, fmt.Errorf("AUDIT_SINK must be one of none, memory, postgres, got %q", c.Audit.Sink))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func optionalInt(key string, errs []error) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalDuration(key string, errs []error) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
