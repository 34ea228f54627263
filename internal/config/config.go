package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration required by the gateway process.
// Values come from env; an optional file named by GATEWAY_CONFIG may supply
// the same keys. No component reads raw environment variables.
type Config struct {
	App      AppConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Session  SessionConfig
	Presence PresenceConfig
	Realtime RealtimeConfig
	Services ServicesConfig
	Audit    AuditConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWKSURI          string
	Algorithms       []string
	JWKSCacheEntries int
	JWKSCacheMaxAge  time.Duration
	JWKSRateLimit    int
	GatewaySecret    string
	InternalTokenTTL time.Duration
	RefreshPath      string
}

type SessionConfig struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
}

type PresenceConfig struct {
	HeartbeatTimeout time.Duration
	Retention        time.Duration
	SweepInterval    time.Duration
}

type RealtimeConfig struct {
	AllowedOrigins  []string
	EventsPerSecond float64
	MaxConnsPerIP   int
}

// ServicesConfig holds backend base URLs, keyed by the path segment they
// are mounted under (/api/v1/{name}).
type ServicesConfig struct {
	Auth          string
	Users         string
	Gigs          string
	Orders        string
	Reviews       string
	Notifications string
	Chats         string
}

type AuditConfig struct {
	// DSN is optional; without it audit events go to the structured log.
	DSN string
}

const envConfigFile = "GATEWAY_CONFIG"

func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if path := strings.TrimSpace(v.GetString(envConfigFile)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", 4000)
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("JWT_ALGORITHM", "RS256")
	v.SetDefault("JWKS_CACHE_MAX_ENTRIES", 5)
	v.SetDefault("JWKS_CACHE_MAX_AGE", "10m")
	v.SetDefault("JWKS_REQUESTS_PER_MINUTE", 10)
	v.SetDefault("INTERNAL_TOKEN_TTL", "5m")
	v.SetDefault("AUTH_REFRESH_PATH", "/refresh")
	v.SetDefault("SESSION_COOKIE_NAME", "session")
	v.SetDefault("SESSION_TTL", "168h")
	v.SetDefault("PRESENCE_HEARTBEAT_TIMEOUT", "60s")
	v.SetDefault("PRESENCE_RETENTION", "720h")
	v.SetDefault("PRESENCE_SWEEP_INTERVAL", "1h")
	v.SetDefault("WS_EVENTS_PER_SECOND", 20)
	v.SetDefault("WS_MAX_CONNS_PER_IP", 50)
}

func fromViper(v *viper.Viper) (Config, error) {
	var parseErrs []error
	c := Config{}

	c.App.Env = strings.TrimSpace(v.GetString("APP_ENV"))
	c.App.Port, parseErrs = intKey(v, "APP_PORT", parseErrs)
	c.App.LogLevel = strings.TrimSpace(v.GetString("LOG_LEVEL"))

	c.Redis.Host = strings.TrimSpace(v.GetString("REDIS_HOST"))
	c.Redis.Port, parseErrs = intKey(v, "REDIS_PORT", parseErrs)
	c.Redis.Password = v.GetString("REDIS_PASSWORD")

	c.Auth.JWKSURI = strings.TrimSpace(v.GetString("JWKS_URI"))
	c.Auth.Algorithms = splitList(v.GetString("JWT_ALGORITHM"))
	c.Auth.JWKSCacheEntries, parseErrs = intKey(v, "JWKS_CACHE_MAX_ENTRIES", parseErrs)
	c.Auth.JWKSCacheMaxAge, parseErrs = durationKey(v, "JWKS_CACHE_MAX_AGE", parseErrs)
	c.Auth.JWKSRateLimit, parseErrs = intKey(v, "JWKS_REQUESTS_PER_MINUTE", parseErrs)
	c.Auth.GatewaySecret = v.GetString("GATEWAY_SECRET_KEY")
	c.Auth.InternalTokenTTL, parseErrs = durationKey(v, "INTERNAL_TOKEN_TTL", parseErrs)
	c.Auth.RefreshPath = strings.TrimSpace(v.GetString("AUTH_REFRESH_PATH"))

	c.Session.CookieName = strings.TrimSpace(v.GetString("SESSION_COOKIE_NAME"))
	c.Session.TTL, parseErrs = durationKey(v, "SESSION_TTL", parseErrs)
	c.Session.Secure = v.GetBool("SESSION_COOKIE_SECURE")

	c.Presence.HeartbeatTimeout, parseErrs = durationKey(v, "PRESENCE_HEARTBEAT_TIMEOUT", parseErrs)
	c.Presence.Retention, parseErrs = durationKey(v, "PRESENCE_RETENTION", parseErrs)
	c.Presence.SweepInterval, parseErrs = durationKey(v, "PRESENCE_SWEEP_INTERVAL", parseErrs)

	c.Realtime.AllowedOrigins = splitList(v.GetString("WS_ALLOWED_ORIGINS"))
	c.Realtime.EventsPerSecond = v.GetFloat64("WS_EVENTS_PER_SECOND")
	c.Realtime.MaxConnsPerIP, parseErrs = intKey(v, "WS_MAX_CONNS_PER_IP", parseErrs)

	c.Services.Auth = strings.TrimSpace(v.GetString("AUTH_BASE_URL"))
	c.Services.Users = strings.TrimSpace(v.GetString("USERS_BASE_URL"))
	c.Services.Gigs = strings.TrimSpace(v.GetString("GIG_BASE_URL"))
	c.Services.Orders = strings.TrimSpace(v.GetString("ORDER_BASE_URL"))
	c.Services.Reviews = strings.TrimSpace(v.GetString("REVIEW_BASE_URL"))
	c.Services.Notifications = strings.TrimSpace(v.GetString("NOTIFICATIONS_BASE_URL"))
	c.Services.Chats = strings.TrimSpace(v.GetString("CHATS_BASE_URL"))

	c.Audit.DSN = v.GetString("AUDIT_DB_DSN")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills in defaults for
// optional values left at zero.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWKSURI == "" {
		errs = append(errs, errors.New("JWKS_URI is required"))
	} else if !isHTTPURL(c.Auth.JWKSURI) {
		errs = append(errs, fmt.Errorf("JWKS_URI must be an http(s) URL, got %q", c.Auth.JWKSURI))
	}
	if c.Auth.GatewaySecret == "" {
		errs = append(errs, errors.New("GATEWAY_SECRET_KEY is required"))
	} else if c.IsProduction() && len(c.Auth.GatewaySecret) < 32 {
		errs = append(errs, errors.New("GATEWAY_SECRET_KEY must be at least 32 bytes in production"))
	}
	if len(c.Auth.Algorithms) == 0 {
		c.Auth.Algorithms = []string{"RS256"}
	}
	for _, alg := range c.Auth.Algorithms {
		if strings.HasPrefix(alg, "HS") || alg == "none" {
			errs = append(errs, fmt.Errorf("JWT_ALGORITHM must be asymmetric, got %q", alg))
		}
	}
	if c.Auth.JWKSCacheEntries <= 0 {
		c.Auth.JWKSCacheEntries = 5
	}
	if c.Auth.JWKSCacheMaxAge <= 0 {
		c.Auth.JWKSCacheMaxAge = 10 * time.Minute
	}
	if c.Auth.JWKSRateLimit <= 0 {
		c.Auth.JWKSRateLimit = 10
	}
	if c.Auth.InternalTokenTTL <= 0 {
		c.Auth.InternalTokenTTL = 5 * time.Minute
	}
	if c.Auth.RefreshPath == "" {
		c.Auth.RefreshPath = "/refresh"
	}

	if c.Session.CookieName == "" {
		c.Session.CookieName = "session"
	}
	if c.Session.TTL <= 0 {
		c.Session.TTL = 7 * 24 * time.Hour
	}
	if c.IsProduction() && !c.Session.Secure {
		errs = append(errs, errors.New("SESSION_COOKIE_SECURE must be true in production"))
	}

	if c.Presence.HeartbeatTimeout <= 0 {
		c.Presence.HeartbeatTimeout = 60 * time.Second
	}
	if c.Presence.Retention <= 0 {
		c.Presence.Retention = 30 * 24 * time.Hour
	}
	if c.Presence.SweepInterval <= 0 {
		c.Presence.SweepInterval = time.Hour
	}
	if c.Realtime.EventsPerSecond <= 0 {
		c.Realtime.EventsPerSecond = 20
	}
	if c.Realtime.MaxConnsPerIP <= 0 {
		c.Realtime.MaxConnsPerIP = 50
	}

	for name, raw := range c.Services.byName() {
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s is required", serviceEnvKeys[name]))
			continue
		}
		if !isHTTPURL(raw) {
			errs = append(errs, fmt.Errorf("%s must be an http(s) URL, got %q", serviceEnvKeys[name], raw))
		}
	}

	return joinErrors(errs)
}

var serviceEnvKeys = map[string]string{
	"auth":          "AUTH_BASE_URL",
	"users":         "USERS_BASE_URL",
	"gigs":          "GIG_BASE_URL",
	"orders":        "ORDER_BASE_URL",
	"reviews":       "REVIEW_BASE_URL",
	"notifications": "NOTIFICATIONS_BASE_URL",
	"chats":         "CHATS_BASE_URL",
}

func (s ServicesConfig) byName() map[string]string {
	return map[string]string{
		"auth":          s.Auth,
		"users":         s.Users,
		"gigs":          s.Gigs,
		"orders":        s.Orders,
		"reviews":       s.Reviews,
		"notifications": s.Notifications,
		"chats":         s.Chats,
	}
}

// Backends returns service name to base URL for every proxied backend.
func (s ServicesConfig) Backends() map[string]string { return s.byName() }

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func intKey(v *viper.Viper, key string, errs []error) (int, []error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, errs
	}
	n := v.GetInt(key)
	if n == 0 && raw != "0" {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, raw))
	}
	return n, errs
}

func durationKey(v *viper.Viper, key string, errs []error) (time.Duration, []error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, raw))
	}
	return d, errs
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
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
