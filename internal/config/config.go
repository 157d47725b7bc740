package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"softphone-console/internal/identity"
)

// Config holds all configuration required by the softphone process.
// All values come from env and are read once at startup.
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Session SessionConfig
	Agent   AgentConfig
	Media   MediaConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// SessionConfig describes the call destination.
// URI, when set, wins over Proto/User/Domain.
type SessionConfig struct {
	Proto  string `json:"proto"`
	User   string `json:"user"`
	Domain string `json:"domain"`
	URI    string `json:"uri,omitempty"`
}

// AgentConfig configures the signaling agent.
// Realm and User are drawn fresh on every process start.
type AgentConfig struct {
	// LogLevel uses the trace scale of the signaling library:
	// 0 error, 1 warn, 2 log, 3 debug.
	LogLevel int    `json:"log_level"`
	Realm    string `json:"realm"`
	User     string `json:"user"`
	WSServer string `json:"ws_server"`

	Retry RetryPolicy `json:"retry"`

	// STUNURLs are handed to the media layer for candidate gathering.
	STUNURLs []string `json:"stun_urls,omitempty"`
}

// RetryPolicy bounds transport attempts made by the agent.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     time.Duration `json:"backoff"`
}

type MediaConfig struct {
	// AudioOutPath receives raw remote audio payloads. Empty discards them.
	AudioOutPath string
	// SetupTimeout bounds the wait for remote media. Zero disables the timer.
	SetupTimeout time.Duration
}

// DBConfig is optional. An empty Host disables Postgres call history.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. An empty Host disables the shared line guard.
type RedisConfig struct {
	Host        string
	Port        int
	LineLockTTL time.Duration
}

// AuthConfig is optional. An empty JWTSecret leaves the API open,
// which is only accepted outside production.
type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

const (
	defaultProto        = "sip"
	defaultUser         = "hello"
	defaultDomain       = "example.com"
	defaultWSServer     = "wss://example.com"
	defaultLogLevel     = 3
	defaultMaxReconnect = 100
	defaultBackoff      = time.Second
	defaultSetupTimeout = 60 * time.Second
	defaultLineLockTTL  = 2 * time.Hour
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Session.Proto = envOr("SOFTPHONE_PROTO", defaultProto)
	c.Session.User = envOr("SOFTPHONE_USER", defaultUser)
	c.Session.Domain = envOr("SOFTPHONE_DOMAIN", defaultDomain)
	c.Session.URI = strings.TrimSpace(os.Getenv("SOFTPHONE_URI"))

	id := identity.New()
	c.Agent.Realm = id.Realm
	c.Agent.User = id.User
	c.Agent.WSServer = envOr("SIP_WS_SERVER", defaultWSServer)
	{
		n, err := optionalInt("SIP_LOG_LEVEL", defaultLogLevel)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Agent.LogLevel = n
	}
	{
		n, err := optionalInt("SIP_MAX_RECONNECT", defaultMaxReconnect)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Agent.Retry.MaxAttempts = n
	}
	{
		d, err := optionalDuration("SIP_RECONNECT_BACKOFF", 0)
		d, parseErrs = appendParseErr(parseErrs, d, err)
		c.Agent.Retry.Backoff = d
	}
	c.Agent.STUNURLs = splitList(os.Getenv("STUN_URLS"))

	c.Media.AudioOutPath = strings.TrimSpace(os.Getenv("AUDIO_OUT_PATH"))
	{
		d, err := optionalDuration("CALL_SETUP_TIMEOUT", defaultSetupTimeout)
		d, parseErrs = appendParseErr(parseErrs, d, err)
		c.Media.SetupTimeout = d
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	if c.DB.Host != "" {
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Host != "" {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	{
		d, err := optionalDuration("LINE_LOCK_TTL", 0)
		d, parseErrs = appendParseErr(parseErrs, d, err)
		c.Redis.LineLockTTL = d
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	{
		d, err := optionalDuration("JWT_ACCESS_TTL", 0)
		d, parseErrs = appendParseErr(parseErrs, d, err)
		c.Auth.AccessTokenTTL = d
	}
	{
		d, err := optionalDuration("JWT_REFRESH_TTL", 0)
		d, parseErrs = appendParseErr(parseErrs, d, err)
		c.Auth.RefreshTokenTTL = d
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the config and fills defaults in place.
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

	if c.Session.URI == "" {
		if c.Session.Proto == "" || c.Session.User == "" || c.Session.Domain == "" {
			errs = append(errs, errors.New("SOFTPHONE_URI or SOFTPHONE_PROTO/USER/DOMAIN are required"))
		}
	} else if !strings.Contains(c.Session.URI, ":") {
		errs = append(errs, fmt.Errorf("SOFTPHONE_URI must carry a scheme, got %q", c.Session.URI))
	}

	if !identity.Valid(c.Agent.Realm) || !identity.Valid(c.Agent.User) {
		errs = append(errs, errors.New("agent realm and user must be 8 lowercase letters"))
	}
	if c.Agent.WSServer == "" {
		errs = append(errs, errors.New("SIP_WS_SERVER is required"))
	} else if !strings.HasPrefix(c.Agent.WSServer, "ws://") && !strings.HasPrefix(c.Agent.WSServer, "wss://") {
		errs = append(errs, fmt.Errorf("SIP_WS_SERVER must be a ws:// or wss:// url, got %q", c.Agent.WSServer))
	}
	if c.Agent.LogLevel < 0 || c.Agent.LogLevel > 3 {
		errs = append(errs, fmt.Errorf("SIP_LOG_LEVEL must be within 0..3, got %d", c.Agent.LogLevel))
	}
	if c.Agent.Retry.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SIP_MAX_RECONNECT must be > 0, got %d", c.Agent.Retry.MaxAttempts))
	}
	if c.Agent.Retry.Backoff <= 0 {
		c.Agent.Retry.Backoff = defaultBackoff
	}
	if c.Media.SetupTimeout < 0 {
		errs = append(errs, errors.New("CALL_SETUP_TIMEOUT must not be negative"))
	}

	if c.DBEnabled() {
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
				c.DB.SSLMode = "disable"
			}
		}
		if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	}

	if c.RedisEnabled() {
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}
	if c.Redis.LineLockTTL <= 0 {
		c.Redis.LineLockTTL = defaultLineLockTTL
	}

	if c.AuthEnabled() {
		if c.IsProduction() {
			if c.Auth.JWTIssuer == "" {
				errs = append(errs, errors.New("JWT_ISSUER is required in production"))
			}
			if c.Auth.JWTAudience == "" {
				errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
			}
		}
		if c.Auth.AccessTokenTTL <= 0 {
			c.Auth.AccessTokenTTL = 12 * time.Hour
		}
		if c.Auth.RefreshTokenTTL <= 0 {
			c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
		}
		if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
			errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
		}
	} else if c.IsProduction() {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) DBEnabled() bool { return c.DB.Host != "" }

func (c Config) RedisEnabled() bool { return c.Redis.Host != "" }

func (c Config) AuthEnabled() bool { return c.Auth.JWTSecret != "" }

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// Destination is the address a call goes to when the caller supplies none.
func (s SessionConfig) Destination() string {
	if s.URI != "" {
		return s.URI
	}
	return fmt.Sprintf("%s:%s@%s", s.Proto, s.User, s.Domain)
}

// URI is the agent's own address of record.
func (a AgentConfig) URI() string {
	return fmt.Sprintf("%s@%s", a.User, a.Realm)
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

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string, def int) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return def, nil
	}
	return mustInt(key)
}

// optionalDuration returns def when key is unset. A set but malformed value is an error.
func optionalDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr[T any](errs []error, v T, err error) (T, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
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
