// Package config handles router configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DefaultNonRPCEvents are event types that are never correlated and whose
// session-addressed misses are not worth a warning.
var DefaultNonRPCEvents = []string{
	"subscribe-message",
	"unsubscribe-message",
	"session-closed",
	"subscribe-internal",
	"identity/authenticated",
}

// Config is the top-level router configuration.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Auth        AuthConfig        `json:"auth"`
	Bus         BusConfig         `json:"bus"`
	Router      RouterConfig      `json:"router"`
	Correlation CorrelationConfig `json:"correlation"`
	Storage     StorageConfig     `json:"storage"`
	Logging     LoggingConfig     `json:"logging"`
	RateLimit   RateLimitConfig   `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr            string   `json:"addr"` // e.g. ":8080"
	TLSCert         string   `json:"tls_cert,omitempty"`
	TLSKey          string   `json:"tls_key,omitempty"`
	AllowedOrigins  []string `json:"allowed_origins,omitempty"`   // WebSocket/CORS origins; empty allows all
	WebSocketPath   string   `json:"websocket_path,omitempty"`    // default "/v0/websocket"
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty"`    // max admin request body; default 1MB
	MaxMessageBytes int64    `json:"max_message_bytes,omitempty"` // max client frame; default 64KB
	WriteTimeout    Duration `json:"write_timeout,omitempty"`     // per-frame write deadline; default 10s
}

// AuthConfig defines how client tokens are validated.
type AuthConfig struct {
	Provider     string   `json:"provider,omitempty"` // "builtin" (default), "jwks" or "oidc"
	JWTSecret    string   `json:"jwt_secret,omitempty"`
	Issuer       string   `json:"issuer,omitempty"`
	Audience     string   `json:"audience,omitempty"`
	JWKSURL      string   `json:"jwks_url,omitempty"`
	OIDCIssuer   string   `json:"oidc_issuer,omitempty"`
	OIDCClientID string   `json:"oidc_client_id,omitempty"`
	TokenGrace   Duration `json:"token_grace,omitempty"` // added to token expiry; default 30s
	AdminRole    string   `json:"admin_role,omitempty"`  // role required for /api/admin; default "admin"
}

// BusConfig selects the pub/sub backend.
type BusConfig struct {
	Driver        string `json:"driver,omitempty"` // "memory" (default) or "redis"
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	Prefix        string `json:"prefix,omitempty"` // channel prefix; default "wsrouter."
}

// RouterConfig defines client policy and the instance identity.
type RouterConfig struct {
	InstanceID           string   `json:"instance_id,omitempty"` // empty generates one per process
	BannedUserAgents     []string `json:"banned_user_agents,omitempty"`
	BannedClientVersions []string `json:"banned_client_versions,omitempty"`
	NonRPCEvents         []string `json:"non_rpc_events,omitempty"`        // added to DefaultNonRPCEvents
	HeartbeatInterval    Duration `json:"heartbeat_interval,omitempty"`    // default 30s
	HeartbeatConcurrency int      `json:"heartbeat_concurrency,omitempty"` // default 64
}

// CorrelationConfig defines request/response correlation timing.
type CorrelationConfig struct {
	Timeout       Duration `json:"timeout,omitempty"`        // default 30s
	SweepInterval Duration `json:"sweep_interval,omitempty"` // default 10s
	SlowThreshold Duration `json:"slow_threshold,omitempty"` // default 5ms
}

// StorageConfig defines the audit database.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "wsrouter.db" or ":memory:"
	AuditRetention Duration `json:"audit_retention,omitempty"` // default 7 days
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	MessagesPerSecond   float64 `json:"messages_per_second,omitempty"`   // per connection; default 20
	Burst               int     `json:"burst,omitempty"`                 // default 40
	HandshakesPerMinute int     `json:"handshakes_per_minute,omitempty"` // per client IP; default 120
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// envOverrides are deploy-time settings read from the environment after the
// file is parsed. Unset variables leave the file value alone.
type envOverrides struct {
	Addr          string `env:"WSROUTER_ADDR"`
	InstanceID    string `env:"WSROUTER_INSTANCE_ID"`
	JWTSecret     string `env:"WSROUTER_JWT_SECRET"`
	AuthProvider  string `env:"WSROUTER_AUTH_PROVIDER"`
	JWKSURL       string `env:"WSROUTER_JWKS_URL"`
	BusDriver     string `env:"WSROUTER_BUS_DRIVER"`
	BusPrefix     string `env:"WSROUTER_BUS_PREFIX"`
	RedisAddr     string `env:"WSROUTER_REDIS_ADDR"`
	RedisPassword string `env:"WSROUTER_REDIS_PASSWORD"`
	StorageDriver string `env:"WSROUTER_STORAGE_DRIVER"`
	StorageDSN    string `env:"WSROUTER_STORAGE_DSN"`
	LogLevel      string `env:"WSROUTER_LOG_LEVEL"`
	LogFormat     string `env:"WSROUTER_LOG_FORMAT"`
}

// Load reads, applies environment overrides to, and validates a config file.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Parse decodes config bytes without validating them.
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		// YAML is converted to JSON so both formats share the json tags and
		// the Duration decoding.
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		data = converted
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// ApplyEnv overrides settings from WSROUTER_* environment variables.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Server.Addr, env.Addr)
	set(&c.Router.InstanceID, env.InstanceID)
	set(&c.Auth.JWTSecret, env.JWTSecret)
	set(&c.Auth.Provider, env.AuthProvider)
	set(&c.Auth.JWKSURL, env.JWKSURL)
	set(&c.Bus.Driver, env.BusDriver)
	set(&c.Bus.Prefix, env.BusPrefix)
	set(&c.Bus.RedisAddr, env.RedisAddr)
	set(&c.Bus.RedisPassword, env.RedisPassword)
	set(&c.Storage.Driver, env.StorageDriver)
	set(&c.Storage.DSN, env.StorageDSN)
	set(&c.Logging.Level, env.LogLevel)
	set(&c.Logging.Format, env.LogFormat)
	return nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	switch c.Auth.Provider {
	case "", "builtin":
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.jwks_url is required when provider is jwks")
		}
	case "oidc":
		if c.Auth.OIDCIssuer == "" {
			return fmt.Errorf("auth.oidc_issuer is required when provider is oidc")
		}
	default:
		return fmt.Errorf("unknown auth provider: %q", c.Auth.Provider)
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret, generate a new one")
	}
	switch c.Bus.Driver {
	// An empty redis_addr means REDIS_ADDR and friends are read at startup.
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown bus driver: %q", c.Bus.Driver)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.WebSocketPath == "" {
		c.Server.WebSocketPath = "/v0/websocket"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 64 * 1024 // 64KB
	}
	if c.Server.WriteTimeout.Duration == 0 {
		c.Server.WriteTimeout.Duration = 10 * time.Second
	}
	if c.Auth.Provider == "" {
		c.Auth.Provider = "builtin"
	}
	if c.Auth.TokenGrace.Duration == 0 {
		c.Auth.TokenGrace.Duration = 30 * time.Second
	}
	if c.Auth.AdminRole == "" {
		c.Auth.AdminRole = "admin"
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}
	if c.Bus.Prefix == "" {
		c.Bus.Prefix = "wsrouter."
	}
	if c.Router.HeartbeatInterval.Duration == 0 {
		c.Router.HeartbeatInterval.Duration = 30 * time.Second
	}
	if c.Router.HeartbeatConcurrency == 0 {
		c.Router.HeartbeatConcurrency = 64
	}
	if c.Correlation.Timeout.Duration == 0 {
		c.Correlation.Timeout.Duration = 30 * time.Second
	}
	if c.Correlation.SweepInterval.Duration == 0 {
		c.Correlation.SweepInterval.Duration = 10 * time.Second
	}
	if c.Correlation.SlowThreshold.Duration == 0 {
		c.Correlation.SlowThreshold.Duration = 5 * time.Millisecond
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "wsrouter.db"
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 7 * 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.MessagesPerSecond == 0 {
		c.RateLimit.MessagesPerSecond = 20
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 40
	}
	if c.RateLimit.HandshakesPerMinute == 0 {
		c.RateLimit.HandshakesPerMinute = 120
	}
}

// Encode serializes cfg for a file with extension ext, YAML for .yaml and
// .yml and indented JSON otherwise.
func Encode(cfg *Config, ext string) ([]byte, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("marshal config: %w", err)
		}
		out, err := yaml.Marshal(integralNumbers(doc))
		if err != nil {
			return nil, fmt.Errorf("marshal config: %w", err)
		}
		return out, nil
	}
	return append(data, '\n'), nil
}

// integralNumbers turns whole float64 values back into int64 so YAML does
// not write them in exponent form.
func integralNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = integralNumbers(item)
		}
	case []any:
		for i, item := range val {
			val[i] = integralNumbers(item)
		}
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return int64(val)
		}
	}
	return v
}

// Default returns a config suitable for local development with the given
// JWT secret. It is what `wsrouter init` writes.
func Default(secret string) *Config {
	cfg := &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Auth:    AuthConfig{Provider: "builtin", JWTSecret: secret},
		Storage: StorageConfig{Driver: "sqlite", DSN: "wsrouter.db"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
	cfg.applyDefaults()
	return cfg
}
