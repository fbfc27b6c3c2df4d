// Package config handles hub configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT or device-token secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level hub configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`
	Relay     RelayConfig     `json:"relay,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the hub's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max HTTP request body; default 1MB
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider            string             `json:"provider,omitempty"`    // "builtin" (default) or "jwks"
	JWKSIssuer          string             `json:"jwks_issuer,omitempty"` // issuer base URL for the jwks provider
	JWTSecret           string             `json:"jwt_secret"`
	JWTExpiry           Duration           `json:"jwt_expiry,omitempty"`
	DeviceTokens        []DeviceTokenEntry `json:"device_tokens,omitempty"`
	DeviceTokenSecret   string             `json:"device_token_secret,omitempty"`   // HMAC secret for time-limited device tokens
	DeviceTokenLifetime Duration           `json:"device_token_lifetime,omitempty"` // default 1h
	InitialAdmin        *InitialAdmin      `json:"initial_admin,omitempty"`
}

// DeviceTokenEntry maps a device ID to its static auth token.
type DeviceTokenEntry struct {
	DeviceID string `json:"device_id"`
	Token    string `json:"token"`
	Name     string `json:"name,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"`                    // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`                       // e.g. "fleetlink.db" or ":memory:"
	Retention      Duration `json:"retention,omitempty"`       // command log retention
	AuditRetention Duration `json:"audit_retention,omitempty"` // audit event retention; defaults to Retention
}

// QueueConfig defines the optional durable command queue. An empty URL
// disables the queue entirely; commands are then always delivered directly.
type QueueConfig struct {
	URL              string   `json:"url,omitempty"` // e.g. "nats://localhost:4222"
	Stream           string   `json:"stream,omitempty"`
	SubjectPrefix    string   `json:"subject_prefix,omitempty"`
	PublishTimeout   Duration `json:"publish_timeout,omitempty"`   // default 2s
	BreakerThreshold int      `json:"breaker_threshold,omitempty"` // consecutive failures before opening; default 5
	BreakerCooldown  Duration `json:"breaker_cooldown,omitempty"`  // default 30s
}

// HealthConfig defines the liveness sweep.
type HealthConfig struct {
	Interval          Duration `json:"interval,omitempty"`           // sweep interval; default 30s
	ConnectionTimeout Duration `json:"connection_timeout,omitempty"` // stale threshold; default 2m
}

// RelayConfig defines relay-path limits and advertised features.
type RelayConfig struct {
	MaxAgentMsgBytes      int64    `json:"max_agent_msg_bytes,omitempty"`      // default 1MB
	MaxControllerMsgBytes int64    `json:"max_controller_msg_bytes,omitempty"` // default 64KB
	Features              []string `json:"features,omitempty"`                 // advertised in registration acks
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
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
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.JWKSIssuer == "" {
		return fmt.Errorf("auth.jwks_issuer is required when provider is jwks")
	}
	if len(c.Auth.DeviceTokens) == 0 && c.Auth.DeviceTokenSecret == "" {
		return fmt.Errorf("auth requires device_tokens or device_token_secret — no device could register otherwise")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Auth.DeviceTokenLifetime.Duration == 0 {
		c.Auth.DeviceTokenLifetime.Duration = 1 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "fleetlink.db"
	}
	if c.Storage.Retention.Duration == 0 {
		c.Storage.Retention.Duration = 30 * 24 * time.Hour // 30 days
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = c.Storage.Retention.Duration
	}
	if c.Queue.Stream == "" {
		c.Queue.Stream = "FLEETLINK_COMMANDS"
	}
	if c.Queue.SubjectPrefix == "" {
		c.Queue.SubjectPrefix = "fleetlink.commands"
	}
	if c.Queue.PublishTimeout.Duration == 0 {
		c.Queue.PublishTimeout.Duration = 2 * time.Second
	}
	if c.Queue.BreakerThreshold == 0 {
		c.Queue.BreakerThreshold = 5
	}
	if c.Queue.BreakerCooldown.Duration == 0 {
		c.Queue.BreakerCooldown.Duration = 30 * time.Second
	}
	if c.Health.Interval.Duration == 0 {
		c.Health.Interval.Duration = 30 * time.Second
	}
	if c.Health.ConnectionTimeout.Duration == 0 {
		c.Health.ConnectionTimeout.Duration = 2 * time.Minute
	}
	if c.Relay.MaxAgentMsgBytes == 0 {
		c.Relay.MaxAgentMsgBytes = 1024 * 1024 // 1MB, must fit base64 file chunks
	}
	if c.Relay.MaxControllerMsgBytes == 0 {
		c.Relay.MaxControllerMsgBytes = 64 * 1024
	}
	if len(c.Relay.Features) == 0 {
		c.Relay.Features = []string{"commands", "file_stream", "stream_data", "health_check"}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
