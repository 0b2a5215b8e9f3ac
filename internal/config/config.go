// File: internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	API() APIConfig
	Session() SessionConfig
	Realtime() RealtimeConfig
	Dashboard() DashboardConfig
	ViewState() ViewStateConfig
	Archive() ArchiveConfig
	Sink() SinkConfig
	Metrics() MetricsConfig
	MockServer() MockServerConfig

	// API Setters
	SetAPIBaseURL(string)
	SetAPIIgnoreTLSErrors(bool)

	// Realtime Setters
	SetRealtimeReconnectDelay(time.Duration)
	SetRealtimeMaxAttempts(int)

	// Dashboard Setters
	SetDashboardAggregation(AggregationPolicy)
}

// Config holds the entire application configuration.
// Fields are exported for viper's decoder; consumers should use the Interface getters.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	APICfg        APIConfig        `mapstructure:"api" yaml:"api"`
	SessionCfg    SessionConfig    `mapstructure:"session" yaml:"session"`
	RealtimeCfg   RealtimeConfig   `mapstructure:"realtime" yaml:"realtime"`
	DashboardCfg  DashboardConfig  `mapstructure:"dashboard" yaml:"dashboard"`
	ViewStateCfg  ViewStateConfig  `mapstructure:"viewstate" yaml:"viewstate"`
	ArchiveCfg    ArchiveConfig    `mapstructure:"archive" yaml:"archive"`
	SinkCfg       SinkConfig       `mapstructure:"sink" yaml:"sink"`
	MetricsCfg    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	MockServerCfg MockServerConfig `mapstructure:"mockserver" yaml:"mockserver"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) API() APIConfig               { return c.APICfg }
func (c *Config) Session() SessionConfig       { return c.SessionCfg }
func (c *Config) Realtime() RealtimeConfig     { return c.RealtimeCfg }
func (c *Config) Dashboard() DashboardConfig   { return c.DashboardCfg }
func (c *Config) ViewState() ViewStateConfig   { return c.ViewStateCfg }
func (c *Config) Archive() ArchiveConfig       { return c.ArchiveCfg }
func (c *Config) Sink() SinkConfig             { return c.SinkCfg }
func (c *Config) Metrics() MetricsConfig       { return c.MetricsCfg }
func (c *Config) MockServer() MockServerConfig { return c.MockServerCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetAPIBaseURL(u string)       { c.APICfg.BaseURL = u }
func (c *Config) SetAPIIgnoreTLSErrors(b bool) { c.APICfg.IgnoreTLSErrors = b }

func (c *Config) SetRealtimeReconnectDelay(d time.Duration) { c.RealtimeCfg.ReconnectDelay = d }
func (c *Config) SetRealtimeMaxAttempts(n int)              { c.RealtimeCfg.MaxAttempts = n }

func (c *Config) SetDashboardAggregation(p AggregationPolicy) { c.DashboardCfg.Aggregation = p }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// APIConfig describes how to reach the forensics backend.
type APIConfig struct {
	BaseURL         string            `mapstructure:"base_url" yaml:"base_url"`
	WSURL           string            `mapstructure:"ws_url" yaml:"ws_url"`
	PathPrefix      string            `mapstructure:"path_prefix" yaml:"path_prefix"`
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	RateLimit       float64           `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst           int               `mapstructure:"burst" yaml:"burst"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2      bool              `mapstructure:"force_http2" yaml:"force_http2"`
	ProxyURL        string            `mapstructure:"proxy_url" yaml:"proxy_url"`
	LogoutRemote    bool              `mapstructure:"logout_remote" yaml:"logout_remote"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
}

// WebSocketBase returns the configured WebSocket endpoint, or derives one from
// BaseURL by swapping the scheme (http->ws, https->wss).
func (a APIConfig) WebSocketBase() (string, error) {
	if a.WSURL != "" {
		return strings.TrimRight(a.WSURL, "/"), nil
	}
	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid api.base_url %q: %w", a.BaseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("api.base_url %q has unsupported scheme %q", a.BaseURL, u.Scheme)
	}
	return strings.TrimRight(u.String(), "/"), nil
}

// SessionConfig selects where the bearer token is persisted.
type SessionConfig struct {
	// Backend is "file" or "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`
	File    string `mapstructure:"file" yaml:"file"`
}

// RealtimeConfig tunes the WebSocket update channels.
type RealtimeConfig struct {
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay" yaml:"max_reconnect_delay"`
	// MaxAttempts of 0 means reconnect forever.
	MaxAttempts      int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	ReadLimit        int64         `mapstructure:"read_limit" yaml:"read_limit"`
}

// AggregationPolicy controls how parallel dashboard fetches combine failures.
type AggregationPolicy string

const (
	// AggregatePartial keeps every successful result and joins the failures.
	AggregatePartial AggregationPolicy = "partial"
	// AggregateAllOrNothing cancels on the first failure and discards partial results.
	AggregateAllOrNothing AggregationPolicy = "all_or_nothing"
)

// DashboardConfig holds settings for the dashboard facade.
type DashboardConfig struct {
	Aggregation AggregationPolicy `mapstructure:"aggregation" yaml:"aggregation"`
}

// ViewStateConfig bounds the local view state cache.
type ViewStateConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"`
}

// ArchiveConfig enables persisting received envelopes to PostgreSQL.
type ArchiveConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`
}

// SinkConfig is a container for envelope forwarding sinks.
type SinkConfig struct {
	NATS NATSConfig `mapstructure:"nats" yaml:"nats"`
}

// NATSConfig configures the NATS forwarder.
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	URL           string `mapstructure:"url" yaml:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix" yaml:"subject_prefix"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	// Addr is empty when metrics are not served.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// MockServerConfig configures the development backend stub.
type MockServerConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"-"`
	TokenTTL  time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "forensync")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- API --
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.ws_url", "")
	v.SetDefault("api.path_prefix", "/api")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.rate_limit", 0.0)
	v.SetDefault("api.burst", 1)
	v.SetDefault("api.ignore_tls_errors", false)
	v.SetDefault("api.force_http2", false)
	v.SetDefault("api.proxy_url", "")
	v.SetDefault("api.logout_remote", true)

	// -- Session --
	v.SetDefault("session.backend", "file")
	v.SetDefault("session.file", "~/.forensync/session.json")

	// -- Realtime --
	v.SetDefault("realtime.reconnect_delay", "5s")
	v.SetDefault("realtime.backoff_multiplier", 1.0)
	v.SetDefault("realtime.max_reconnect_delay", "0s")
	v.SetDefault("realtime.max_attempts", 0)
	v.SetDefault("realtime.handshake_timeout", "10s")
	v.SetDefault("realtime.read_limit", 4*1024*1024)

	// -- Dashboard --
	v.SetDefault("dashboard.aggregation", string(AggregatePartial))

	// -- View state --
	v.SetDefault("viewstate.capacity", 64)

	// -- Archive --
	v.SetDefault("archive.enabled", false)

	// -- Sinks --
	v.SetDefault("sink.nats.enabled", false)
	v.SetDefault("sink.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("sink.nats.subject_prefix", "forensync")

	// -- Metrics --
	v.SetDefault("metrics.addr", "")

	// -- Mock server --
	v.SetDefault("mockserver.addr", ":8000")
	v.SetDefault("mockserver.token_ttl", "1h")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for endpoints and secrets.
	_ = v.BindEnv("api.base_url", "FORENSYNC_API_URL")
	_ = v.BindEnv("api.ws_url", "FORENSYNC_WS_URL")
	_ = v.BindEnv("archive.database_url", "FORENSYNC_ARCHIVE_DATABASE_URL")
	_ = v.BindEnv("mockserver.jwt_secret", "FORENSYNC_MOCK_JWT_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.APICfg.Validate(); err != nil {
		return fmt.Errorf("api configuration invalid: %w", err)
	}
	switch c.SessionCfg.Backend {
	case "file":
		if c.SessionCfg.File == "" {
			return fmt.Errorf("session.file is required when session.backend is \"file\"")
		}
	case "memory":
	default:
		return fmt.Errorf("session.backend must be \"file\" or \"memory\", got %q", c.SessionCfg.Backend)
	}
	if err := c.RealtimeCfg.Validate(); err != nil {
		return fmt.Errorf("realtime configuration invalid: %w", err)
	}
	switch c.DashboardCfg.Aggregation {
	case AggregatePartial, AggregateAllOrNothing:
	default:
		return fmt.Errorf("dashboard.aggregation must be %q or %q", AggregatePartial, AggregateAllOrNothing)
	}
	if c.ViewStateCfg.Capacity <= 0 {
		return fmt.Errorf("viewstate.capacity must be a positive integer")
	}
	if c.ArchiveCfg.Enabled && c.ArchiveCfg.DatabaseURL == "" {
		return fmt.Errorf("archive.database_url is required when the archive is enabled (FORENSYNC_ARCHIVE_DATABASE_URL)")
	}
	if c.SinkCfg.NATS.Enabled && c.SinkCfg.NATS.URL == "" {
		return fmt.Errorf("sink.nats.url is required when the NATS sink is enabled")
	}
	return nil
}

// Validate checks the API settings.
func (a *APIConfig) Validate() error {
	if a.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	u, err := url.Parse(a.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("base_url %q is not an absolute URL", a.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url scheme must be http or https")
	}
	if _, err := a.WebSocketBase(); err != nil {
		return err
	}
	if a.ProxyURL != "" {
		if p, err := url.Parse(a.ProxyURL); err != nil || p.Host == "" {
			return fmt.Errorf("proxy_url %q is not an absolute URL", a.ProxyURL)
		}
	}
	if a.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if a.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if a.RateLimit > 0 && a.Burst <= 0 {
		return fmt.Errorf("burst must be positive when rate_limit is set")
	}
	return nil
}

// Validate checks the RealtimeConfig settings.
func (r *RealtimeConfig) Validate() error {
	if r.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect_delay must be a positive duration")
	}
	if r.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff_multiplier must be at least 1")
	}
	if r.MaxReconnectDelay < 0 {
		return fmt.Errorf("max_reconnect_delay must not be negative")
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	return nil
}
