// Package config provides configuration management for headspace.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for headspace.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Correlator  CorrelatorConfig  `mapstructure:"correlator"`
	Watcher     WatcherConfig     `mapstructure:"watcher"`
	Bridge      BridgeConfig      `mapstructure:"bridge"`
	Broadcaster BroadcasterConfig `mapstructure:"broadcaster"`
	Inference   InferenceConfig   `mapstructure:"inference"`
	Intent      IntentConfig      `mapstructure:"intent"`
	Personas    PersonasConfig    `mapstructure:"personas"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Workers     WorkersConfig     `mapstructure:"workers"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	AuthToken         string `mapstructure:"auth_token"`
	ReadTimeout       int    `mapstructure:"read_timeout"`      // in seconds
	ShutdownTimeout   int    `mapstructure:"shutdown_timeout"`  // in seconds
	SlowRequestMillis int    `mapstructure:"slow_request_millis"`
}

// DatabaseConfig holds persistence configuration. Driver selects sqlite3
// (the default, file-backed) or pgx for a shared PostgreSQL instance.
type DatabaseConfig struct {
	Driver            string `mapstructure:"driver"`
	Path              string `mapstructure:"path"`
	BusyTimeoutMillis int    `mapstructure:"busy_timeout_millis"`
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	DBName            string `mapstructure:"db_name"`
	SSLMode           string `mapstructure:"ssl_mode"`
	MaxConns          int    `mapstructure:"max_conns"`
	MinConns          int    `mapstructure:"min_conns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
	ReconnectWait int    `mapstructure:"reconnect_wait"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// TracingConfig holds OpenTelemetry export configuration. An empty endpoint
// defers to OTEL_EXPORTER_OTLP_ENDPOINT; when both are empty, tracing is a
// no-op.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// CorrelatorConfig holds session resolution configuration.
type CorrelatorConfig struct {
	ClaimWindow int `mapstructure:"claim_window"` // in seconds
}

// WatcherConfig holds transcript watcher configuration.
type WatcherConfig struct {
	Roots              []string `mapstructure:"roots"`
	PollInterval       int      `mapstructure:"poll_interval"`        // in seconds
	ActivePollInterval int      `mapstructure:"active_poll_interval"` // in seconds
	SilenceThreshold   int      `mapstructure:"silence_threshold"`    // in seconds
	InactiveAfter      int      `mapstructure:"inactive_after"`       // in seconds
	DebounceMillis     int      `mapstructure:"debounce_millis"`
}

// BridgeConfig holds terminal input bridge configuration.
type BridgeConfig struct {
	TmuxBinary      string `mapstructure:"tmux_binary"`
	BaseDelayMillis int    `mapstructure:"base_delay_millis"`
	MaxRetries      int    `mapstructure:"max_retries"`
	CaptureLines    int    `mapstructure:"capture_lines"`
	VerifyMinChars  int    `mapstructure:"verify_min_chars"`
	SnippetMinChars int    `mapstructure:"snippet_min_chars"`
	SnippetMaxChars int    `mapstructure:"snippet_max_chars"`
	PollInterval    int    `mapstructure:"poll_interval"` // in seconds
}

// BroadcasterConfig holds SSE broadcaster configuration.
type BroadcasterConfig struct {
	BufferSize     int `mapstructure:"buffer_size"`
	Heartbeat      int `mapstructure:"heartbeat"`   // in seconds
	MaxSubscribers int `mapstructure:"max_subscribers"`
	WriteGrace     int `mapstructure:"write_grace"` // in seconds
	CatchupLimit   int `mapstructure:"catchup_limit"`
}

// InferenceConfig holds the summary model client configuration. An empty
// base URL disables inference; summaries then fall back to truncation.
type InferenceConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	APIKey            string `mapstructure:"api_key"`
	Model             string `mapstructure:"model"`
	Timeout           int    `mapstructure:"timeout"` // in seconds
	CacheSize         int    `mapstructure:"cache_size"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	MaxTokens         int    `mapstructure:"max_tokens"`
}

// IntentConfig holds the phrase sets used to classify agent output.
type IntentConfig struct {
	QuestionOpenings  []string `mapstructure:"question_openings"`
	CompletionPhrases []string `mapstructure:"completion_phrases"`
}

// PersonasConfig holds persona catalog configuration.
type PersonasConfig struct {
	CatalogPath string `mapstructure:"catalog_path"`
	DataDir     string `mapstructure:"data_dir"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// WorkersConfig holds background worker configuration.
type WorkersConfig struct {
	ReaperInterval   int `mapstructure:"reaper_interval"`   // in seconds
	ReapAfterHours   int `mapstructure:"reap_after_hours"`
	PriorityInterval int `mapstructure:"priority_interval"` // in seconds
}

// Addr returns the host:port the server binds to.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// SlowRequestThreshold returns the slow-request log threshold.
func (s *ServerConfig) SlowRequestThreshold() time.Duration {
	return time.Duration(s.SlowRequestMillis) * time.Millisecond
}

// BusyTimeout returns the sqlite busy timeout as a time.Duration.
func (d *DatabaseConfig) BusyTimeout() time.Duration {
	return time.Duration(d.BusyTimeoutMillis) * time.Millisecond
}

// ReconnectWaitDuration returns the NATS reconnect wait as a time.Duration.
func (n *NATSConfig) ReconnectWaitDuration() time.Duration {
	return time.Duration(n.ReconnectWait) * time.Second
}

// ClaimWindowDuration returns how long a launcher-registered session stays
// claimable by pane handle.
func (c *CorrelatorConfig) ClaimWindowDuration() time.Duration {
	return time.Duration(c.ClaimWindow) * time.Second
}

// PollIntervalDuration returns the normal transcript poll interval.
func (w *WatcherConfig) PollIntervalDuration() time.Duration {
	return time.Duration(w.PollInterval) * time.Second
}

// ActivePollIntervalDuration returns the accelerated poll interval used
// while hooks are silent.
func (w *WatcherConfig) ActivePollIntervalDuration() time.Duration {
	return time.Duration(w.ActivePollInterval) * time.Second
}

// SilenceThresholdDuration returns the hook-silence duration that switches a
// session to the accelerated poll interval.
func (w *WatcherConfig) SilenceThresholdDuration() time.Duration {
	return time.Duration(w.SilenceThreshold) * time.Second
}

// InactiveAfterDuration returns the quiet window after which a session is
// flagged inactive.
func (w *WatcherConfig) InactiveAfterDuration() time.Duration {
	return time.Duration(w.InactiveAfter) * time.Second
}

// DebounceDuration returns the write-event coalescing window.
func (w *WatcherConfig) DebounceDuration() time.Duration {
	return time.Duration(w.DebounceMillis) * time.Millisecond
}

// BaseDelay returns the base delay before the Enter key is sent.
func (b *BridgeConfig) BaseDelay() time.Duration {
	return time.Duration(b.BaseDelayMillis) * time.Millisecond
}

// PollIntervalDuration returns the pane availability poll interval.
func (b *BridgeConfig) PollIntervalDuration() time.Duration {
	return time.Duration(b.PollInterval) * time.Second
}

// HeartbeatDuration returns the SSE heartbeat interval.
func (b *BroadcasterConfig) HeartbeatDuration() time.Duration {
	return time.Duration(b.Heartbeat) * time.Second
}

// WriteGraceDuration returns how long a stalled subscriber write may block
// before the subscriber is dropped.
func (b *BroadcasterConfig) WriteGraceDuration() time.Duration {
	return time.Duration(b.WriteGrace) * time.Second
}

// TimeoutDuration returns the per-request inference timeout.
func (i *InferenceConfig) TimeoutDuration() time.Duration {
	return time.Duration(i.Timeout) * time.Second
}

// Enabled reports whether an inference backend is configured.
func (i *InferenceConfig) Enabled() bool {
	return i.BaseURL != ""
}

// ReaperIntervalDuration returns the session reaper interval.
func (w *WorkersConfig) ReaperIntervalDuration() time.Duration {
	return time.Duration(w.ReaperInterval) * time.Second
}

// ReapAfterDuration returns the age at which ended sessions are purged.
func (w *WorkersConfig) ReapAfterDuration() time.Duration {
	return time.Duration(w.ReapAfterHours) * time.Hour
}

// PriorityIntervalDuration returns the priority aggregation interval.
func (w *WorkersConfig) PriorityIntervalDuration() time.Duration {
	return time.Duration(w.PriorityInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" in Kubernetes or explicit production environments, "text"
// for terminal use. Headspace normally runs on a developer workstation.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HEADSPACE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults. The service binds loopback only; remote access goes
	// through whatever tunnel the operator already trusts.
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4160)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.shutdown_timeout", 10)
	v.SetDefault("server.slow_request_millis", 50)

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "headspace.db")
	v.SetDefault("database.busy_timeout_millis", 5000)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "headspace")
	v.SetDefault("database.password", "")
	v.SetDefault("database.db_name", "headspace")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "headspace")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.service_name", "headspace")

	// Watcher defaults. Empty roots resolve to ~/.claude/projects at start.
	v.SetDefault("correlator.claim_window", 120)

	v.SetDefault("watcher.roots", []string{})
	v.SetDefault("watcher.poll_interval", 60)
	v.SetDefault("watcher.active_poll_interval", 2)
	v.SetDefault("watcher.silence_threshold", 300)
	v.SetDefault("watcher.inactive_after", 1800)
	v.SetDefault("watcher.debounce_millis", 200)

	// Bridge defaults
	v.SetDefault("bridge.tmux_binary", "tmux")
	v.SetDefault("bridge.base_delay_millis", 150)
	v.SetDefault("bridge.max_retries", 3)
	v.SetDefault("bridge.capture_lines", 80)
	v.SetDefault("bridge.verify_min_chars", 40)
	v.SetDefault("bridge.snippet_min_chars", 15)
	v.SetDefault("bridge.snippet_max_chars", 60)
	v.SetDefault("bridge.poll_interval", 15)

	// Broadcaster defaults
	v.SetDefault("broadcaster.buffer_size", 100)
	v.SetDefault("broadcaster.heartbeat", 30)
	v.SetDefault("broadcaster.max_subscribers", 64)
	v.SetDefault("broadcaster.write_grace", 60)
	v.SetDefault("broadcaster.catchup_limit", 500)

	// Inference defaults - disabled until a base URL is configured
	v.SetDefault("inference.base_url", "")
	v.SetDefault("inference.api_key", "")
	v.SetDefault("inference.model", "gpt-4o-mini")
	v.SetDefault("inference.timeout", 30)
	v.SetDefault("inference.cache_size", 256)
	v.SetDefault("inference.requests_per_minute", 30)
	v.SetDefault("inference.max_tokens", 256)

	// Intent defaults
	v.SetDefault("intent.question_openings", []string{
		"should i", "would you like", "do you want", "can i", "may i", "which", "is it ok",
	})
	v.SetDefault("intent.completion_phrases", []string{
		"done", "completed", "finished", "ready for review", "implemented",
	})

	// Persona defaults - empty catalog disables persona priming
	v.SetDefault("personas.catalog_path", "")
	v.SetDefault("personas.data_dir", "")

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 4161)

	// Worker defaults
	v.SetDefault("workers.reaper_interval", 60)
	v.SetDefault("workers.reap_after_hours", 72)
	v.SetDefault("workers.priority_interval", 300)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HEADSPACE_ with snake_case naming.
// Config file should be named headspace.yaml and placed in the current
// directory, ./config, or ~/.headspace.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("HEADSPACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets are usually supplied via environment only.
	_ = v.BindEnv("server.auth_token", "HEADSPACE_SERVER_AUTH_TOKEN")
	_ = v.BindEnv("inference.api_key", "HEADSPACE_INFERENCE_API_KEY")
	_ = v.BindEnv("database.password", "HEADSPACE_DATABASE_PASSWORD")

	// Configure config file
	v.SetConfigName("headspace")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("$HOME/.headspace")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required when database.driver is sqlite3")
		}
	case "pgx", "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when database.driver is pgx")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.driver is pgx")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.db_name is required when database.driver is pgx")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	if cfg.Watcher.PollInterval <= 0 {
		errs = append(errs, "watcher.poll_interval must be positive")
	}
	if cfg.Watcher.ActivePollInterval <= 0 {
		errs = append(errs, "watcher.active_poll_interval must be positive")
	}
	if cfg.Watcher.ActivePollInterval > cfg.Watcher.PollInterval {
		errs = append(errs, "watcher.active_poll_interval must not exceed watcher.poll_interval")
	}

	if cfg.Bridge.MaxRetries < 0 {
		errs = append(errs, "bridge.max_retries must not be negative")
	}
	if cfg.Bridge.SnippetMinChars <= 0 || cfg.Bridge.SnippetMaxChars < cfg.Bridge.SnippetMinChars {
		errs = append(errs, "bridge.snippet_min_chars and bridge.snippet_max_chars must form a valid range")
	}

	if cfg.Broadcaster.BufferSize <= 0 {
		errs = append(errs, "broadcaster.buffer_size must be positive")
	}
	if cfg.Broadcaster.Heartbeat <= 0 {
		errs = append(errs, "broadcaster.heartbeat must be positive")
	}
	if cfg.Broadcaster.MaxSubscribers <= 0 {
		errs = append(errs, "broadcaster.max_subscribers must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
