package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/espflow/codec"
	"github.com/c360/espflow/errors"
	"github.com/c360/espflow/event"
	"github.com/c360/espflow/pkg/security"
	"github.com/c360/espflow/stream"
	"github.com/c360/espflow/table"
)

// Transport names
const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
	TransportMemory    = "memory"
)

// Config is the complete client configuration.
type Config struct {
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Transport string          `json:"transport" yaml:"transport"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	Publish   PublishConfig   `json:"publish" yaml:"publish"`
	Subscribe SubscribeConfig `json:"subscribe" yaml:"subscribe"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Security  security.Config `json:"security,omitempty" yaml:"security,omitempty"`
}

// EngineConfig locates the engine's websocket endpoints.
type EngineConfig struct {
	URL              string   `json:"url" yaml:"url"`
	Root             string   `json:"root,omitempty" yaml:"root,omitempty"`
	HandshakeTimeout Duration `json:"handshake_timeout,omitempty" yaml:"handshake_timeout,omitempty"`
	WriteTimeout     Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	ReadLimit        int64    `json:"read_limit,omitempty" yaml:"read_limit,omitempty"`
	Authorization    string   `json:"authorization,omitempty" yaml:"authorization,omitempty"`
}

// NATSConfig defines NATS connection settings and where espflow keeps its data.
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty" yaml:"urls,omitempty"`
	Name          string   `json:"name,omitempty" yaml:"name,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Timeout       Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`

	// Prefix is the subject prefix sessions are opened on.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// ProjectBucket is the KV bucket holding stored projects.
	ProjectBucket string `json:"project_bucket,omitempty" yaml:"project_bucket,omitempty"`
}

// PublishConfig holds publisher defaults.
type PublishConfig struct {
	Format     string   `json:"format,omitempty" yaml:"format,omitempty"`
	BlockSize  int      `json:"block_size,omitempty" yaml:"block_size,omitempty"`
	Rate       float64  `json:"rate,omitempty" yaml:"rate,omitempty"`
	Pause      Duration `json:"pause,omitempty" yaml:"pause,omitempty"`
	DateFormat string   `json:"date_format,omitempty" yaml:"date_format,omitempty"`
	Opcode     string   `json:"opcode,omitempty" yaml:"opcode,omitempty"`
	QueueSize  int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// SubscribeConfig holds subscriber defaults.
type SubscribeConfig struct {
	Format       string   `json:"format,omitempty" yaml:"format,omitempty"`
	Mode         string   `json:"mode,omitempty" yaml:"mode,omitempty"`
	PageSize     int      `json:"page_size,omitempty" yaml:"page_size,omitempty"`
	Interval     Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	TickInterval Duration `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty"`
	Limit        int      `json:"limit,omitempty" yaml:"limit,omitempty"`
	Duplicates   string   `json:"duplicates,omitempty" yaml:"duplicates,omitempty"` // reject or upsert
	HorizonMode  string   `json:"horizon_mode,omitempty" yaml:"horizon_mode,omitempty"`
	ChangeLog    int      `json:"change_log,omitempty" yaml:"change_log,omitempty"`
	DateFormat   string   `json:"date_format,omitempty" yaml:"date_format,omitempty"`
	QueueSize    int      `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`   // debug, info, warn, error
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // json or text
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			URL:              "http://localhost:8080",
			Root:             "SASESP",
			HandshakeTimeout: Duration(45 * time.Second),
			WriteTimeout:     Duration(10 * time.Second),
		},
		Transport: TransportWebSocket,
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			Name:          "espflow",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			Timeout:       Duration(5 * time.Second),
			Prefix:        "esp",
			ProjectBucket: "espflow_projects",
		},
		Publish: PublishConfig{
			Format:     string(codec.CSV),
			BlockSize:  1,
			DateFormat: stream.DefaultDateFormat,
			Opcode:     "insert",
			QueueSize:  stream.DefaultQueueSize,
		},
		Subscribe: SubscribeConfig{
			Format:       string(codec.CSV),
			Mode:         stream.ModeUpdating,
			PageSize:     stream.DefaultPageSize,
			TickInterval: Duration(stream.DefaultTickInterval),
			Duplicates:   "reject",
			HorizonMode:  "any",
			ChangeLog:    table.DefaultChangeLog,
			DateFormat:   stream.DefaultDateFormat,
			QueueSize:    stream.DefaultQueueSize,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the configuration and returns the first problem found.
// Errors wrap errors.ErrInvalidConfig.
func (c *Config) Validate() error {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case TransportWebSocket:
		if err := c.Engine.validate(); err != nil {
			return err
		}
	case TransportNATS:
		if len(c.NATS.URLs) == 0 {
			return invalid("nats.urls is required for the nats transport")
		}
	case TransportMemory:
	default:
		return invalid("unknown transport %q (want websocket, nats or memory)", c.Transport)
	}

	if c.NATS.Prefix != "" && strings.ContainsAny(c.NATS.Prefix, " *>\t") {
		return invalid("nats.prefix %q is not a valid subject prefix", c.NATS.Prefix)
	}
	if err := c.Publish.validate(); err != nil {
		return err
	}
	if err := c.Subscribe.validate(); err != nil {
		return err
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return invalid("log.format %q (want json or text)", c.Log.Format)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port %d out of range", c.Metrics.Port)
	}
	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security configuration: %w", err)
	}
	return nil
}

func (e EngineConfig) validate() error {
	if e.URL == "" {
		return invalid("engine.url is required for the websocket transport")
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return invalid("engine.url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return invalid("engine.url scheme %q (want http, https, ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return invalid("engine.url %q has no host", e.URL)
	}
	if e.HandshakeTimeout < 0 || e.WriteTimeout < 0 || e.ReadLimit < 0 {
		return invalid("engine timeouts and read limit must not be negative")
	}
	return nil
}

func (p PublishConfig) validate() error {
	if _, err := codec.ParseFormat(p.Format); p.Format != "" && err != nil {
		return invalid("publish.format: %v", err)
	}
	if _, err := event.ParseOpcode(p.Opcode); p.Opcode != "" && err != nil {
		return invalid("publish.opcode: %v", err)
	}
	if p.BlockSize < 0 || p.Rate < 0 || p.Pause < 0 || p.QueueSize < 0 {
		return invalid("publish block_size, rate, pause and queue_size must not be negative")
	}
	return nil
}

func (s SubscribeConfig) validate() error {
	if _, err := codec.ParseFormat(s.Format); s.Format != "" && err != nil {
		return invalid("subscribe.format: %v", err)
	}
	switch s.Mode {
	case "", stream.ModeUpdating, stream.ModeStreaming:
	default:
		return invalid("subscribe.mode %q (want updating or streaming)", s.Mode)
	}
	if _, err := table.ParseDuplicatePolicy(s.Duplicates); err != nil {
		return invalid("subscribe.duplicates: %v", err)
	}
	if _, err := stream.ParseHorizonMode(s.HorizonMode); err != nil {
		return invalid("subscribe.horizon_mode %q (want any or all)", s.HorizonMode)
	}
	if s.Limit < 0 || s.PageSize < 0 || s.ChangeLog < 0 || s.QueueSize < 0 {
		return invalid("subscribe limit, page_size, change_log and queue_size must not be negative")
	}
	if s.Interval < 0 || s.TickInterval < 0 {
		return invalid("subscribe intervals must not be negative")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	srv := c.Security.TLS.Server
	if srv.Enabled {
		if srv.CertFile == "" || srv.KeyFile == "" {
			return invalid("tls.server requires cert_file and key_file when enabled")
		}
		if err := validateTLSVersion(srv.MinVersion); err != nil {
			return err
		}
	}
	cli := c.Security.TLS.Client
	if err := validateTLSVersion(cli.MinVersion); err != nil {
		return err
	}
	if cli.MTLS.Enabled && (cli.MTLS.CertFile == "" || cli.MTLS.KeyFile == "") {
		return invalid("tls.client.mtls requires cert_file and key_file when enabled")
	}
	return nil
}

func validateTLSVersion(version string) error {
	switch version {
	case "", "1.2", "1.3":
		return nil
	}
	return invalid("unsupported TLS version %q (want 1.2 or 1.3)", version)
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, invalid("log.level %q (want debug, info, warn or error)", level)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	out := *c
	out.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	out.Security.TLS.Client.CAFiles = append([]string(nil), c.Security.TLS.Client.CAFiles...)
	return &out
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{&masked.Engine.Authorization, &masked.NATS.Password, &masked.NATS.Token} {
		if *s != "" {
			*s = "***"
		}
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{Transport: %s}", c.Transport)
	}
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg.Clone()}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update validates cfg and replaces the current configuration with a copy of it.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil config")
	}
	next := cfg.Clone()
	if err := next.Validate(); err != nil {
		return errors.WrapInvalid(err, "SafeConfig", "Update", "validate config")
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = next
	return nil
}

// Duration is a time.Duration that reads and writes as a duration string.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(v)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts a duration string or nanoseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if n, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(n)
		return nil
	}
	parsed, err := parseDurationWithDays(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "2d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
