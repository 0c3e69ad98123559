// Package config loads and validates the relinkd configuration from YAML
// files and RELINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/actual-software/relink/pkg/backoff"
	"github.com/actual-software/relink/pkg/connection"
	"github.com/actual-software/relink/pkg/health"
	"github.com/actual-software/relink/pkg/transport/ws"
	"github.com/actual-software/relink/pkg/wire"
)

type Config struct {
	Version  int             `mapstructure:"version"  yaml:"version"`
	Channels []ChannelConfig `mapstructure:"channels" yaml:"channels"`
	Manager  ManagerConfig   `mapstructure:"manager"  yaml:"manager"`
	Socket   SocketConfig    `mapstructure:"socket"   yaml:"socket"`
	Logging  LoggingConfig   `mapstructure:"logging"  yaml:"logging"`
	Metrics  MetricsConfig   `mapstructure:"metrics"  yaml:"metrics"`
}

// ChannelConfig describes one logical channel the daemon opens at startup.
// Further channels can be opened over the stdio bridge at runtime.
type ChannelConfig struct {
	Service          string        `mapstructure:"service"           yaml:"service"`
	Session          string        `mapstructure:"session"           yaml:"session"`
	Endpoint         string        `mapstructure:"endpoint"          yaml:"endpoint"`
	Priority         string        `mapstructure:"priority"          yaml:"priority"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"   yaml:"connect_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"       yaml:"max_retries"`
	DisableReconnect bool          `mapstructure:"disable_reconnect" yaml:"disable_reconnect"`
}

// ManagerConfig mirrors the connection manager tuning in config units.
type ManagerConfig struct {
	ConnectTimeout  time.Duration  `mapstructure:"connect_timeout"  yaml:"connect_timeout"`
	MaxRetries      int            `mapstructure:"max_retries"      yaml:"max_retries"`
	SendTimeout     time.Duration  `mapstructure:"send_timeout"     yaml:"send_timeout"`
	StabilityWindow time.Duration  `mapstructure:"stability_window" yaml:"stability_window"`
	CloseGrace      time.Duration  `mapstructure:"close_grace"      yaml:"close_grace"`
	EventBuffer     int            `mapstructure:"event_buffer"     yaml:"event_buffer"`
	Queue           QueueConfig    `mapstructure:"queue"            yaml:"queue"`
	Batch           BatchConfig    `mapstructure:"batch"            yaml:"batch"`
	Backoff         BackoffConfig  `mapstructure:"backoff"          yaml:"backoff"`
	Health          HealthConfig   `mapstructure:"health"           yaml:"health"`
	Fallback        FallbackConfig `mapstructure:"fallback"         yaml:"fallback"`
}

type QueueConfig struct {
	Capacity      int           `mapstructure:"capacity"       yaml:"capacity"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

type BatchConfig struct {
	MaxSize     int           `mapstructure:"max_size"      yaml:"max_size"`
	MaxBytes    int           `mapstructure:"max_bytes"     yaml:"max_bytes"`
	MaxWait     time.Duration `mapstructure:"max_wait"      yaml:"max_wait"`
	FlushPerSec float64       `mapstructure:"flush_per_sec" yaml:"flush_per_sec"`
	FlushBurst  int           `mapstructure:"flush_burst"   yaml:"flush_burst"`
}

type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"   yaml:"base"`
	Min    time.Duration `mapstructure:"min"    yaml:"min"`
	Max    time.Duration `mapstructure:"max"    yaml:"max"`
	Factor float64       `mapstructure:"factor" yaml:"factor"`
	Jitter float64       `mapstructure:"jitter" yaml:"jitter"`
}

type HealthConfig struct {
	Alpha               float64       `mapstructure:"alpha"                yaml:"alpha"`
	GoodLatency         time.Duration `mapstructure:"good_latency"         yaml:"good_latency"`
	BadLatency          time.Duration `mapstructure:"bad_latency"          yaml:"bad_latency"`
	ErrorWindow         time.Duration `mapstructure:"error_window"         yaml:"error_window"`
	ErrorSaturation     float64       `mapstructure:"error_saturation"     yaml:"error_saturation"`
	ReconnectSaturation int           `mapstructure:"reconnect_saturation" yaml:"reconnect_saturation"`
}

type FallbackConfig struct {
	Enabled   bool          `mapstructure:"enabled"   yaml:"enabled"`
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Window    time.Duration `mapstructure:"window"    yaml:"window"`
	Cooldown  time.Duration `mapstructure:"cooldown"  yaml:"cooldown"`
}

// SocketConfig tunes the websocket transport shared by every connection.
type SocketConfig struct {
	HandshakeTimeout time.Duration     `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	WriteTimeout     time.Duration     `mapstructure:"write_timeout"     yaml:"write_timeout"`
	PingInterval     time.Duration     `mapstructure:"ping_interval"     yaml:"ping_interval"`
	PongTimeout      time.Duration     `mapstructure:"pong_timeout"      yaml:"pong_timeout"`
	MaxMessageSize   int64             `mapstructure:"max_message_size"  yaml:"max_message_size"`
	ReadBufferSize   int               `mapstructure:"read_buffer_size"  yaml:"read_buffer_size"`
	WriteBufferSize  int               `mapstructure:"write_buffer_size" yaml:"write_buffer_size"`
	Origin           string            `mapstructure:"origin"            yaml:"origin"`
	Headers          map[string]string `mapstructure:"headers"           yaml:"headers,omitempty"`
}

type LoggingConfig struct {
	Level         string         `mapstructure:"level"          yaml:"level"`
	Format        string         `mapstructure:"format"         yaml:"format"`
	Output        string         `mapstructure:"output"         yaml:"output"`
	IncludeCaller bool           `mapstructure:"include_caller" yaml:"include_caller"`
	Sampling      SamplingConfig `mapstructure:"sampling"       yaml:"sampling"`
}

type SamplingConfig struct {
	Enabled    bool `mapstructure:"enabled"    yaml:"enabled"`
	Initial    int  `mapstructure:"initial"    yaml:"initial"`
	Thereafter int  `mapstructure:"thereafter" yaml:"thereafter"`
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"       yaml:"enabled"`
	Endpoint     string        `mapstructure:"endpoint"      yaml:"endpoint"`
	Path         string        `mapstructure:"path"          yaml:"path"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// Load reads configuration from the given file, or from the default search
// paths when path is empty, with RELINK_* environment overrides on top.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)
	setupConfigFile(v, path)
	setupEnvironment(v)

	if err := bindEnvironmentVariables(v); err != nil {
		return nil, err
	}

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func setupConfigFile(v *viper.Viper, path string) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		return
	}

	v.SetConfigName("relinkd")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/relink")
	v.AddConfigPath("/etc/relink")
}

func setupEnvironment(v *viper.Viper) {
	v.SetEnvPrefix("RELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

func bindEnvironmentVariables(v *viper.Viper) error {
	envBindings := map[string]string{
		"logging.level":            "RELINK_LOGGING_LEVEL",
		"metrics.enabled":          "RELINK_METRICS_ENABLED",
		"metrics.endpoint":         "RELINK_METRICS_ENDPOINT",
		"manager.max_retries":      "RELINK_MAX_RETRIES",
		"manager.fallback.enabled": "RELINK_FALLBACK_ENABLED",
	}

	for key, envVar := range envBindings {
		if err := v.BindEnv(key, envVar); err != nil {
			return fmt.Errorf("failed to bind environment variable %s: %w", envVar, err)
		}
	}

	return nil
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// Running on defaults and environment alone is fine; anything other
		// than a missing file is not.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	setManagerDefaults(v)
	setSocketDefaults(v)
	setLoggingDefaults(v)
	setMetricsDefaults(v)
}

func setManagerDefaults(v *viper.Viper) {
	v.SetDefault("manager.connect_timeout", connection.DefaultConnectTimeout.String())
	v.SetDefault("manager.max_retries", connection.DefaultMaxRetries)
	v.SetDefault("manager.send_timeout", connection.DefaultSendTimeout.String())
	v.SetDefault("manager.stability_window", connection.DefaultStabilityWindow.String())
	v.SetDefault("manager.close_grace", connection.DefaultCloseGrace.String())
	v.SetDefault("manager.event_buffer", connection.DefaultEventBuffer)
	v.SetDefault("manager.queue.capacity", connection.DefaultQueueCapacity)
	v.SetDefault("manager.queue.sweep_interval", connection.DefaultSweepInterval.String())
	v.SetDefault("manager.batch.max_size", connection.DefaultBatchMaxSize)
	v.SetDefault("manager.batch.max_bytes", connection.DefaultBatchMaxBytes)
	v.SetDefault("manager.batch.max_wait", connection.DefaultBatchMaxWait.String())
	v.SetDefault("manager.batch.flush_per_sec", 0)
	v.SetDefault("manager.backoff.base", backoff.DefaultBase.String())
	v.SetDefault("manager.backoff.min", backoff.DefaultMin.String())
	v.SetDefault("manager.backoff.max", backoff.DefaultMax.String())
	v.SetDefault("manager.backoff.factor", backoff.DefaultFactor)
	v.SetDefault("manager.backoff.jitter", backoff.DefaultJitter)
	v.SetDefault("manager.fallback.enabled", false)
}

func setSocketDefaults(v *viper.Viper) {
	v.SetDefault("socket.handshake_timeout", "10s")
	v.SetDefault("socket.write_timeout", "10s")
	v.SetDefault("socket.ping_interval", "30s")
	v.SetDefault("socket.pong_timeout", "10s")
}

func setLoggingDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.include_caller", false)
	v.SetDefault("logging.sampling.enabled", false)
	v.SetDefault("logging.sampling.initial", 100)
	v.SetDefault("logging.sampling.thereafter", 100)
}

func setMetricsDefaults(v *viper.Viper) {
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "localhost:9632")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.poll_interval", "5s")
}

func validate(cfg *Config) error {
	if err := validateChannels(cfg); err != nil {
		return err
	}

	if err := validateManager(&cfg.Manager); err != nil {
		return err
	}

	return validateMetrics(&cfg.Metrics)
}

func validateChannels(cfg *Config) error {
	seen := make(map[string]int, len(cfg.Channels))

	for i, ch := range cfg.Channels {
		if err := validateChannel(i, &ch); err != nil {
			return err
		}

		identity := ch.Service + "/" + ch.Session
		if prev, dup := seen[identity]; dup {
			return fmt.Errorf("channels[%d] duplicates channels[%d]: identity %s", i, prev, identity)
		}

		seen[identity] = i
	}

	return nil
}

func validateChannel(index int, ch *ChannelConfig) error {
	if ch.Service == "" {
		return fmt.Errorf("channels[%d].service is required", index)
	}

	if ch.Endpoint == "" {
		return fmt.Errorf("channels[%d].endpoint is required", index)
	}

	u, err := url.Parse(ch.Endpoint)
	if err != nil {
		return fmt.Errorf("channels[%d].endpoint is not a valid URL: %w", index, err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("channels[%d].endpoint must use ws:// or wss://, got %q", index, u.Scheme)
	}

	if _, err := connection.ParsePriority(ch.Priority); err != nil {
		return fmt.Errorf("channels[%d]: %w", index, err)
	}

	if ch.MaxRetries < -1 {
		return fmt.Errorf("channels[%d].max_retries must be >= -1", index)
	}

	return nil
}

func validateManager(m *ManagerConfig) error {
	if m.Batch.MaxBytes > wire.MaxFramePayload {
		return fmt.Errorf("manager.batch.max_bytes %d exceeds the %d byte frame limit",
			m.Batch.MaxBytes, wire.MaxFramePayload)
	}

	if m.Backoff.Factor != 0 && m.Backoff.Factor < 1 {
		return fmt.Errorf("manager.backoff.factor must be >= 1, got %g", m.Backoff.Factor)
	}

	if m.Backoff.Jitter < 0 || m.Backoff.Jitter >= 1 {
		return fmt.Errorf("manager.backoff.jitter must be in [0,1), got %g", m.Backoff.Jitter)
	}

	if m.Batch.FlushPerSec < 0 {
		return errors.New("manager.batch.flush_per_sec must not be negative")
	}

	return nil
}

func validateMetrics(m *MetricsConfig) error {
	if m.Enabled && m.Endpoint == "" {
		return errors.New("metrics.endpoint is required when metrics are enabled")
	}

	return nil
}

// GetManagerConfig converts the config-side tuning into the runtime form
// consumed by connection.NewManager.
func (c *Config) GetManagerConfig() connection.ManagerConfig {
	m := c.Manager

	return connection.ManagerConfig{
		ConnectTimeout:  m.ConnectTimeout,
		MaxRetries:      m.MaxRetries,
		SendTimeout:     m.SendTimeout,
		StabilityWindow: m.StabilityWindow,
		CloseGrace:      m.CloseGrace,
		EventBuffer:     m.EventBuffer,
		Queue: connection.QueueConfig{
			Capacity:      m.Queue.Capacity,
			SweepInterval: m.Queue.SweepInterval,
		},
		Batch: connection.BatchConfig{
			MaxSize:     m.Batch.MaxSize,
			MaxBytes:    m.Batch.MaxBytes,
			MaxWait:     m.Batch.MaxWait,
			FlushPerSec: m.Batch.FlushPerSec,
			FlushBurst:  m.Batch.FlushBurst,
		},
		Backoff: backoff.Config{
			Base:   m.Backoff.Base,
			Min:    m.Backoff.Min,
			Max:    m.Backoff.Max,
			Factor: m.Backoff.Factor,
			Jitter: m.Backoff.Jitter,
		},
		Health: health.Config{
			Alpha:               m.Health.Alpha,
			GoodLatency:         m.Health.GoodLatency,
			BadLatency:          m.Health.BadLatency,
			ErrorWindow:         m.Health.ErrorWindow,
			ErrorSaturation:     m.Health.ErrorSaturation,
			ReconnectSaturation: m.Health.ReconnectSaturation,
		},
		Fallback: connection.FallbackConfig{
			Enabled:   m.Fallback.Enabled,
			Threshold: m.Fallback.Threshold,
			Window:    m.Fallback.Window,
			Cooldown:  m.Fallback.Cooldown,
		},
	}
}

// GetSocketConfig converts the socket section into the websocket dialer
// configuration.
func (c *Config) GetSocketConfig() ws.Config {
	s := c.Socket

	return ws.Config{
		HandshakeTimeout: s.HandshakeTimeout,
		WriteTimeout:     s.WriteTimeout,
		PingInterval:     s.PingInterval,
		PongTimeout:      s.PongTimeout,
		MaxMessageSize:   s.MaxMessageSize,
		ReadBufferSize:   s.ReadBufferSize,
		WriteBufferSize:  s.WriteBufferSize,
		Origin:           s.Origin,
		Headers:          s.Headers,
	}
}

// GetConnectOptions converts a channel entry into connect options. The
// priority string has already been validated.
func (ch *ChannelConfig) GetConnectOptions() (connection.ConnectOptions, error) {
	priority, err := connection.ParsePriority(ch.Priority)
	if err != nil {
		return connection.ConnectOptions{}, err
	}

	return connection.ConnectOptions{
		Service:          ch.Service,
		Session:          ch.Session,
		Endpoint:         ch.Endpoint,
		ConnectTimeout:   ch.ConnectTimeout,
		DisableReconnect: ch.DisableReconnect,
		MaxRetries:       ch.MaxRetries,
		Priority:         priority,
	}, nil
}
