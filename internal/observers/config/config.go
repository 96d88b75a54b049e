package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/yairfalse/secmon/pkg/domain"
)

// Config is the full monitor configuration
type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler" mapstructure:"scheduler"`
	CrossView CrossViewConfig `json:"crossview" yaml:"crossview" mapstructure:"crossview"`
	Integrity IntegrityConfig `json:"integrity" yaml:"integrity" mapstructure:"integrity"`
	Sinks     SinksConfig     `json:"sinks" yaml:"sinks" mapstructure:"sinks"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry" mapstructure:"telemetry"`
}

// SinksConfig selects where findings go
type SinksConfig struct {
	// MinSeverity drops findings below this level before any sink sees them
	MinSeverity string `json:"min_severity" yaml:"min_severity" mapstructure:"min_severity"`

	Log     LogSinkConfig     `json:"log" yaml:"log" mapstructure:"log"`
	NATS    NATSSinkConfig    `json:"nats" yaml:"nats" mapstructure:"nats"`
	SQLite  SQLiteSinkConfig  `json:"sqlite" yaml:"sqlite" mapstructure:"sqlite"`
	Webhook WebhookSinkConfig `json:"webhook" yaml:"webhook" mapstructure:"webhook"`

	// Queue moves delivery off the detection cycle. Its size is
	// scheduler.buffer_size.
	Queue QueueSinkConfig `json:"queue" yaml:"queue" mapstructure:"queue"`
}

type QueueSinkConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

type LogSinkConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

type NATSSinkConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	URL           string        `json:"url" yaml:"url" mapstructure:"url"`
	SubjectPrefix string        `json:"subject_prefix" yaml:"subject_prefix" mapstructure:"subject_prefix"`
	FlushTimeout  time.Duration `json:"flush_timeout" yaml:"flush_timeout" mapstructure:"flush_timeout"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects" mapstructure:"max_reconnects"`
}

type SQLiteSinkConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" yaml:"path" mapstructure:"path"`
}

// WebhookSinkConfig posts findings to an ingest endpoint
type WebhookSinkConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	URL        string        `json:"url" yaml:"url" mapstructure:"url"`
	APIKey     string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
}

// TelemetryConfig controls the otel provider and metrics endpoint
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" mapstructure:"metrics_addr"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{
		LogLevel:  "info",
		Scheduler: *NewSchedulerConfig("scheduler"),
		CrossView: *NewCrossViewConfig("crossview"),
		Integrity: *NewIntegrityConfig("integrity"),
		Sinks: SinksConfig{
			MinSeverity: string(domain.SeverityInfo),
			Log:         LogSinkConfig{Enabled: true},
			NATS: NATSSinkConfig{
				URL:           "nats://127.0.0.1:4222",
				SubjectPrefix: "secmon.findings",
				FlushTimeout:  2 * time.Second,
				MaxReconnects: 10,
			},
			SQLite: SQLiteSinkConfig{Path: "/var/lib/secmon/findings.db"},
			Webhook: WebhookSinkConfig{
				Timeout:    5 * time.Second,
				MaxRetries: 3,
			},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "secmon",
			MetricsAddr: ":9464",
		},
	}
	return cfg
}

// SetViperDefaults registers every default key so file values and
// SECMON_* environment variables can override them.
func SetViperDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("log_level", d.LogLevel)

	setBaseDefaults(v, "scheduler", d.Scheduler.BaseConfig)
	// no default: it follows scheduler.interval unless set
	_ = v.BindEnv("scheduler.health_check_timeout")
	v.SetDefault("scheduler.interval", d.Scheduler.Interval)
	v.SetDefault("scheduler.run_on_start", d.Scheduler.RunOnStart)
	v.SetDefault("scheduler.escalation_threshold", d.Scheduler.EscalationThreshold)
	v.SetDefault("scheduler.cycle_timeout", d.Scheduler.CycleTimeout)

	setBaseDefaults(v, "crossview", d.CrossView.BaseConfig)
	v.SetDefault("crossview.enabled", d.CrossView.Enabled)
	v.SetDefault("crossview.recheck_delay", d.CrossView.RecheckDelay)
	v.SetDefault("crossview.probe_mode", d.CrossView.ProbeMode)
	v.SetDefault("crossview.proc_root", d.CrossView.ProcRoot)
	v.SetDefault("crossview.pid_max", d.CrossView.PIDMax)

	setBaseDefaults(v, "integrity", d.Integrity.BaseConfig)
	v.SetDefault("integrity.enabled", d.Integrity.Enabled)
	v.SetDefault("integrity.length", d.Integrity.Length)
	v.SetDefault("integrity.symbol", d.Integrity.Symbol)
	v.SetDefault("integrity.kallsyms_path", d.Integrity.KallsymsPath)
	v.SetDefault("integrity.kcore_path", d.Integrity.KcorePath)
	v.SetDefault("integrity.retry_baseline", d.Integrity.RetryBaseline)

	v.SetDefault("sinks.min_severity", d.Sinks.MinSeverity)
	v.SetDefault("sinks.log.enabled", d.Sinks.Log.Enabled)
	v.SetDefault("sinks.nats.enabled", d.Sinks.NATS.Enabled)
	v.SetDefault("sinks.nats.url", d.Sinks.NATS.URL)
	v.SetDefault("sinks.nats.subject_prefix", d.Sinks.NATS.SubjectPrefix)
	v.SetDefault("sinks.nats.flush_timeout", d.Sinks.NATS.FlushTimeout)
	v.SetDefault("sinks.nats.max_reconnects", d.Sinks.NATS.MaxReconnects)
	v.SetDefault("sinks.sqlite.enabled", d.Sinks.SQLite.Enabled)
	v.SetDefault("sinks.sqlite.path", d.Sinks.SQLite.Path)
	v.SetDefault("sinks.webhook.enabled", d.Sinks.Webhook.Enabled)
	v.SetDefault("sinks.webhook.url", d.Sinks.Webhook.URL)
	v.SetDefault("sinks.webhook.api_key", d.Sinks.Webhook.APIKey)
	v.SetDefault("sinks.webhook.timeout", d.Sinks.Webhook.Timeout)
	v.SetDefault("sinks.webhook.max_retries", d.Sinks.Webhook.MaxRetries)
	v.SetDefault("sinks.queue.enabled", d.Sinks.Queue.Enabled)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.metrics_addr", d.Telemetry.MetricsAddr)
}

func setBaseDefaults(v *viper.Viper, section string, b BaseConfig) {
	v.SetDefault(section+".name", b.Name)
	v.SetDefault(section+".buffer_size", b.BufferSize)
	v.SetDefault(section+".metrics_enabled", b.MetricsEnabled)
	v.SetDefault(section+".processing_timeout", b.ProcessingTimeout)
}

// Load builds a validated Config from v. Defaults are registered on v first.
func Load(v *viper.Viper) (*Config, error) {
	SetViperDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// SetDefaults applies defaults to every section
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.Scheduler.SetDefaults()
	c.CrossView.SetDefaults()
	c.Integrity.SetDefaults()

	d := Default()
	if c.Sinks.MinSeverity == "" {
		c.Sinks.MinSeverity = d.Sinks.MinSeverity
	}
	if c.Sinks.NATS.SubjectPrefix == "" {
		c.Sinks.NATS.SubjectPrefix = d.Sinks.NATS.SubjectPrefix
	}
	if c.Sinks.NATS.FlushTimeout == 0 {
		c.Sinks.NATS.FlushTimeout = d.Sinks.NATS.FlushTimeout
	}
	if c.Sinks.Webhook.Timeout == 0 {
		c.Sinks.Webhook.Timeout = d.Sinks.Webhook.Timeout
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

// Validate checks every section and reports all problems at once
func (c *Config) Validate() error {
	var errs []error

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	if err := c.Scheduler.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := c.CrossView.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("crossview: %w", err))
	}
	if err := c.Integrity.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("integrity: %w", err))
	}
	if !c.CrossView.Enabled && !c.Integrity.Enabled {
		errs = append(errs, errors.New("at least one of crossview or integrity must be enabled"))
	}
	if err := c.Sinks.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sinks: %w", err))
	}
	if c.Telemetry.Enabled && c.Telemetry.MetricsAddr == "" {
		errs = append(errs, errors.New("telemetry: metrics_addr cannot be empty when enabled"))
	}
	return errors.Join(errs...)
}

// Validate performs sink validation
func (c *SinksConfig) Validate() error {
	if _, ok := domain.ParseSeverity(c.MinSeverity); !ok {
		return fmt.Errorf("invalid min_severity %q", c.MinSeverity)
	}
	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return errors.New("nats.url cannot be empty")
		}
		if c.NATS.SubjectPrefix == "" {
			return errors.New("nats.subject_prefix cannot be empty")
		}
	}
	if c.SQLite.Enabled && c.SQLite.Path == "" {
		return errors.New("sqlite.path cannot be empty")
	}
	if c.Webhook.Enabled {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("webhook.url %q is not an absolute URL", c.Webhook.URL)
		}
		if c.Webhook.MaxRetries < 0 {
			return fmt.Errorf("webhook.max_retries cannot be negative, got %d", c.Webhook.MaxRetries)
		}
	}
	return nil
}
