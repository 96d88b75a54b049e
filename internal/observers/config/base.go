package config

import (
	"fmt"
	"time"
)

// BaseConfig provides the fields every monitor component shares
type BaseConfig struct {
	// Name identifies the component in logs and metrics
	Name string `json:"name" yaml:"name" mapstructure:"name"`

	// BufferSize for in-process alert queues (default: 256)
	BufferSize int `json:"buffer_size" yaml:"buffer_size" mapstructure:"buffer_size"`

	// MetricsEnabled determines if the component records otel metrics (default: true)
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled" mapstructure:"metrics_enabled"`

	// Labels are attached to every finding as details
	Labels map[string]string `json:"labels" yaml:"labels" mapstructure:"labels"`

	// ProcessingTimeout bounds a single publish to the alert sink (default: 5s)
	ProcessingTimeout time.Duration `json:"processing_timeout" yaml:"processing_timeout" mapstructure:"processing_timeout"`

	// HealthCheckTimeout is how long the component may go without a
	// completed cycle before it reports degraded. Zero disables the check.
	HealthCheckTimeout time.Duration `json:"health_check_timeout" yaml:"health_check_timeout" mapstructure:"health_check_timeout"`
}

// ComponentConfig is implemented by every component configuration
type ComponentConfig interface {
	GetBaseConfig() *BaseConfig
	Validate() error
	SetDefaults()
}

// DefaultBaseConfig returns a BaseConfig with sensible defaults
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		BufferSize:        256,
		MetricsEnabled:    true,
		Labels:            make(map[string]string),
		ProcessingTimeout: 5 * time.Second,
	}
}

// GetBaseConfig implements ComponentConfig
func (c *BaseConfig) GetBaseConfig() *BaseConfig {
	return c
}

// Validate performs base configuration validation
func (c *BaseConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("component name cannot be empty")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.BufferSize > 1000000 {
		return fmt.Errorf("buffer_size too large, got %d (max: 1000000)", c.BufferSize)
	}
	if c.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing_timeout must be positive, got %v", c.ProcessingTimeout)
	}
	if c.HealthCheckTimeout < 0 {
		return fmt.Errorf("health_check_timeout cannot be negative, got %v", c.HealthCheckTimeout)
	}
	return nil
}

// SetDefaults applies default values to unset fields
func (c *BaseConfig) SetDefaults() {
	if c.BufferSize == 0 {
		c.BufferSize = 256
	}
	if c.Labels == nil {
		c.Labels = make(map[string]string)
	}
	if c.ProcessingTimeout == 0 {
		c.ProcessingTimeout = 5 * time.Second
	}
}

// SchedulerConfig drives the detection cycle cadence
type SchedulerConfig struct {
	BaseConfig `json:",inline" yaml:",inline" mapstructure:",squash"`

	// Interval between cycles (default: 60s)
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`

	// RunOnStart runs one cycle immediately when the scheduler starts (default: true)
	RunOnStart bool `json:"run_on_start" yaml:"run_on_start" mapstructure:"run_on_start"`

	// EscalationThreshold is the number of consecutive unavailable cycles
	// before a persistent-unavailability finding is raised (default: 3)
	EscalationThreshold int `json:"escalation_threshold" yaml:"escalation_threshold" mapstructure:"escalation_threshold"`

	// CycleTimeout bounds one whole cycle, zero means only the parent context applies
	CycleTimeout time.Duration `json:"cycle_timeout" yaml:"cycle_timeout" mapstructure:"cycle_timeout"`
}

// NewSchedulerConfig creates a scheduler configuration with defaults
func NewSchedulerConfig(name string) *SchedulerConfig {
	c := &SchedulerConfig{BaseConfig: DefaultBaseConfig(), RunOnStart: true}
	c.Name = name
	c.SetDefaults()
	return c
}

// SetDefaults applies scheduler-specific defaults
func (c *SchedulerConfig) SetDefaults() {
	c.BaseConfig.SetDefaults()
	if c.Name == "" {
		c.Name = "scheduler"
	}
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.EscalationThreshold == 0 {
		c.EscalationThreshold = 3
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = 3 * c.Interval
	}
}

// Validate performs scheduler-specific validation
func (c *SchedulerConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return fmt.Errorf("base config validation failed: %w", err)
	}
	if c.Interval < time.Second {
		return fmt.Errorf("interval must be at least 1s, got %v", c.Interval)
	}
	if c.EscalationThreshold < 1 {
		return fmt.Errorf("escalation_threshold must be at least 1, got %d", c.EscalationThreshold)
	}
	if c.CycleTimeout < 0 {
		return fmt.Errorf("cycle_timeout cannot be negative, got %v", c.CycleTimeout)
	}
	return nil
}

// Probe modes for the user-level process view
const (
	ProbeModeStat    = "stat"
	ProbeModeListing = "listing"
)

// CrossViewConfig configures hidden process detection
type CrossViewConfig struct {
	BaseConfig `json:",inline" yaml:",inline" mapstructure:",squash"`

	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// RecheckDelay before a candidate is looked at again. Zero disables the
	// re-check and every candidate is reported as an unconfirmed advisory.
	RecheckDelay time.Duration `json:"recheck_delay" yaml:"recheck_delay" mapstructure:"recheck_delay"`

	// ProbeMode is "stat" (per-PID stat of the proc entry) or "listing" (directory listing)
	ProbeMode string `json:"probe_mode" yaml:"probe_mode" mapstructure:"probe_mode"`

	// ProcRoot is the procfs mount point (default: /proc)
	ProcRoot string `json:"proc_root" yaml:"proc_root" mapstructure:"proc_root"`

	// PIDMax caps the brute-force scan. Zero reads kernel.pid_max.
	PIDMax int `json:"pid_max" yaml:"pid_max" mapstructure:"pid_max"`
}

// NewCrossViewConfig creates a cross-view configuration with defaults
func NewCrossViewConfig(name string) *CrossViewConfig {
	c := &CrossViewConfig{BaseConfig: DefaultBaseConfig(), Enabled: true, RecheckDelay: 50 * time.Millisecond}
	c.Name = name
	c.SetDefaults()
	return c
}

// SetDefaults applies cross-view defaults
func (c *CrossViewConfig) SetDefaults() {
	c.BaseConfig.SetDefaults()
	if c.Name == "" {
		c.Name = "crossview"
	}
	if c.ProbeMode == "" {
		c.ProbeMode = ProbeModeStat
	}
	if c.ProcRoot == "" {
		c.ProcRoot = "/proc"
	}
}

// Validate performs cross-view validation
func (c *CrossViewConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return fmt.Errorf("base config validation failed: %w", err)
	}
	if c.RecheckDelay < 0 {
		return fmt.Errorf("recheck_delay cannot be negative, got %v", c.RecheckDelay)
	}
	if c.RecheckDelay > 10*time.Second {
		return fmt.Errorf("recheck_delay too large, got %v (max: 10s)", c.RecheckDelay)
	}
	if c.ProbeMode != ProbeModeStat && c.ProbeMode != ProbeModeListing {
		return fmt.Errorf("probe_mode must be %q or %q, got %q", ProbeModeStat, ProbeModeListing, c.ProbeMode)
	}
	if c.PIDMax < 0 {
		return fmt.Errorf("pid_max cannot be negative, got %d", c.PIDMax)
	}
	return nil
}

// IntegrityConfig configures dispatch table verification
type IntegrityConfig struct {
	BaseConfig `json:",inline" yaml:",inline" mapstructure:",squash"`

	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// Length is the number of leading dispatch entries covered (default: 300)
	Length int `json:"length" yaml:"length" mapstructure:"length"`

	// Symbol names the table in kallsyms (default: sys_call_table)
	Symbol string `json:"symbol" yaml:"symbol" mapstructure:"symbol"`

	KallsymsPath string `json:"kallsyms_path" yaml:"kallsyms_path" mapstructure:"kallsyms_path"`
	KcorePath    string `json:"kcore_path" yaml:"kcore_path" mapstructure:"kcore_path"`

	// RetryBaseline re-attempts baseline capture each cycle while the
	// verifier is unavailable. Off by default: re-baselining is explicit.
	RetryBaseline bool `json:"retry_baseline" yaml:"retry_baseline" mapstructure:"retry_baseline"`
}

// NewIntegrityConfig creates an integrity configuration with defaults
func NewIntegrityConfig(name string) *IntegrityConfig {
	c := &IntegrityConfig{BaseConfig: DefaultBaseConfig(), Enabled: true}
	c.Name = name
	c.SetDefaults()
	return c
}

// SetDefaults applies integrity defaults
func (c *IntegrityConfig) SetDefaults() {
	c.BaseConfig.SetDefaults()
	if c.Name == "" {
		c.Name = "integrity"
	}
	if c.Length == 0 {
		c.Length = 300
	}
	if c.Symbol == "" {
		c.Symbol = "sys_call_table"
	}
	if c.KallsymsPath == "" {
		c.KallsymsPath = "/proc/kallsyms"
	}
	if c.KcorePath == "" {
		c.KcorePath = "/proc/kcore"
	}
}

// Validate performs integrity validation
func (c *IntegrityConfig) Validate() error {
	if err := c.BaseConfig.Validate(); err != nil {
		return fmt.Errorf("base config validation failed: %w", err)
	}
	if c.Length <= 0 {
		return fmt.Errorf("length must be positive, got %d", c.Length)
	}
	if c.Length > 4096 {
		return fmt.Errorf("length too large, got %d (max: 4096)", c.Length)
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	return nil
}
