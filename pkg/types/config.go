package types

import "time"

// Config represents the main configuration for reel.
type Config struct {
	Server    ServerConfig    `yaml:"server" koanf:"server"`
	Log       LogConfig       `yaml:"log" koanf:"log"`
	Store     StoreConfig     `yaml:"store" koanf:"store"`
	Crypto    CryptoConfig    `yaml:"crypto" koanf:"crypto"`
	Agents    AgentsConfig    `yaml:"agents" koanf:"agents"`
	Resources ResourceConfig  `yaml:"resources" koanf:"resources"`
	Health    HealthConfig    `yaml:"health" koanf:"health"`
	Workflow  WorkflowConfig  `yaml:"workflow" koanf:"workflow"`
	Telemetry TelemetryConfig `yaml:"telemetry" koanf:"telemetry"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" koanf:"host"`
	Port int    `yaml:"port" koanf:"port"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level  string `yaml:"level" koanf:"level"`
	Format string `yaml:"format" koanf:"format"` // console, json
}

// StoreConfig defines the SQLite store location.
type StoreConfig struct {
	Path string `yaml:"path" koanf:"path"`
}

// CryptoConfig defines encryption settings.
type CryptoConfig struct {
	IdentityPath string `yaml:"identity_path" koanf:"identity_path"` // Path to age identity file
}

// AgentsConfig defines agent kinds and driver settings.
type AgentsConfig struct {
	KindsDir     string        `yaml:"kinds_dir" koanf:"kinds_dir"`         // YAML agent kinds
	WorkflowsDir string        `yaml:"workflows_dir" koanf:"workflows_dir"` // YAML workflow definitions
	Builtins     bool          `yaml:"builtins" koanf:"builtins"`           // register the built-in media kinds
	Autodeploy   bool          `yaml:"autodeploy" koanf:"autodeploy"`       // deploy one instance per kind at start
	StopTimeout  time.Duration `yaml:"stop_timeout" koanf:"stop_timeout"`
}

// ResourceConfig defines resource sampling and admission settings.
type ResourceConfig struct {
	Interval   time.Duration `yaml:"interval" koanf:"interval"`
	History    int           `yaml:"history" koanf:"history"`
	Margin     float64       `yaml:"margin" koanf:"margin"` // fraction of capacity kept free
	DiskPath   string        `yaml:"disk_path" koanf:"disk_path"`
	Thresholds Thresholds    `yaml:"thresholds" koanf:"thresholds"`
}

// HealthConfig defines health checking settings.
type HealthConfig struct {
	Interval           time.Duration `yaml:"interval" koanf:"interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout" koanf:"probe_timeout"`
	MaxWarnings        int           `yaml:"max_warnings" koanf:"max_warnings"`
	ErrorRate          float64       `yaml:"error_rate" koanf:"error_rate"`
	MinCalls           int64         `yaml:"min_calls" koanf:"min_calls"`
	SustainCycles      int           `yaml:"sustain_cycles" koanf:"sustain_cycles"`
	History            int           `yaml:"history" koanf:"history"`
	QueueWarning       int           `yaml:"queue_warning" koanf:"queue_warning"`
	QueueCritical      int           `yaml:"queue_critical" koanf:"queue_critical"`
	MemoryWarningMB    float64       `yaml:"memory_warning_mb" koanf:"memory_warning_mb"`
	MemoryCriticalMB   float64       `yaml:"memory_critical_mb" koanf:"memory_critical_mb"`
	ResponsivenessWarn time.Duration `yaml:"responsiveness_warn" koanf:"responsiveness_warn"`
}

// WorkflowConfig defines scheduling and recovery settings.
type WorkflowConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent" koanf:"max_concurrent"`
	RecheckInterval time.Duration `yaml:"recheck_interval" koanf:"recheck_interval"`
	DefaultPriority int           `yaml:"default_priority" koanf:"default_priority"`
	StepTimeout     time.Duration `yaml:"step_timeout" koanf:"step_timeout"`
	RetryAttempts   int           `yaml:"retry_attempts" koanf:"retry_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval" koanf:"retry_interval"`
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed" koanf:"retry_max_elapsed"`
	DurationCeiling time.Duration `yaml:"duration_ceiling" koanf:"duration_ceiling"`
	WarningCeiling  int           `yaml:"warning_ceiling" koanf:"warning_ceiling"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout"`
}

// TelemetryConfig defines OpenTelemetry metric export.
type TelemetryConfig struct {
	Enabled  bool          `yaml:"enabled" koanf:"enabled"`
	Interval time.Duration `yaml:"interval" koanf:"interval"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Path: "./reel.db",
		},
		Crypto: CryptoConfig{
			IdentityPath: "./reel.key",
		},
		Agents: AgentsConfig{
			KindsDir:     "./agents",
			WorkflowsDir: "./workflows",
			Builtins:     true,
			Autodeploy:   false,
			StopTimeout:  5 * time.Second,
		},
		Resources: ResourceConfig{
			Interval: 5 * time.Second,
			History:  60,
			Margin:   0.2,
			DiskPath: "/",
			Thresholds: Thresholds{
				CPU:    Threshold{Warning: 80, Critical: 90},
				Memory: Threshold{Warning: 80, Critical: 90},
				Disk:   Threshold{Warning: 85, Critical: 95},
			},
		},
		Health: HealthConfig{
			Interval:           30 * time.Second,
			ProbeTimeout:       5 * time.Second,
			MaxWarnings:        2,
			ErrorRate:          0.2,
			MinCalls:           5,
			SustainCycles:      2,
			History:            20,
			QueueWarning:       50,
			QueueCritical:      200,
			MemoryWarningMB:    1024,
			MemoryCriticalMB:   2048,
			ResponsivenessWarn: time.Second,
		},
		Workflow: WorkflowConfig{
			MaxConcurrent:   4,
			RecheckInterval: 2 * time.Second,
			DefaultPriority: 5,
			StepTimeout:     10 * time.Minute,
			RetryAttempts:   3,
			RetryInterval:   time.Second,
			RetryMaxElapsed: 2 * time.Minute,
			DurationCeiling: 30 * time.Minute,
			WarningCeiling:  5,
			ShutdownTimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:  false,
			Interval: time.Minute,
		},
	}
}
