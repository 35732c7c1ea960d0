package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/mkeeter/halfspace/pkg/telemetry"
)

// Config is the tool configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Store    StoreConfig    `yaml:"store"`
	Policies PoliciesConfig `yaml:"policies"`
}

// EngineConfig configures evaluation.
type EngineConfig struct {
	// Workers is the number of blocks evaluated concurrently.
	Workers int `yaml:"workers" validate:"gte=1,lte=256"`

	// MaxSteps bounds the Starlark steps of one script execution. Zero
	// means unbounded.
	MaxSteps uint64 `yaml:"max_steps"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output"`
	Caller bool   `yaml:"caller"`
}

// MetricsConfig configures the Prometheus endpoint served by watch.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address" validate:"required_if=Enabled true"`
	Path    string `yaml:"path" validate:"omitempty,startswith=/"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled    bool              `yaml:"enabled"`
	Exporter   string            `yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint   string            `yaml:"endpoint" validate:"required_if=Exporter otlp Enabled true"`
	SampleRate float64           `yaml:"sample_rate" validate:"gte=0,lte=1"`
	Insecure   bool              `yaml:"insecure"`
	Headers    map[string]string `yaml:"headers"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// PoliciesConfig lists Rego lint policy files or directories.
type PoliciesConfig struct {
	Paths []string `yaml:"paths" validate:"dive,required"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Workers: min(runtime.NumCPU(), 4),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Exporter:   "stdout",
			SampleRate: 1.0,
			Insecure:   true,
		},
		Store: StoreConfig{
			Path: "halfspace.db",
		},
	}
}

// Load reads a YAML configuration file. Fields absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML configuration.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s fails %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Telemetry converts the configuration to a telemetry configuration.
func (c *Config) Telemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version

	tc.Logging.Level = c.Logging.Level
	tc.Logging.Format = c.Logging.Format
	if c.Logging.Output != "" {
		tc.Logging.Output = c.Logging.Output
	}
	tc.Logging.EnableCaller = c.Logging.Caller

	tc.Metrics.Enabled = c.Metrics.Enabled
	tc.Metrics.ListenAddress = c.Metrics.Address
	if c.Metrics.Path != "" {
		tc.Metrics.Path = c.Metrics.Path
	}

	tc.Tracing.Enabled = c.Tracing.Enabled
	tc.Tracing.Exporter = c.Tracing.Exporter
	tc.Tracing.Endpoint = c.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Tracing.SampleRate
	tc.Tracing.Insecure = c.Tracing.Insecure
	if len(c.Tracing.Headers) > 0 {
		tc.Tracing.Headers = c.Tracing.Headers
	}
	return tc
}
