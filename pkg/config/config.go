// Package config loads and validates rqctl / client configuration.
//
// Configuration sources, in order of precedence:
//  1. CLI flags (bound by the command layer)
//  2. Environment variables (RQ_*)
//  3. Configuration file (YAML)
//  4. Default values
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/hyperq/librq/pkg/rq"
)

// Config is the full rqctl configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Controllers is the failover rotation, most preferred first.
	// Formats: host:port, ipv4, [ipv6]:port, [ipv6].
	Controllers []string `mapstructure:"controllers" validate:"required,min=1" yaml:"controllers"`

	// Client tunes the connection machinery.
	Client ClientConfig `mapstructure:"client" yaml:"client"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is "stdout", "stderr" or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ClientConfig tunes the connection machinery.
type ClientConfig struct {
	// ReadBufferSize is the initial per-connection receive buffer.
	ReadBufferSize int `mapstructure:"read_buffer_size" validate:"omitempty,gt=0" yaml:"read_buffer_size"`

	// DialTimeout bounds one controller connect attempt.
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"required,gt=0" yaml:"dial_timeout"`

	// RetryDelay is the pause before trying the next controller after a
	// failed connect.
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"required,gt=0" yaml:"retry_delay"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics registry and HTTP listener on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Listen is the host:port the /metrics endpoint binds to.
	Listen string `mapstructure:"listen" validate:"required_if=Enabled true" yaml:"listen"`
}

// Load reads configuration from the given file path (optional; "" skips the
// file), applies RQ_* environment overrides on top of the defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("RQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks structural constraints and that every controller endpoint
// parses.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	for _, host := range c.Controllers {
		if _, err := rq.ParseEndpoint(host); err != nil {
			return fmt.Errorf("controller %q: %w", host, err)
		}
	}
	return nil
}

// ClientOptions converts the configuration into rq client options.
func (c *Config) ClientOptions() *rq.Options {
	return &rq.Options{
		ReadBufferSize: c.Client.ReadBufferSize,
		DialTimeout:    c.Client.DialTimeout,
		RetryDelay:     c.Client.RetryDelay,
	}
}

// WriteSample writes a commented sample configuration file. It refuses to
// overwrite an existing file unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %q already exists", path)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshal sample config: %w", err)
	}

	header := "# rqctl configuration.\n# Environment variables with the RQ_ prefix override these values,\n# e.g. RQ_LOGGING_LEVEL=DEBUG.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
