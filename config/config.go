// Package config loads eventproc server configuration from YAML files and
// EVENTPROC_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bjaus/eventproc"
)

// EnvPrefix prefixes environment overrides: EVENTPROC_SERVER_PORT sets
// server.port.
const EnvPrefix = "EVENTPROC"

// Config holds all application configuration
type Config struct {
	Processor ProcessorConfig `mapstructure:"processor" yaml:"processor"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Resources ResourcesConfig `mapstructure:"resources" yaml:"resources"`
}

// ProcessorConfig selects the processor strategies by name.
type ProcessorConfig struct {
	InvocationStrategy string   `mapstructure:"invocation_strategy" yaml:"invocation_strategy"`
	ErrorStrategy      string   `mapstructure:"error_strategy" yaml:"error_strategy"`
	ErrorKinds         []string `mapstructure:"error_kinds" yaml:"error_kinds"`
	RecoverPanics      bool     `mapstructure:"recover_panics" yaml:"recover_panics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Metrics exporters.
const (
	ExporterPrometheus = "prometheus"
	ExporterOTel       = "otel"
	ExporterNone       = "none"
)

// MetricsConfig selects the metrics backend. Exporter is one of
// "prometheus", "otel" or "none".
type MetricsConfig struct {
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`             // debug, info, warn, error
	OutputPath string `mapstructure:"output_path" yaml:"output_path"` // stdout, stderr, or file path
	Format     string `mapstructure:"format" yaml:"format"`           // json or console
}

// ResourcesConfig names the resources dependency factories can build.
type ResourcesConfig struct {
	// SQL maps database names to sqlite DSNs.
	SQL map[string]string `mapstructure:"sql" yaml:"sql"`

	// Redis maps client names to server settings.
	Redis map[string]RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig holds one redis client's settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Processor: ProcessorConfig{
			InvocationStrategy: "first_match",
			ErrorStrategy:      "bubble",
			RecoverPanics:      true,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Exporter: ExporterPrometheus,
			Addr:     ":9090",
		},
		Logger: LoggerConfig{
			Level:      "info",
			OutputPath: "stdout",
			Format:     "json",
		},
		Resources: ResourcesConfig{
			SQL: map[string]string{"accounts": "file:accounts.db?_pragma=foreign_keys(1)"},
		},
	}
}

// Load reads configuration from the YAML file at path, when path is not
// empty, then applies EVENTPROC_* environment overrides and validates the
// result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// FromYAML decodes an in-memory YAML document over the defaults. Unlike
// Load it ignores the environment.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode yaml config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// setDefaults registers every default with v, so environment variables
// can override keys absent from the file.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("processor.invocation_strategy", d.Processor.InvocationStrategy)
	v.SetDefault("processor.error_strategy", d.Processor.ErrorStrategy)
	v.SetDefault("processor.error_kinds", d.Processor.ErrorKinds)
	v.SetDefault("processor.recover_panics", d.Processor.RecoverPanics)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("metrics.exporter", d.Metrics.Exporter)
	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.output_path", d.Logger.OutputPath)
	v.SetDefault("logger.format", d.Logger.Format)

	v.SetDefault("resources.sql", d.Resources.SQL)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := c.Processor.Options(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Metrics.Exporter {
	case ExporterPrometheus, ExporterOTel, ExporterNone:
	default:
		return errors.Errorf("metrics.exporter %q is not one of prometheus, otel, none", c.Metrics.Exporter)
	}
	for name, dsn := range c.Resources.SQL {
		if dsn == "" {
			return errors.Errorf("resources.sql.%s has no dsn", name)
		}
	}
	for name, r := range c.Resources.Redis {
		if r.Addr == "" {
			return errors.Errorf("resources.redis.%s has no addr", name)
		}
	}
	return nil
}

// Options maps the configured strategy names to processor options.
func (c ProcessorConfig) Options() ([]eventproc.Option, error) {
	invocation, err := eventproc.ParseInvocationStrategy(c.InvocationStrategy)
	if err != nil {
		return nil, errors.Wrap(err, "processor.invocation_strategy")
	}
	errs, err := eventproc.ParseErrorStrategy(c.ErrorStrategy, c.ErrorKinds...)
	if err != nil {
		return nil, errors.Wrap(err, "processor.error_strategy")
	}
	return []eventproc.Option{
		eventproc.WithInvocationStrategy(invocation),
		eventproc.WithErrorStrategy(errs),
		eventproc.WithRecoverPanics(c.RecoverPanics),
	}, nil
}
