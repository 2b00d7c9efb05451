// Package config loads the requestpool command configuration from flags,
// environment variables and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "REQUESTPOOL"

type Config struct {
	Pool     Pool     `mapstructure:"pool"`
	Producer Producer `mapstructure:"producer"`
	Logging  Logging  `mapstructure:"logging"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

type Pool struct {
	Name        string        `mapstructure:"name"`
	Workers     int           `mapstructure:"workers" validate:"gt=0"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout" validate:"gte=0"`
}

type Producer struct {
	Producers int           `mapstructure:"producers" validate:"min=1"`
	Requests  int           `mapstructure:"requests" validate:"gte=0"`
	Interval  time.Duration `mapstructure:"interval" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" validate:"min=1"`
}

type Logging struct {
	Level string `mapstructure:"level" validate:"oneof=none debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type Metrics struct {
	Address string `mapstructure:"address" validate:"omitempty,hostname_port"`
}

var defaults = map[string]any{
	"pool.workers":       3,
	"pool.wait_timeout":  time.Duration(0),
	"producer.producers": 1,
	"producer.requests":  6,
	"producer.interval":  200 * time.Millisecond,
	"producer.burst":     1,
	"logging.level":      "info",
	"logging.json":       false,
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"name":         "pool.name",
	"workers":      "pool.workers",
	"wait-timeout": "pool.wait_timeout",
	"producers":    "producer.producers",
	"requests":     "producer.requests",
	"interval":     "producer.interval",
	"burst":        "producer.burst",
	"log-level":    "logging.level",
	"log-json":     "logging.json",
	"metrics-addr": "metrics.address",
}

// NewFlagSet returns the flags understood by Load.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("config", "c", "", "path of the YAML configuration file")
	fs.String("name", "", "pool name, random if empty")
	fs.IntP("workers", "w", 3, "number of workers")
	fs.Duration("wait-timeout", 0, "maximum time a worker waits before re-checking the queue, 0 waits until woken up")
	fs.Int("producers", 1, "number of concurrent producers")
	fs.IntP("requests", "n", 6, "number of requests generated by each producer")
	fs.Duration("interval", 200*time.Millisecond, "pause between two generated requests, 0 disables pacing")
	fs.Int("burst", 1, "number of requests that may be generated without pause")
	fs.String("log-level", "info", "log level: none, debug, info, warn or error")
	fs.Bool("log-json", false, "log in JSON")
	fs.String("metrics-addr", "", "address serving /metrics, disabled if empty")
	return fs
}

// Load parses args and merges, from highest to lowest precedence, flags,
// REQUESTPOOL_* environment variables, the configuration file and defaults.
// A missing configuration file is not an error unless it was given explicitly.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("requestpool")
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	return LoadFlags(fs)
}

// LoadFlags is like Load for an already parsed flag set made by NewFlagSet.
func LoadFlags(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for flag, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %q: %w", flag, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("requestpool")
		v.AddConfigPath("/etc/requestpool/")
		v.AddConfigPath("$HOME/.requestpool")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and reports all violations at once.
func (cfg *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field '%s' (struct field: '%s') failed on the '%s' validation rule",
			strings.TrimPrefix(fe.Namespace(), "Config."), fe.StructField(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// NewLogger builds the slog logger described by the logging section.
func (l Logging) NewLogger(out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	switch l.Level {
	case "none":
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	case "debug":
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	if l.JSON {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
