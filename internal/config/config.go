// Package config loads fluxstate settings from defaults, explicit overrides
// and FLUXSTATE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables. The remainder's first
// underscore separates the section from the key, so
// FLUXSTATE_DATABASE_CONNECTION_URL sets database.connection_url.
const EnvPrefix = "FLUXSTATE_"

type Config struct {
	Database DatabaseConfig `koanf:"database" validate:"required"`
	Log      LogConfig      `koanf:"log"`
}

type DatabaseConfig struct {
	// ConnectionURL selects the dialect by scheme: postgres://, postgresql://
	// or sqlite:///path (sqlite:// alone is in-memory).
	ConnectionURL string        `koanf:"connection_url" validate:"required"`
	Echo          bool          `koanf:"echo"`
	Timeout       time.Duration `koanf:"timeout"        validate:"min=0"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

// Default returns the built-in settings: a local SQLite file, no echo and no
// statement timeout.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			ConnectionURL: "sqlite:///fluxstate.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

type loadOptions struct {
	overrides map[string]any
	env       bool
}

type Option func(*loadOptions)

// WithOverrides applies dotted keys (e.g. "database.echo") after the
// environment.
func WithOverrides(values map[string]any) Option {
	return func(o *loadOptions) { o.overrides = values }
}

// WithoutEnv skips the environment provider.
func WithoutEnv() Option {
	return func(o *loadOptions) { o.env = false }
}

// Load builds the configuration and validates it.
func Load(opts ...Option) (*Config, error) {
	o := loadOptions{env: true}
	for _, opt := range opts {
		opt(&o)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if o.env {
		if err := k.Load(env.Provider(".", env.Opt{
			Prefix:        EnvPrefix,
			TransformFunc: transformEnv,
		}), nil); err != nil {
			return nil, fmt.Errorf("load environment: %w", err)
		}
	}
	for key, value := range o.overrides {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &cfg,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func transformEnv(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.Replace(key, "_", ".", 1), value
}
