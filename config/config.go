// Package config loads runtime configuration from environment
// variables, an optional config.yaml under the lace directory, and
// defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Environment names recognized in LACE_ENV.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// InstructionsFile is the per-user instructions file read into
// UserInstructions.
const InstructionsFile = "instructions.md"

// Config is the resolved runtime configuration.
type Config struct {
	// Dir is the base directory for per-user state (LACE_DIR,
	// default ~/.lace). Created on first use.
	Dir string `mapstructure:"dir"`

	// Env is one of development, production, test (LACE_ENV).
	Env string `mapstructure:"env"`

	Providers ProvidersConfig `mapstructure:"providers"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// UserInstructions is the content of instructions.md under Dir,
	// empty when the file does not exist.
	UserInstructions string `mapstructure:"-"`
}

// ProvidersConfig holds provider credentials.
type ProvidersConfig struct {
	AnthropicAPIKey string `mapstructure:"anthropicApiKey"`
	OpenAIAPIKey    string `mapstructure:"openaiApiKey"`
}

// StorageConfig selects the event store backend.
type StorageConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver"`

	// DSN is the sqlite file path or postgres connection URL. Empty
	// defaults to lace.db under Dir for sqlite.
	DSN string `mapstructure:"dsn"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func defaultLogFormat() string {
	if env := os.Getenv("LACE_ENV"); env == EnvProduction {
		return "json"
	}
	return "console"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvDevelopment)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", defaultLogFormat())
}

// Load resolves configuration from LACE_* environment variables,
// provider key variables, and config.yaml under the lace directory.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Provider keys live outside the LACE_ namespace; ANTHROPIC_KEY is
	// the legacy alias.
	_ = v.BindEnv("providers.anthropicApiKey", "ANTHROPIC_API_KEY", "ANTHROPIC_KEY")
	_ = v.BindEnv("providers.openaiApiKey", "OPENAI_API_KEY")
	_ = v.BindEnv("dir", "LACE_DIR")
	_ = v.BindEnv("env", "LACE_ENV")

	dir := v.GetString("dir")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".lace")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lace directory: %w", err)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Dir = dir

	switch cfg.Env {
	case EnvDevelopment, EnvProduction, EnvTest:
	default:
		return nil, fmt.Errorf("invalid LACE_ENV %q", cfg.Env)
	}
	switch cfg.Storage.Driver {
	case "sqlite":
		if cfg.Storage.DSN == "" {
			cfg.Storage.DSN = filepath.Join(dir, "lace.db")
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			return nil, fmt.Errorf("postgres storage requires a dsn")
		}
	default:
		return nil, fmt.Errorf("invalid storage driver %q", cfg.Storage.Driver)
	}

	instructions, err := os.ReadFile(filepath.Join(dir, InstructionsFile))
	if err == nil {
		cfg.UserInstructions = strings.TrimSpace(string(instructions))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", InstructionsFile, err)
	}

	return &cfg, nil
}
