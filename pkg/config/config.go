// Package config loads the crossdb configuration from YAML files and
// environment variables. Precedence, highest to lowest: environment,
// config files, defaults. Environment variables use the CROSSDB_
// prefix with underscores for nesting, e.g. CROSSDB_LOG_LEVEL.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crossdb-io/crossdb/pkg/adapter"
	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig                           `mapstructure:"log"`
	Manager   ManagerConfig                       `mapstructure:"manager"`
	Databases map[string]adapter.ConnectionConfig `mapstructure:"databases"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// ManagerConfig tunes the database manager.
type ManagerConfig struct {
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	BreakerThreshold    int           `mapstructure:"breaker_threshold"`
	BreakerGracePeriod  time.Duration `mapstructure:"breaker_grace_period"`
}

// setDefaults configures default values on the viper instance.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("manager.health_check_interval", "30s")
	v.SetDefault("manager.breaker_threshold", 5)
	v.SetDefault("manager.breaker_grace_period", "60s")
}

// Load reads configuration and returns a validated Config.
//
// configFiles lists config file paths; later files override earlier
// ones. With no files, "config.yaml" in the working directory is tried
// and silently skipped when absent.
func Load(configFiles ...string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if len(configFiles) > 0 {
		v.SetConfigFile(configFiles[0])
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFiles[0], err)
		}
		for _, cf := range configFiles[1:] {
			v.SetConfigFile(cf)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("merging config file %s: %w", cf, err)
			}
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CROSSDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded configuration, including every database
// entry, before anything connects.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return adapter.NewConfigurationError("", "log.level",
			fmt.Sprintf("unknown log level %q", c.Log.Level))
	}

	if c.Manager.HealthCheckInterval < 0 {
		return adapter.NewConfigurationError("", "manager.health_check_interval", "must not be negative")
	}
	if c.Manager.BreakerThreshold < 0 {
		return adapter.NewConfigurationError("", "manager.breaker_threshold", "must not be negative")
	}
	if c.Manager.BreakerGracePeriod < 0 {
		return adapter.NewConfigurationError("", "manager.breaker_grace_period", "must not be negative")
	}

	for name, db := range c.Databases {
		if name == "" {
			return adapter.NewConfigurationError("", "databases", "database name must not be empty")
		}
		if err := db.Validate(); err != nil {
			engine, _ := db.EngineID()
			return adapter.NewConfigurationError(engine, "databases."+name, err.Error())
		}
	}
	return nil
}

// Engines returns the distinct engines referenced by the configured
// databases, for registering only the factories actually needed.
func (c *Config) Engines() []dbcapabilities.DatabaseID {
	seen := make(map[dbcapabilities.DatabaseID]bool)
	var engines []dbcapabilities.DatabaseID
	for _, db := range c.Databases {
		if id, ok := db.EngineID(); ok && !seen[id] {
			seen[id] = true
			engines = append(engines, id)
		}
	}
	return engines
}
