// Package config loads service configuration from config.yaml and the
// environment. Environment variables override file values, keys joined with
// underscores (e.g. DATABASE_HOST).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full service configuration.
type Config struct {
	Service struct {
		Name        string `mapstructure:"name"`
		Version     string `mapstructure:"version"`
		Environment string `mapstructure:"environment"`
	} `mapstructure:"service"`

	Server struct {
		Port            int           `mapstructure:"port"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`

	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
		MinConns int32  `mapstructure:"min_conns"`
	} `mapstructure:"database"`

	NATS struct {
		URL     string `mapstructure:"url"`
		Enabled bool   `mapstructure:"enabled"`
	} `mapstructure:"nats"`

	Identity struct {
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"identity"`

	RecordStore struct {
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"recordstore"`

	Sweep struct {
		Enabled  bool          `mapstructure:"enabled"`
		ClaimTTL time.Duration `mapstructure:"claim_ttl"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"sweep"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

// Load reads config.yaml (working dir or ./config) and applies env overrides.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Missing file is fine, defaults + env carry the config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("service.name", "be-workflow")
	viper.SetDefault("service.version", "dev")
	viper.SetDefault("service.environment", "development")

	viper.SetDefault("server.port", 8090)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("server.idle_timeout", 60*time.Second)
	viper.SetDefault("server.shutdown_timeout", 30*time.Second)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "workflow")
	viper.SetDefault("database.name", "workflow")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_conns", 10)
	viper.SetDefault("database.min_conns", 2)

	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("nats.enabled", false)

	viper.SetDefault("identity.base_url", "http://localhost:8081")
	viper.SetDefault("recordstore.base_url", "http://localhost:8082")

	viper.SetDefault("sweep.enabled", false)
	viper.SetDefault("sweep.claim_ttl", 72*time.Hour)
	viper.SetDefault("sweep.interval", 15*time.Minute)

	viper.SetDefault("log.level", "info")
}
