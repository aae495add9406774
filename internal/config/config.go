// Package config loads the server configuration from a JSON file with
// environment substitution, then applies TEMPUS_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// EnvPrefix namespaces the override variables, e.g. TEMPUS_PORT.
const EnvPrefix = "TEMPUS_"

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Index     IndexConfig     `json:"index"`
	Redis     RedisConfig     `json:"redis"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type ServerConfig struct {
	Port     int    `json:"port" env:"PORT" validate:"min=1,max=65535"`
	LogLevel string `json:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
}

type StorageConfig struct {
	Backend  string         `json:"backend" env:"STORAGE_BACKEND" validate:"oneof=postgres sqlite memory"`
	Postgres PostgresConfig `json:"postgres"`
	SQLite   SQLiteConfig   `json:"sqlite"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" env:"POSTGRES_DSN"`
}

type SQLiteConfig struct {
	Path string `json:"path" env:"SQLITE_PATH"`
}

// IndexConfig toggles the current-state index. Disabled, every
// current-state read scans the log.
type IndexConfig struct {
	Enabled bool `json:"enabled" env:"INDEX_ENABLED"`
}

type RedisConfig struct {
	URL         string `json:"url" env:"REDIS_URL"`
	FeedEnabled bool   `json:"feed_enabled" env:"FEED_ENABLED"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `json:"service_name" env:"SERVICE_NAME"`
}

// Default returns the configuration used for any field the file and the
// environment leave unset.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Port: 3210, LogLevel: "info"},
		Storage:   StorageConfig{Backend: "memory", SQLite: SQLiteConfig{Path: "tempus.db"}},
		Index:     IndexConfig{Enabled: true},
		Telemetry: TelemetryConfig{ServiceName: "tempus"},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal([]byte(expand(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// expand substitutes ${VAR} and ${VAR:default} with environment values.
func expand(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}
