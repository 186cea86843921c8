// Package config loads service configuration from config.yaml and B24_
// environment variables using koanf.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read by Load.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes every environment override; "__" separates levels,
// e.g. B24_SERVER__PORT=9000.
const EnvPrefix = "B24_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Storage   StorageConfig   `koanf:"storage"`
	Tenants   TenantsConfig   `koanf:"tenants"`
	Bitrix    BitrixConfig    `koanf:"bitrix"`
}

type ServerConfig struct {
	Port           int             `koanf:"port"`
	WebhookPath    string          `koanf:"webhook_path"`
	RequestTimeout time.Duration   `koanf:"request_timeout"` // 0 disables the timeout
	RateLimit      RateLimitConfig `koanf:"rate_limit"`
}

// RateLimitConfig limits inbound webhook requests per remote address.
// A zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type LogConfig struct {
	Level string `koanf:"level"` // debug, info, warn, error
}

// SlogLevel maps Level to a slog level. Unknown values fall back to info.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type StorageConfig struct {
	Type     string         `koanf:"type"` // sqlite, postgres, memory
	Database DatabaseConfig `koanf:"database"`

	// TenantDSN is a DSN template for per-workflow lead databases. The
	// {workflow_id} placeholder is substituted. Empty keeps leads in the
	// main database.
	TenantDSN string `koanf:"tenant_dsn"`
}

// DatabaseConfig is the generic database configuration supporting multiple dialects.
type DatabaseConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres
	DSN    string `koanf:"dsn"`    // Data source name / connection string
}

// TenantsConfig selects where workflows come from. With Source "config" the
// Items below are authoritative and reloaded when the file changes.
type TenantsConfig struct {
	Source string         `koanf:"source"` // database, config
	Items  []TenantConfig `koanf:"items"`
}

type TenantConfig struct {
	ID            int64                `koanf:"id"`
	Name          string               `koanf:"name"`
	Domain        string               `koanf:"domain"` // derived from WebhookURL when empty
	AppToken      string               `koanf:"app_token"`
	WebhookURL    string               `koanf:"webhook_url"`
	OwnerID       int64                `koanf:"owner_id"`
	FieldMappings []FieldMappingConfig `koanf:"field_mappings"`
}

type FieldMappingConfig struct {
	EntityType    string `koanf:"entity_type"` // lead, deal
	RemoteFieldID string `koanf:"bitrix24_field_id"`
	FieldName     string `koanf:"field_name"`
	UpdateOnEvent bool   `koanf:"update_on_event"`
}

type BitrixConfig struct {
	Timeout   time.Duration `koanf:"timeout"` // 0 means no client timeout
	UserAgent string        `koanf:"user_agent"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads DefaultPath and the environment.
func Load() (*Config, error) {
	return LoadFile(DefaultPath)
}

// LoadFile reads path (a missing file is not an error) and applies B24_
// environment overrides and defaults.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Load environment variables (can override file config)
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	setDefaults(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Tenants.Items {
		item := &cfg.Tenants.Items[i]
		item.AppToken = substituteEnvVars(item.AppToken)
		item.WebhookURL = substituteEnvVars(item.WebhookURL)
	}
	cfg.Storage.Database.DSN = substituteEnvVars(cfg.Storage.Database.DSN)
	cfg.Storage.TenantDSN = substituteEnvVars(cfg.Storage.TenantDSN)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(k *koanf.Koanf) {
	defaults := map[string]any{
		"server.port":            8080,
		"server.webhook_path":    "/api/v1/webhook",
		"log.level":              "info",
		"telemetry.service_name": "b24-webhookd",
		"storage.type":           "sqlite",
		"tenants.source":         "database",
		"bitrix.timeout":         "30s",
		"bitrix.user_agent":      "b24-webhookd/1.0",
	}
	for key, v := range defaults {
		if !k.Exists(key) {
			k.Set(key, v)
		}
	}

	if !k.Exists("storage.database.driver") {
		switch k.String("storage.type") {
		case "postgres":
			k.Set("storage.database.driver", "postgres")
		default:
			k.Set("storage.database.driver", "sqlite")
		}
	}
	if !k.Exists("storage.database.dsn") && k.String("storage.type") == "sqlite" {
		k.Set("storage.database.dsn", "data/main.db")
	}
}

// Validate reports configuration errors that would otherwise surface at
// request time.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: %d out of range", c.Server.Port))
	}
	if !strings.HasPrefix(c.Server.WebhookPath, "/") {
		errs = append(errs, fmt.Errorf("server.webhook_path: %q must start with /", c.Server.WebhookPath))
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit: rps and burst must not be negative"))
	}

	switch c.Storage.Type {
	case "sqlite", "postgres":
		if c.Storage.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.database.dsn is required for storage.type %s", c.Storage.Type))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.type: unsupported %q", c.Storage.Type))
	}

	switch c.Tenants.Source {
	case "database":
	case "config":
		for i, item := range c.Tenants.Items {
			if item.Domain == "" && item.WebhookURL == "" {
				errs = append(errs, fmt.Errorf("tenants.items[%d]: domain or webhook_url is required", i))
			}
			for j, m := range item.FieldMappings {
				if m.RemoteFieldID == "" || m.FieldName == "" {
					errs = append(errs, fmt.Errorf("tenants.items[%d].field_mappings[%d]: bitrix24_field_id and field_name are required", i, j))
				}
			}
		}
	default:
		errs = append(errs, fmt.Errorf("tenants.source: unsupported %q", c.Tenants.Source))
	}

	return errors.Join(errs...)
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
