// Package config loads service configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, an
// optional YAML file, then FAMILYBOOK_* environment variables
// (FAMILYBOOK_POSTGRES_DSN sets postgres_dsn).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "FAMILYBOOK_"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config holds all service configuration.
type Config struct {
	Port string `koanf:"port"`
	// PublicURL is the origin of the web frontend, which serves the
	// /posts/{token} page and calls /api/posts/{token} on this server.
	PublicURL string `koanf:"public_url"`

	StoreDriver string `koanf:"store_driver"`
	PostgresDSN string `koanf:"postgres_dsn"`
	MongoURI    string `koanf:"mongo_uri"`
	MongoDB     string `koanf:"mongo_db"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	MinioEndpoint  string `koanf:"minio_endpoint"`
	MinioAccessKey string `koanf:"minio_access_key"`
	MinioSecretKey string `koanf:"minio_secret_key"`
	MinioBucket    string `koanf:"minio_bucket"`
	MinioUseSSL    bool   `koanf:"minio_use_ssl"`

	SessionTTL    time.Duration `koanf:"session_ttl"`
	SessionSecure bool          `koanf:"session_secure"`

	AdminEmail        string `koanf:"admin_email"`
	AdminPasswordHash string `koanf:"admin_password_hash"`

	GoogleClientID     string `koanf:"google_client_id"`
	GoogleClientSecret string `koanf:"google_client_secret"`
	GoogleRedirectURL  string `koanf:"google_redirect_url"`
	PhotosRedirectURL  string `koanf:"photos_redirect_url"`

	Timezone       string        `koanf:"timezone"`
	LogLevel       string        `koanf:"log_level"`
	LogFormat      string        `koanf:"log_format"`
	AllowedOrigins string        `koanf:"allowed_origins"`
	RateLimit      float64       `koanf:"rate_limit"`
	RateBurst      int           `koanf:"rate_burst"`
	MediaGrace     time.Duration `koanf:"media_grace"`
}

func defaults() map[string]any {
	return map[string]any{
		"port":            "8080",
		"public_url":      "http://localhost:5173",
		"store_driver":    DriverPostgres,
		"mongo_db":        "familybook",
		"redis_addr":      "redis:6379",
		"minio_endpoint":  "minio:9000",
		"minio_bucket":    "familybook-media",
		"session_ttl":     "24h",
		"timezone":        "America/Los_Angeles",
		"log_level":       "info",
		"log_format":      "json",
		"allowed_origins": "http://localhost:5173,http://localhost:3000",
		"rate_limit":      1.0,
		"rate_burst":      10,
		"media_grace":     "24h",
	}
}

// mapProvider feeds a plain map into koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) { return m, nil }

// Load reads configuration from defaults, the YAML file at path (if not
// empty) and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(mapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load file %s: %w", path, err)
		}
	}
	envKey := func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: postgres_dsn is required for the postgres store")
		}
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("config: mongo_uri is required for the mongo store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown store_driver %q", c.StoreDriver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("config: rate_limit and rate_burst must be positive")
	}
	return nil
}

// Location returns the time zone used to group posts by month.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Origins splits AllowedOrigins into a list for the CORS middleware.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// GoogleLoginEnabled reports whether admin sign-in with Google is configured.
func (c *Config) GoogleLoginEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// PhotosEnabled reports whether Google Photos import is configured.
func (c *Config) PhotosEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.PhotosRedirectURL != ""
}
