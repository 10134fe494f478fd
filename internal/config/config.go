// Package config loads tracereplay settings from defaults, an optional YAML
// file and TRACEREPLAY_ environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/roach88/tracereplay/internal/model"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: TRACEREPLAY_RECORDING__PII_SCRUBBING.
const EnvPrefix = "TRACEREPLAY_"

// DefaultFile is read when no explicit path is given, if it exists.
const DefaultFile = "tracereplay.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Recording RecordingConfig `koanf:"recording"`
	Cache     CacheConfig     `koanf:"cache"`
	Replay    ReplayConfig    `koanf:"replay"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Port           int             `koanf:"port"`
	RequestTimeout time.Duration   `koanf:"request_timeout"`
	RateLimit      RateLimitConfig `koanf:"rate_limit"`
	CORSOrigins    []string        `koanf:"cors_origins"`
}

// RateLimitConfig is a per-client token bucket. RPS <= 0 disables it.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

type StorageConfig struct {
	Driver   string         `koanf:"driver"` // sqlite, postgres
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Postgres PostgresConfig `koanf:"postgres"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// RecordingConfig holds the capture switches applied to new recordings.
type RecordingConfig struct {
	Enabled               bool `koanf:"enabled"`
	PIIScrubbing          bool `koanf:"pii_scrubbing"`
	HashValidation        bool `koanf:"hash_validation"`
	CaptureExternalAPIs   bool `koanf:"capture_external_apis"`
	MaxEventsPerRecording int  `koanf:"max_events_per_recording"`
}

type CacheConfig struct {
	Backend string        `koanf:"backend"` // memory, redis
	MaxSize int           `koanf:"max_size"`
	TTL     time.Duration `koanf:"ttl"`
	Redis   RedisConfig   `koanf:"redis"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Prefix   string `koanf:"prefix"`
}

type ReplayConfig struct {
	Timeout    time.Duration `koanf:"timeout"`
	MaxRetries int           `koanf:"max_retries"`
	MinRate    float64       `koanf:"min_rate"`
}

type ArchiveConfig struct {
	S3 S3Config `koanf:"s3"`
}

// S3Config enables bundle export when Bucket is set.
type S3Config struct {
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text, json
}

// defaults are applied to every key the file and environment leave unset.
var defaults = map[string]any{
	"server.port":                        8080,
	"server.request_timeout":             "60s",
	"server.rate_limit.rps":              20.0,
	"server.rate_limit.burst":            40,
	"server.cors_origins":                []string{"*"},
	"storage.driver":                     "sqlite",
	"storage.sqlite.path":                "tracereplay.db",
	"recording.enabled":                  true,
	"recording.pii_scrubbing":            true,
	"recording.hash_validation":          true,
	"recording.capture_external_apis":    true,
	"recording.max_events_per_recording": 1000,
	"cache.backend":                      "memory",
	"cache.max_size":                     10000,
	"cache.ttl":                          "24h",
	"cache.redis.addr":                   "localhost:6379",
	"cache.redis.prefix":                 "tracereplay:cache:",
	"replay.timeout":                     "30s",
	"replay.max_retries":                 0,
	"replay.min_rate":                    0.95,
	"telemetry.enabled":                  false,
	"telemetry.service_name":             "tracereplay",
	"log.level":                          "info",
	"log.format":                         "text",
}

// Load reads configuration. An empty path reads DefaultFile when present;
// an explicit path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, v := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, v); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return model.Validationf("storage.sqlite.path is required")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return model.Validationf("storage.postgres.dsn is required for the postgres driver")
		}
	default:
		return model.Validationf("unknown storage.driver %q (want sqlite or postgres)", c.Storage.Driver)
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return model.Validationf("unknown cache.backend %q (want memory or redis)", c.Cache.Backend)
	}
	if c.Cache.MaxSize <= 0 {
		return model.Validationf("cache.max_size must be positive")
	}
	if c.Cache.TTL <= 0 {
		return model.Validationf("cache.ttl must be positive")
	}
	if c.Recording.MaxEventsPerRecording < 0 {
		return model.Validationf("recording.max_events_per_recording must not be negative")
	}
	if c.Replay.MinRate < 0 || c.Replay.MinRate > 1 {
		return model.Validationf("replay.min_rate must be between 0 and 1")
	}
	if c.Replay.MaxRetries < 0 {
		return model.Validationf("replay.max_retries must not be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return model.Validationf("unknown log.format %q (want text or json)", c.Log.Format)
	}
	return nil
}

// CaptureConfig is the snapshot stored on new recordings.
func (c *Config) CaptureConfig() model.CaptureConfig {
	return model.CaptureConfig{
		PIIScrubbing:          c.Recording.PIIScrubbing,
		HashValidation:        c.Recording.HashValidation,
		CaptureExternalAPIs:   c.Recording.CaptureExternalAPIs,
		MaxEventsPerRecording: c.Recording.MaxEventsPerRecording,
	}
}

// ReplayDefaults is the replay configuration used when a request omits one.
func (c *Config) ReplayDefaults() model.ReplayConfig {
	cfg := model.DefaultReplayConfig()
	cfg.ValidateHashes = c.Recording.HashValidation
	cfg.TimeoutMs = c.Replay.Timeout.Milliseconds()
	cfg.MaxRetries = c.Replay.MaxRetries
	cfg.LogLevel = c.Log.Level
	return cfg
}
