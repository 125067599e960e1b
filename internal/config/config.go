// Package config loads ciomsdb settings from defaults, an optional YAML file and
// CIOMSDB_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CIOMSDB_STORAGE_DRIVER.
const EnvPrefix = "CIOMSDB"

type Config struct {
	Storage StorageConfig `mapstructure:"storage"`
	Blob    BlobConfig    `mapstructure:"blob"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
	Search  SearchConfig  `mapstructure:"search"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Trace   TraceConfig   `mapstructure:"trace"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type BlobConfig struct {
	Driver string   `mapstructure:"driver"`
	FSRoot string   `mapstructure:"fs_root"`
	S3     S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type LogConfig struct {
	Level       string      `mapstructure:"level"`
	Format      string      `mapstructure:"format"`
	Development bool        `mapstructure:"development"`
	File        LogFileConf `mapstructure:"file"`
}

// LogFileConf enables a rotating log file when Path is set.
type LogFileConf struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type SearchConfig struct {
	ScanCap int `mapstructure:"scan_cap"`
}

type AuditConfig struct {
	RetentionDays int           `mapstructure:"retention_days"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// MetricsConfig selects the metrics exporter: prometheus, expvar or none.
type MetricsConfig struct {
	Exporter string `mapstructure:"exporter"`
}

// TraceConfig selects the tracer: otel, json or none.
type TraceConfig struct {
	Exporter     string  `mapstructure:"exporter"`
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

var defaults = map[string]any{
	"storage.driver":              "sqlite",
	"storage.sqlite_path":         "./ciomsdb.db",
	"storage.postgres_dsn":        "",
	"blob.driver":                 "fs",
	"blob.fs_root":                "./exports",
	"blob.s3.bucket":              "",
	"blob.s3.region":              "us-east-1",
	"blob.s3.endpoint":            "",
	"blob.s3.path_style":          false,
	"blob.s3.access_key_id":       "",
	"blob.s3.secret_access_key":   "",
	"http.addr":                   ":8080",
	"http.read_timeout":           "15s",
	"http.write_timeout":          "30s",
	"http.shutdown_timeout":       "10s",
	"http.max_body_bytes":         32 << 20,
	"log.level":                   "info",
	"log.format":                  "json",
	"log.development":             false,
	"log.file.path":               "",
	"log.file.max_size_mb":        100,
	"log.file.max_backups":        5,
	"log.file.max_age_days":       30,
	"log.file.compress":           true,
	"search.scan_cap":             1000,
	"audit.retention_days":        365,
	"audit.breaker.max_failures":  5,
	"audit.breaker.timeout":       "30s",
	"metrics.exporter":            "prometheus",
	"trace.exporter":              "otel",
	"trace.service_name":          "ciomsdb",
	"trace.otlp_endpoint":         "",
	"trace.sample_rate":           1.0,
}

// New returns a viper instance carrying the defaults and the environment binding.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or ciomsdb.yaml from the working directory or $HOME/.ciomsdb
// when path is empty. A missing default file is not an error; a missing explicit
// one is.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ciomsdb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.ciomsdb")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be memory, sqlite or postgres, got %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("blob.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.driver must be fs, s3 or memory, got %q", c.Blob.Driver))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	switch c.Metrics.Exporter {
	case "prometheus", "expvar", "none":
	default:
		errs = append(errs, fmt.Errorf("metrics.exporter must be prometheus, expvar or none, got %q", c.Metrics.Exporter))
	}
	switch c.Trace.Exporter {
	case "otel", "json", "none":
	default:
		errs = append(errs, fmt.Errorf("trace.exporter must be otel, json or none, got %q", c.Trace.Exporter))
	}
	if c.Trace.SampleRate < 0 || c.Trace.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("trace.sample_rate must be within [0, 1]"))
	}
	if c.Search.ScanCap <= 0 {
		errs = append(errs, fmt.Errorf("search.scan_cap must be positive"))
	}
	if c.Audit.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("audit.retention_days must be positive"))
	}
	return errors.Join(errs...)
}
