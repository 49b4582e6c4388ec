// Package config handles loading and parsing of transfery configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for transfery.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// ShutdownTimeout is the grace period for in-flight requests, in seconds.
	ShutdownTimeout int `yaml:"shutdown_timeout"`
	// MaxPartSize caps the body of a single part upload, in bytes.
	MaxPartSize int64 `yaml:"max_part_size"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig toggles the metrics and health endpoints.
type ObservabilityConfig struct {
	Metrics     bool `yaml:"metrics"`
	HealthCheck bool `yaml:"health_check"`
}

// StorageConfig holds object storage backend settings.
type StorageConfig struct {
	// Backend is the storage backend type: "local", "s3" or "minio".
	Backend string       `yaml:"backend"`
	Local   LocalConfig  `yaml:"local"`
	Remote  RemoteConfig `yaml:"remote"`
}

// LocalConfig holds local filesystem storage backend settings.
type LocalConfig struct {
	// RootDir is the base directory for local object storage.
	RootDir string `yaml:"root_dir"`
	// UploadExpiry is how long an in-flight multipart upload may stay idle
	// before the reaper discards it.
	UploadExpiry Duration `yaml:"upload_expiry"`
	// ReapInterval is how often the reaper scans for expired uploads.
	ReapInterval Duration `yaml:"reap_interval"`
}

// RemoteConfig holds settings shared by the S3-compatible remote backends.
type RemoteConfig struct {
	// Endpoint is the service address. For "minio" it is host:port; for "s3"
	// it is a full URL and may be empty to use the AWS default.
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	// PathStyle forces path-style addressing (needed by most self-hosted
	// S3-compatible services).
	PathStyle bool `yaml:"path_style"`
	// PresignExpiry is the lifetime of presigned download URLs.
	PresignExpiry Duration `yaml:"presign_expiry"`
}

// Duration is a time.Duration that unmarshals from YAML strings such as
// "24h" or "5m".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Defaults used when the configuration leaves a value unset.
const (
	DefaultUploadExpiry  = 24 * time.Hour
	DefaultReapInterval  = 5 * time.Minute
	DefaultPresignExpiry = time.Hour
)

// Load reads a YAML configuration file from the given path and returns
// a parsed Config. It applies sensible defaults for unset values.
// If the primary path fails, it falls back to transfery.example.yaml
// in the same directory or parent directory.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "transfery.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "transfery.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backend has the settings it needs.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.RootDir == "" {
			return fmt.Errorf("storage.local.root_dir is required when backend is 'local'")
		}
	case "s3", "minio":
		if c.Storage.Remote.Bucket == "" {
			return fmt.Errorf("storage.remote.bucket is required when backend is %q", c.Storage.Backend)
		}
		if c.Storage.Backend == "minio" && c.Storage.Remote.Endpoint == "" {
			return fmt.Errorf("storage.remote.endpoint is required when backend is 'minio'")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	return nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30,
			MaxPartSize:     64 << 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Backend: "local",
			Local: LocalConfig{
				RootDir:      "./data/objects",
				UploadExpiry: Duration{DefaultUploadExpiry},
				ReapInterval: Duration{DefaultReapInterval},
			},
			Remote: RemoteConfig{
				Region:        "us-east-1",
				PresignExpiry: Duration{DefaultPresignExpiry},
			},
		},
		Observability: ObservabilityConfig{
			Metrics:     true,
			HealthCheck: true,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30
	}
	if cfg.Server.MaxPartSize == 0 {
		cfg.Server.MaxPartSize = 64 << 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = "./data/objects"
	}
	if cfg.Storage.Local.UploadExpiry.Duration <= 0 {
		cfg.Storage.Local.UploadExpiry.Duration = DefaultUploadExpiry
	}
	if cfg.Storage.Local.ReapInterval.Duration <= 0 {
		cfg.Storage.Local.ReapInterval.Duration = DefaultReapInterval
	}
	if cfg.Storage.Remote.Region == "" {
		cfg.Storage.Remote.Region = "us-east-1"
	}
	if cfg.Storage.Remote.PresignExpiry.Duration <= 0 {
		cfg.Storage.Remote.PresignExpiry.Duration = DefaultPresignExpiry
	}
}
