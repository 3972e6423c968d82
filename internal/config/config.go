// Package config defines service configuration and its loading from defaults,
// an optional YAML file and ATC_ environment variables.
package config

import (
	"errors"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":8000".
	Addr string `koanf:"addr"`

	// UploadsDir holds stored images and the per-animal fallback records.
	UploadsDir string `koanf:"uploads_dir"`

	// MaxUploadBytes caps the request body of POST /upload.
	MaxUploadBytes int64 `koanf:"max_upload_bytes"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	Database Database `koanf:"database"`
	Redis    Redis    `koanf:"redis"`
	Vision   Vision   `koanf:"vision"`
	Auth     Auth     `koanf:"auth"`
}

// Database configures the primary record store.
type Database struct {
	DSN string `koanf:"dsn"`

	// ConnectTimeout caps a single connection attempt regardless of the DSN.
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	// OpTimeout is applied to every primary-store call.
	OpTimeout time.Duration `koanf:"op_timeout"`

	MaxIdleConns int `koanf:"max_idle_conns"`
	MaxOpenConns int `koanf:"max_open_conns"`
}

// Redis configures the record cache.
type Redis struct {
	Enabled bool          `koanf:"enabled"`
	Addr    string        `koanf:"addr"`
	TTL     time.Duration `koanf:"ttl"`
}

// Vision configures the calibration and pose collaborators.
type Vision struct {
	Addr    string        `koanf:"addr"`
	Timeout time.Duration `koanf:"timeout"`

	// MarkerLengthCM is the physical side length of the calibration marker.
	MarkerLengthCM float64 `koanf:"marker_length_cm"`
}

// Auth configures bearer-token protection of the write endpoints.
type Auth struct {
	Enabled     bool   `koanf:"enabled"`
	JWTSecret   string `koanf:"jwt_secret"`
	JWTAudience string `koanf:"jwt_audience"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:        "info",
		Addr:            ":8000",
		UploadsDir:      "uploads",
		MaxUploadBytes:  20 << 20,
		ShutdownTimeout: 15 * time.Second,
		Database: Database{
			DSN:            "host=postgres user=postgres password=postgres dbname=animal_atc port=5432 sslmode=disable connect_timeout=2",
			ConnectTimeout: 2 * time.Second,
			OpTimeout:      2 * time.Second,
			MaxIdleConns:   5,
			MaxOpenConns:   10,
		},
		Redis: Redis{
			Enabled: true,
			Addr:    "redis:6379",
			TTL:     5 * time.Minute,
		},
		Vision: Vision{
			Addr:           "vision-service:50051",
			Timeout:        10 * time.Second,
			MarkerLengthCM: 10,
		},
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.UploadsDir == "" {
		errs = append(errs, errors.New("uploads_dir must not be empty"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max_upload_bytes must be positive"))
	}
	if c.Database.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("database.connect_timeout must be positive"))
	}
	if c.Database.OpTimeout <= 0 {
		errs = append(errs, errors.New("database.op_timeout must be positive"))
	}
	if c.Vision.MarkerLengthCM <= 0 {
		errs = append(errs, errors.New("vision.marker_length_cm must be positive"))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required when auth is enabled"))
	}
	return errors.Join(errs...)
}
