// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Mirror backend types.
const (
	MirrorNone  = "none"
	MirrorLocal = "local"
	MirrorS3    = "s3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr     string        `env:"METRICS_ADDR" envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Subscribers
	WSWriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	SubscriberBuffer int           `env:"SUBSCRIBER_BUFFER" envDefault:"64"`

	// Writes
	MaxContentSize int64 `env:"MAX_CONTENT_SIZE" envDefault:"10485760"` // 10MB

	Mirror MirrorConfig `envPrefix:"MIRROR_"`
}

// MirrorConfig selects where project files are materialized for the
// external preview compiler.
type MirrorConfig struct {
	Backend   string `env:"BACKEND" envDefault:"none"`
	LocalPath string `env:"LOCAL_PATH" envDefault:"/data/mirror"`
	Workers   int    `env:"WORKERS" envDefault:"2"`
	QueueSize int    `env:"QUEUE_SIZE" envDefault:"1024"`

	S3Endpoint  string `env:"S3_ENDPOINT" envDefault:"http://localhost:9000"`
	S3Bucket    string `env:"S3_BUCKET" envDefault:"previewfs"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be positive")
	}
	if c.MaxContentSize <= 0 {
		return fmt.Errorf("MAX_CONTENT_SIZE must be positive")
	}
	switch c.Mirror.Backend {
	case MirrorNone, MirrorLocal:
	case MirrorS3:
		if c.Mirror.S3AccessKey == "" || c.Mirror.S3SecretKey == "" {
			return fmt.Errorf("MIRROR_S3_ACCESS_KEY and MIRROR_S3_SECRET_KEY are required for the s3 mirror")
		}
	default:
		return fmt.Errorf("unknown MIRROR_BACKEND: %s", c.Mirror.Backend)
	}
	return nil
}
