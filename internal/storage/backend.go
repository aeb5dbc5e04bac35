// Package storage defines the Backend interface the mirror writes project
// files through.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/fruitsalade/previewfs/internal/config"
	"github.com/fruitsalade/previewfs/internal/storage/local"
	s3backend "github.com/fruitsalade/previewfs/internal/storage/s3"
)

// Backend is the interface for object storage backends.
// Keys are slash separated: "<projectID>/<normalized path>".
type Backend interface {
	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing keys are not an error.
	DeleteObject(ctx context.Context, key string) error

	// DeletePrefix removes every object whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// NewBackend creates the Backend selected by cfg. It returns nil without an
// error when mirroring is disabled.
func NewBackend(ctx context.Context, cfg config.MirrorConfig) (Backend, error) {
	switch cfg.Backend {
	case config.MirrorNone, "":
		return nil, nil
	case config.MirrorLocal:
		return local.New(local.Config{RootPath: cfg.LocalPath, CreateDirs: true})
	case config.MirrorS3:
		return s3backend.NewBackend(ctx, s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend)
	}
}
