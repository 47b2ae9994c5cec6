// Package storage holds archived task snapshots, on the local filesystem or
// in an S3 bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a requested path does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidPath is returned for paths that escape the storage root.
var ErrInvalidPath = errors.New("invalid storage path")

// Storage is a flat key/value object store addressed by slash-separated paths.
type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend  string `toml:"backend"` // local | s3
	Dir      string `toml:"dir"`     // local root
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"` // S3-compatible endpoint, e.g. MinIO
}

// New opens the backend named by cfg.Backend.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("storage: local backend needs a dir")
		}
		return NewLocal(cfg.Dir)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("storage: s3 backend needs a bucket")
		}
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}

// cleanPath normalizes p to a relative slash path and rejects traversal.
func cleanPath(p string) (string, error) {
	p = strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/")
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("%q: %w", p, ErrInvalidPath)
		}
	}
	return p, nil
}
