// Package storage defines the object-store capability that remote and backup
// bindings implement. The race resolver and the replication workers depend
// only on ObjectStore; concrete backends are chosen per tenant at startup.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound means the store answered and the object is absent.
	ErrNotFound = errors.New("object not found")
	// ErrUnsupported is returned by backends that cannot mint signed URLs.
	ErrUnsupported = errors.New("operation not supported by backend")
)

// ObjectStore is get/put/delete by key plus a time-limited download URL.
type ObjectStore interface {
	// Get opens the object at key. It returns ErrNotFound when absent.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Put streams r to key. size is -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// SignedURL returns a URL that serves key until ttl elapses.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Config selects and parameterises a backend. It is the "remote" and
// "backup" block of a tenant definition.
type Config struct {
	Kind      string `json:"kind" yaml:"kind"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Region    string `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	Bucket    string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	UseSSL    bool   `json:"use_ssl,omitempty" yaml:"use_ssl,omitempty"`
	Username  string `json:"username,omitempty" yaml:"username,omitempty"`
	Password  string `json:"password,omitempty" yaml:"password,omitempty"`
}

// Open builds the backend described by cfg.
func Open(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Kind {
	case "s3", "minio", "":
		return NewS3(ctx, cfg)
	case "webdav":
		return NewWebDAV(cfg), nil
	case "memory":
		return NewMemory(), nil
	}
	return nil, errors.Errorf("unknown storage kind %q", cfg.Kind)
}
