package storage

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/studio-b12/gowebdav"
)

// WebDAV implements ObjectStore on a WebDAV collection. It cannot sign URLs,
// so downloads naming a WebDAV backend are proxied instead of redirected.
type WebDAV struct {
	client *gowebdav.Client
}

// NewWebDAV returns a store rooted at cfg.Endpoint.
func NewWebDAV(cfg Config) *WebDAV {
	c := gowebdav.NewClient(cfg.Endpoint, cfg.Username, cfg.Password)
	c.SetTimeout(5 * time.Minute)
	return &WebDAV{client: c}
}

// Get opens key. gowebdav has no context support, so an abandoned lookup
// finishes in the background and the race discards its result.
func (w *WebDAV) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rc, err := w.client.ReadStream(key)
	if gowebdav.IsErrNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "webdav get %q", key)
	}
	return rc, nil
}

// Put writes key, creating parent collections as needed.
func (w *WebDAV) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.client.WriteStream(key, r, 0o644); err != nil {
		return errors.Wrapf(err, "webdav put %q", key)
	}
	return nil
}

func (w *WebDAV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := w.client.Remove(key)
	if err != nil && !gowebdav.IsErrNotFound(err) {
		return errors.Wrapf(err, "webdav delete %q", key)
	}
	return nil
}

func (w *WebDAV) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", ErrUnsupported
}
