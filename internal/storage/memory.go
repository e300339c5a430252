package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Memory is an in-process ObjectStore for development and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	fail    error
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "read object body")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = b
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *Memory) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := m.check(ctx); err != nil {
		return "", err
	}
	return "memory://" + key + "?ttl=" + ttl.String(), nil
}

// SetFail makes every subsequent call return err until cleared with nil.
func (m *Memory) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// Has reports whether key is stored.
func (m *Memory) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok
}

// Bytes returns a copy of the object at key.
func (m *Memory) Bytes(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[key]
	return bytes.Clone(b), ok
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fail
}
