// Package outbox records uploads that have not reached the remote store yet.
//
// A marker is written before replication is enqueued and cleared once the
// remote copy exists. Markers survive restarts, so pending uploads are
// re-enqueued at startup and their cache entries are never reaped.
package outbox

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/cache"
)

// Entry is one pending upload.
type Entry struct {
	Tenant string
	Path   string
}

// Name is the cache name of the entry's original blob.
func (e Entry) Name() string {
	return cache.NewKey(e.Tenant, e.Path).String()
}

// Backend persists markers.
type Backend interface {
	Mark(ctx context.Context, e Entry) error
	Delete(ctx context.Context, e Entry) error
	Pending(ctx context.Context) ([]Entry, error)
}

// Outbox fronts a Backend with an in-memory set so the cache reaper can ask
// about pins without touching disk or the database.
type Outbox struct {
	backend Backend

	mu      sync.RWMutex
	pending map[string]struct{}
}

// New returns an Outbox over backend. Call Load before serving.
func New(backend Backend) *Outbox {
	return &Outbox{backend: backend, pending: make(map[string]struct{})}
}

// Load reads every persisted marker and returns them for re-enqueueing.
func (o *Outbox) Load(ctx context.Context) ([]Entry, error) {
	entries, err := o.backend.Pending(ctx)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	for _, e := range entries {
		o.pending[e.Name()] = struct{}{}
	}
	o.mu.Unlock()
	if len(entries) > 0 {
		log.Infof("outbox: %d uploads pending replication", len(entries))
	}
	return entries, nil
}

// Mark records that tenant/relpath awaits replication.
func (o *Outbox) Mark(ctx context.Context, tenant, relpath string) error {
	e := Entry{Tenant: tenant, Path: relpath}
	o.mu.Lock()
	o.pending[e.Name()] = struct{}{}
	o.mu.Unlock()
	return o.backend.Mark(ctx, e)
}

// Clear drops the marker for tenant/relpath. Clearing an absent marker is
// not an error.
func (o *Outbox) Clear(ctx context.Context, tenant, relpath string) error {
	e := Entry{Tenant: tenant, Path: relpath}
	if err := o.backend.Delete(ctx, e); err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.pending, e.Name())
	o.mu.Unlock()
	return nil
}

// Pinned reports whether the cache entry called name awaits replication.
func (o *Outbox) Pinned(name string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.pending[name]
	return ok
}

// Len returns the number of pending uploads.
func (o *Outbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.pending)
}
