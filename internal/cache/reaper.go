package cache

import (
	"context"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/metrics"
)

// Run reaps on every interval tick until ctx is done. It returns immediately
// when the cache is unbounded.
func (s *Store) Run(ctx context.Context) error {
	if s.Capacity() == 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Reap(); n > 0 {
				log.WithFields(log.Fields{
					"evicted": n,
					"used":    s.Used(),
					"free":    FreeBytes(s.root),
				}).Info("cache: reaped")
			}
		}
	}
}

// Reap evicts least-recently-used entries until the accounted bytes fit the
// capacity. Pinned entries and entries currently locked by a reader, writer
// or populator are skipped. It returns the number of evicted entries.
func (s *Store) Reap() int {
	capacity := s.Capacity()
	if capacity == 0 {
		return 0
	}

	s.mu.Lock()
	over := s.used > capacity
	candidates := s.index.Keys()
	s.mu.Unlock()
	if !over {
		return 0
	}

	evicted := 0
	for _, name := range candidates {
		if s.Used() <= capacity {
			break
		}
		if s.pinned != nil && s.pinned(name) {
			continue
		}
		unlock, ok := s.flight.TryLock(name)
		if !ok {
			continue
		}
		if s.remove(name, filepath.Join(s.root, filepath.FromSlash(name))) {
			evicted++
			metrics.CacheEvictions.Inc()
		}
		unlock()
	}
	return evicted
}
