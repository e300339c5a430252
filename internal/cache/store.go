// Package cache is the local disk cache every upload lands in and every
// download is served from.
//
// Blobs are stored at {root}/{tenant}/{relpath}; renditions of a blob live in
// {root}/{tenant}/{relpath}.variants/. An in-memory LRU index accounts the
// size of every file on disk and is rebuilt from the directory tree on start.
// When a capacity is configured, a reaper evicts least-recently-used entries
// until the accounted bytes fit again. Without a capacity the cache is the
// durable copy and nothing is ever reaped.
//
// Every mutation of one key runs inside that key's flight critical section,
// which is also what keeps the reaper away from entries being populated.
package cache

import (
	"context"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/flight"
	"github.com/stowaway/service/internal/metrics"
)

// ErrNotFound is returned when a key has no entry and none could be populated.
var ErrNotFound = errors.New("cache entry not found")

const tmpSuffix = ".tmp"

// PopulateFunc produces the content of a missing entry. Returning a nil
// reader (or an empty one) means "absent"; the miss is then not cached.
type PopulateFunc func(ctx context.Context) (io.ReadCloser, error)

type entry struct {
	size     int64
	accessed time.Time
}

// Store is a size-accounted disk cache.
type Store struct {
	root     string
	capacity int64
	interval time.Duration
	flight   *flight.Coordinator
	pinned   func(name string) bool

	mu    sync.Mutex
	index *simplelru.LRU[string, *entry]
	used  int64
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity bounds the cache to n bytes. Zero or less means unbounded.
func WithCapacity(n int64) Option {
	return func(s *Store) { s.capacity = n }
}

// WithInterval sets how often the reaper checks the byte budget.
func WithInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// WithCoordinator shares a flight coordinator with other components.
func WithCoordinator(c *flight.Coordinator) Option {
	return func(s *Store) { s.flight = c }
}

// WithPinned registers a predicate for entries the reaper must keep, such as
// uploads that have not reached the remote store yet.
func WithPinned(fn func(name string) bool) Option {
	return func(s *Store) { s.pinned = fn }
}

// New opens (creating if needed) a cache rooted at root and indexes the
// files already present, oldest modification first.
func New(root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, errors.Wrapf(err, "create cache root %q", root)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve cache root")
	}
	index, err := simplelru.NewLRU[string, *entry](math.MaxInt, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create lru index")
	}

	s := &Store{
		root:     absRoot,
		interval: time.Minute,
		index:    index,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.flight == nil {
		s.flight = flight.New()
	}
	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the absolute cache directory.
func (s *Store) Root() string { return s.root }

// Capacity returns the byte budget, 0 when unbounded.
func (s *Store) Capacity() int64 {
	if s.capacity < 0 {
		return 0
	}
	return s.capacity
}

// Used returns the accounted bytes.
func (s *Store) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Len returns the number of indexed entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Len()
}

// Coordinator exposes the per-key lock shared by all cache mutations.
func (s *Store) Coordinator() *flight.Coordinator { return s.flight }

// Path returns the file backing key without checking that it exists.
func (s *Store) Path(key Key) (string, error) {
	_, dest, err := s.resolve(key)
	return dest, err
}

// Write stores r under key, replacing any existing entry.
func (s *Store) Write(key Key, r io.Reader) (int64, error) {
	name, dest, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.flight.Synchronize(name, func() error {
		var werr error
		n, werr = s.write(name, dest, r)
		return werr
	})
	if err != nil {
		log.WithFields(log.Fields{"key": name}).Errorf("cache: write failed: %v", err)
		return 0, err
	}
	return n, nil
}

// Read opens the entry for key and marks it most recently used.
func (s *Store) Read(key Key) (*os.File, error) {
	name, dest, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	return s.open(name, dest)
}

// Fetch returns the entry for key, populating it on a miss. Among concurrent
// callers for one key only the first runs populate; the others wait for it
// and are then served from disk. A populate that yields nothing leaves the
// key uncached so later calls try again.
func (s *Store) Fetch(ctx context.Context, key Key, populate PopulateFunc) (*os.File, error) {
	name, dest, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	if f, err := s.open(name, dest); err == nil {
		metrics.CacheHits.Inc()
		return f, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var f *os.File
	err = s.flight.Synchronize(name, func() error {
		if hit, err := s.open(name, dest); err == nil {
			metrics.CacheHits.Inc()
			f = hit
			return nil
		}
		metrics.CacheMisses.Inc()
		if populate == nil {
			return ErrNotFound
		}
		rc, err := populate(ctx)
		if err != nil {
			return err
		}
		if rc == nil {
			return ErrNotFound
		}
		defer rc.Close()

		n, err := s.write(name, dest, rc)
		if err != nil {
			return err
		}
		if n == 0 {
			s.remove(name, dest)
			return ErrNotFound
		}
		f, err = s.open(name, dest)
		return err
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Size returns the current size of the entry for key.
func (s *Store) Size(key Key) (int64, error) {
	_, dest, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(dest)
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "stat cache entry")
	}
	return info.Size(), nil
}

// Touch creates a zero-length entry for key unless one already exists.
func (s *Store) Touch(key Key) error {
	name, dest, err := s.resolve(key)
	if err != nil {
		return err
	}
	return s.flight.Synchronize(name, func() error {
		if _, err := os.Stat(dest); err == nil {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return errors.Wrapf(err, "mkdir %q", filepath.Dir(dest))
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return errors.Wrap(err, "create cache entry")
		}
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "close cache entry")
		}
		s.account(name, 0)
		return nil
	})
}

// WriteAt writes r into the entry for key starting at offset, creating the
// entry if needed, and returns the resulting entry size.
func (s *Store) WriteAt(key Key, offset int64, r io.Reader) (int64, error) {
	return s.WriteAtFunc(key, r, func(int64) (int64, error) { return offset, nil })
}

// WriteAtFunc is WriteAt with the offset chosen by at, which is called
// under the entry's lock with the current size (zero when missing). If at
// fails nothing is written and the current size is returned with its error.
func (s *Store) WriteAtFunc(key Key, r io.Reader, at func(size int64) (int64, error)) (int64, error) {
	name, dest, err := s.resolve(key)
	if err != nil {
		return 0, err
	}
	var size int64
	err = s.flight.Synchronize(name, func() error {
		if info, err := os.Stat(dest); err == nil {
			size = info.Size()
		} else if !os.IsNotExist(err) {
			return errors.Wrap(err, "stat cache entry")
		}
		offset, err := at(size)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
			return errors.Wrapf(err, "mkdir %q", filepath.Dir(dest))
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o640)
		if err != nil {
			return errors.Wrap(err, "open cache entry")
		}
		defer f.Close()

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return errors.Wrap(err, "seek")
		}
		if _, err := io.Copy(f, r); err != nil {
			return errors.Wrap(err, "append")
		}
		if err := f.Sync(); err != nil {
			return errors.Wrap(err, "sync")
		}
		info, err := f.Stat()
		if err != nil {
			return errors.Wrap(err, "stat")
		}
		size = info.Size()
		s.account(name, size)
		return nil
	})
	return size, err
}

// Delete removes the entry for key and reports whether it existed.
func (s *Store) Delete(key Key) (bool, error) {
	name, dest, err := s.resolve(key)
	if err != nil {
		return false, err
	}
	var existed bool
	err = s.flight.Synchronize(name, func() error {
		existed = s.remove(name, dest)
		return nil
	})
	return existed, err
}

// DeleteVariants removes every rendition derived from key's original and
// returns how many indexed entries were dropped.
func (s *Store) DeleteVariants(key Key) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	dir := key.variantDir()
	absDir, err := s.abs(dir)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	var names []string
	for _, name := range s.index.Keys() {
		if strings.HasPrefix(name, dir+"/") {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	for _, name := range names {
		dest := filepath.Join(s.root, filepath.FromSlash(name))
		_ = s.flight.Synchronize(name, func() error {
			s.remove(name, dest)
			return nil
		})
	}
	if err := os.RemoveAll(absDir); err != nil {
		return len(names), errors.Wrap(err, "remove variants")
	}
	return len(names), nil
}

// resolve validates key and returns its cache name and file.
func (s *Store) resolve(key Key) (string, string, error) {
	if err := key.Validate(); err != nil {
		return "", "", err
	}
	name := key.String()
	dest, err := s.abs(name)
	return name, dest, err
}

// abs resolves a cache name to a file under root, rejecting names that
// would escape it.
func (s *Store) abs(name string) (string, error) {
	joined := filepath.Join(s.root, filepath.Clean(filepath.FromSlash(name)))
	rel, err := filepath.Rel(s.root, joined)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("cache key %q escapes cache root", name)
	}
	return joined, nil
}

// write streams r to dest through a temp file and an atomic rename.
// Callers hold the flight lock for name.
func (s *Store) write(name, dest string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return 0, errors.Wrapf(err, "mkdir %q", filepath.Dir(dest))
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*"+tmpSuffix)
	if err != nil {
		return 0, errors.Wrap(err, "create temp file")
	}
	tmpPath := tmp.Name()

	n, werr := io.Copy(tmp, r)
	cerr := tmp.Close()
	if werr != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return 0, errors.Wrap(werr, "stream write")
	}
	if cerr != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return 0, errors.Wrap(cerr, "flush")
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath) //nolint:errcheck
		return 0, errors.Wrapf(err, "rename to %q", dest)
	}
	s.account(name, n)
	return n, nil
}

func (s *Store) open(name, dest string) (*os.File, error) {
	f, err := os.Open(dest)
	if os.IsNotExist(err) {
		s.forget(name)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "open cache entry")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat cache entry")
	}
	if info.IsDir() {
		f.Close()
		return nil, ErrNotFound
	}

	s.mu.Lock()
	if e, ok := s.index.Get(name); ok {
		e.accessed = time.Now()
		s.mu.Unlock()
	} else {
		s.mu.Unlock()
		s.account(name, info.Size())
	}
	return f, nil
}

// account records name with size as the most recently used entry.
func (s *Store) account(name string, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.index.Peek(name); ok {
		s.used -= old.size
	}
	s.index.Add(name, &entry{size: size, accessed: time.Now()})
	s.used += size
	metrics.CacheBytes.Set(float64(s.used))
}

func (s *Store) forget(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.index.Peek(name); ok {
		s.used -= old.size
		s.index.Remove(name)
		metrics.CacheBytes.Set(float64(s.used))
	}
}

// remove deletes dest and its index entry. Callers hold the flight lock.
func (s *Store) remove(name, dest string) bool {
	err := os.Remove(dest)
	if err != nil && !os.IsNotExist(err) {
		log.WithFields(log.Fields{"key": name}).Warnf("cache: remove failed: %v", err)
	}
	s.forget(name)
	return err == nil
}

func (s *Store) rebuild() error {
	type found struct {
		name  string
		size  int64
		mtime time.Time
	}
	var files []found
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), tmpSuffix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return nil
		}
		files = append(files, found{name: filepath.ToSlash(rel), size: info.Size(), mtime: info.ModTime()})
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "index cache root")
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	for _, f := range files {
		s.account(f.name, f.size)
	}
	if len(files) > 0 {
		log.Infof("cache: indexed %d existing entries (%d bytes)", len(files), s.Used())
	}
	return nil
}
