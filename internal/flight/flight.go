// Package flight serialises work per key.
//
// A Coordinator hands out one mutex per active key. Callers for the same key
// queue behind the holder; callers for different keys never contend. Entries
// are reference counted and dropped as soon as nobody holds or waits on them,
// so the lock table only ever contains keys with work in flight.
package flight

import "sync"

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Coordinator guarantees at most one critical section per key at a time.
type Coordinator struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// New returns an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{locks: make(map[string]*keyLock)}
}

// Synchronize runs fn while holding the lock for key. Concurrent callers with
// the same key block until the running fn returns and then run their own fn,
// which is expected to re-check shared state before doing expensive work.
func (c *Coordinator) Synchronize(key string, fn func() error) error {
	unlock := c.Lock(key)
	defer unlock()
	return fn()
}

// Lock blocks until key is free and returns the matching unlock function.
func (c *Coordinator) Lock(key string) (unlock func()) {
	l := c.acquire(key)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.release(key, l)
	}
}

// TryLock takes the lock for key only if nobody holds or waits on it.
func (c *Coordinator) TryLock(key string) (unlock func(), ok bool) {
	c.mu.Lock()
	if _, busy := c.locks[key]; busy {
		c.mu.Unlock()
		return nil, false
	}
	l := &keyLock{refs: 1}
	l.mu.Lock()
	c.locks[key] = l
	c.mu.Unlock()

	return func() {
		l.mu.Unlock()
		c.release(key, l)
	}, true
}

// Busy reports whether key currently has a holder or waiter.
func (c *Coordinator) Busy(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.locks[key]
	return busy
}

// Len returns the number of keys with work in flight.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}

func (c *Coordinator) acquire(key string) *keyLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &keyLock{}
		c.locks[key] = l
	}
	l.refs++
	return l
}

func (c *Coordinator) release(key string, l *keyLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(c.locks, key)
	}
}
