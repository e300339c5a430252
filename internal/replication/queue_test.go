package replication_test

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/replication"
	"github.com/stowaway/service/internal/storage"
	"github.com/stowaway/service/internal/vhost"
)

type marks struct {
	mu      sync.Mutex
	marked  []string
	cleared []string
}

func (m *marks) Mark(_ context.Context, tenant, relpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marked = append(m.marked, tenant+"/"+relpath)
	return nil
}

func (m *marks) reserved() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.marked...)
}

func (m *marks) Clear(_ context.Context, tenant, relpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, tenant+"/"+relpath)
	return nil
}

func (m *marks) list() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cleared...)
}

type fixture struct {
	store  *cache.Store
	remote *storage.Memory
	backup *storage.Memory
	vh     *vhost.VHost
	marks  *marks
	queue  *replication.Queue
}

func setup(t *testing.T, opts replication.Options) *fixture {
	t.Helper()
	store, err := cache.New(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		store:  store,
		remote: storage.NewMemory(),
		backup: storage.NewMemory(),
		marks:  &marks{},
	}
	f.vh = &vhost.VHost{Name: "example.com", RemoteDir: "up", Remote: f.remote, Backup: f.backup}
	if opts.Backoff == nil {
		opts.Backoff = replication.ConstantBackoff(10 * time.Millisecond)
	}
	f.queue = replication.New(store, f.marks, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.queue.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) task(op replication.Op, relpath, target string) replication.Task {
	return replication.Task{Op: op, Tenant: f.vh.Name, Path: relpath, VHost: f.vh, Target: target}
}

func TestCreateUploadsAndClearsMarker(t *testing.T) {
	f := setup(t, replication.Options{Workers: 2})
	_, err := f.store.Write(cache.NewKey("example.com", "a/b.txt"), strings.NewReader("hello"))
	require.NoError(t, err)

	f.queue.Enqueue(f.task(replication.Create, "a/b.txt", ""))

	require.Eventually(t, func() bool { return f.remote.Has("up/a/b.txt") }, time.Second, 5*time.Millisecond)
	b, _ := f.remote.Bytes("up/a/b.txt")
	assert.Equal(t, "hello", string(b))
	require.Eventually(t, func() bool { return len(f.marks.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"example.com/a/b.txt"}, f.marks.list())
}

func TestCreateWithVanishedSourceSucceeds(t *testing.T) {
	f := setup(t, replication.Options{})
	f.queue.Enqueue(f.task(replication.Create, "gone.txt", ""))

	require.Eventually(t, func() bool { return len(f.marks.list()) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, f.remote.Has("up/gone.txt"))
}

func TestFailuresAreRetriedUntilSuccess(t *testing.T) {
	f := setup(t, replication.Options{})
	_, err := f.store.Write(cache.NewKey("example.com", "r.txt"), strings.NewReader("retry me"))
	require.NoError(t, err)

	f.remote.SetFail(assert.AnError)
	f.queue.Enqueue(f.task(replication.Create, "r.txt", ""))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.remote.Has("up/r.txt"))

	f.remote.SetFail(nil)
	require.Eventually(t, func() bool { return f.remote.Has("up/r.txt") }, time.Second, 5*time.Millisecond)
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	f := setup(t, replication.Options{MaxAttempts: 2})
	_, err := f.store.Write(cache.NewKey("example.com", "d.txt"), strings.NewReader("x"))
	require.NoError(t, err)

	f.remote.SetFail(assert.AnError)
	f.queue.Enqueue(f.task(replication.Create, "d.txt", ""))
	time.Sleep(100 * time.Millisecond)

	f.remote.SetFail(nil)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, f.remote.Has("up/d.txt"), "task must not run again once dead-lettered")
	assert.Equal(t, 0, f.queue.Pending())
}

func TestDestroyEachTarget(t *testing.T) {
	f := setup(t, replication.Options{})
	ctx := context.Background()
	require.NoError(t, f.remote.Put(ctx, "up/x.txt", strings.NewReader("x"), 1))
	require.NoError(t, f.backup.Put(ctx, "up/x.txt", strings.NewReader("x"), 1))

	f.queue.Enqueue(f.task(replication.Destroy, "x.txt", vhost.RemoteName))
	require.Eventually(t, func() bool { return !f.remote.Has("up/x.txt") }, time.Second, 5*time.Millisecond)
	assert.True(t, f.backup.Has("up/x.txt"))

	f.queue.Enqueue(f.task(replication.Destroy, "x.txt", vhost.BackupName))
	require.Eventually(t, func() bool { return !f.backup.Has("up/x.txt") }, time.Second, 5*time.Millisecond)

	// destroying what is already gone is a success, not a retry loop
	f.queue.Enqueue(f.task(replication.Destroy, "x.txt", vhost.RemoteName))
}

func TestBackupCopiesRemote(t *testing.T) {
	f := setup(t, replication.Options{})
	require.NoError(t, f.remote.Put(context.Background(), "up/k.bin", strings.NewReader("payload"), -1))

	f.queue.Enqueue(f.task(replication.Backup, "k.bin", ""))
	require.Eventually(t, func() bool { return f.backup.Has("up/k.bin") }, time.Second, 5*time.Millisecond)
	b, _ := f.backup.Bytes("up/k.bin")
	assert.Equal(t, "payload", string(b))
}

func TestHelpersScheduleTasks(t *testing.T) {
	f := setup(t, replication.Options{})
	_, err := f.store.Write(cache.NewKey("example.com", "h.txt"), strings.NewReader("h"))
	require.NoError(t, err)

	f.queue.Created(context.Background(), f.vh, "h.txt")
	require.Eventually(t, func() bool { return f.remote.Has("up/h.txt") }, time.Second, 5*time.Millisecond)

	f.queue.BackedUp(f.vh, "h.txt")
	require.Eventually(t, func() bool { return f.backup.Has("up/h.txt") }, time.Second, 5*time.Millisecond)

	f.queue.Deleted(f.vh, "h.txt")
	require.Eventually(t, func() bool {
		return !f.remote.Has("up/h.txt") && !f.backup.Has("up/h.txt")
	}, time.Second, 5*time.Millisecond)

	local := &vhost.VHost{Name: "local"}
	f.queue.Created(context.Background(), local, "h.txt")
	f.queue.Deleted(local, "h.txt")
	f.queue.BackedUp(local, "h.txt")
}

func TestReserveMarksWithoutScheduling(t *testing.T) {
	f := setup(t, replication.Options{})
	f.queue.Reserve(context.Background(), f.vh, "r.txt")
	assert.Equal(t, []string{"example.com/r.txt"}, f.marks.reserved())
	assert.Zero(t, f.queue.Pending())

	f.queue.Reserve(context.Background(), &vhost.VHost{Name: "local"}, "r.txt")
	assert.Len(t, f.marks.reserved(), 1)
}

func TestEnqueueNeverBlocks(t *testing.T) {
	store, err := cache.New(t.TempDir())
	require.NoError(t, err)
	q := replication.New(store, nil, replication.Options{Workers: 1})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Enqueue(replication.Task{Op: replication.Destroy, Path: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked without running workers")
	}
	assert.Equal(t, 1000, q.Pending())
}

// gated counts concurrent Puts and holds each one for a while.
type gated struct {
	*storage.Memory
	mu     sync.Mutex
	active int
	peak   int
	calls  int
}

func (g *gated) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	g.mu.Lock()
	g.active++
	g.calls++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	err := g.Memory.Put(ctx, key, r, size)

	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return err
}

func (g *gated) stats() (active, peak, calls int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active, g.peak, g.calls
}

func TestCreatesForOneObjectAreSerialised(t *testing.T) {
	f := setup(t, replication.Options{Workers: 4})
	remote := &gated{Memory: f.remote}
	f.vh.Remote = remote
	key := cache.NewKey("example.com", "a/upload.bin")

	_, err := f.store.Write(key, strings.NewReader("chunk1"))
	require.NoError(t, err)
	f.queue.Enqueue(f.task(replication.Create, "a/upload.bin", ""))
	require.Eventually(t, func() bool { a, _, _ := remote.stats(); return a == 1 }, time.Second, time.Millisecond)

	_, err = f.store.Write(key, strings.NewReader("chunk1chunk2"))
	require.NoError(t, err)
	f.queue.Enqueue(f.task(replication.Create, "a/upload.bin", ""))
	f.queue.Enqueue(f.task(replication.Create, "a/upload.bin", ""))

	require.Eventually(t, func() bool { return len(f.marks.list()) == 1 }, 2*time.Second, 5*time.Millisecond)
	b, _ := f.remote.Bytes("up/a/upload.bin")
	assert.Equal(t, "chunk1chunk2", string(b))

	_, peak, calls := remote.stats()
	assert.Equal(t, 1, peak)
	assert.Equal(t, 2, calls)
}
