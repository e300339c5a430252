// Package replication propagates local changes to remote and backup stores
// in the background, retrying until they succeed.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/stowaway/service/internal/cache"
	"github.com/stowaway/service/internal/metrics"
	"github.com/stowaway/service/internal/storage"
	"github.com/stowaway/service/internal/vhost"
)

// Op is what a task does.
type Op string

const (
	// Create uploads the cached original to the remote store.
	Create Op = "create"
	// Destroy deletes the object from the target store.
	Destroy Op = "destroy"
	// Backup copies the object from the remote store to the backup store.
	Backup Op = "backup"
)

// Task is one replication step for one object.
type Task struct {
	Op     Op
	Tenant string
	Path   string
	VHost  *vhost.VHost
	// Target names the store a Destroy applies to: "remote" or "backup".
	Target  string
	Attempt int

	backoff backoff.BackOff
}

func (t Task) object() string {
	return t.Tenant + "/" + t.Path
}

func (t Task) fields() log.Fields {
	return log.Fields{"op": t.Op, "tenant": t.Tenant, "path": t.Path, "target": t.Target, "attempt": t.Attempt}
}

// Marks records uploads awaiting replication. *outbox.Outbox satisfies it.
type Marks interface {
	Mark(ctx context.Context, tenant, relpath string) error
	Clear(ctx context.Context, tenant, relpath string) error
}

// Options configure a Queue.
type Options struct {
	Workers int
	// MaxAttempts dead-letters a task after that many failures. Zero retries
	// forever.
	MaxAttempts int
	// Backoff produces a fresh retry schedule per task.
	Backoff func() backoff.BackOff
	// Timeout bounds one store call.
	Timeout time.Duration
}

// ConstantBackoff retries every d.
func ConstantBackoff(d time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff { return backoff.NewConstantBackOff(d) }
}

// ExponentialBackoff starts at initial and never gives up on its own.
func ExponentialBackoff(initial time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxElapsedTime = 0
		return b
	}
}

// Queue drains replication tasks on a fixed set of workers.
type Queue struct {
	opts  Options
	cache *cache.Store
	marks Marks

	tasks chan Task

	mu      sync.Mutex
	backlog []Task
	wake    chan struct{}
	closed  bool
	timers  map[*time.Timer]struct{}

	// Tasks for one object run one at a time; later ones wait in parked.
	inflight map[string]bool
	parked   map[string][]Task
}

// New returns a queue reading originals from store and clearing markers in
// marks. marks may be nil.
func New(store *cache.Store, marks Marks, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Backoff == nil {
		opts.Backoff = ConstantBackoff(20 * time.Second)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Queue{
		opts:   opts,
		cache:  store,
		marks:  marks,
		tasks:  make(chan Task),
		wake:   make(chan struct{}, 1),
		timers: make(map[*time.Timer]struct{}),

		inflight: make(map[string]bool),
		parked:   make(map[string][]Task),
	}
}

// Enqueue schedules t. It never blocks: tasks wait in an unbounded backlog
// until a worker is free.
func (q *Queue) Enqueue(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		log.WithFields(t.fields()).Warn("replication: queue closed, task dropped")
		return
	}
	q.backlog = append(q.backlog, t)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Reserve marks relpath as pending before its bytes reach the cache, so
// the reaper never sees an unreplicated upload without a marker. Tenants
// without a remote store are left alone.
func (q *Queue) Reserve(ctx context.Context, vh *vhost.VHost, relpath string) {
	if vh.Remote == nil || q.marks == nil {
		return
	}
	if err := q.marks.Mark(ctx, vh.Name, relpath); err != nil {
		log.WithFields(log.Fields{"tenant": vh.Name, "path": relpath}).Errorf("replication: outbox mark failed: %v", err)
	}
}

// Created marks relpath as pending and schedules its upload to the
// tenant's remote store. Tenants without a remote store are left alone.
// The task is enqueued even when the marker cannot be written.
func (q *Queue) Created(ctx context.Context, vh *vhost.VHost, relpath string) {
	if vh.Remote == nil {
		return
	}
	q.Reserve(ctx, vh, relpath)
	q.Enqueue(Task{Op: Create, Tenant: vh.Name, Path: relpath, VHost: vh})
}

// Deleted schedules removal of relpath from every store of the tenant.
func (q *Queue) Deleted(vh *vhost.VHost, relpath string) {
	for _, b := range vh.Backends() {
		q.Enqueue(Task{Op: Destroy, Tenant: vh.Name, Path: relpath, VHost: vh, Target: b.Name})
	}
}

// BackedUp schedules a remote to backup copy of relpath.
func (q *Queue) BackedUp(vh *vhost.VHost, relpath string) {
	if vh.Remote == nil || vh.Backup == nil {
		return
	}
	q.Enqueue(Task{Op: Backup, Tenant: vh.Name, Path: relpath, VHost: vh})
}

// Pending returns the number of tasks waiting for a worker.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Run feeds the workers until ctx is done. Tasks still waiting for a retry
// at that point are dropped; uploads among them are recovered from the
// outbox on the next start.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case t := <-q.tasks:
					q.run(gctx, t)
				}
			}
		})
	}
	g.Go(func() error {
		q.dispatch(gctx)
		return nil
	})
	err := g.Wait()
	q.close()
	return err
}

func (q *Queue) dispatch(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.backlog) == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		t := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case q.tasks <- t:
		}
	}
}

func (q *Queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	if n := len(q.backlog); n > 0 {
		log.Warnf("replication: %d tasks abandoned at shutdown", n)
	}
}

// begin claims t's object, or parks t behind the task already running for
// it. Parked tasks are re-enqueued by end, so a create that raced a newer
// chunk or a delete is always followed by a pass that sees the final state.
func (q *Queue) begin(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	obj := t.object()
	if !q.inflight[obj] {
		q.inflight[obj] = true
		return true
	}
	for _, p := range q.parked[obj] {
		if p.Op == t.Op && p.Target == t.Target {
			return false
		}
	}
	q.parked[obj] = append(q.parked[obj], t)
	return false
}

func (q *Queue) end(t Task) {
	q.mu.Lock()
	obj := t.object()
	delete(q.inflight, obj)
	next := q.parked[obj]
	delete(q.parked, obj)
	q.mu.Unlock()
	for _, p := range next {
		q.Enqueue(p)
	}
}

// superseded reports whether another create for t's object is waiting, in
// which case t must leave the outbox marker for it.
func (q *Queue) superseded(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.parked[t.object()] {
		if p.Op == Create {
			return true
		}
	}
	return false
}

func (q *Queue) run(ctx context.Context, t Task) {
	if !q.begin(t) {
		return
	}
	defer q.end(t)

	ctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	err := q.perform(ctx, t)
	cancel()

	if err == nil {
		metrics.ReplicationTasks.WithLabelValues(string(t.Op), "ok").Inc()
		log.WithFields(t.fields()).Info("replication: done")
		return
	}
	metrics.ReplicationTasks.WithLabelValues(string(t.Op), "error").Inc()
	q.retry(t, err)
}

func (q *Queue) retry(t Task, cause error) {
	t.Attempt++
	if q.opts.MaxAttempts > 0 && t.Attempt >= q.opts.MaxAttempts {
		metrics.ReplicationDeadLetter.WithLabelValues(string(t.Op)).Inc()
		log.WithFields(t.fields()).Errorf("replication: giving up: %v", cause)
		return
	}
	if t.backoff == nil {
		t.backoff = q.opts.Backoff()
	}
	delay := t.backoff.NextBackOff()
	if delay == backoff.Stop {
		metrics.ReplicationDeadLetter.WithLabelValues(string(t.Op)).Inc()
		log.WithFields(t.fields()).Errorf("replication: backoff exhausted: %v", cause)
		return
	}
	log.WithFields(t.fields()).Warnf("replication: failed, retrying in %s: %v", delay, cause)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		q.Enqueue(t)
	})
	q.timers[timer] = struct{}{}
}

func (q *Queue) perform(ctx context.Context, t Task) error {
	if t.VHost == nil {
		return errors.New("task without tenant")
	}
	key := t.VHost.RemoteKey(t.Path)

	switch t.Op {
	case Create:
		if t.VHost.Remote == nil {
			return nil
		}
		f, err := q.cache.Read(cache.NewKey(t.Tenant, t.Path))
		if errors.Is(err, cache.ErrNotFound) {
			// Deleted locally before it was replicated.
			log.WithFields(t.fields()).Info("replication: local source gone")
			return q.clear(ctx, t)
		}
		if err != nil {
			return err
		}
		defer f.Close()
		var size int64 = -1
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		if err := t.VHost.Remote.Put(ctx, key, f, size); err != nil {
			return err
		}
		if q.superseded(t) {
			return nil
		}
		return q.clear(ctx, t)

	case Destroy:
		store, ok := t.VHost.Store(t.Target)
		if !ok {
			return nil
		}
		err := store.Delete(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err

	case Backup:
		if t.VHost.Remote == nil || t.VHost.Backup == nil {
			return nil
		}
		rc, err := t.VHost.Remote.Get(ctx, key)
		if err != nil {
			return err
		}
		defer rc.Close()
		return t.VHost.Backup.Put(ctx, key, rc, -1)
	}
	return errors.Errorf("unknown replication op %q", t.Op)
}

func (q *Queue) clear(ctx context.Context, t Task) error {
	if q.marks == nil {
		return nil
	}
	return q.marks.Clear(ctx, t.Tenant, t.Path)
}
