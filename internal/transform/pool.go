package transform

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/stowaway/service/internal/metrics"
)

// ErrPoolTimeout is returned when no worker became free in time.
var ErrPoolTimeout = errors.New("transform pool exhausted")

// Transformer renders one job.
type Transformer interface {
	Transform(ctx context.Context, job Job) ([]byte, error)
}

type result struct {
	data []byte
	err  error
}

type request struct {
	ctx  context.Context
	job  Job
	done chan result
}

// Pool runs transforms on a fixed number of workers. Jobs are handed over
// on an unbuffered channel, so a submitter waits until a worker is idle.
type Pool struct {
	timeout time.Duration
	engine  Transformer
	jobs    chan request
	quit    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewPool starts size workers. Submit gives up after timeout.
func NewPool(size int, timeout time.Duration, engine Transformer) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		timeout: timeout,
		engine:  engine,
		jobs:    make(chan request),
		quit:    make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	log.Infof("transform: started %d workers", size)
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case req := <-p.jobs:
			log.WithFields(log.Fields{"worker": id, "file": SanitizeFilename(req.job.Filename)}).Debug("transform: start")
			req.done <- p.run(id, req)
		}
	}
}

// run executes one job, turning a panic into an error so the worker
// stays alive.
func (p *Pool) run(id int, req request) (res result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.WithFields(log.Fields{"worker": id, "file": SanitizeFilename(req.job.Filename)}).
				Errorf("transform: panic: %v\n%s", rec, debug.Stack())
			res = result{err: errors.Errorf("transform panicked: %v", rec)}
		}
	}()
	data, err := p.engine.Transform(req.ctx, req.job)
	return result{data: data, err: err}
}

// Submit waits for an idle worker, runs job on it and returns the output.
func (p *Pool) Submit(ctx context.Context, job Job) ([]byte, error) {
	if len(job.Input) == 0 {
		return nil, ErrMissingInput
	}
	req := request{ctx: ctx, job: job, done: make(chan result, 1)}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case p.jobs <- req:
	case <-timer.C:
		metrics.PoolTimeouts.Inc()
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.quit:
		return nil, ErrPoolTimeout
	}

	res := <-req.done
	return res.data, res.err
}

// Close stops the workers after their current job.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.quit) })
	p.wg.Wait()
}
