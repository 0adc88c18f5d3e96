package worker

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

// ErrPoolClosed is returned by Run once the pool has been stopped.
var ErrPoolClosed = errors.New("worker pool is closed")

// Task processes the index-th unit of a fan-out submitted with Run.
type Task func(ctx context.Context, index int) error

// PoolConfig holds configuration for the worker pool
type PoolConfig struct {
	NumWorkers int
	QueueSize  int
}

// Pool is a fixed set of goroutines executing decode jobs. Jobs carry
// their own result channel, so callers never share mutable state with
// one another through the pool.
type Pool struct {
	config PoolConfig
	jobs   chan *job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// job represents a unit of work
type job struct {
	ctx      context.Context
	fn       func(ctx context.Context) error
	resultCh chan error
}

// NewPool creates a new worker pool. Zero values pick defaults: one worker
// per usable CPU and a queue twice that deep.
func NewPool(config PoolConfig) *Pool {
	if config.NumWorkers <= 0 {
		config.NumWorkers = runtime.GOMAXPROCS(0)
	}
	if config.QueueSize <= 0 {
		config.QueueSize = config.NumWorkers * 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: config,
		jobs:   make(chan *job, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts all workers in the pool
func (p *Pool) Start() {
	for i := 0; i < p.config.NumWorkers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

// Workers returns the configured number of workers.
func (p *Pool) Workers() int {
	return p.config.NumWorkers
}

// Run executes task for every index in [0, n) across the pool's workers
// and waits for all of them. The first error cancels the remaining tasks
// and is returned.
func (p *Pool) Run(ctx context.Context, n int, task Task) error {
	if n == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pending := make([]*job, 0, n)
	var submitErr error
	for i := 0; i < n; i++ {
		index := i
		j, err := p.enqueue(ctx, func(ctx context.Context) error {
			err := task(ctx, index)
			if err != nil {
				cancel()
			}
			return err
		})
		if err != nil {
			submitErr = err
			cancel()
			break
		}
		pending = append(pending, j)
	}

	var firstErr error
	for _, j := range pending {
		if err := <-j.resultCh; err != nil && firstErr == nil {
			firstErr = err
			cancel()
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return submitErr
}

// Stop gracefully stops the worker pool. Jobs already queued still run.
// Stop must not be called concurrently with Run.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
	})
}

func (p *Pool) enqueue(ctx context.Context, fn func(ctx context.Context) error) (*job, error) {
	select {
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	default:
	}

	j := &job{ctx: ctx, fn: fn, resultCh: make(chan error, 1)}
	select {
	case p.jobs <- j:
		return j, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	}
}

// run is the main worker loop
func (p *Pool) run() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.process(j)
	}
}

// process runs j unless its context is already done.
func (p *Pool) process(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.resultCh <- err
		return
	}
	j.resultCh <- j.fn(j.ctx)
}
