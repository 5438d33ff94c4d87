package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of deferred work. The context is cancelled when Stop gives
// up waiting for in-flight jobs.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed number of goroutines fed by a bounded queue.
type Pool struct {
	jobs        chan Job
	workerCount int
	logger      zerolog.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPool(workerCount, queueSize int, logger zerolog.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		jobs:        make(chan Job, queueSize),
		workerCount: workerCount,
		logger:      logger.With().Str("component", "worker").Logger(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info().Int("workers", p.workerCount).Int("queue", cap(p.jobs)).Msg("started worker goroutines")
}

// Submit enqueues job without blocking. It returns false when the queue is
// full or the pool is stopped.
func (p *Pool) Submit(job func(ctx context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		p.logger.Warn().Msg("job queue full")
		return false
	}
}

// Stop refuses new jobs, lets workers drain the queue and waits for them up
// to timeout. Jobs still running after that see their context cancelled.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn().Dur("timeout", timeout).Msg("workers still busy, cancelling")
		p.cancel()
		<-done
	}
	p.cancel()
	p.logger.Info().Msg("worker pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(id, job)
	}
	p.logger.Debug().Int("worker", id).Msg("worker shutting down")
}

func (p *Pool) run(id int, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Int("worker", id).Interface("panic", r).Msg("job panicked")
		}
	}()
	job(p.ctx)
}
