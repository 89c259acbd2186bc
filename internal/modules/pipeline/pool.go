package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultJobTimeout bounds one job end to end. Individual stages carry their
// own shorter deadlines; this is the backstop.
const DefaultJobTimeout = 30 * time.Minute

type task struct {
	id  string
	ctx context.Context
	run func(ctx context.Context)
}

// Pool executes submitted jobs with bounded concurrency so CPU-heavy solves
// for multiple jobs can proceed without serializing on one call. Jobs run
// under a per-job timeout derived from the context passed at submission.
type Pool struct {
	workers int
	timeout time.Duration
	log     zerolog.Logger

	trigger chan struct{}
	done    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	mu       sync.Mutex
	pending  []*task
	inFlight map[string]bool
}

// NewPool creates a pool with the given concurrency bound and per-job
// timeout. Zero or negative timeout falls back to DefaultJobTimeout.
func NewPool(workers int, timeout time.Duration, log zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	return &Pool{
		workers:  workers,
		timeout:  timeout,
		log:      log.With().Str("component", "pipeline_pool").Logger(),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		inFlight: make(map[string]bool),
	}
}

// Run starts the dispatch loop. This blocks until Stop is called.
func (p *Pool) Run() {
	defer close(p.stopped)

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			p.dispatch()
		case <-p.done:
			p.dispatch()
		}
	}
}

// Stop stops the dispatch loop. Jobs already executing finish on their own;
// queued jobs are never started.
func (p *Pool) Stop() {
	close(p.stop)
	<-p.stopped
}

// Submit queues a job for execution. ctx is the job's lifetime context; the
// run function receives it bounded by the pool's per-job timeout. Submission
// never blocks.
func (p *Pool) Submit(ctx context.Context, id string, run func(ctx context.Context)) {
	p.mu.Lock()
	p.pending = append(p.pending, &task{id: id, ctx: ctx, run: run})
	p.mu.Unlock()

	select {
	case p.trigger <- struct{}{}:
	default:
		// Trigger already pending
	}
}

// InFlight returns the number of currently executing jobs.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

// QueueDepth returns the number of jobs waiting for a slot.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// dispatch starts as many pending jobs as open slots allow.
func (p *Pool) dispatch() {
	p.mu.Lock()
	var ready []*task
	for len(p.inFlight) < p.workers && len(p.pending) > 0 {
		t := p.pending[0]
		p.pending = p.pending[1:]
		p.inFlight[t.id] = true
		ready = append(ready, t)
	}
	p.mu.Unlock()

	for _, t := range ready {
		go p.execute(t)
	}
}

func (p *Pool) execute(t *task) {
	defer func() {
		p.mu.Lock()
		delete(p.inFlight, t.id)
		p.mu.Unlock()

		// Signal done to pull the next pending job
		select {
		case p.done <- struct{}{}:
		default:
		}
	}()

	ctx, cancel := context.WithTimeout(t.ctx, p.timeout)
	defer cancel()

	p.log.Debug().Str("job_id", t.id).Msg("Job started")
	t.run(ctx)
}
