package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/sleuth/internal/observability"
	"github.com/harun/sleuth/internal/tracing"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("worker pool queue is full")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool is closed")
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 64
)

// Config sizes a Pool.
type Config struct {
	Workers   int `json:"workers" mapstructure:"workers"`
	QueueSize int `json:"queue_size" mapstructure:"queue_size"`
}

// Job is a unit of work. ID is used for logging and tracing only.
type Job struct {
	ID  string
	Ctx context.Context // optional; carries trace and task ids into Run
	Run func(ctx context.Context) error
}

// Pool executes jobs on a fixed set of workers.
type Pool struct {
	name   string
	queue  chan Job
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New starts cfg.Workers workers. Non-positive sizes fall back to the defaults.
func New(cfg Config, name string, logger zerolog.Logger) *Pool {
	observability.EnsureRegistered()

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:   name,
		queue:  make(chan Job, cfg.QueueSize),
		logger: logger.With().Str("component", "workerpool").Str("pool", name).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug().Int("workers", cfg.Workers).Int("queue_size", cfg.QueueSize).Msg("Worker pool started")
	return p
}

// Submit enqueues job without blocking.
func (p *Pool) Submit(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("workerpool: job %q has no Run func", job.ID)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		observability.RecordPoolEnqueue(p.name, false, len(p.queue))
		return ErrPoolClosed
	}

	select {
	case p.queue <- job:
		observability.RecordPoolEnqueue(p.name, true, len(p.queue))
		p.logger.Debug().Str("job_id", job.ID).Int("queue_size", len(p.queue)).Msg("Job enqueued")
		return nil
	default:
		observability.RecordPoolEnqueue(p.name, false, len(p.queue))
		p.logger.Warn().Str("job_id", job.ID).Int("capacity", cap(p.queue)).Msg("Job rejected, queue full")
		return ErrQueueFull
	}
}

// QueueLen returns the number of jobs waiting for a worker.
func (p *Pool) QueueLen() int {
	return len(p.queue)
}

func (p *Pool) worker(idx int) {
	defer p.wg.Done()
	for job := range p.queue {
		p.execute(idx, job)
	}
}

func (p *Pool) execute(idx int, job Job) {
	jobCtx := job.Ctx
	if jobCtx == nil {
		jobCtx = context.Background()
	}

	runCtx, cancel := context.WithCancel(jobCtx)
	stopCancel := context.AfterFunc(p.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	runCtx, span := tracing.StartSpan(runCtx, "sleuth/workerpool", "workerpool.execute",
		attribute.String("pool", p.name),
		attribute.String("job_id", job.ID),
	)
	logger := tracing.LoggerFromContext(runCtx, p.logger)

	start := time.Now()
	err := p.safeRun(runCtx, job)
	duration := time.Since(start)

	tracing.EndSpan(span, err)
	observability.RecordPoolCompletion(p.name, duration, err == nil, len(p.queue))

	if err != nil {
		logger.Error().Int("worker", idx).Str("job_id", job.ID).Dur("duration", duration).Err(err).Msg("Job failed")
		return
	}
	logger.Debug().Int("worker", idx).Str("job_id", job.ID).Dur("duration", duration).Msg("Job completed")
}

func (p *Pool) safeRun(ctx context.Context, job Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error().Str("job_id", job.ID).Str("stack", string(debug.Stack())).Msg("Job panicked")
			err = fmt.Errorf("job %s panicked: %v", job.ID, rec)
		}
	}()
	return job.Run(ctx)
}

// Close stops intake and waits for queued and running jobs to finish. If
// ctx ends first, running jobs are cancelled and ctx.Err() is returned.
// Close is idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}
