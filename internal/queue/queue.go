// Package queue implements a durable, at-least-once job queue with bounded
// worker concurrency, a global dispatch rate ceiling and exponential retry
// backoff. Jobs live in storage; a crash between dispatch and acknowledgement
// leaves the job inflight, and startup recovery requeues it for redelivery.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"orderflow/internal/domain"
	"orderflow/internal/infra"
)

// Task is one dispatched try of a job, handed to the handler.
type Task struct {
	JobID   uint
	OrderID string
	Attempt int  // 1-based attempt number for this try
	Final   bool // true when this is the last allowed attempt
}

// Handler processes one dispatched attempt. A non-nil error schedules a retry
// or dead-letters the job once the attempt ceiling is reached. Handlers must
// tolerate redelivery of an already-completed order.
type Handler func(ctx context.Context, task Task) error

// Store is the durable job state consumed by the engine.
type Store interface {
	CreateJob(job *domain.Job) error
	DueJobs(now time.Time, limit int) ([]domain.Job, error)
	MarkJobInflight(jobID uint) (bool, error)
	CompleteJob(jobID uint, attempts int) error
	RescheduleJob(jobID uint, attempts int, nextRunAt time.Time, lastError string) error
	MarkJobDead(jobID uint, attempts int, lastError string) error
	RequeueInflight() (int64, error)
}

// Config holds queue tuning knobs.
type Config struct {
	Workers      int           // max concurrently inflight jobs
	MaxAttempts  int           // retry ceiling per job
	BaseDelay    time.Duration // first retry backoff
	MaxDelay     time.Duration // backoff cap
	RatePerSec   float64       // global dispatch throughput ceiling
	RateBurst    int           // dispatch burst allowance
	PollInterval time.Duration // storage polling cadence
}

// Engine dispatches due jobs to a bounded pool of workers.
type Engine struct {
	cfg     Config
	store   Store
	handler Handler
	limiter *RateLimiter
	slots   chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine creates a queue engine. The handler runs once per dispatched
// attempt; distinct jobs execute fully in parallel.
func NewEngine(cfg Config, store Store, handler Handler) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 100
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = cfg.Workers
	}

	return &Engine{
		cfg:     cfg,
		store:   store,
		handler: handler,
		limiter: NewRateLimiter(cfg.RateBurst, cfg.RatePerSec),
		slots:   make(chan struct{}, cfg.Workers),
	}
}

// Enqueue admits one job for the given order. Delivery to a worker will not
// occur before initialDelay elapses.
func (e *Engine) Enqueue(orderID string, initialDelay time.Duration) error {
	job := &domain.Job{
		OrderID:   orderID,
		Status:    domain.JobQueued,
		NextRunAt: time.Now().Add(initialDelay),
	}
	if err := e.store.CreateJob(job); err != nil {
		return domain.NewInfraError("enqueue", err)
	}

	infra.GlobalMetrics.RecordEnqueued()
	slog.Debug("job enqueued",
		slog.String("order_id", orderID),
		slog.Duration("initial_delay", initialDelay),
	)
	return nil
}

// Start recovers stranded inflight jobs and launches the dispatch loop.
func (e *Engine) Start(ctx context.Context) error {
	requeued, err := e.store.RequeueInflight()
	if err != nil {
		return domain.NewInfraError("requeue_inflight", err)
	}
	if requeued > 0 {
		slog.Warn("redelivering jobs stranded inflight", slog.Int64("count", requeued))
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.dispatchLoop(ctx)

	slog.Info("queue engine started",
		slog.Int("workers", e.cfg.Workers),
		slog.Int("max_attempts", e.cfg.MaxAttempts),
		slog.Float64("rate_per_sec", e.cfg.RatePerSec),
	)
	return nil
}

// Stop halts dispatching and waits for inflight handlers to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	slog.Info("queue engine stopped")
}

// dispatchLoop polls for due jobs and hands them to workers, honoring the
// concurrency and rate ceilings. Saturation delays dispatch, never fails it.
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := e.store.DueJobs(time.Now(), e.cfg.Workers*2)
		if err != nil {
			slog.Error("failed to poll due jobs", slog.Any("error", err))
			continue
		}

		for _, job := range due {
			// Worker slot first, then the rate token: a saturated pool should
			// not burn throughput budget.
			select {
			case <-ctx.Done():
				return
			case e.slots <- struct{}{}:
			}

			if err := e.limiter.Wait(ctx); err != nil {
				<-e.slots
				return
			}

			claimed, err := e.store.MarkJobInflight(job.ID)
			if err != nil || !claimed {
				if err != nil {
					slog.Error("failed to claim job", slog.Uint64("job_id", uint64(job.ID)), slog.Any("error", err))
				}
				<-e.slots
				continue
			}

			e.wg.Add(1)
			go e.runJob(ctx, job)
		}
	}
}

// runJob executes one attempt and settles the job's next state.
func (e *Engine) runJob(ctx context.Context, job domain.Job) {
	defer e.wg.Done()
	defer func() { <-e.slots }()

	attempt := job.Attempts + 1
	task := Task{
		JobID:   job.ID,
		OrderID: job.OrderID,
		Attempt: attempt,
		Final:   attempt >= e.cfg.MaxAttempts,
	}

	infra.GlobalMetrics.RecordDispatched()

	err := e.handler(ctx, task)
	if err == nil {
		if cerr := e.store.CompleteJob(job.ID, attempt); cerr != nil {
			slog.Error("failed to complete job", slog.Uint64("job_id", uint64(job.ID)), slog.Any("error", cerr))
		}
		return
	}

	if task.Final {
		infra.GlobalMetrics.RecordDead()
		slog.Error("job dead-lettered",
			slog.String("order_id", job.OrderID),
			slog.Int("attempts", attempt),
			slog.Any("error", err),
			slog.Any("cause", domain.ErrRetriesExhausted),
		)
		if derr := e.store.MarkJobDead(job.ID, attempt, err.Error()); derr != nil {
			slog.Error("failed to dead-letter job", slog.Uint64("job_id", uint64(job.ID)), slog.Any("error", derr))
		}
		return
	}

	delay := Backoff(e.cfg.BaseDelay, e.cfg.MaxDelay, attempt)
	infra.GlobalMetrics.RecordRetryScheduled()
	slog.Warn("attempt failed, scheduling retry",
		slog.String("order_id", job.OrderID),
		slog.Int("attempt", attempt),
		slog.Duration("backoff", delay),
		slog.Any("error", err),
	)
	if rerr := e.store.RescheduleJob(job.ID, attempt, time.Now().Add(delay), err.Error()); rerr != nil {
		slog.Error("failed to reschedule job", slog.Uint64("job_id", uint64(job.ID)), slog.Any("error", rerr))
	}
}
