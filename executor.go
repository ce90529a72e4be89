package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Runner executes a single job attempt. A nil return marks the job
// succeeded. Errors wrapped in RetryableError (or classified retryable)
// re-enter the retry cycle; any other error is terminal.
type Runner interface {
	Run(ctx context.Context, job *Job) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *Job) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// CancelHandler is implemented by runners that need cleanup when one of
// their pending jobs is canceled.
type CancelHandler interface {
	OnCanceled(ctx context.Context, job *Job)
}

// RetryableError marks a failure as transient so the queue reschedules the
// job instead of finalizing it.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the executor treats the failure as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err should re-enter the retry cycle. Both the
// explicit RetryableError wrapper and classified transient protocol failures
// qualify.
func IsRetryable(err error) bool {
	var rerr *RetryableError
	if errors.As(err, &rerr) {
		return true
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Retryable()
	}
	return false
}

// Executor drives job execution: a bounded worker pool claims runnable jobs
// from the queue and dispatches them to registered runners by job type.
type Executor struct {
	queue  *JobQueue
	config *Config
	logger *slog.Logger

	mu      sync.RWMutex
	runners map[string]Runner

	stopCh  chan struct{}
	doneWg  sync.WaitGroup
	started bool
}

// NewExecutor creates an executor over the queue. Runners must be registered
// before Start.
func NewExecutor(queue *JobQueue, config *Config, logger *slog.Logger) *Executor {
	return &Executor{
		queue:   queue,
		config:  config,
		logger:  logger,
		runners: make(map[string]Runner),
		stopCh:  make(chan struct{}),
	}
}

// Register binds a runner to a job type. Re-registering a type replaces the
// previous runner.
func (e *Executor) Register(jobType string, runner Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runners[jobType] = runner
}

func (e *Executor) runner(jobType string) Runner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.runners[jobType]
}

// Start recovers crash-interrupted jobs and launches the worker pool.
// It returns immediately after starting the background goroutines.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("executor already started")
	}
	e.started = true
	e.mu.Unlock()

	if _, err := e.queue.RecoverInterrupted(ctx); err != nil {
		return err
	}

	workers := e.config.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		e.doneWg.Add(1)
		go e.workerLoop(ctx, i)
	}

	if e.config.CleanupInterval > 0 && e.config.JobTTL > 0 {
		e.doneWg.Add(1)
		go e.cleanupLoop(ctx)
	}

	e.logger.Debug("executor started", "workers", workers)
	return nil
}

// Stop stops the worker pool gracefully. Jobs currently executing complete
// before Stop returns.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.doneWg.Wait()
}

// CancelJob cancels a pending job and fires the runner's cancel hook exactly
// once.
func (e *Executor) CancelJob(ctx context.Context, jobID string) error {
	job, err := e.queue.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if handler, ok := e.runner(job.Type).(CancelHandler); ok {
		handler.OnCanceled(ctx, job)
	}
	return nil
}

// workerLoop claims and executes jobs until stopped. It drains all runnable
// jobs on every wakeup; the ticker picks up jobs whose backoff has elapsed.
func (e *Executor) workerLoop(ctx context.Context, id int) {
	defer e.doneWg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-e.queue.Notify():
			e.drain(ctx, id)
		case <-ticker.C:
			e.drain(ctx, id)
		}
	}
}

func (e *Executor) drain(ctx context.Context, workerID int) {
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := e.queue.Claim(ctx, time.Now())
		if err != nil {
			e.logger.Warn("failed to claim job", "worker", workerID, "error", err)
			return
		}
		if job == nil {
			return
		}

		// Another worker may now claim other groups; this one is committed
		// to the claimed job.
		e.runJob(ctx, job)
	}
}

// runJob executes one attempt and routes the outcome. A panicking runner
// fails only its own job.
func (e *Executor) runJob(ctx context.Context, job *Job) {
	runner := e.runner(job.Type)
	if runner == nil {
		e.logger.Warn("no runner registered for job type", "jobID", job.ID, "type", job.Type)
		if _, err := e.queue.MarkFailed(ctx, job, fmt.Errorf("no runner registered for type %q", job.Type), false); err != nil {
			e.logger.Warn("failed to finalize unrunnable job", "jobID", job.ID, "error", err)
		}
		return
	}

	start := time.Now()
	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("runner panic: %v", r)
			}
		}()
		return runner.Run(ctx, job)
	}()
	jobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if err := e.queue.MarkSucceeded(ctx, job); err != nil {
			e.logger.Warn("failed to mark job succeeded", "jobID", job.ID, "error", err)
		}
		return
	}

	disposition, err := e.queue.MarkFailed(ctx, job, runErr, IsRetryable(runErr))
	if err != nil {
		e.logger.Warn("failed to mark job failed", "jobID", job.ID, "error", err)
		return
	}
	if disposition == FailureTerminal {
		e.logger.Warn("job failed terminally", "jobID", job.ID, "type", job.Type, "attempts", job.Attempts, "error", runErr)
	}
}

// cleanupLoop periodically deletes expired terminal jobs.
func (e *Executor) cleanupLoop(ctx context.Context) {
	defer e.doneWg.Done()

	ticker := time.NewTicker(e.config.CleanupInterval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	e.cleanup(ctx)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanup(ctx)
		}
	}
}

func (e *Executor) cleanup(ctx context.Context) {
	if err := e.queue.CleanupExpired(ctx, e.config.JobTTL); err != nil {
		e.logger.Warn("failed to cleanup expired jobs", "error", err)
	}
}
