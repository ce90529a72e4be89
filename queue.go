package courier

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FailureDisposition reports how the queue routed a failed job.
type FailureDisposition int

const (
	// FailureRescheduled means the job returned to pending with a backoff
	// delay and will run again.
	FailureRescheduled FailureDisposition = iota
	// FailureTerminal means the job reached failed_terminal, either because
	// the failure was not retryable or the retry budget is exhausted.
	FailureTerminal
)

// JobQueue coordinates job admission and lifecycle over a Backend. It owns
// the claim step (select next runnable, mark it running) and the retry
// arithmetic; execution itself belongs to the Executor.
type JobQueue struct {
	backend     Backend
	constraints *ConstraintRegistry
	logger      *slog.Logger

	// claimMu serializes the select-and-mark pair so two workers never claim
	// the same job or two jobs from one group.
	claimMu  sync.Mutex
	notifyCh chan struct{}
}

// NewJobQueue creates a queue over the given backend. The constraint
// registry supplies the satisfied-constraint snapshot used during claims.
func NewJobQueue(backend Backend, constraints *ConstraintRegistry, logger *slog.Logger) *JobQueue {
	return &JobQueue{
		backend:     backend,
		constraints: constraints,
		logger:      logger,
		notifyCh:    make(chan struct{}, 1),
	}
}

// Enqueue persists a pending job, assigning an ID when absent, and wakes a
// waiting worker. When the job requests deduplication and an equivalent
// pending job exists, the existing job's ID is returned and nothing is
// enqueued.
func (q *JobQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job == nil {
		q.logger.Debug("Enqueue: error - job is nil")
		return "", fmt.Errorf("job is nil")
	}
	if job.Type == "" {
		q.logger.Debug("Enqueue: error - job type is empty")
		return "", fmt.Errorf("job type is empty")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	q.logger.Debug("Enqueue", "jobID", job.ID, "type", job.Type, "groupID", job.GroupID, "dedupe", job.Dedupe)

	jobID, deduped, err := q.backend.EnqueueJob(ctx, job)
	if err != nil {
		q.logger.Debug("Enqueue: backend.EnqueueJob error", "jobID", job.ID, "error", err)
		return "", err
	}
	if deduped {
		q.logger.Debug("Enqueue: deduplicated against pending job", "jobID", jobID, "type", job.Type, "groupID", job.GroupID)
		jobsDeduped.WithLabelValues(job.Type).Inc()
		return jobID, nil
	}

	jobsEnqueued.WithLabelValues(job.Type).Inc()
	q.Signal()
	return jobID, nil
}

// Claim atomically selects the next runnable job and marks it running.
// Returns nil when nothing is runnable right now.
func (q *JobQueue) Claim(ctx context.Context, now time.Time) (*Job, error) {
	q.claimMu.Lock()
	defer q.claimMu.Unlock()

	satisfied := q.constraints.Satisfied()
	job, err := q.backend.NextRunnable(ctx, now, satisfied)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	running, err := q.backend.MarkRunning(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	q.logger.Debug("Claim: claimed job", "jobID", running.ID, "type", running.Type, "groupID", running.GroupID, "attempt", running.Attempts)
	return running, nil
}

// MarkSucceeded finalizes a running job as succeeded and wakes a waiting
// worker, since finishing a grouped job may unblock its successor.
func (q *JobQueue) MarkSucceeded(ctx context.Context, job *Job) error {
	if err := q.backend.MarkSucceeded(ctx, job.ID); err != nil {
		return err
	}
	jobsCompleted.WithLabelValues(job.Type, "succeeded").Inc()
	q.Signal()
	return nil
}

// MarkFailed routes a failed attempt: retryable failures with remaining
// budget reschedule with exponential backoff, everything else finalizes as
// failed_terminal. The returned disposition tells the caller which happened.
func (q *JobQueue) MarkFailed(ctx context.Context, job *Job, jobErr error, retryable bool) (FailureDisposition, error) {
	if jobErr == nil {
		return FailureTerminal, fmt.Errorf("job error is nil")
	}

	if retryable && job.Attempts < job.Retry.MaxAttempts {
		delay := backoffDelay(job.Retry, job.Attempts)
		runAt := time.Now().Add(delay)
		if err := q.backend.MarkFailedRetryable(ctx, job.ID, jobErr.Error(), runAt); err != nil {
			return FailureRescheduled, err
		}
		q.logger.Debug("MarkFailed: rescheduled", "jobID", job.ID, "type", job.Type, "attempt", job.Attempts, "maxAttempts", job.Retry.MaxAttempts, "delay", delay, "error", jobErr)
		jobsRetried.WithLabelValues(job.Type).Inc()
		q.Signal()
		return FailureRescheduled, nil
	}

	if err := q.backend.MarkFailedTerminal(ctx, job.ID, jobErr.Error()); err != nil {
		return FailureTerminal, err
	}
	q.logger.Debug("MarkFailed: terminal", "jobID", job.ID, "type", job.Type, "attempts", job.Attempts, "retryable", retryable, "error", jobErr)
	jobsCompleted.WithLabelValues(job.Type, "failed_terminal").Inc()
	q.Signal()
	return FailureTerminal, nil
}

// Cancel cancels a pending job and returns its final state so the caller can
// run cleanup hooks. Running and terminal jobs are not cancelable.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := q.backend.CancelJob(ctx, jobID)
	if err != nil {
		q.logger.Debug("Cancel: backend error", "jobID", jobID, "error", err)
		return nil, err
	}
	q.logger.Debug("Cancel: canceled pending job", "jobID", jobID, "type", job.Type)
	jobsCompleted.WithLabelValues(job.Type, "canceled").Inc()
	q.Signal()
	return job, nil
}

// GetJob retrieves a job by ID.
func (q *JobQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return q.backend.GetJob(ctx, jobID)
}

// RecoverInterrupted returns crash-interrupted running jobs to pending.
// Called once before workers start.
func (q *JobQueue) RecoverInterrupted(ctx context.Context) (int, error) {
	reset, err := q.backend.ResetRunningJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	if reset > 0 {
		q.logger.Info("recovered interrupted jobs", "count", reset)
		q.Signal()
	}
	return reset, nil
}

// CleanupExpired deletes terminal jobs finalized more than ttl ago.
func (q *JobQueue) CleanupExpired(ctx context.Context, ttl time.Duration) error {
	return q.backend.CleanupExpiredJobs(ctx, ttl)
}

// Stats returns aggregate counters over jobs and envelopes.
func (q *JobQueue) Stats(ctx context.Context) (*QueueStats, error) {
	return q.backend.Stats(ctx)
}

// Signal wakes one waiting worker. Non-blocking; a pending wakeup absorbs
// further signals.
func (q *JobQueue) Signal() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Notify returns the channel workers wait on between claims.
func (q *JobQueue) Notify() <-chan struct{} {
	return q.notifyCh
}

// backoffDelay computes the delay before retry number attempt (1-based
// attempts already made). The delay doubles per attempt and is clamped at
// the policy's cap when one is set.
func backoffDelay(policy RetryPolicy, attempts int) time.Duration {
	if policy.BackoffInitial <= 0 {
		return 0
	}
	delay := policy.BackoffInitial
	for i := 1; i < attempts; i++ {
		delay *= 2
		if policy.BackoffCap > 0 && delay >= policy.BackoffCap {
			return policy.BackoffCap
		}
	}
	if policy.BackoffCap > 0 && delay > policy.BackoffCap {
		return policy.BackoffCap
	}
	return delay
}
