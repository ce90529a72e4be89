package courier

import (
	"context"
	"errors"
	"time"
)

// Errors returned by Backend implementations. Callers match them with
// errors.Is.
var (
	// ErrBackendClosed is returned by any operation after Close.
	ErrBackendClosed = errors.New("backend is closed")
	// ErrJobNotFound is returned when the referenced job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrEnvelopeNotFound is returned when the referenced envelope does not
	// exist.
	ErrEnvelopeNotFound = errors.New("envelope not found")
	// ErrInvalidTransition is returned when a job is not in a status that
	// permits the requested transition.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Backend is the durable storage layer for jobs and undecrypted envelopes.
// Implementations must be thread-safe and must persist every mutation before
// returning, so that a crash at any point leaves a recoverable state.
type Backend interface {
	// EnqueueJob persists a pending job. When job.Dedupe is set and an
	// equivalent pending job (same Type, GroupID, and Payload) already exists,
	// the existing job's ID is returned with deduped=true and nothing is
	// written. The dedupe check and the insert are atomic.
	EnqueueJob(ctx context.Context, job *Job) (jobID string, deduped bool, err error)

	// NextRunnable returns the oldest pending job that is eligible to run at
	// now, or nil if none is. A job is eligible when its RunAt is not in the
	// future, all of its Constraints appear in satisfied, and no other job in
	// its group is running or pending ahead of it. Jobs without a group are
	// mutually independent.
	NextRunnable(ctx context.Context, now time.Time, satisfied map[string]bool) (*Job, error)

	// MarkRunning transitions a pending job to running, increments its
	// attempt count, and returns the updated job.
	MarkRunning(ctx context.Context, jobID string) (*Job, error)

	// MarkSucceeded transitions a running job to succeeded.
	MarkSucceeded(ctx context.Context, jobID string) error

	// MarkFailedRetryable returns a running job to pending with its next
	// eligible run time set to runAt.
	MarkFailedRetryable(ctx context.Context, jobID string, errorMsg string, runAt time.Time) error

	// MarkFailedTerminal transitions a running job to failed_terminal.
	MarkFailedTerminal(ctx context.Context, jobID string, errorMsg string) error

	// CancelJob cancels a pending job and returns its final state so the
	// caller can run cleanup hooks. Jobs in any other status are not
	// cancelable; ErrInvalidTransition is returned.
	CancelJob(ctx context.Context, jobID string) (*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// ResetRunningJobs returns every running job to pending, eligible
	// immediately. Called once at startup; jobs found running were
	// interrupted by a crash. Returns the number of jobs reset.
	ResetRunningJobs(ctx context.Context) (int, error)

	// CleanupExpiredJobs deletes terminal jobs finalized more than ttl ago.
	CleanupExpiredJobs(ctx context.Context, ttl time.Duration) error

	// Stats returns aggregate counters over jobs and envelopes.
	Stats(ctx context.Context) (*QueueStats, error)

	// PutEnvelope persists an undecrypted envelope.
	PutEnvelope(ctx context.Context, env *Envelope) error

	// GetEnvelope retrieves an envelope by ID.
	GetEnvelope(ctx context.Context, envelopeID string) (*Envelope, error)

	// DeleteEnvelope removes an envelope. Deleting an absent envelope returns
	// ErrEnvelopeNotFound.
	DeleteEnvelope(ctx context.Context, envelopeID string) error

	// ListEnvelopes returns all stored envelopes ordered by arrival.
	ListEnvelopes(ctx context.Context) ([]*Envelope, error)

	// Close closes the backend connection.
	Close() error
}
