// Package courier is the on-device message-processing engine of an
// end-to-end-encrypted messaging client. It turns opaque, possibly
// out-of-order, possibly duplicated encrypted envelopes arriving from a relay
// server into durable local conversation state, and reliably transmits
// outgoing messages under flaky network conditions.
//
// The package pairs a durable, constraint-aware job queue with a
// decrypt-and-dispatch state machine:
//   - Multiple storage backends (in-memory, BadgerDB, SQLite)
//   - Group-serialized FIFO job execution with deduplication
//   - Retry with exponential backoff and terminal-failure hooks
//   - Crash recovery: running jobs return to pending on restart
//   - Exhaustive classification of decrypted protocol content
//   - Classified decrypt failures surfaced as placeholder records
//
// Example usage:
//
//	backend, _ := courier.NewBadgerBackend("./courier-data", logger)
//	engine, _ := courier.NewEngine(courier.LoadConfig(), backend, collab, logger)
//	engine.Start(ctx)
//	engine.SubmitEnvelope(ctx, envelope)
package courier

import (
	"time"
)

// JobStatus represents the status of a job in the queue.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be executed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being executed.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the job completed successfully.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailedTerminal indicates the job failed and will not be retried,
	// either because the failure was classified terminal or because the retry
	// budget is exhausted.
	JobStatusFailedTerminal JobStatus = "failed_terminal"
	// JobStatusCanceled indicates the job was canceled while still pending.
	JobStatusCanceled JobStatus = "canceled"
)

// RetryPolicy bounds how a job is retried after a retryable failure.
// A zero BackoffCap means the delay is uncapped.
type RetryPolicy struct {
	MaxAttempts    int           // total attempts, including the first run
	BackoffInitial time.Duration // delay before the first retry
	BackoffCap     time.Duration // upper bound for the exponential delay
}

// NoRetry returns a policy that allows a single attempt and no retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Payload is the opaque serialized state of a job: string keys mapped to
// primitive values (string, bool, int64, float64). It must be sufficient to
// reconstruct the job after a process restart. Backends persist it as JSON,
// so integers read back through the typed accessors, which tolerate the
// float64 representation JSON decoding produces.
type Payload map[string]any

// GetString returns the string stored under key, or "" if absent.
func (p Payload) GetString(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// GetInt64 returns the integer stored under key, or 0 if absent.
func (p Payload) GetInt64(key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// GetBool returns the bool stored under key, or false if absent.
func (p Payload) GetBool(key string) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return false
}

// Job represents a unit of deferred work.
//
// Jobs sharing a non-empty GroupID execute strictly in enqueue order and
// never concurrently with one another. Status transitions are monotonic
// except the running->pending retry cycle, which is bounded by
// Retry.MaxAttempts; once a job reaches a terminal status no further
// transitions occur.
type Job struct {
	ID          string      // Unique job identifier, assigned at enqueue if empty
	Type        string      // Job type identifier, used to look up the runner
	GroupID     string      // Optional serialization key
	Dedupe      bool        // Drop at enqueue if an equivalent pending job exists in the group
	Constraints []string    // Admission predicates, e.g. ConstraintNetwork
	Retry       RetryPolicy // Retry policy applied on retryable failures
	Payload     Payload     // Serialized job state
	Status      JobStatus   // Current job status
	Attempts    int         // Number of times the job has entered RUNNING
	CreatedAt   time.Time   // When the job was enqueued
	RunAt       time.Time   // Earliest time the job may run (backoff delay)
	StartedAt   *time.Time  // When the job first started executing (nil if never)
	FinalizedAt *time.Time  // When the job reached a terminal status (nil if not yet)
	LastError   string      // Error message from the most recent failure
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailedTerminal, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// EnvelopeKind distinguishes how an envelope was packaged by the relay.
type EnvelopeKind string

const (
	// EnvelopeKindNormal is an ordinary ciphertext envelope.
	EnvelopeKindNormal EnvelopeKind = "normal"
	// EnvelopeKindPreKeyBundle is an envelope that consumed a one-time prekey;
	// processing one schedules prekey replenishment.
	EnvelopeKindPreKeyBundle EnvelopeKind = "prekey_bundle"
	// EnvelopeKindReceipt is a server-generated delivery receipt envelope.
	EnvelopeKindReceipt EnvelopeKind = "receipt"
)

// Envelope is an encrypted unit of transport received from the relay server,
// not yet decrypted. It is owned exclusively by the envelope store from
// arrival until a decrypt job claims it, and is deleted exactly once, when
// dispatch reaches a terminal outcome.
type Envelope struct {
	ID           string       // Unique envelope identifier
	Sender       string       // Sender address as reported by the relay
	SenderDevice int          // Sender device id
	Timestamp    int64        // Server timestamp, milliseconds
	Kind         EnvelopeKind // Envelope kind
	Ciphertext   []byte       // Opaque encrypted content
	ReceivedAt   time.Time    // When the envelope was stored locally
}

// QueueStats represents aggregate statistics over the job table.
type QueueStats struct {
	TotalJobs       int32 // Total number of jobs
	PendingJobs     int32 // Jobs waiting to run
	RunningJobs     int32 // Jobs currently executing
	SucceededJobs   int32 // Jobs that completed successfully
	FailedJobs      int32 // Jobs that failed terminally
	CanceledJobs    int32 // Jobs canceled while pending
	TotalAttempts   int32 // Attempts across all jobs
	StoredEnvelopes int32 // Envelopes awaiting dispatch
}
