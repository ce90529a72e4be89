package courier

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerBackend implements the Backend interface using BadgerDB.
// It provides durable key-value storage for jobs and envelopes and is the
// backend intended for production use on-device.
type BadgerBackend struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerBackend creates a new BadgerDB backend.
// The database directory will be created if it doesn't exist.
// dbPath is the path to the BadgerDB database directory.
// logger is the logger instance for logging backend operations.
// Note: BadgerDB uses its own logger interface, so its internal logging is disabled.
func NewBadgerBackend(dbPath string, logger *slog.Logger) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable BadgerDB's internal logging (uses different logger interface)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerBackend{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

// retryUpdate retries a BadgerDB update operation on transaction conflicts.
// This provides deterministic retry behavior suitable for tests (fixed delay, no jitter).
func (b *BadgerBackend) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = 1 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}

		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}

		return err
	}

	if lastErr != nil {
		return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
	}
	return fmt.Errorf("transaction conflict after %d retries", maxRetries)
}

// key prefixes
const (
	keyPrefixJob          = "job:"
	keyPrefixPending      = "idx:pending:"
	keyPrefixGroupRunning = "idx:grouprun:"
	keyPrefixDedupe       = "idx:dedupe:"
	keyPrefixEnvelope     = "env:"
)

// jobKey returns the key for a job
func jobKey(jobID string) []byte {
	return []byte(keyPrefixJob + jobID)
}

// pendingIndexKey returns the enqueue-ordered pending index key. The
// big-endian creation timestamp makes lexical iteration equal FIFO order.
func pendingIndexKey(jobID string, createdAt time.Time) []byte {
	key := make([]byte, 0, len(keyPrefixPending)+8+len(jobID))
	key = append(key, []byte(keyPrefixPending)...)
	tsBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBytes, uint64(createdAt.UnixNano()))
	key = append(key, tsBytes...)
	key = append(key, []byte(jobID)...)
	return key
}

// groupRunningKey marks a group as having a running member.
func groupRunningKey(groupID string) []byte {
	return []byte(keyPrefixGroupRunning + groupID)
}

// dedupeKey returns the key matching an equivalent pending job. The
// fingerprint hashes type, group, and canonical payload.
func dedupeKey(job *Job, fingerprint string) []byte {
	sum := sha256.Sum256([]byte(job.Type + "\x00" + job.GroupID + "\x00" + fingerprint))
	return []byte(keyPrefixDedupe + hex.EncodeToString(sum[:]))
}

// envelopeKey returns the key for an envelope
func envelopeKey(envelopeID string) []byte {
	return []byte(keyPrefixEnvelope + envelopeID)
}

func getJobTxn(txn *badger.Txn, jobID string) (*Job, error) {
	item, err := txn.Get(jobKey(jobID))
	if err == badger.ErrKeyNotFound {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	jobData, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to copy job data: %w", err)
	}

	var job Job
	if err := json.Unmarshal(jobData, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func putJobTxn(txn *badger.Txn, job *Job) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := txn.Set(jobKey(job.ID), jobData); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// EnqueueJob persists a single pending job, deduplicating when requested.
func (b *BadgerBackend) EnqueueJob(ctx context.Context, job *Job) (string, bool, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return "", false, err
	}
	if job == nil {
		return "", false, fmt.Errorf("job is nil")
	}
	if job.ID == "" {
		return "", false, fmt.Errorf("job ID is required")
	}
	if job.Type == "" {
		return "", false, fmt.Errorf("job type is required")
	}

	prepared := prepareJobForEnqueue(job, time.Now())
	fingerprint := ""
	if prepared.Dedupe {
		fingerprint, err = payloadFingerprint(prepared.Payload)
		if err != nil {
			return "", false, fmt.Errorf("fingerprint payload: %w", err)
		}
	}

	resultID := prepared.ID
	deduped := false

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		resultID = prepared.ID
		deduped = false

		if _, err := txn.Get(jobKey(prepared.ID)); err == nil {
			return fmt.Errorf("job already exists: %s", prepared.ID)
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to check existing job: %w", err)
		}

		if prepared.Dedupe {
			item, err := txn.Get(dedupeKey(prepared, fingerprint))
			if err == nil {
				existingID, err := item.ValueCopy(nil)
				if err != nil {
					return fmt.Errorf("failed to read dedupe entry: %w", err)
				}
				existing, err := getJobTxn(txn, string(existingID))
				if err == nil && existing.Status == JobStatusPending {
					resultID = existing.ID
					deduped = true
					return nil
				}
				// Stale entry; the matching job is gone or no longer pending.
			} else if err != badger.ErrKeyNotFound {
				return fmt.Errorf("failed to check dedupe index: %w", err)
			}
		}

		if err := putJobTxn(txn, prepared); err != nil {
			return err
		}
		if err := txn.Set(pendingIndexKey(prepared.ID, prepared.CreatedAt), []byte(prepared.ID)); err != nil {
			return fmt.Errorf("failed to index pending job: %w", err)
		}
		if prepared.Dedupe {
			if err := txn.Set(dedupeKey(prepared, fingerprint), []byte(prepared.ID)); err != nil {
				return fmt.Errorf("failed to index dedupe entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}

	b.logger.Debug("EnqueueJob: stored job", "jobID", resultID, "type", prepared.Type, "groupID", prepared.GroupID, "deduped", deduped)
	return resultID, deduped, nil
}

// NextRunnable returns the oldest eligible pending job, or nil.
func (b *BadgerBackend) NextRunnable(ctx context.Context, now time.Time, satisfied map[string]bool) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var found *Job
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixPending)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// The index iterates in enqueue order, so the first pending member
		// seen for a group is its head. Later members are skipped outright.
		seenGroups := make(map[string]bool)

		for it.Seek([]byte(keyPrefixPending)); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			jobIDBytes, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}

			job, err := getJobTxn(txn, string(jobIDBytes))
			if err != nil || job.Status != JobStatusPending {
				continue
			}

			if job.GroupID != "" {
				if seenGroups[job.GroupID] {
					continue
				}
				seenGroups[job.GroupID] = true

				if _, err := txn.Get(groupRunningKey(job.GroupID)); err == nil {
					continue
				} else if err != badger.ErrKeyNotFound {
					return fmt.Errorf("failed to check running group: %w", err)
				}
			}

			if job.RunAt.After(now) {
				continue
			}
			if !constraintsSatisfied(job.Constraints, satisfied) {
				continue
			}

			found = job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if found != nil {
		b.logger.Debug("NextRunnable: selected job", "jobID", found.ID, "type", found.Type, "groupID", found.GroupID)
	}
	return found, nil
}

// MarkRunning transitions a pending job to running.
func (b *BadgerBackend) MarkRunning(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	var updated *Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != JobStatusPending {
			return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, jobID, job.Status, JobStatusPending)
		}

		now := time.Now()
		job.Status = JobStatusRunning
		job.Attempts++
		if job.StartedAt == nil {
			started := now
			job.StartedAt = &started
		}

		if err := txn.Delete(pendingIndexKey(jobID, job.CreatedAt)); err != nil {
			return fmt.Errorf("failed to remove from pending index: %w", err)
		}
		if job.GroupID != "" {
			if err := txn.Set(groupRunningKey(job.GroupID), []byte(jobID)); err != nil {
				return fmt.Errorf("failed to mark group running: %w", err)
			}
		}
		if job.Dedupe {
			fp, err := payloadFingerprint(job.Payload)
			if err == nil {
				_ = txn.Delete(dedupeKey(job, fp))
			}
		}

		if err := putJobTxn(txn, job); err != nil {
			return err
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Debug("MarkRunning: job running", "jobID", jobID, "attempts", updated.Attempts)
	return updated, nil
}

// MarkSucceeded transitions a running job to succeeded.
func (b *BadgerBackend) MarkSucceeded(ctx context.Context, jobID string) error {
	return b.finalizeJob(ctx, jobID, JobStatusSucceeded, "")
}

// MarkFailedRetryable returns a running job to pending with a backoff delay.
func (b *BadgerBackend) MarkFailedRetryable(ctx context.Context, jobID string, errorMsg string, runAt time.Time) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if errorMsg == "" {
		return fmt.Errorf("error message is required")
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != JobStatusRunning {
			return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, jobID, job.Status, JobStatusRunning)
		}

		job.Status = JobStatusPending
		job.LastError = errorMsg
		job.RunAt = runAt

		// Re-index under the original creation timestamp so the job keeps
		// its place in group FIFO order.
		if err := txn.Set(pendingIndexKey(jobID, job.CreatedAt), []byte(jobID)); err != nil {
			return fmt.Errorf("failed to add to pending index: %w", err)
		}
		if job.GroupID != "" {
			if err := txn.Delete(groupRunningKey(job.GroupID)); err != nil {
				return fmt.Errorf("failed to clear running group: %w", err)
			}
		}
		if job.Dedupe {
			fp, err := payloadFingerprint(job.Payload)
			if err == nil {
				if err := txn.Set(dedupeKey(job, fp), []byte(jobID)); err != nil {
					return fmt.Errorf("failed to index dedupe entry: %w", err)
				}
			}
		}

		return putJobTxn(txn, job)
	})
	if err != nil {
		return err
	}

	b.logger.Debug("MarkFailedRetryable: job returned to pending", "jobID", jobID, "runAt", runAt, "error", errorMsg)
	return nil
}

// MarkFailedTerminal transitions a running job to failed_terminal.
func (b *BadgerBackend) MarkFailedTerminal(ctx context.Context, jobID string, errorMsg string) error {
	if errorMsg == "" {
		return fmt.Errorf("error message is required")
	}
	return b.finalizeJob(ctx, jobID, JobStatusFailedTerminal, errorMsg)
}

func (b *BadgerBackend) finalizeJob(ctx context.Context, jobID string, status JobStatus, errorMsg string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != JobStatusRunning {
			return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, jobID, job.Status, JobStatusRunning)
		}

		now := time.Now()
		job.Status = status
		if errorMsg != "" {
			job.LastError = errorMsg
		}
		if job.FinalizedAt == nil {
			job.FinalizedAt = &now
		}

		if job.GroupID != "" {
			if err := txn.Delete(groupRunningKey(job.GroupID)); err != nil {
				return fmt.Errorf("failed to clear running group: %w", err)
			}
		}

		return putJobTxn(txn, job)
	})
	if err != nil {
		return err
	}

	b.logger.Debug("finalizeJob: job finalized", "jobID", jobID, "status", status)
	return nil
}

// CancelJob cancels a pending job and returns its final state.
func (b *BadgerBackend) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	var canceled *Job
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		if job.Status != JobStatusPending {
			return fmt.Errorf("%w: job %s is %s, only %s jobs are cancelable", ErrInvalidTransition, jobID, job.Status, JobStatusPending)
		}

		now := time.Now()
		job.Status = JobStatusCanceled
		job.FinalizedAt = &now

		if err := txn.Delete(pendingIndexKey(jobID, job.CreatedAt)); err != nil {
			return fmt.Errorf("failed to remove from pending index: %w", err)
		}
		if job.Dedupe {
			fp, err := payloadFingerprint(job.Payload)
			if err == nil {
				_ = txn.Delete(dedupeKey(job, fp))
			}
		}

		if err := putJobTxn(txn, job); err != nil {
			return err
		}
		canceled = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.logger.Debug("CancelJob: job canceled", "jobID", jobID)
	return canceled, nil
}

// GetJob retrieves a job by ID
func (b *BadgerBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	var job *Job
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		j, err := getJobTxn(txn, jobID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ResetRunningJobs returns every running job to pending (for service restart).
func (b *BadgerBackend) ResetRunningJobs(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	reset := 0
	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		reset = 0

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			jobData, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}

			var job Job
			if err := json.Unmarshal(jobData, &job); err != nil {
				continue
			}
			if job.Status != JobStatusRunning {
				continue
			}

			job.Status = JobStatusPending
			job.RunAt = now

			if err := txn.Set(pendingIndexKey(job.ID, job.CreatedAt), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to add reset job to pending index: %w", err)
			}
			if job.GroupID != "" {
				_ = txn.Delete(groupRunningKey(job.GroupID))
			}
			if err := putJobTxn(txn, &job); err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.logger.Debug("ResetRunningJobs: reset interrupted jobs", "count", reset)
	return reset, nil
}

// CleanupExpiredJobs deletes terminal jobs older than TTL
func (b *BadgerBackend) CleanupExpiredJobs(ctx context.Context, ttl time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be greater than 0")
	}
	cutoff := time.Now().Add(-ttl)

	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			jobData, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}

			var job Job
			if err := json.Unmarshal(jobData, &job); err != nil {
				continue
			}

			if job.Terminal() && job.FinalizedAt != nil && job.FinalizedAt.Before(cutoff) {
				if err := txn.Delete(item.KeyCopy(nil)); err != nil {
					return fmt.Errorf("failed to delete job: %w", err)
				}
			}
		}
		return nil
	})
}

// Stats returns aggregate counters over jobs and envelopes.
func (b *BadgerBackend) Stats(ctx context.Context) (*QueueStats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	stats := &QueueStats{}
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixJob)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				it.Close()
				return err
			}
			jobData, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(jobData, &job); err != nil {
				continue
			}

			stats.TotalJobs++
			stats.TotalAttempts += int32(job.Attempts)
			switch job.Status {
			case JobStatusPending:
				stats.PendingJobs++
			case JobStatusRunning:
				stats.RunningJobs++
			case JobStatusSucceeded:
				stats.SucceededJobs++
			case JobStatusFailedTerminal:
				stats.FailedJobs++
			case JobStatusCanceled:
				stats.CanceledJobs++
			}
		}
		it.Close()

		envOpts := badger.DefaultIteratorOptions
		envOpts.Prefix = []byte(keyPrefixEnvelope)
		envOpts.PrefetchValues = false

		envIt := txn.NewIterator(envOpts)
		defer envIt.Close()
		for envIt.Rewind(); envIt.Valid(); envIt.Next() {
			stats.StoredEnvelopes++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return stats, nil
}

// PutEnvelope persists an undecrypted envelope.
func (b *BadgerBackend) PutEnvelope(ctx context.Context, env *Envelope) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("envelope is nil")
	}
	if env.ID == "" {
		return fmt.Errorf("envelope ID is required")
	}

	stored := cloneEnvelope(env)
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now()
	}

	envData, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return txn.Set(envelopeKey(stored.ID), envData)
	})
	if err != nil {
		return err
	}

	b.logger.Debug("PutEnvelope: stored envelope", "envelopeID", stored.ID, "sender", stored.Sender)
	return nil
}

// GetEnvelope retrieves an envelope by ID.
func (b *BadgerBackend) GetEnvelope(ctx context.Context, envelopeID string) (*Envelope, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if envelopeID == "" {
		return nil, fmt.Errorf("envelope ID is required")
	}

	var env *Envelope
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := txn.Get(envelopeKey(envelopeID))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrEnvelopeNotFound, envelopeID)
		}
		if err != nil {
			return fmt.Errorf("failed to get envelope: %w", err)
		}

		envData, err := item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("failed to copy envelope data: %w", err)
		}

		var e Envelope
		if err := json.Unmarshal(envData, &e); err != nil {
			return fmt.Errorf("failed to unmarshal envelope: %w", err)
		}
		env = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

// DeleteEnvelope removes an envelope.
func (b *BadgerBackend) DeleteEnvelope(ctx context.Context, envelopeID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if envelopeID == "" {
		return fmt.Errorf("envelope ID is required")
	}

	err = b.retryUpdate(ctx, func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := txn.Get(envelopeKey(envelopeID)); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %s", ErrEnvelopeNotFound, envelopeID)
		} else if err != nil {
			return fmt.Errorf("failed to check envelope: %w", err)
		}
		return txn.Delete(envelopeKey(envelopeID))
	})
	if err != nil {
		return err
	}

	b.logger.Debug("DeleteEnvelope: deleted envelope", "envelopeID", envelopeID)
	return nil
}

// ListEnvelopes returns all stored envelopes in arrival order.
func (b *BadgerBackend) ListEnvelopes(ctx context.Context) ([]*Envelope, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	var result []*Envelope
	err = b.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixEnvelope)
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			envData, err := it.Item().ValueCopy(nil)
			if err != nil {
				continue
			}
			var env Envelope
			if err := json.Unmarshal(envData, &env); err != nil {
				continue
			}
			result = append(result, &env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].ReceivedAt.Equal(result[j].ReceivedAt) {
			return result[i].ReceivedAt.Before(result[j].ReceivedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}
