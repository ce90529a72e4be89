//go:build sqlite
// +build sqlite

package courier

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend implements the Backend interface using SQLite.
// It provides ACID transactions and a single-file database, useful when the
// host application already ships SQLite.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates a new SQLite backend.
// The database file will be created if it doesn't exist.
// dbPath is the path to the SQLite database file.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	backend := &SQLiteBackend{db: db}

	if err := backend.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return backend, nil
}

// Close closes the database connection
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// initSchema initializes the database schema
func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		group_id TEXT NOT NULL DEFAULT '',
		dedupe INTEGER NOT NULL DEFAULT 0,
		constraints TEXT,
		max_attempts INTEGER NOT NULL DEFAULT 1,
		backoff_initial INTEGER NOT NULL DEFAULT 0,
		backoff_cap INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		run_at INTEGER NOT NULL,
		started_at INTEGER,
		finalized_at INTEGER,
		last_error TEXT
	);

	CREATE TABLE IF NOT EXISTS envelopes (
		id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		sender_device INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		kind TEXT NOT NULL,
		ciphertext BLOB,
		received_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_group_id ON jobs(group_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_envelopes_received_at ON envelopes(received_at);
	`

	_, err := b.db.Exec(schema)
	return err
}

func insertJobTx(ctx context.Context, tx *sql.Tx, job *Job) error {
	constraints, err := json.Marshal(job.Constraints)
	if err != nil {
		return fmt.Errorf("failed to marshal constraints: %w", err)
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, job_type, group_id, dedupe, constraints, max_attempts, backoff_initial, backoff_cap,
		                  payload, status, attempts, created_at, run_at, started_at, finalized_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, '')
	`, job.ID, job.Type, job.GroupID, boolToInt(job.Dedupe), string(constraints),
		job.Retry.MaxAttempts, int64(job.Retry.BackoffInitial), int64(job.Retry.BackoffCap),
		string(payload), job.Status, job.Attempts, job.CreatedAt.UnixNano(), job.RunAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, job_type, group_id, dedupe, constraints, max_attempts, backoff_initial, backoff_cap,
       payload, status, attempts, created_at, run_at, started_at, finalized_at, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job            Job
		dedupe         int
		constraints    sql.NullString
		backoffInitial int64
		backoffCap     int64
		payload        sql.NullString
		createdAt      int64
		runAt          int64
		startedAt      sql.NullInt64
		finalizedAt    sql.NullInt64
		lastError      sql.NullString
	)
	err := row.Scan(&job.ID, &job.Type, &job.GroupID, &dedupe, &constraints,
		&job.Retry.MaxAttempts, &backoffInitial, &backoffCap,
		&payload, &job.Status, &job.Attempts, &createdAt, &runAt,
		&startedAt, &finalizedAt, &lastError)
	if err != nil {
		return nil, err
	}

	job.Dedupe = dedupe != 0
	job.Retry.BackoffInitial = time.Duration(backoffInitial)
	job.Retry.BackoffCap = time.Duration(backoffCap)
	job.CreatedAt = time.Unix(0, createdAt)
	job.RunAt = time.Unix(0, runAt)
	if constraints.Valid && constraints.String != "" {
		if err := json.Unmarshal([]byte(constraints.String), &job.Constraints); err != nil {
			return nil, fmt.Errorf("failed to unmarshal constraints: %w", err)
		}
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &job.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64)
		job.StartedAt = &t
	}
	if finalizedAt.Valid {
		t := time.Unix(0, finalizedAt.Int64)
		job.FinalizedAt = &t
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return &job, nil
}

// EnqueueJob persists a single pending job, deduplicating when requested.
func (b *SQLiteBackend) EnqueueJob(ctx context.Context, job *Job) (string, bool, error) {
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if prepared.Dedupe {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE status = ? AND job_type = ? AND group_id = ?
		`, JobStatusPending, prepared.Type, prepared.GroupID)
		if err != nil {
			return "", false, fmt.Errorf("failed to query pending jobs: %w", err)
		}
		for rows.Next() {
			existing, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return "", false, err
			}
			fp, err := payloadFingerprint(existing.Payload)
			if err != nil {
				continue
			}
			if fp == fingerprint {
				rows.Close()
				return existing.ID, true, nil
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return "", false, err
		}
		rows.Close()
	}

	if err := insertJobTx(ctx, tx, prepared); err != nil {
		return "", false, err
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return prepared.ID, false, nil
}

// NextRunnable returns the oldest eligible pending job, or nil.
func (b *SQLiteBackend) NextRunnable(ctx context.Context, now time.Time, satisfied map[string]bool) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	busyGroups := make(map[string]bool)
	groupRows, err := b.db.QueryContext(ctx, `
		SELECT DISTINCT group_id FROM jobs WHERE status = ? AND group_id != ''
	`, JobStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to query running groups: %w", err)
	}
	for groupRows.Next() {
		var groupID string
		if err := groupRows.Scan(&groupID); err != nil {
			groupRows.Close()
			return nil, err
		}
		busyGroups[groupID] = true
	}
	if err := groupRows.Err(); err != nil {
		groupRows.Close()
		return nil, err
	}
	groupRows.Close()

	rows, err := b.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
	`, JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	defer rows.Close()

	// Rows arrive in enqueue order, so the first pending member seen for a
	// group is its head.
	seenGroups := make(map[string]bool)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		if job.GroupID != "" {
			if seenGroups[job.GroupID] {
				continue
			}
			seenGroups[job.GroupID] = true
			if busyGroups[job.GroupID] {
				continue
			}
		}
		if job.RunAt.After(now) {
			continue
		}
		if !constraintsSatisfied(job.Constraints, satisfied) {
			continue
		}
		return job, nil
	}
	return nil, rows.Err()
}

// MarkRunning transitions a pending job to running.
func (b *SQLiteBackend) MarkRunning(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, jobID, job.Status, JobStatusPending)
	}

	now := time.Now()
	job.Status = JobStatusRunning
	job.Attempts++
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, attempts = ?, started_at = ? WHERE id = ?
	`, job.Status, job.Attempts, job.StartedAt.UnixNano(), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

// MarkSucceeded transitions a running job to succeeded.
func (b *SQLiteBackend) MarkSucceeded(ctx context.Context, jobID string) error {
	return b.finalizeJob(ctx, jobID, JobStatusSucceeded, "")
}

// MarkFailedRetryable returns a running job to pending with a backoff delay.
func (b *SQLiteBackend) MarkFailedRetryable(ctx context.Context, jobID string, errorMsg string, runAt time.Time) error {
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

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusRunning {
		return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, jobID, job.Status, JobStatusRunning)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_error = ?, run_at = ? WHERE id = ?
	`, JobStatusPending, errorMsg, runAt.UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return tx.Commit()
}

// MarkFailedTerminal transitions a running job to failed_terminal.
func (b *SQLiteBackend) MarkFailedTerminal(ctx context.Context, jobID string, errorMsg string) error {
	if errorMsg == "" {
		return fmt.Errorf("error message is required")
	}
	return b.finalizeJob(ctx, jobID, JobStatusFailedTerminal, errorMsg)
}

func (b *SQLiteBackend) finalizeJob(ctx context.Context, jobID string, status JobStatus, errorMsg string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobStatusRunning {
		return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, jobID, job.Status, JobStatusRunning)
	}

	now := time.Now()
	if errorMsg == "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, finalized_at = ? WHERE id = ?
		`, status, now.UnixNano(), jobID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, last_error = ?, finalized_at = ? WHERE id = ?
		`, status, errorMsg, now.UnixNano(), jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return tx.Commit()
}

// CancelJob cancels a pending job and returns its final state.
func (b *SQLiteBackend) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := getJobTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s, only %s jobs are cancelable", ErrInvalidTransition, jobID, job.Status, JobStatusPending)
	}

	now := time.Now()
	job.Status = JobStatusCanceled
	job.FinalizedAt = &now

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, finalized_at = ? WHERE id = ?
	`, job.Status, now.UnixNano(), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return job, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, jobID string) (*Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (b *SQLiteBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ResetRunningJobs returns every running job to pending (for service restart).
func (b *SQLiteBackend) ResetRunningJobs(ctx context.Context) (int, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return 0, err
	}

	result, err := b.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, run_at = ? WHERE status = ?
	`, JobStatusPending, time.Now().UnixNano(), JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// CleanupExpiredJobs deletes terminal jobs older than TTL
func (b *SQLiteBackend) CleanupExpiredJobs(ctx context.Context, ttl time.Duration) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be greater than 0")
	}

	cutoff := time.Now().Add(-ttl).UnixNano()
	_, err = b.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?, ?) AND finalized_at IS NOT NULL AND finalized_at < ?
	`, JobStatusSucceeded, JobStatusFailedTerminal, JobStatusCanceled, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup expired jobs: %w", err)
	}
	return nil
}

// Stats returns aggregate counters over jobs and envelopes.
func (b *SQLiteBackend) Stats(ctx context.Context) (*QueueStats, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	stats := &QueueStats{}
	rows, err := b.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(attempts), 0) FROM jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query job stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status JobStatus
		var count, attempts int32
		if err := rows.Scan(&status, &count, &attempts); err != nil {
			return nil, err
		}
		stats.TotalJobs += count
		stats.TotalAttempts += attempts
		switch status {
		case JobStatusPending:
			stats.PendingJobs = count
		case JobStatusRunning:
			stats.RunningJobs = count
		case JobStatusSucceeded:
			stats.SucceededJobs = count
		case JobStatusFailedTerminal:
			stats.FailedJobs = count
		case JobStatusCanceled:
			stats.CanceledJobs = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envelopes`)
	if err := row.Scan(&stats.StoredEnvelopes); err != nil {
		return nil, fmt.Errorf("failed to count envelopes: %w", err)
	}
	return stats, nil
}

// PutEnvelope persists an undecrypted envelope.
func (b *SQLiteBackend) PutEnvelope(ctx context.Context, env *Envelope) error {
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

	receivedAt := env.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO envelopes (id, sender, sender_device, timestamp, kind, ciphertext, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender = excluded.sender,
			sender_device = excluded.sender_device,
			timestamp = excluded.timestamp,
			kind = excluded.kind,
			ciphertext = excluded.ciphertext
	`, env.ID, env.Sender, env.SenderDevice, env.Timestamp, env.Kind, env.Ciphertext, receivedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert envelope: %w", err)
	}
	return nil
}

// GetEnvelope retrieves an envelope by ID.
func (b *SQLiteBackend) GetEnvelope(ctx context.Context, envelopeID string) (*Envelope, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}
	if envelopeID == "" {
		return nil, fmt.Errorf("envelope ID is required")
	}

	row := b.db.QueryRowContext(ctx, `
		SELECT id, sender, sender_device, timestamp, kind, ciphertext, received_at
		FROM envelopes WHERE id = ?
	`, envelopeID)
	env, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrEnvelopeNotFound, envelopeID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}
	return env, nil
}

func scanEnvelope(row rowScanner) (*Envelope, error) {
	var env Envelope
	var receivedAt int64
	err := row.Scan(&env.ID, &env.Sender, &env.SenderDevice, &env.Timestamp, &env.Kind, &env.Ciphertext, &receivedAt)
	if err != nil {
		return nil, err
	}
	env.ReceivedAt = time.Unix(0, receivedAt)
	return &env, nil
}

// DeleteEnvelope removes an envelope.
func (b *SQLiteBackend) DeleteEnvelope(ctx context.Context, envelopeID string) error {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return err
	}
	if envelopeID == "" {
		return fmt.Errorf("envelope ID is required")
	}

	result, err := b.db.ExecContext(ctx, `DELETE FROM envelopes WHERE id = ?`, envelopeID)
	if err != nil {
		return fmt.Errorf("failed to delete envelope: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrEnvelopeNotFound, envelopeID)
	}
	return nil
}

// ListEnvelopes returns all stored envelopes in arrival order.
func (b *SQLiteBackend) ListEnvelopes(ctx context.Context) ([]*Envelope, error) {
	var err error
	if ctx, err = normalizeContext(ctx); err != nil {
		return nil, err
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, sender, sender_device, timestamp, kind, ciphertext, received_at
		FROM envelopes ORDER BY received_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query envelopes: %w", err)
	}
	defer rows.Close()

	var result []*Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, env)
	}
	return result, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
