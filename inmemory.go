package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemoryBackend implements the Backend interface using in-memory storage.
// It uses a single mutex for thread-safety and is suitable for testing.
// Nothing survives a process restart, so crash recovery is a no-op in
// practice.
type InMemoryBackend struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	jobSeq    map[string]int64 // jobID -> insertion order, group FIFO tiebreak
	envelopes map[string]*Envelope
	envSeq    map[string]int64
	nextSeq   int64
	closed    bool
}

// NewInMemoryBackend creates a new in-memory backend.
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		jobs:      make(map[string]*Job),
		jobSeq:    make(map[string]int64),
		envelopes: make(map[string]*Envelope),
		envSeq:    make(map[string]int64),
	}
}

// Close closes the backend and prevents further operations.
func (b *InMemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return nil
}

// EnqueueJob persists a single pending job, deduplicating when requested.
func (b *InMemoryBackend) EnqueueJob(ctx context.Context, job *Job) (string, bool, error) {
	if _, err := normalizeContext(ctx); err != nil {
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
		fp, err := payloadFingerprint(prepared.Payload)
		if err != nil {
			return "", false, fmt.Errorf("fingerprint payload: %w", err)
		}
		fingerprint = fp
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return "", false, err
	}
	if _, exists := b.jobs[job.ID]; exists {
		return "", false, fmt.Errorf("job already exists: %s", job.ID)
	}

	if prepared.Dedupe {
		for _, existing := range b.jobs {
			if existing.Status != JobStatusPending {
				continue
			}
			if existing.Type != prepared.Type || existing.GroupID != prepared.GroupID {
				continue
			}
			fp, err := payloadFingerprint(existing.Payload)
			if err != nil {
				continue
			}
			if fp == fingerprint {
				return existing.ID, true, nil
			}
		}
	}

	b.storeJobLocked(prepared)
	return prepared.ID, false, nil
}

// NextRunnable returns the oldest eligible pending job, or nil.
func (b *InMemoryBackend) NextRunnable(ctx context.Context, now time.Time, satisfied map[string]bool) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	// Groups with a running member admit nothing; grouped pending jobs are
	// eligible only as their group's head.
	busyGroups := make(map[string]bool)
	groupHead := make(map[string]*Job)
	for _, job := range b.jobs {
		switch job.Status {
		case JobStatusRunning:
			if job.GroupID != "" {
				busyGroups[job.GroupID] = true
			}
		case JobStatusPending:
			if job.GroupID == "" {
				continue
			}
			head, ok := groupHead[job.GroupID]
			if !ok || b.enqueuedBeforeLocked(job, head) {
				groupHead[job.GroupID] = job
			}
		}
	}

	var candidates []*Job
	for _, job := range b.jobs {
		if job.Status != JobStatusPending {
			continue
		}
		if job.GroupID != "" {
			if busyGroups[job.GroupID] || groupHead[job.GroupID] != job {
				continue
			}
		}
		if job.RunAt.After(now) {
			continue
		}
		if !constraintsSatisfied(job.Constraints, satisfied) {
			continue
		}
		candidates = append(candidates, job)
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		return b.enqueuedBeforeLocked(candidates[i], candidates[j])
	})
	return cloneJob(candidates[0]), nil
}

// MarkRunning transitions a pending job to running.
func (b *InMemoryBackend) MarkRunning(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
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
	return cloneJob(job), nil
}

// MarkSucceeded transitions a running job to succeeded.
func (b *InMemoryBackend) MarkSucceeded(ctx context.Context, jobID string) error {
	return b.finalizeLocked(ctx, jobID, JobStatusSucceeded, "")
}

// MarkFailedRetryable returns a running job to pending with a backoff delay.
func (b *InMemoryBackend) MarkFailedRetryable(ctx context.Context, jobID string, errorMsg string, runAt time.Time) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	if errorMsg == "" {
		return fmt.Errorf("error message is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != JobStatusRunning {
		return fmt.Errorf("%w: job %s is %s, not %s", ErrInvalidTransition, jobID, job.Status, JobStatusRunning)
	}

	job.Status = JobStatusPending
	job.LastError = errorMsg
	job.RunAt = runAt
	return nil
}

// MarkFailedTerminal transitions a running job to failed_terminal.
func (b *InMemoryBackend) MarkFailedTerminal(ctx context.Context, jobID string, errorMsg string) error {
	if errorMsg == "" {
		return fmt.Errorf("error message is required")
	}
	return b.finalizeLocked(ctx, jobID, JobStatusFailedTerminal, errorMsg)
}

// CancelJob cancels a pending job and returns its final state.
func (b *InMemoryBackend) CancelJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return nil, err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s, only %s jobs are cancelable", ErrInvalidTransition, jobID, job.Status, JobStatusPending)
	}

	now := time.Now()
	job.Status = JobStatusCanceled
	job.FinalizedAt = &now
	return cloneJob(job), nil
}

// GetJob retrieves a job by ID.
func (b *InMemoryBackend) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return cloneJob(job), nil
}

// ResetRunningJobs returns every running job to pending (for service restart).
func (b *InMemoryBackend) ResetRunningJobs(ctx context.Context) (int, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return 0, err
	}

	now := time.Now()
	reset := 0
	for _, job := range b.jobs {
		if job.Status != JobStatusRunning {
			continue
		}
		job.Status = JobStatusPending
		job.RunAt = now
		reset++
	}
	return reset, nil
}

// CleanupExpiredJobs deletes terminal jobs older than TTL.
func (b *InMemoryBackend) CleanupExpiredJobs(ctx context.Context, ttl time.Duration) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be greater than 0")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	cutoff := time.Now().Add(-ttl)
	for jobID, job := range b.jobs {
		if job.Terminal() && job.FinalizedAt != nil && job.FinalizedAt.Before(cutoff) {
			delete(b.jobs, jobID)
			delete(b.jobSeq, jobID)
		}
	}
	return nil
}

// Stats returns aggregate counters over jobs and envelopes.
func (b *InMemoryBackend) Stats(ctx context.Context) (*QueueStats, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	stats := &QueueStats{}
	for _, job := range b.jobs {
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
	stats.StoredEnvelopes = int32(len(b.envelopes))
	return stats, nil
}

// PutEnvelope persists an undecrypted envelope.
func (b *InMemoryBackend) PutEnvelope(ctx context.Context, env *Envelope) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if env == nil {
		return fmt.Errorf("envelope is nil")
	}
	if env.ID == "" {
		return fmt.Errorf("envelope ID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	stored := cloneEnvelope(env)
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now()
	}
	if _, exists := b.envelopes[stored.ID]; !exists {
		b.nextSeq++
		b.envSeq[stored.ID] = b.nextSeq
	}
	b.envelopes[stored.ID] = stored
	return nil
}

// GetEnvelope retrieves an envelope by ID.
func (b *InMemoryBackend) GetEnvelope(ctx context.Context, envelopeID string) (*Envelope, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}
	if envelopeID == "" {
		return nil, fmt.Errorf("envelope ID is required")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	env, exists := b.envelopes[envelopeID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrEnvelopeNotFound, envelopeID)
	}
	return cloneEnvelope(env), nil
}

// DeleteEnvelope removes an envelope.
func (b *InMemoryBackend) DeleteEnvelope(ctx context.Context, envelopeID string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if envelopeID == "" {
		return fmt.Errorf("envelope ID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	if _, exists := b.envelopes[envelopeID]; !exists {
		return fmt.Errorf("%w: %s", ErrEnvelopeNotFound, envelopeID)
	}
	delete(b.envelopes, envelopeID)
	delete(b.envSeq, envelopeID)
	return nil
}

// ListEnvelopes returns all stored envelopes in arrival order.
func (b *InMemoryBackend) ListEnvelopes(ctx context.Context) ([]*Envelope, error) {
	if _, err := normalizeContext(ctx); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	result := make([]*Envelope, 0, len(b.envelopes))
	for _, env := range b.envelopes {
		result = append(result, cloneEnvelope(env))
	}
	sort.Slice(result, func(i, j int) bool {
		return b.envSeq[result[i].ID] < b.envSeq[result[j].ID]
	})
	return result, nil
}

// Helper functions

func (b *InMemoryBackend) finalizeLocked(ctx context.Context, jobID string, status JobStatus, errorMsg string) error {
	if _, err := normalizeContext(ctx); err != nil {
		return err
	}
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureOpenLocked(); err != nil {
		return err
	}

	job, exists := b.jobs[jobID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
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
	return nil
}

func (b *InMemoryBackend) storeJobLocked(job *Job) {
	b.nextSeq++
	b.jobs[job.ID] = job
	b.jobSeq[job.ID] = b.nextSeq
}

func (b *InMemoryBackend) enqueuedBeforeLocked(a, c *Job) bool {
	if !a.CreatedAt.Equal(c.CreatedAt) {
		return a.CreatedAt.Before(c.CreatedAt)
	}
	return b.jobSeq[a.ID] < b.jobSeq[c.ID]
}

func (b *InMemoryBackend) ensureOpenLocked() error {
	if b.closed {
		return ErrBackendClosed
	}
	return nil
}

func prepareJobForEnqueue(job *Job, now time.Time) *Job {
	prepared := cloneJob(job)
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = now
	}
	if prepared.RunAt.IsZero() {
		prepared.RunAt = prepared.CreatedAt
	}
	if prepared.Retry.MaxAttempts <= 0 {
		prepared.Retry.MaxAttempts = 1
	}
	prepared.Status = JobStatusPending
	prepared.Attempts = 0
	prepared.StartedAt = nil
	prepared.FinalizedAt = nil
	prepared.LastError = ""
	return prepared
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	clone := *job
	clone.Constraints = copyStringSlice(job.Constraints)
	clone.Payload = clonePayload(job.Payload)
	clone.StartedAt = copyTimePtr(job.StartedAt)
	clone.FinalizedAt = copyTimePtr(job.FinalizedAt)
	return &clone
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	clone := make(Payload, len(p))
	for k, v := range p {
		clone[k] = v
	}
	return clone
}

func cloneEnvelope(env *Envelope) *Envelope {
	if env == nil {
		return nil
	}
	clone := *env
	clone.Ciphertext = copyBytes(env.Ciphertext)
	return &clone
}

func copyBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

func copyStringSlice(src []string) []string {
	if src == nil {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	val := *t
	return &val
}

func constraintsSatisfied(constraints []string, satisfied map[string]bool) bool {
	for _, c := range constraints {
		if !satisfied[c] {
			return false
		}
	}
	return true
}

// payloadFingerprint renders a payload into a canonical form usable as a
// dedupe key. JSON object keys marshal sorted, so equal payloads produce
// equal fingerprints.
func payloadFingerprint(p Payload) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
