package courier_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/VsevolodSauta/courier"
)

// allConstraints marks every constraint satisfied for NextRunnable calls that
// are not exercising constraint gating.
var allConstraints = map[string]bool{courier.ConstraintNetwork: true}

// BackendTestSuite runs a behavior suite against a Backend implementation.
func BackendTestSuite(backendFactory func() (courier.Backend, func())) {
	var backend courier.Backend
	var cleanup func()
	var ctx context.Context

	BeforeEach(func() {
		backend, cleanup = backendFactory()
		ctx = context.Background()
	})

	AfterEach(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	newJob := func(id, jobType, groupID string) *courier.Job {
		return &courier.Job{
			ID:      id,
			Type:    jobType,
			GroupID: groupID,
			Retry:   courier.RetryPolicy{MaxAttempts: 3, BackoffInitial: time.Second},
			Payload: courier.Payload{"k": id},
		}
	}

	enqueue := func(job *courier.Job) string {
		id, deduped, err := backend.EnqueueJob(ctx, job)
		Expect(err).NotTo(HaveOccurred())
		Expect(deduped).To(BeFalse())
		return id
	}

	Describe("EnqueueJob", func() {
		It("should persist a pending job", func() {
			enqueue(newJob("job-1", "test", ""))

			retrieved, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(retrieved.Status).To(Equal(courier.JobStatusPending))
			Expect(retrieved.Attempts).To(Equal(0))
		})

		It("should reject a duplicate job ID", func() {
			enqueue(newJob("job-1", "test", ""))
			_, _, err := backend.EnqueueJob(ctx, newJob("job-1", "test", ""))
			Expect(err).To(HaveOccurred())
		})

		It("should reject a job without a type", func() {
			job := newJob("job-1", "", "")
			_, _, err := backend.EnqueueJob(ctx, job)
			Expect(err).To(HaveOccurred())
		})

		It("should deduplicate equal pending payloads", func() {
			job := newJob("job-1", "test", "g1")
			job.Dedupe = true
			enqueue(job)

			dup := newJob("job-2", "test", "g1")
			dup.Dedupe = true
			dup.Payload = courier.Payload{"k": "job-1"}
			id, deduped, err := backend.EnqueueJob(ctx, dup)
			Expect(err).NotTo(HaveOccurred())
			Expect(deduped).To(BeTrue())
			Expect(id).To(Equal("job-1"))

			_, err = backend.GetJob(ctx, "job-2")
			Expect(err).To(HaveOccurred())
		})

		It("should not deduplicate differing payloads", func() {
			job := newJob("job-1", "test", "g1")
			job.Dedupe = true
			enqueue(job)

			other := newJob("job-2", "test", "g1")
			other.Dedupe = true
			enqueue(other)
		})

		It("should not deduplicate against a running job", func() {
			job := newJob("job-1", "test", "g1")
			job.Dedupe = true
			enqueue(job)

			_, err := backend.MarkRunning(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())

			dup := newJob("job-2", "test", "g1")
			dup.Dedupe = true
			dup.Payload = courier.Payload{"k": "job-1"}
			id, deduped, err := backend.EnqueueJob(ctx, dup)
			Expect(err).NotTo(HaveOccurred())
			Expect(deduped).To(BeFalse())
			Expect(id).To(Equal("job-2"))
		})
	})

	Describe("NextRunnable", func() {
		It("should return nil when nothing is pending", func() {
			job, err := backend.NextRunnable(ctx, time.Now(), allConstraints)
			Expect(err).NotTo(HaveOccurred())
			Expect(job).To(BeNil())
		})

		It("should return the oldest pending job", func() {
			first := newJob("job-1", "test", "")
			first.CreatedAt = time.Now().Add(-2 * time.Minute)
			enqueue(first)
			second := newJob("job-2", "test", "")
			second.CreatedAt = time.Now().Add(-time.Minute)
			enqueue(second)

			job, err := backend.NextRunnable(ctx, time.Now(), allConstraints)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(Equal("job-1"))
		})

		It("should skip jobs whose RunAt is in the future", func() {
			job := newJob("job-1", "test", "")
			job.RunAt = time.Now().Add(time.Hour)
			enqueue(job)

			next, err := backend.NextRunnable(ctx, time.Now(), allConstraints)
			Expect(err).NotTo(HaveOccurred())
			Expect(next).To(BeNil())
		})

		It("should skip jobs with unsatisfied constraints", func() {
			job := newJob("job-1", "test", "")
			job.Constraints = []string{courier.ConstraintNetwork}
			enqueue(job)

			next, err := backend.NextRunnable(ctx, time.Now(), map[string]bool{})
			Expect(err).NotTo(HaveOccurred())
			Expect(next).To(BeNil())

			next, err = backend.NextRunnable(ctx, time.Now(), allConstraints)
			Expect(err).NotTo(HaveOccurred())
			Expect(next).NotTo(BeNil())
			Expect(next.ID).To(Equal("job-1"))
		})

		Context("group ordering", func() {
			It("should only offer the group head", func() {
				first := newJob("job-1", "test", "g1")
				first.CreatedAt = time.Now().Add(-2 * time.Minute)
				enqueue(first)
				second := newJob("job-2", "test", "g1")
				second.CreatedAt = time.Now().Add(-time.Minute)
				enqueue(second)

				job, err := backend.NextRunnable(ctx, time.Now(), allConstraints)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.ID).To(Equal("job-1"))
			})

			It("should offer nothing from a group with a running member", func() {
				first := newJob("job-1", "test", "g1")
				first.CreatedAt = time.Now().Add(-2 * time.Minute)
				enqueue(first)
				second := newJob("job-2", "test", "g1")
				second.CreatedAt = time.Now().Add(-time.Minute)
				enqueue(second)

				_, err := backend.MarkRunning(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())

				job, err := backend.NextRunnable(ctx, time.Now(), allConstraints)
				Expect(err).NotTo(HaveOccurred())
				Expect(job).To(BeNil())
			})

			It("should block successors behind a head waiting on backoff", func() {
				first := newJob("job-1", "test", "g1")
				first.CreatedAt = time.Now().Add(-2 * time.Minute)
				enqueue(first)
				second := newJob("job-2", "test", "g1")
				second.CreatedAt = time.Now().Add(-time.Minute)
				enqueue(second)

				_, err := backend.MarkRunning(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				err = backend.MarkFailedRetryable(ctx, "job-1", "boom", time.Now().Add(time.Hour))
				Expect(err).NotTo(HaveOccurred())

				// The head keeps its place in line; job-2 must not overtake it.
				job, err := backend.NextRunnable(ctx, time.Now(), allConstraints)
				Expect(err).NotTo(HaveOccurred())
				Expect(job).To(BeNil())
			})

			It("should release the group after the head finishes", func() {
				first := newJob("job-1", "test", "g1")
				first.CreatedAt = time.Now().Add(-2 * time.Minute)
				enqueue(first)
				second := newJob("job-2", "test", "g1")
				second.CreatedAt = time.Now().Add(-time.Minute)
				enqueue(second)

				_, err := backend.MarkRunning(ctx, "job-1")
				Expect(err).NotTo(HaveOccurred())
				Expect(backend.MarkSucceeded(ctx, "job-1")).To(Succeed())

				job, err := backend.NextRunnable(ctx, time.Now(), allConstraints)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.ID).To(Equal("job-2"))
			})

			It("should run independent groups concurrently", func() {
				a := newJob("job-a", "test", "g1")
				a.CreatedAt = time.Now().Add(-2 * time.Minute)
				enqueue(a)
				b := newJob("job-b", "test", "g2")
				b.CreatedAt = time.Now().Add(-time.Minute)
				enqueue(b)

				_, err := backend.MarkRunning(ctx, "job-a")
				Expect(err).NotTo(HaveOccurred())

				job, err := backend.NextRunnable(ctx, time.Now(), allConstraints)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.ID).To(Equal("job-b"))
			})
		})
	})

	Describe("Lifecycle transitions", func() {
		It("should count attempts on MarkRunning", func() {
			enqueue(newJob("job-1", "test", ""))

			running, err := backend.MarkRunning(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(running.Status).To(Equal(courier.JobStatusRunning))
			Expect(running.Attempts).To(Equal(1))

			Expect(backend.MarkFailedRetryable(ctx, "job-1", "boom", time.Now())).To(Succeed())
			running, err = backend.MarkRunning(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(running.Attempts).To(Equal(2))
		})

		It("should reject running a running job", func() {
			enqueue(newJob("job-1", "test", ""))
			_, err := backend.MarkRunning(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			_, err = backend.MarkRunning(ctx, "job-1")
			Expect(err).To(HaveOccurred())
		})

		It("should finalize a succeeded job", func() {
			enqueue(newJob("job-1", "test", ""))
			_, err := backend.MarkRunning(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.MarkSucceeded(ctx, "job-1")).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(courier.JobStatusSucceeded))
			Expect(job.FinalizedAt).NotTo(BeNil())
		})

		It("should record the error on terminal failure", func() {
			enqueue(newJob("job-1", "test", ""))
			_, err := backend.MarkRunning(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.MarkFailedTerminal(ctx, "job-1", "gave up")).To(Succeed())

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(courier.JobStatusFailedTerminal))
			Expect(job.LastError).To(Equal("gave up"))
		})

		It("should only cancel pending jobs", func() {
			enqueue(newJob("job-1", "test", ""))
			canceled, err := backend.CancelJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(canceled.Status).To(Equal(courier.JobStatusCanceled))

			enqueue(newJob("job-2", "test", ""))
			_, err = backend.MarkRunning(ctx, "job-2")
			Expect(err).NotTo(HaveOccurred())
			_, err = backend.CancelJob(ctx, "job-2")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("ResetRunningJobs", func() {
		It("should return running jobs to pending", func() {
			enqueue(newJob("job-1", "test", ""))
			enqueue(newJob("job-2", "test", ""))
			_, err := backend.MarkRunning(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())

			reset, err := backend.ResetRunningJobs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(reset).To(Equal(1))

			job, err := backend.GetJob(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Status).To(Equal(courier.JobStatusPending))
			// The attempt that was interrupted still counts.
			Expect(job.Attempts).To(Equal(1))
		})
	})

	Describe("CleanupExpiredJobs", func() {
		It("should delete old terminal jobs and keep the rest", func() {
			old := newJob("job-old", "test", "")
			old.CreatedAt = time.Now().Add(-48 * time.Hour)
			enqueue(old)
			_, err := backend.MarkRunning(ctx, "job-old")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.MarkSucceeded(ctx, "job-old")).To(Succeed())

			enqueue(newJob("job-pending", "test", ""))

			// Finalized just now, TTL of a nanosecond expires it immediately.
			time.Sleep(5 * time.Millisecond)
			Expect(backend.CleanupExpiredJobs(ctx, time.Nanosecond)).To(Succeed())

			_, err = backend.GetJob(ctx, "job-old")
			Expect(err).To(HaveOccurred())
			_, err = backend.GetJob(ctx, "job-pending")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("Stats", func() {
		It("should aggregate job and envelope counters", func() {
			enqueue(newJob("job-1", "test", ""))
			enqueue(newJob("job-2", "test", ""))
			_, err := backend.MarkRunning(ctx, "job-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(backend.MarkSucceeded(ctx, "job-1")).To(Succeed())

			Expect(backend.PutEnvelope(ctx, &courier.Envelope{ID: "env-1", Sender: "bob"})).To(Succeed())

			stats, err := backend.Stats(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.TotalJobs).To(Equal(int32(2)))
			Expect(stats.PendingJobs).To(Equal(int32(1)))
			Expect(stats.SucceededJobs).To(Equal(int32(1)))
			Expect(stats.StoredEnvelopes).To(Equal(int32(1)))
		})
	})

	Describe("Envelopes", func() {
		It("should round-trip an envelope", func() {
			env := &courier.Envelope{
				ID:           "env-1",
				Sender:       "bob",
				SenderDevice: 2,
				Timestamp:    1234,
				Kind:         courier.EnvelopeKindPreKeyBundle,
				Ciphertext:   []byte{1, 2, 3},
			}
			Expect(backend.PutEnvelope(ctx, env)).To(Succeed())

			stored, err := backend.GetEnvelope(ctx, "env-1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Sender).To(Equal("bob"))
			Expect(stored.SenderDevice).To(Equal(2))
			Expect(stored.Kind).To(Equal(courier.EnvelopeKindPreKeyBundle))
			Expect(stored.Ciphertext).To(Equal([]byte{1, 2, 3}))
			Expect(stored.ReceivedAt.IsZero()).To(BeFalse())
		})

		It("should delete exactly once", func() {
			Expect(backend.PutEnvelope(ctx, &courier.Envelope{ID: "env-1", Sender: "bob"})).To(Succeed())
			Expect(backend.DeleteEnvelope(ctx, "env-1")).To(Succeed())
			Expect(backend.DeleteEnvelope(ctx, "env-1")).NotTo(Succeed())

			_, err := backend.GetEnvelope(ctx, "env-1")
			Expect(err).To(MatchError(courier.ErrEnvelopeNotFound))
		})

		It("should list envelopes in arrival order", func() {
			for _, id := range []string{"env-1", "env-2", "env-3"} {
				Expect(backend.PutEnvelope(ctx, &courier.Envelope{ID: id, Sender: "bob"})).To(Succeed())
				time.Sleep(2 * time.Millisecond)
			}

			envs, err := backend.ListEnvelopes(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(envs).To(HaveLen(3))
			Expect(envs[0].ID).To(Equal("env-1"))
			Expect(envs[1].ID).To(Equal("env-2"))
			Expect(envs[2].ID).To(Equal("env-3"))
		})
	})
}
