package courier

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Engine wires the queue, executor, and dispatcher over one backend and one
// set of collaborators. It is the single entry point for embedding clients:
// envelopes go in through SubmitEnvelope, outgoing text through SendText,
// everything else happens on the worker pool.
type Engine struct {
	config *Config
	collab *Collaborators
	logger *slog.Logger

	constraints  *ConstraintRegistry
	connectivity *ConnectivityMonitor
	queue        *JobQueue
	executor     *Executor
	envelopes    *EnvelopeStore
	dispatcher   *Dispatcher
}

// NewEngine assembles an engine over the backend. The collaborator set must
// be fully populated; the engine performs no nil checks at call sites.
func NewEngine(config *Config, backend Backend, collab *Collaborators, logger *slog.Logger) (*Engine, error) {
	if config == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend is nil")
	}
	if collab == nil {
		return nil, fmt.Errorf("collaborators are nil")
	}

	constraints := NewConstraintRegistry(logger)
	queue := NewJobQueue(backend, constraints, logger)
	envelopes := NewEnvelopeStore(backend, logger)
	dispatcher := NewDispatcher(config, envelopes, queue, collab, logger)
	textSender := NewTextSender(config, queue, collab, logger)
	executor := NewExecutor(queue, config, logger)

	executor.Register(JobTypeDecrypt, dispatcher)
	executor.Register(JobTypeTextSend, textSender)
	executor.Register(JobTypeAttachmentDownload, &attachmentDownloadRunner{downloader: collab.Attachments})
	executor.Register(JobTypeDeliveryReceipt, &deliveryReceiptRunner{sender: collab.Sender})
	executor.Register(JobTypePreKeyReplenish, &preKeyReplenishRunner{prekeys: collab.PreKeys})
	executor.Register(JobTypeSignedPreKeyRotate, &signedPreKeyRotateRunner{prekeys: collab.PreKeys})
	executor.Register(JobTypeCertificateRotate, &certificateRotateRunner{certificates: collab.Certificates})
	executor.Register(JobTypeGroupInfoRequest, &groupInfoRequestRunner{requester: collab.GroupInfo})
	executor.Register(JobTypeProfileFetch, &profileFetchRunner{profiles: collab.Profiles})
	executor.Register(JobTypeSyncResponse, &syncResponseRunner{responder: collab.SyncResponses})
	executor.Register(JobTypeOutageDetection, &outageDetectionRunner{prober: collab.Prober})

	// Newly satisfied constraints unblock waiting jobs.
	constraints.OnChange(queue.Signal)

	return &Engine{
		config:       config,
		collab:       collab,
		logger:       logger,
		constraints:  constraints,
		connectivity: NewConnectivityMonitor(constraints),
		queue:        queue,
		executor:     executor,
		envelopes:    envelopes,
		dispatcher:   dispatcher,
	}, nil
}

// Start recovers interrupted jobs, re-enqueues retained envelopes when the
// identity is usable, and launches the worker pool.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.executor.Start(ctx); err != nil {
		return err
	}
	if e.collab.Identity.Established(ctx) {
		if _, err := e.dispatcher.ResumeLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts the worker pool down gracefully. In-flight jobs complete first.
func (e *Engine) Stop() {
	e.executor.Stop()
}

// SubmitEnvelope stores an incoming envelope and enqueues its decrypt job.
// Returns the stored envelope's ID.
func (e *Engine) SubmitEnvelope(ctx context.Context, env *Envelope) (string, error) {
	envelopeID, err := e.envelopes.Put(ctx, env)
	if err != nil {
		return "", err
	}
	if _, err := e.queue.Enqueue(ctx, NewDecryptJob(envelopeID, e.config.DefaultRetry)); err != nil {
		return "", err
	}
	return envelopeID, nil
}

// SubmitEnvelopeCompleting stores an envelope whose decrypted body completes
// the placeholder record identified by smsMessageID.
func (e *Engine) SubmitEnvelopeCompleting(ctx context.Context, env *Envelope, smsMessageID int64) (string, error) {
	envelopeID, err := e.envelopes.Put(ctx, env)
	if err != nil {
		return "", err
	}
	if _, err := e.queue.Enqueue(ctx, NewDecryptJobForPlaceholder(envelopeID, smsMessageID, e.config.DefaultRetry)); err != nil {
		return "", err
	}
	return envelopeID, nil
}

// SendText records an outgoing text message and enqueues its delivery.
// Returns the stored message ID, usable with CancelJob via the returned job
// ID's payload or with the conversation store directly.
func (e *Engine) SendText(ctx context.Context, destination, body string) (int64, string, error) {
	expiresIn, err := e.collab.Conversations.GetExpireTimer(ctx, destination)
	if err != nil {
		return 0, "", err
	}
	rec := &OutgoingRecord{
		Destination:      destination,
		Body:             body,
		Timestamp:        time.Now().UnixMilli(),
		ExpiresInSeconds: expiresIn,
		Status:           OutgoingPending,
	}
	result, err := e.collab.Conversations.InsertOutgoing(ctx, rec)
	if err != nil {
		return 0, "", err
	}
	jobID, err := e.queue.Enqueue(ctx, NewTextSendJob(result.MessageID, destination, e.config.DefaultRetry))
	if err != nil {
		return 0, "", err
	}
	e.logger.Debug("SendText: queued", "destination", destination, "messageID", result.MessageID, "jobID", jobID)
	return result.MessageID, jobID, nil
}

// CancelSend cancels a still-pending send job and fires its cancel hook.
func (e *Engine) CancelSend(ctx context.Context, jobID string) error {
	return e.executor.CancelJob(ctx, jobID)
}

// IdentityReady re-enqueues envelopes retained behind the migration gate.
// Call it once after identity material becomes available.
func (e *Engine) IdentityReady(ctx context.Context) (int, error) {
	return e.dispatcher.ResumeLocked(ctx)
}

// SetOnline flips the network constraint. Offline blocks network-bound jobs
// without failing them.
func (e *Engine) SetOnline(online bool) {
	e.connectivity.SetOnline(online)
}

// Stats returns aggregate queue and envelope counters.
func (e *Engine) Stats(ctx context.Context) (*QueueStats, error) {
	return e.queue.Stats(ctx)
}

// Queue exposes the job queue for direct enqueueing of custom jobs.
func (e *Engine) Queue() *JobQueue {
	return e.queue
}

// Executor exposes the executor so embedders can register custom runners
// before Start.
func (e *Engine) Executor() *Executor {
	return e.executor
}
