package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TextSender executes text-send jobs: it loads the outgoing record, keeps the
// sealed-sender certificate fresh, hands the record to the transport, and
// routes the outcome back into the conversation store.
type TextSender struct {
	config *Config
	queue  *JobQueue
	collab *Collaborators
	logger *slog.Logger
}

// NewTextSender creates the runner for text-send jobs.
func NewTextSender(config *Config, queue *JobQueue, collab *Collaborators, logger *slog.Logger) *TextSender {
	return &TextSender{
		config: config,
		queue:  queue,
		collab: collab,
		logger: logger,
	}
}

// Run implements Runner for text-send jobs.
func (s *TextSender) Run(ctx context.Context, job *Job) error {
	messageID := job.Payload.GetInt64("message_id")
	destination := job.Payload.GetString("destination")

	rec, err := s.collab.Conversations.GetOutgoing(ctx, messageID)
	if err != nil {
		return fmt.Errorf("failed to load outgoing message %d: %w", messageID, err)
	}
	if !rec.Sendable() {
		// A previous attempt delivered this record before the crash.
		s.logger.Debug("Run: message no longer sendable", "messageID", messageID, "status", rec.Status)
		return nil
	}

	if s.collab.PreKeys.SignedPreKeyFailureCount() > 0 {
		// Rotation has been failing; schedule another attempt before the next
		// session is established with a stale signed prekey.
		if _, err := s.queue.Enqueue(ctx, NewSignedPreKeyRotateJob(s.config.DefaultRetry)); err != nil {
			return err
		}
	}

	if err := s.ensureCertificate(ctx); err != nil {
		return err
	}

	result, sendErr := s.collab.Sender.SendText(ctx, destination, rec)
	if sendErr == nil {
		if err := s.collab.Conversations.MarkSent(ctx, messageID, result.Unidentified); err != nil {
			return Retryable(err)
		}
		s.logger.Debug("Run: message sent", "messageID", messageID, "destination", destination, "unidentified", result.Unidentified)
		return nil
	}
	return s.handleSendFailure(ctx, job, messageID, destination, sendErr)
}

// OnCanceled implements CancelHandler: a canceled send is surfaced as a
// delivery failure so the record does not sit pending forever.
func (s *TextSender) OnCanceled(ctx context.Context, job *Job) {
	messageID := job.Payload.GetInt64("message_id")
	if err := s.collab.Conversations.MarkFailed(ctx, messageID, "send canceled"); err != nil {
		s.logger.Warn("failed to mark canceled message", "messageID", messageID, "error", err)
		return
	}
	s.notifyFailed(ctx, job.Payload.GetString("destination"))
}

// ensureCertificate rotates the sender certificate when it is missing or
// within the expiry buffer of its end of life.
func (s *TextSender) ensureCertificate(ctx context.Context) error {
	cert, err := s.collab.Certificates.Certificate(ctx)
	if err != nil {
		return Retryable(err)
	}
	if cert != nil {
		remaining := time.Until(time.UnixMilli(cert.Expiration))
		if remaining > s.config.CertificateExpiryBuffer {
			return nil
		}
		s.logger.Debug("ensureCertificate: certificate near expiry, rotating", "remaining", remaining)
	}
	if err := s.collab.Certificates.Rotate(ctx); err != nil {
		return Retryable(err)
	}
	return nil
}

func (s *TextSender) handleSendFailure(ctx context.Context, job *Job, messageID int64, destination string, sendErr error) error {
	var perr *ProtocolError
	if errors.As(sendErr, &perr) {
		switch perr.Code {
		case FailureUntrustedIdentity:
			// The recipient's identity key changed. Record the mismatch for the
			// user to review; retrying cannot help.
			if err := s.collab.Conversations.AddIdentityMismatch(ctx, messageID, destination); err != nil {
				return Retryable(err)
			}
			if err := s.collab.Conversations.MarkFailed(ctx, messageID, sendErr.Error()); err != nil {
				return Retryable(err)
			}
			s.notifyFailed(ctx, destination)
			return sendErr

		case FailureUnregistered:
			// Recipient unknown to the relay. Hold the message for manual
			// fallback instead of failing it outright.
			if err := s.collab.Conversations.MarkPendingFallback(ctx, messageID); err != nil {
				return Retryable(err)
			}
			s.notifyFailed(ctx, destination)
			s.logger.Debug("handleSendFailure: recipient unregistered, held for fallback", "messageID", messageID, "destination", destination)
			return nil

		case FailureCertificateExpired:
			if _, err := s.queue.Enqueue(ctx, NewCertificateRotateJob(s.config.DefaultRetry)); err != nil {
				return err
			}
			return Retryable(sendErr)
		}
	}

	// Transient or unclassified transport failure. A second consecutive
	// failure suggests the relay itself may be down, so probe it.
	if job.Attempts >= 2 {
		if _, err := s.queue.Enqueue(ctx, NewOutageDetectionJob(s.config.DefaultRetry)); err != nil {
			return err
		}
	}

	if job.Attempts >= job.Retry.MaxAttempts {
		// Retry budget spent; the record must not stay pending.
		if err := s.collab.Conversations.MarkFailed(ctx, messageID, sendErr.Error()); err != nil {
			return Retryable(err)
		}
		s.notifyFailed(ctx, destination)
		return sendErr
	}
	return transportError(sendErr)
}

func (s *TextSender) notifyFailed(ctx context.Context, destination string) {
	threadID, err := s.collab.Conversations.GetThreadID(ctx, destination)
	if err != nil {
		s.logger.Warn("failed to resolve thread for failure notification", "destination", destination, "error", err)
		return
	}
	s.collab.Notifier.NotifyDeliveryFailed(threadID)
}
