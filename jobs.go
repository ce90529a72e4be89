package courier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Job types understood by the executor.
const (
	// JobTypeDecrypt decrypts and dispatches one stored envelope.
	JobTypeDecrypt = "decrypt-envelope"
	// JobTypeTextSend delivers one outgoing text message.
	JobTypeTextSend = "text-send"
	// JobTypeAttachmentDownload fetches one attachment for a stored message.
	JobTypeAttachmentDownload = "attachment-download"
	// JobTypeDeliveryReceipt sends a delivery receipt for a received message.
	JobTypeDeliveryReceipt = "delivery-receipt"
	// JobTypePreKeyReplenish refills one-time prekeys after one was consumed.
	JobTypePreKeyReplenish = "prekey-replenish"
	// JobTypeSignedPreKeyRotate rotates the signed prekey.
	JobTypeSignedPreKeyRotate = "signed-prekey-rotate"
	// JobTypeCertificateRotate fetches a fresh sender certificate.
	JobTypeCertificateRotate = "certificate-rotate"
	// JobTypeGroupInfoRequest asks a group sender for current group state.
	JobTypeGroupInfoRequest = "group-info-request"
	// JobTypeProfileFetch refreshes a contact's profile after a key change.
	JobTypeProfileFetch = "profile-fetch"
	// JobTypeSyncResponse answers a linked-device sync request.
	JobTypeSyncResponse = "sync-response"
	// JobTypeOutageDetection probes relay reachability after repeated send
	// failures.
	JobTypeOutageDetection = "outage-detection"
)

// decryptGroupID serializes all decrypt jobs: envelopes dispatch one at a
// time, in arrival order.
const decryptGroupID = "decrypt"

// NewDecryptJob builds the job that dispatches a stored envelope. Transient
// decrypt and dispatch failures retain the envelope and reschedule the job
// with backoff; the envelope outlives the job either way, so nothing is lost
// if the retry budget runs out before the network returns.
func NewDecryptJob(envelopeID string, retry RetryPolicy) *Job {
	return &Job{
		Type:    JobTypeDecrypt,
		GroupID: decryptGroupID,
		Retry:   retry,
		Payload: Payload{"envelope_id": envelopeID},
	}
}

// NewDecryptJobForPlaceholder builds a decrypt job whose decrypted body
// completes a locally stored placeholder instead of inserting a new record.
func NewDecryptJobForPlaceholder(envelopeID string, smsMessageID int64, retry RetryPolicy) *Job {
	job := NewDecryptJob(envelopeID, retry)
	job.Payload["sms_message_id"] = smsMessageID
	return job
}

// NewTextSendJob builds the job that delivers an outgoing text message.
// Jobs for one destination share a group, so messages arrive in send order.
func NewTextSendJob(messageID int64, destination string, retry RetryPolicy) *Job {
	return &Job{
		Type:        JobTypeTextSend,
		GroupID:     destination,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload: Payload{
			"message_id":  messageID,
			"destination": destination,
		},
	}
}

// NewAttachmentDownloadJob builds a download job for one attachment of a
// stored message.
func NewAttachmentDownloadJob(messageID int64, pointer AttachmentPointer, retry RetryPolicy) (*Job, error) {
	encoded, err := json.Marshal(pointer)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attachment pointer: %w", err)
	}
	return &Job{
		Type:        JobTypeAttachmentDownload,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload: Payload{
			"message_id": messageID,
			"attachment": string(encoded),
		},
	}, nil
}

// Receipt kinds carried in the delivery-receipt job payload.
const (
	receiptKindDelivery = "delivery"
	receiptKindRead     = "read"
)

// NewDeliveryReceiptJob builds the job acknowledging delivery of a received
// message back to its sender.
func NewDeliveryReceiptJob(sender string, timestamp int64, retry RetryPolicy) *Job {
	return newReceiptJob(sender, timestamp, receiptKindDelivery, retry)
}

// NewReadReceiptJob builds the job telling a sender their message was read.
func NewReadReceiptJob(sender string, timestamp int64, retry RetryPolicy) *Job {
	return newReceiptJob(sender, timestamp, receiptKindRead, retry)
}

func newReceiptJob(sender string, timestamp int64, kind string, retry RetryPolicy) *Job {
	return &Job{
		Type:        JobTypeDeliveryReceipt,
		GroupID:     sender,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload: Payload{
			"destination": sender,
			"timestamp":   timestamp,
			"kind":        kind,
		},
	}
}

// NewPreKeyReplenishJob builds the prekey refill job. Deduped: one pending
// refill covers any number of consumed prekeys.
func NewPreKeyReplenishJob(retry RetryPolicy) *Job {
	return &Job{
		Type:        JobTypePreKeyReplenish,
		Dedupe:      true,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload:     Payload{},
	}
}

// NewSignedPreKeyRotateJob builds the signed-prekey rotation job.
func NewSignedPreKeyRotateJob(retry RetryPolicy) *Job {
	return &Job{
		Type:        JobTypeSignedPreKeyRotate,
		Dedupe:      true,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload:     Payload{},
	}
}

// NewCertificateRotateJob builds the sender-certificate rotation job.
func NewCertificateRotateJob(retry RetryPolicy) *Job {
	return &Job{
		Type:        JobTypeCertificateRotate,
		Dedupe:      true,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload:     Payload{},
	}
}

// NewGroupInfoRequestJob builds the job that asks sender for the state of an
// unknown group.
func NewGroupInfoRequestJob(sender, groupID string, retry RetryPolicy) *Job {
	return &Job{
		Type:        JobTypeGroupInfoRequest,
		Dedupe:      true,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload: Payload{
			"sender":   sender,
			"group_id": groupID,
		},
	}
}

// NewProfileFetchJob builds the job refreshing a contact's profile.
func NewProfileFetchJob(address string, retry RetryPolicy) *Job {
	return &Job{
		Type:        JobTypeProfileFetch,
		Dedupe:      true,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload:     Payload{"address": address},
	}
}

// Sync response kinds carried in the sync-response job payload.
const (
	SyncResponseContacts      = "contacts"
	SyncResponseGroups        = "groups"
	SyncResponseBlocked       = "blocked"
	SyncResponseConfiguration = "configuration"
)

// NewSyncResponseJob builds the job answering one linked-device request.
func NewSyncResponseJob(kind string, retry RetryPolicy) *Job {
	return &Job{
		Type:        JobTypeSyncResponse,
		Dedupe:      true,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload:     Payload{"kind": kind},
	}
}

// NewOutageDetectionJob builds the reachability probe enqueued after
// repeated send failures.
func NewOutageDetectionJob(retry RetryPolicy) *Job {
	return &Job{
		Type:        JobTypeOutageDetection,
		Dedupe:      true,
		Constraints: []string{ConstraintNetwork},
		Retry:       retry,
		Payload:     Payload{},
	}
}

// transportError maps a collaborator failure onto the retry cycle: terminal
// protocol failures stay terminal, everything else (raw I/O errors,
// classified transient failures) is retried.
func transportError(err error) error {
	if err == nil {
		return nil
	}
	var perr *ProtocolError
	if errors.As(err, &perr) && !perr.Retryable() {
		return err
	}
	return Retryable(err)
}

// attachmentDownloadRunner executes attachment-download jobs.
type attachmentDownloadRunner struct {
	downloader AttachmentDownloader
}

func (r *attachmentDownloadRunner) Run(ctx context.Context, job *Job) error {
	messageID := job.Payload.GetInt64("message_id")
	var pointer AttachmentPointer
	if err := json.Unmarshal([]byte(job.Payload.GetString("attachment")), &pointer); err != nil {
		return fmt.Errorf("failed to decode attachment pointer: %w", err)
	}
	return transportError(r.downloader.Download(ctx, messageID, pointer))
}

// deliveryReceiptRunner executes delivery-receipt jobs.
type deliveryReceiptRunner struct {
	sender MessageSender
}

func (r *deliveryReceiptRunner) Run(ctx context.Context, job *Job) error {
	destination := job.Payload.GetString("destination")
	timestamp := job.Payload.GetInt64("timestamp")
	kind := ReceiptDelivery
	if job.Payload.GetString("kind") == receiptKindRead {
		kind = ReceiptRead
	}
	return transportError(r.sender.SendReceipt(ctx, destination, kind, []int64{timestamp}))
}

// preKeyReplenishRunner executes prekey-replenish jobs.
type preKeyReplenishRunner struct {
	prekeys PreKeyManager
}

func (r *preKeyReplenishRunner) Run(ctx context.Context, job *Job) error {
	return transportError(r.prekeys.Replenish(ctx))
}

// signedPreKeyRotateRunner executes signed-prekey-rotate jobs.
type signedPreKeyRotateRunner struct {
	prekeys PreKeyManager
}

func (r *signedPreKeyRotateRunner) Run(ctx context.Context, job *Job) error {
	return transportError(r.prekeys.RotateSignedPreKey(ctx))
}

// certificateRotateRunner executes certificate-rotate jobs.
type certificateRotateRunner struct {
	certificates CertificateStore
}

func (r *certificateRotateRunner) Run(ctx context.Context, job *Job) error {
	return transportError(r.certificates.Rotate(ctx))
}

// groupInfoRequestRunner executes group-info-request jobs.
type groupInfoRequestRunner struct {
	requester GroupInfoRequester
}

func (r *groupInfoRequestRunner) Run(ctx context.Context, job *Job) error {
	sender := job.Payload.GetString("sender")
	groupID := job.Payload.GetString("group_id")
	return transportError(r.requester.Request(ctx, sender, groupID))
}

// profileFetchRunner executes profile-fetch jobs.
type profileFetchRunner struct {
	profiles ProfileFetcher
}

func (r *profileFetchRunner) Run(ctx context.Context, job *Job) error {
	return transportError(r.profiles.Fetch(ctx, job.Payload.GetString("address")))
}

// syncResponseRunner executes sync-response jobs.
type syncResponseRunner struct {
	responder SyncResponder
}

func (r *syncResponseRunner) Run(ctx context.Context, job *Job) error {
	kind := job.Payload.GetString("kind")
	switch kind {
	case SyncResponseContacts:
		return transportError(r.responder.SendContacts(ctx))
	case SyncResponseGroups:
		return transportError(r.responder.SendGroups(ctx))
	case SyncResponseBlocked:
		return transportError(r.responder.SendBlocked(ctx))
	case SyncResponseConfiguration:
		return transportError(r.responder.SendConfiguration(ctx))
	default:
		return fmt.Errorf("unknown sync response kind %q", kind)
	}
}

// outageDetectionRunner executes outage-detection jobs.
type outageDetectionRunner struct {
	prober ServiceProber
}

func (r *outageDetectionRunner) Run(ctx context.Context, job *Job) error {
	return transportError(r.prober.Probe(ctx))
}
