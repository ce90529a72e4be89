package courier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Dispatcher turns stored envelopes into conversation state. It decrypts,
// filters, routes content to the collaborator stores and sinks, and commits
// by deleting the envelope. An envelope is deleted exactly once, on a
// terminal outcome; transient failures leave it in place for the next
// attempt.
type Dispatcher struct {
	config    *Config
	envelopes *EnvelopeStore
	queue     *JobQueue
	collab    *Collaborators
	logger    *slog.Logger

	// receiveMu serializes envelope processing end to end. The cipher
	// advances ratchet state on every decrypt, so two envelopes must never
	// be in flight at once.
	receiveMu sync.Mutex
}

// NewDispatcher creates a dispatcher over the envelope store and
// collaborators. Follow-on work (receipts, downloads, prekey refills) is
// enqueued on the queue.
func NewDispatcher(config *Config, envelopes *EnvelopeStore, queue *JobQueue, collab *Collaborators, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		config:    config,
		envelopes: envelopes,
		queue:     queue,
		collab:    collab,
		logger:    logger,
	}
}

// Run implements Runner for decrypt jobs.
func (d *Dispatcher) Run(ctx context.Context, job *Job) error {
	envelopeID := job.Payload.GetString("envelope_id")
	env, err := d.envelopes.Get(ctx, envelopeID)
	if errors.Is(err, ErrEnvelopeNotFound) {
		// Already dispatched by an earlier attempt.
		d.logger.Debug("Run: envelope already gone", "envelopeID", envelopeID)
		return nil
	}
	if err != nil {
		return err
	}
	return d.ProcessEnvelope(ctx, env, job.Payload.GetInt64("sms_message_id"))
}

// ProcessEnvelope dispatches one envelope. When smsMessageID is non-zero the
// decrypted body completes that placeholder record instead of inserting a
// new message.
func (d *Dispatcher) ProcessEnvelope(ctx context.Context, env *Envelope, smsMessageID int64) error {
	d.receiveMu.Lock()
	defer d.receiveMu.Unlock()

	if !d.collab.Identity.Established(ctx) {
		// No identity material yet. Keep the envelope and surface that
		// messages are waiting.
		d.logger.Debug("ProcessEnvelope: identity not established, retaining envelope", "envelopeID", env.ID)
		d.collab.Notifier.NotifyLockedMessages()
		envelopesProcessed.WithLabelValues("retained").Inc()
		return nil
	}

	content, err := d.collab.Cipher.Decrypt(ctx, env)
	if err != nil {
		return d.handleDecryptFailure(ctx, env, err)
	}

	if err := d.handleContent(ctx, env, content, smsMessageID); err != nil {
		if IsRetryable(err) {
			d.logger.Debug("ProcessEnvelope: transient dispatch failure, retaining envelope", "envelopeID", env.ID, "error", err)
			return err
		}
		return fmt.Errorf("failed to dispatch envelope %s: %w", env.ID, err)
	}

	if err := d.envelopes.Delete(ctx, env.ID); err != nil {
		return err
	}
	envelopesProcessed.WithLabelValues("dispatched").Inc()
	return nil
}

// ResumeLocked re-enqueues decrypt jobs for every retained envelope. Called
// once identity material becomes available.
func (d *Dispatcher) ResumeLocked(ctx context.Context) (int, error) {
	envs, err := d.envelopes.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, env := range envs {
		if _, err := d.queue.Enqueue(ctx, NewDecryptJob(env.ID, d.config.DefaultRetry)); err != nil {
			return 0, err
		}
	}
	if len(envs) > 0 {
		d.logger.Info("resumed retained envelopes", "count", len(envs))
	}
	return len(envs), nil
}

// handleDecryptFailure routes a classified cipher failure. Transient
// failures retain the envelope and re-enter the retry cycle; ignorable
// failures are absorbed silently; everything else inserts a placeholder
// record so history shows that a message arrived.
func (d *Dispatcher) handleDecryptFailure(ctx context.Context, env *Envelope, decryptErr error) error {
	var perr *ProtocolError
	if !errors.As(decryptErr, &perr) {
		perr = &ProtocolError{Code: FailureCorrupt, Sender: env.Sender, SenderDevice: env.SenderDevice, Err: decryptErr}
	}
	decryptFailures.WithLabelValues(string(perr.Code)).Inc()

	if perr.Retryable() {
		d.logger.Debug("handleDecryptFailure: transient, retaining envelope", "envelopeID", env.ID, "code", perr.Code)
		return decryptErr
	}

	if perr.Ignorable() {
		d.logger.Debug("handleDecryptFailure: ignorable", "envelopeID", env.ID, "code", perr.Code)
		if err := d.envelopes.Delete(ctx, env.ID); err != nil {
			return err
		}
		envelopesProcessed.WithLabelValues("ignored").Inc()
		return nil
	}

	sender := perr.Sender
	if sender == "" {
		sender = env.Sender
	}
	device := perr.SenderDevice
	if device == 0 {
		device = env.SenderDevice
	}
	rec := &MessageRecord{
		Kind:              RecordPlaceholder,
		Sender:            sender,
		SenderDevice:      device,
		Timestamp:         env.Timestamp,
		PlaceholderReason: perr.Code,
	}
	result, err := d.collab.Conversations.InsertMessage(ctx, rec)
	if err != nil {
		return Retryable(err)
	}
	d.collab.Notifier.NotifyNewMessage(result.ThreadID)
	d.logger.Debug("handleDecryptFailure: inserted placeholder", "envelopeID", env.ID, "code", perr.Code, "sender", sender, "threadID", result.ThreadID)

	if err := d.envelopes.Delete(ctx, env.ID); err != nil {
		return err
	}
	envelopesProcessed.WithLabelValues("placeholder").Inc()
	return nil
}

// handleContent routes decrypted content to its handler. Exactly one variant
// is populated.
func (d *Dispatcher) handleContent(ctx context.Context, env *Envelope, content *DecryptedContent, smsMessageID int64) error {
	if content.Data != nil && len(content.Data.ProfileKey) > 0 {
		if err := d.applyProfileKey(ctx, content.Sender, content.Data.ProfileKey); err != nil {
			return err
		}
	}

	var err error
	switch {
	case content.Data != nil:
		err = d.handleData(ctx, content, content.Data, smsMessageID)
	case content.Sync != nil:
		err = d.handleSync(ctx, content.Sync)
	case content.Call != nil:
		err = d.handleCall(ctx, content, content.Call)
	case content.Receipt != nil:
		err = d.handleReceipt(ctx, content, content.Receipt)
	case content.Typing != nil:
		err = d.handleTyping(ctx, content, content.Typing)
	default:
		err = fmt.Errorf("decrypted content carries no variant")
	}
	if err != nil {
		return err
	}

	if content.NeedsReceipt {
		if _, err := d.queue.Enqueue(ctx, NewDeliveryReceiptJob(content.Sender, content.Timestamp, d.config.DefaultRetry)); err != nil {
			return err
		}
	}
	if env.Kind == EnvelopeKindPreKeyBundle {
		// A one-time prekey was consumed establishing the session.
		if _, err := d.queue.Enqueue(ctx, NewPreKeyReplenishJob(d.config.DefaultRetry)); err != nil {
			return err
		}
	}
	return nil
}

// applyProfileKey stores a sender-provided profile key and schedules a
// profile refresh when the key changed.
func (d *Dispatcher) applyProfileKey(ctx context.Context, sender string, key []byte) error {
	current, err := d.collab.Recipients.ProfileKey(ctx, sender)
	if err != nil {
		return Retryable(err)
	}
	if bytes.Equal(current, key) {
		return nil
	}
	if err := d.collab.Recipients.SetProfileKey(ctx, sender, key); err != nil {
		return Retryable(err)
	}
	if _, err := d.queue.Enqueue(ctx, NewProfileFetchJob(sender, d.config.DefaultRetry)); err != nil {
		return err
	}
	d.logger.Debug("applyProfileKey: updated profile key", "sender", sender)
	return nil
}

func (d *Dispatcher) handleData(ctx context.Context, content *DecryptedContent, msg *DataMessage, smsMessageID int64) error {
	blocked, err := d.collab.Recipients.IsBlocked(ctx, content.Sender)
	if err != nil {
		return Retryable(err)
	}
	if blocked {
		d.logger.Debug("handleData: sender blocked, dropping", "sender", content.Sender)
		return nil
	}

	if msg.Group != nil {
		proceed, err := d.handleGroupContext(ctx, content, msg.Group)
		if err != nil || !proceed {
			return err
		}
	}

	duplicate, err := d.collab.Conversations.HasMessage(ctx, content.Sender, content.Timestamp)
	if err != nil {
		return Retryable(err)
	}
	if duplicate {
		d.logger.Debug("handleData: duplicate message, dropping", "sender", content.Sender, "timestamp", content.Timestamp)
		return nil
	}

	if msg.EndSession {
		return d.handleEndSession(ctx, content)
	}
	if msg.ExpirationUpdate {
		return d.handleExpirationUpdate(ctx, content, msg)
	}

	// Sending a message with a different timer than the stored one implies
	// the sender changed it without a separate update message.
	convKey := conversationKey(content.Sender, msg.Group)
	stored, err := d.collab.Conversations.GetExpireTimer(ctx, convKey)
	if err != nil {
		return Retryable(err)
	}
	if msg.ExpiresInSeconds != stored {
		if err := d.collab.Conversations.SetExpireTimer(ctx, convKey, msg.ExpiresInSeconds); err != nil {
			return Retryable(err)
		}
		d.logger.Debug("handleData: expiration timer updated from message", "conversation", convKey, "seconds", msg.ExpiresInSeconds)
	}

	rec := &MessageRecord{
		Kind:             RecordText,
		Sender:           content.Sender,
		SenderDevice:     content.SenderDevice,
		Timestamp:        content.Timestamp,
		Body:             msg.Body,
		ExpiresInSeconds: msg.ExpiresInSeconds,
		NeedsReceipt:     content.NeedsReceipt,
	}
	if msg.Group != nil {
		rec.GroupID = msg.Group.ID
	}
	if msg.HasMedia() {
		rec.Kind = RecordMedia
		rec.Attachments = msg.Attachments
		rec.Quote = msg.Quote
		rec.Contacts = msg.Contacts
	}

	var result InsertResult
	if smsMessageID > 0 && rec.Kind == RecordText {
		result, err = d.collab.Conversations.CompletePlaceholder(ctx, smsMessageID, msg.Body)
	} else {
		result, err = d.collab.Conversations.InsertMessage(ctx, rec)
	}
	if err != nil {
		return Retryable(err)
	}

	for _, pointer := range rec.Attachments {
		job, err := NewAttachmentDownloadJob(result.MessageID, pointer, d.config.DefaultRetry)
		if err != nil {
			return err
		}
		if _, err := d.queue.Enqueue(ctx, job); err != nil {
			return err
		}
	}

	// A delivered message supersedes any typing indicator from its author.
	d.collab.Typing.Stopped(result.ThreadID, content.Sender, content.SenderDevice, true)
	d.collab.Notifier.NotifyNewMessage(result.ThreadID)
	d.logger.Debug("handleData: inserted message", "sender", content.Sender, "threadID", result.ThreadID, "messageID", result.MessageID, "kind", rec.Kind)
	return nil
}

// handleGroupContext applies group updates and filters group-addressed
// content. It reports whether the caller should continue processing the
// message body.
func (d *Dispatcher) handleGroupContext(ctx context.Context, content *DecryptedContent, group *GroupContext) (bool, error) {
	known, err := d.collab.Groups.IsKnown(ctx, group.ID)
	if err != nil {
		return false, Retryable(err)
	}

	switch group.Type {
	case GroupUpdate:
		threadID, err := d.collab.Groups.Apply(ctx, content.Sender, group)
		if err != nil {
			return false, Retryable(err)
		}
		if threadID != 0 {
			d.collab.Notifier.NotifyNewMessage(threadID)
		}
		return false, nil

	case GroupQuit:
		// A leave is applied even for inactive groups, then current state is
		// requested so membership converges.
		threadID, err := d.collab.Groups.Apply(ctx, content.Sender, group)
		if err != nil {
			return false, Retryable(err)
		}
		if threadID != 0 {
			d.collab.Notifier.NotifyNewMessage(threadID)
		}
		if known {
			if _, err := d.queue.Enqueue(ctx, NewGroupInfoRequestJob(content.Sender, group.ID, d.config.DefaultRetry)); err != nil {
				return false, err
			}
		}
		return false, nil

	case GroupRequestInfo:
		// Request directed at this device; outgoing group state is pushed by
		// the owning client, not the dispatch core.
		d.logger.Debug("handleGroupContext: ignoring group info request", "sender", content.Sender, "groupID", group.ID)
		return false, nil
	}

	if !known {
		d.logger.Debug("handleGroupContext: unknown group, requesting info", "sender", content.Sender, "groupID", group.ID)
		if _, err := d.queue.Enqueue(ctx, NewGroupInfoRequestJob(content.Sender, group.ID, d.config.DefaultRetry)); err != nil {
			return false, err
		}
		return false, nil
	}

	active, err := d.collab.Groups.IsActive(ctx, group.ID)
	if err != nil {
		return false, Retryable(err)
	}
	if !active {
		d.logger.Debug("handleGroupContext: inactive group, dropping", "sender", content.Sender, "groupID", group.ID)
		return false, nil
	}
	return true, nil
}

func (d *Dispatcher) handleEndSession(ctx context.Context, content *DecryptedContent) error {
	if err := d.collab.Sessions.DeleteAllSessions(ctx, content.Sender); err != nil {
		return Retryable(err)
	}
	rec := &MessageRecord{
		Kind:         RecordSessionReset,
		Sender:       content.Sender,
		SenderDevice: content.SenderDevice,
		Timestamp:    content.Timestamp,
	}
	result, err := d.collab.Conversations.InsertMessage(ctx, rec)
	if err != nil {
		return Retryable(err)
	}
	d.collab.Notifier.NotifyNewMessage(result.ThreadID)
	d.logger.Debug("handleEndSession: sessions deleted", "sender", content.Sender)
	return nil
}

func (d *Dispatcher) handleExpirationUpdate(ctx context.Context, content *DecryptedContent, msg *DataMessage) error {
	convKey := conversationKey(content.Sender, msg.Group)
	if err := d.collab.Conversations.SetExpireTimer(ctx, convKey, msg.ExpiresInSeconds); err != nil {
		return Retryable(err)
	}
	rec := &MessageRecord{
		Kind:             RecordExpirationUpdate,
		Sender:           content.Sender,
		SenderDevice:     content.SenderDevice,
		Timestamp:        content.Timestamp,
		ExpiresInSeconds: msg.ExpiresInSeconds,
	}
	if msg.Group != nil {
		rec.GroupID = msg.Group.ID
	}
	result, err := d.collab.Conversations.InsertMessage(ctx, rec)
	if err != nil {
		return Retryable(err)
	}
	d.collab.Notifier.NotifyNewMessage(result.ThreadID)
	d.logger.Debug("handleExpirationUpdate: timer set", "conversation", convKey, "seconds", msg.ExpiresInSeconds)
	return nil
}

func (d *Dispatcher) handleSync(ctx context.Context, sync *SyncMessage) error {
	switch {
	case sync.Sent != nil:
		return d.handleSentTranscript(ctx, sync.Sent)
	case len(sync.Read) > 0:
		return d.handleReadSync(ctx, sync.Read)
	case sync.Verified != nil:
		if err := d.collab.Identity.ProcessVerified(ctx, sync.Verified); err != nil {
			return Retryable(err)
		}
		return nil
	case sync.Request != nil:
		return d.handleSyncRequest(ctx, sync.Request)
	}
	return fmt.Errorf("sync message carries no variant")
}

// handleSentTranscript replays a message sent from a linked device through
// the same branches an incoming data message takes, with the blocked-sender
// and inactive-group filters bypassed: the linked device already accepted the
// message, this device only has to converge.
func (d *Dispatcher) handleSentTranscript(ctx context.Context, sent *SentTranscript) error {
	msg := sent.Message
	if msg == nil {
		return fmt.Errorf("sent transcript carries no message")
	}

	destination := sent.Destination
	if msg.Group != nil {
		destination = msg.Group.ID
	}
	if destination == "" {
		return fmt.Errorf("sent transcript carries no destination")
	}

	if msg.EndSession {
		return d.handleSentEndSession(ctx, sent)
	}

	if msg.Group != nil {
		switch msg.Group.Type {
		case GroupUpdate, GroupQuit:
			threadID, err := d.collab.Groups.Apply(ctx, sent.Destination, msg.Group)
			if err != nil {
				return Retryable(err)
			}
			if threadID != 0 {
				d.collab.Notifier.NotifyNewMessage(threadID)
			}
			return nil
		}
		known, err := d.collab.Groups.IsKnown(ctx, msg.Group.ID)
		if err != nil {
			return Retryable(err)
		}
		if !known {
			// This device missed the group's creation. The transcript is still
			// recorded below; the request converges membership.
			d.logger.Debug("handleSentTranscript: unknown group, requesting info", "groupID", msg.Group.ID)
			if _, err := d.queue.Enqueue(ctx, NewGroupInfoRequestJob(destination, msg.Group.ID, d.config.DefaultRetry)); err != nil {
				return err
			}
		}
	}

	if msg.ExpirationUpdate {
		return d.handleSentExpirationUpdate(ctx, sent, destination)
	}

	stored, err := d.collab.Conversations.GetExpireTimer(ctx, destination)
	if err != nil {
		return Retryable(err)
	}
	if msg.ExpiresInSeconds != stored {
		if err := d.collab.Conversations.SetExpireTimer(ctx, destination, msg.ExpiresInSeconds); err != nil {
			return Retryable(err)
		}
	}

	rec := &OutgoingRecord{
		Destination:      destination,
		Body:             msg.Body,
		Timestamp:        sent.Timestamp,
		Attachments:      msg.Attachments,
		ExpiresInSeconds: msg.ExpiresInSeconds,
		Status:           OutgoingSent,
	}
	result, err := d.collab.Conversations.InsertOutgoing(ctx, rec)
	if err != nil {
		return Retryable(err)
	}

	for _, pointer := range msg.Attachments {
		job, err := NewAttachmentDownloadJob(result.MessageID, pointer, d.config.DefaultRetry)
		if err != nil {
			return err
		}
		if _, err := d.queue.Enqueue(ctx, job); err != nil {
			return err
		}
	}

	d.logger.Debug("handleSentTranscript: recorded outgoing", "destination", destination, "messageID", result.MessageID)
	return d.finishSentTranscript(ctx, sent, result)
}

// handleSentEndSession replays a session termination sent from a linked
// device: local sessions with the destination are deleted and the reset is
// recorded as an outgoing entry.
func (d *Dispatcher) handleSentEndSession(ctx context.Context, sent *SentTranscript) error {
	if err := d.collab.Sessions.DeleteAllSessions(ctx, sent.Destination); err != nil {
		return Retryable(err)
	}
	rec := &OutgoingRecord{
		Destination: sent.Destination,
		Timestamp:   sent.Timestamp,
		EndSession:  true,
		Status:      OutgoingSent,
	}
	result, err := d.collab.Conversations.InsertOutgoing(ctx, rec)
	if err != nil {
		return Retryable(err)
	}
	d.logger.Debug("handleSentEndSession: sessions deleted", "destination", sent.Destination)
	return d.finishSentTranscript(ctx, sent, result)
}

// handleSentExpirationUpdate replays a disappearing-message timer change sent
// from a linked device.
func (d *Dispatcher) handleSentExpirationUpdate(ctx context.Context, sent *SentTranscript, destination string) error {
	msg := sent.Message
	if err := d.collab.Conversations.SetExpireTimer(ctx, destination, msg.ExpiresInSeconds); err != nil {
		return Retryable(err)
	}
	rec := &OutgoingRecord{
		Destination:      destination,
		Timestamp:        sent.Timestamp,
		ExpiresInSeconds: msg.ExpiresInSeconds,
		ExpirationUpdate: true,
		Status:           OutgoingSent,
	}
	result, err := d.collab.Conversations.InsertOutgoing(ctx, rec)
	if err != nil {
		return Retryable(err)
	}
	d.logger.Debug("handleSentExpirationUpdate: timer set", "conversation", destination, "seconds", msg.ExpiresInSeconds)
	return d.finishSentTranscript(ctx, sent, result)
}

// finishSentTranscript applies the read and expiration state shared by every
// transcript branch.
func (d *Dispatcher) finishSentTranscript(ctx context.Context, sent *SentTranscript, result InsertResult) error {
	// The linked device already showed the conversation.
	if err := d.collab.Conversations.MarkThreadRead(ctx, result.ThreadID); err != nil {
		return Retryable(err)
	}
	if sent.ExpirationStartedAt > 0 {
		if err := d.collab.Conversations.MarkExpireStarted(ctx, result.MessageID, sent.ExpirationStartedAt); err != nil {
			return Retryable(err)
		}
		if sent.Message.ExpiresInSeconds > 0 {
			d.collab.Expirations.ScheduleDeletion(result.MessageID, sent.ExpirationStartedAt, time.Duration(sent.Message.ExpiresInSeconds)*time.Second)
		}
	}
	return nil
}

// handleReadSync applies read marks from a linked device, starts expiring
// countdowns, and optionally tells senders their messages were read.
func (d *Dispatcher) handleReadSync(ctx context.Context, entries []ReadEntry) error {
	readAt := time.Now().UnixMilli()
	for _, entry := range entries {
		expiring, err := d.collab.Conversations.MarkRead(ctx, entry.Sender, entry.Timestamp, readAt)
		if err != nil {
			return Retryable(err)
		}
		for _, exp := range expiring {
			if err := d.collab.Conversations.MarkExpireStarted(ctx, exp.MessageID, readAt); err != nil {
				return Retryable(err)
			}
			d.collab.Expirations.ScheduleDeletion(exp.MessageID, readAt, exp.ExpiresIn)
		}
		if d.config.ReadReceipts {
			if _, err := d.queue.Enqueue(ctx, NewReadReceiptJob(entry.Sender, entry.Timestamp, d.config.DefaultRetry)); err != nil {
				return err
			}
		}
	}
	d.logger.Debug("handleReadSync: applied read marks", "count", len(entries))
	return nil
}

func (d *Dispatcher) handleSyncRequest(ctx context.Context, req *SyncRequest) error {
	var kinds []string
	if req.Contacts {
		kinds = append(kinds, SyncResponseContacts)
	}
	if req.Groups {
		kinds = append(kinds, SyncResponseGroups)
	}
	if req.Blocked {
		kinds = append(kinds, SyncResponseBlocked)
	}
	if req.Configuration {
		kinds = append(kinds, SyncResponseConfiguration)
	}
	for _, kind := range kinds {
		if _, err := d.queue.Enqueue(ctx, NewSyncResponseJob(kind, d.config.DefaultRetry)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleCall(ctx context.Context, content *DecryptedContent, call *CallMessage) error {
	blocked, err := d.collab.Recipients.IsBlocked(ctx, content.Sender)
	if err != nil {
		return Retryable(err)
	}
	if blocked {
		d.logger.Debug("handleCall: sender blocked, dropping", "sender", content.Sender)
		return nil
	}

	switch {
	case call.Offer != nil:
		if !d.collab.Calls.Available() {
			rec := &MessageRecord{
				Kind:         RecordMissedCall,
				Sender:       content.Sender,
				SenderDevice: content.SenderDevice,
				Timestamp:    content.Timestamp,
			}
			result, err := d.collab.Conversations.InsertMessage(ctx, rec)
			if err != nil {
				return Retryable(err)
			}
			d.collab.Notifier.NotifyNewMessage(result.ThreadID)
			d.logger.Debug("handleCall: recorded missed call", "sender", content.Sender)
			return nil
		}
		d.collab.Calls.HandleOffer(content.Sender, content.SenderDevice, content.Timestamp, call.Offer)
	case call.Answer != nil:
		d.collab.Calls.HandleAnswer(content.Sender, call.Answer)
	case len(call.IceUpdates) > 0:
		d.collab.Calls.HandleIceUpdates(content.Sender, call.IceUpdates)
	case call.Hangup != nil:
		d.collab.Calls.HandleHangup(content.Sender, call.Hangup)
	case call.Busy != nil:
		d.collab.Calls.HandleBusy(content.Sender, call.Busy)
	default:
		return fmt.Errorf("call message carries no variant")
	}
	return nil
}

func (d *Dispatcher) handleReceipt(ctx context.Context, content *DecryptedContent, receipt *ReceiptMessage) error {
	if receipt.Kind == ReceiptRead && !d.config.ReadReceipts {
		d.logger.Debug("handleReceipt: read receipts disabled, dropping", "sender", content.Sender)
		return nil
	}

	receivedAt := time.Now().UnixMilli()
	for _, timestamp := range receipt.Timestamps {
		var err error
		switch receipt.Kind {
		case ReceiptDelivery:
			err = d.collab.Receipts.IncrementDelivery(ctx, content.Sender, timestamp, receivedAt)
		case ReceiptRead:
			err = d.collab.Receipts.IncrementRead(ctx, content.Sender, timestamp, receivedAt)
		default:
			return fmt.Errorf("unknown receipt kind %d", receipt.Kind)
		}
		if err != nil {
			return Retryable(err)
		}
	}
	d.logger.Debug("handleReceipt: applied", "sender", content.Sender, "kind", receipt.Kind, "count", len(receipt.Timestamps))
	return nil
}

func (d *Dispatcher) handleTyping(ctx context.Context, content *DecryptedContent, typing *TypingMessage) error {
	if !d.config.TypingIndicators {
		return nil
	}
	recipient := content.Sender
	if typing.GroupID != "" {
		recipient = typing.GroupID
	}
	threadID, err := d.collab.Conversations.GetThreadID(ctx, recipient)
	if err != nil {
		return Retryable(err)
	}
	if typing.Started {
		d.collab.Typing.Started(threadID, content.Sender, content.SenderDevice)
	} else {
		d.collab.Typing.Stopped(threadID, content.Sender, content.SenderDevice, false)
	}
	return nil
}

// conversationKey names the conversation a data message belongs to: the
// group ID for group content, the sender otherwise.
func conversationKey(sender string, group *GroupContext) string {
	if group != nil {
		return group.ID
	}
	return sender
}
