package courier

import (
	"context"
	"time"
)

// ProtocolCipher decrypts an envelope into typed content or fails with a
// classified *ProtocolError. Implementations are stateful and not safe for
// concurrent invocation; the dispatcher serializes all calls under the
// receive lock.
type ProtocolCipher interface {
	Decrypt(ctx context.Context, env *Envelope) (*DecryptedContent, error)
}

// RecordKind distinguishes the conversation entries the dispatcher creates.
type RecordKind int

const (
	// RecordText is a plain text message.
	RecordText RecordKind = iota
	// RecordMedia is a message carrying attachments, a quote, or shared
	// contacts.
	RecordMedia
	// RecordSessionReset is a system message noting the sender ended the
	// cryptographic session.
	RecordSessionReset
	// RecordExpirationUpdate is a system message noting a disappearing-message
	// timer change.
	RecordExpirationUpdate
	// RecordMissedCall is a system message noting an unanswerable call offer.
	RecordMissedCall
	// RecordPlaceholder marks an undecryptable message so history reflects
	// that something arrived. PlaceholderReason carries the failure class.
	RecordPlaceholder
)

// MessageRecord is a persisted incoming conversation entry. It is owned by
// the conversation store; the dispatcher creates and mutates records, the job
// subsystem never touches them directly.
type MessageRecord struct {
	Kind              RecordKind
	Sender            string
	SenderDevice      int
	Timestamp         int64
	Body              string
	GroupID           string
	Attachments       []AttachmentPointer
	Quote             *Quote
	Contacts          []ContactCard
	ExpiresInSeconds  uint32
	NeedsReceipt      bool
	PlaceholderReason FailureCode
}

// OutgoingStatus is the delivery state of an outgoing message.
type OutgoingStatus string

const (
	// OutgoingPending means the message has not been handed to the transport.
	OutgoingPending OutgoingStatus = "pending"
	// OutgoingSent means the transport accepted the message.
	OutgoingSent OutgoingStatus = "sent"
	// OutgoingFailed means delivery failed terminally.
	OutgoingFailed OutgoingStatus = "failed"
	// OutgoingFallback means delivery requires manual fallback approval
	// because the recipient is unregistered.
	OutgoingFallback OutgoingStatus = "fallback"
)

// OutgoingRecord is a persisted outgoing conversation entry. EndSession and
// ExpirationUpdate mark system entries replayed from linked-device
// transcripts; Attachments carry media sent elsewhere that this device still
// has to download.
type OutgoingRecord struct {
	ID               int64
	Destination      string
	Body             string
	Timestamp        int64
	Attachments      []AttachmentPointer
	ExpiresInSeconds uint32
	EndSession       bool
	ExpirationUpdate bool
	Status           OutgoingStatus
	Unidentified     bool
}

// Sendable reports whether a send job may still deliver the record. Guards
// against double-send after a crash-and-retry.
func (r *OutgoingRecord) Sendable() bool {
	return r.Status == OutgoingPending || r.Status == OutgoingFailed
}

// InsertResult identifies a newly inserted conversation entry.
type InsertResult struct {
	MessageID int64
	ThreadID  int64
}

// ExpiringMessage references a message whose disappearing-message countdown
// has started.
type ExpiringMessage struct {
	MessageID int64
	ExpiresIn time.Duration
}

// ConversationStore persists threads and messages. All mutations performed by
// the dispatcher and the send pipeline go through this interface.
type ConversationStore interface {
	InsertMessage(ctx context.Context, rec *MessageRecord) (InsertResult, error)
	InsertOutgoing(ctx context.Context, rec *OutgoingRecord) (InsertResult, error)
	GetOutgoing(ctx context.Context, messageID int64) (*OutgoingRecord, error)

	// CompletePlaceholder replaces a locally stored placeholder (matched by
	// its local-only message id) with the retransmitted body, in place.
	CompletePlaceholder(ctx context.Context, smsMessageID int64, body string) (InsertResult, error)

	MarkSent(ctx context.Context, messageID int64, unidentified bool) error
	MarkFailed(ctx context.Context, messageID int64, reason string) error
	MarkPendingFallback(ctx context.Context, messageID int64) error
	AddIdentityMismatch(ctx context.Context, messageID int64, address string) error
	MarkExpireStarted(ctx context.Context, messageID int64, startedAt int64) error

	MarkThreadRead(ctx context.Context, threadID int64) error
	// MarkRead advances read state for the message identified by
	// (sender, timestamp) and returns any newly read expiring messages so the
	// caller can schedule their deletion.
	MarkRead(ctx context.Context, sender string, timestamp int64, readAt int64) ([]ExpiringMessage, error)

	GetThreadID(ctx context.Context, recipient string) (int64, error)
	SetExpireTimer(ctx context.Context, recipient string, seconds uint32) error
	GetExpireTimer(ctx context.Context, recipient string) (uint32, error)

	// HasMessage reports whether a message from sender with the given sent
	// timestamp is already recorded. Used by the duplicate filter.
	HasMessage(ctx context.Context, sender string, timestamp int64) (bool, error)
}

// ReceiptStore tracks per-message receipt counters keyed by
// (sender, sent timestamp).
type ReceiptStore interface {
	IncrementDelivery(ctx context.Context, sender string, timestamp int64, deliveredAt int64) error
	IncrementRead(ctx context.Context, sender string, timestamp int64, readAt int64) error
}

// RecipientDirectory exposes per-contact state consulted during dispatch.
type RecipientDirectory interface {
	IsBlocked(ctx context.Context, address string) (bool, error)
	ProfileKey(ctx context.Context, address string) ([]byte, error)
	SetProfileKey(ctx context.Context, address string, key []byte) error
	SetProfileSharing(ctx context.Context, address string, enabled bool) error
}

// GroupStore persists group membership and metadata.
type GroupStore interface {
	IsKnown(ctx context.Context, groupID string) (bool, error)
	IsActive(ctx context.Context, groupID string) (bool, error)
	// Apply records a group update or leave and returns the thread it was
	// recorded in, or 0 if nothing was recorded.
	Apply(ctx context.Context, sender string, group *GroupContext) (int64, error)
}

// SessionStore manages cryptographic sessions outside the cipher itself.
type SessionStore interface {
	DeleteAllSessions(ctx context.Context, address string) error
}

// IdentityStore answers whether local identity material is usable and applies
// verification updates from linked devices.
type IdentityStore interface {
	// Established reports whether the local identity key exists. While false,
	// envelopes are retained undecrypted (the migration gate).
	Established(ctx context.Context) bool
	ProcessVerified(ctx context.Context, update *VerifiedUpdate) error
}

// NotificationSink raises user-visible signals. Fire-and-forget: the core
// consumes no return value.
type NotificationSink interface {
	NotifyNewMessage(threadID int64)
	NotifyDeliveryFailed(threadID int64)
	// NotifyLockedMessages signals that envelopes are waiting on the
	// migration gate.
	NotifyLockedMessages()
}

// TypingIndicators aggregates typing start/stop events per thread.
type TypingIndicators interface {
	Started(threadID int64, author string, device int)
	Stopped(threadID int64, author string, device int, replacedByMessage bool)
}

// CallHandler is the externally owned call-session state machine.
type CallHandler interface {
	// Available reports whether an incoming offer can be answered. When
	// false the dispatcher records a missed-call system message instead of
	// forwarding the offer.
	Available() bool
	HandleOffer(sender string, device int, timestamp int64, offer *CallOffer)
	HandleAnswer(sender string, answer *CallAnswer)
	HandleIceUpdates(sender string, updates []IceUpdate)
	HandleHangup(sender string, hangup *CallHangup)
	HandleBusy(sender string, busy *CallBusy)
}

// ExpirationScheduler schedules deletion of disappearing messages.
type ExpirationScheduler interface {
	ScheduleDeletion(messageID int64, startedAt int64, expiresIn time.Duration)
}

// SendResult reports transport metadata for a delivered message.
type SendResult struct {
	// Unidentified is true when the message was delivered via sealed sender.
	Unidentified bool
}

// MessageSender is the relay transport for outgoing content. Failures are
// classified *ProtocolError values: FailureTransientNetwork for retryable
// I/O, FailureUntrustedIdentity and FailureUnregistered for terminal
// conditions.
type MessageSender interface {
	SendText(ctx context.Context, destination string, rec *OutgoingRecord) (SendResult, error)
	SendReceipt(ctx context.Context, destination string, kind ReceiptKind, timestamps []int64) error
}

// AttachmentDownloader fetches remote attachment content for a stored
// message.
type AttachmentDownloader interface {
	Download(ctx context.Context, messageID int64, pointer AttachmentPointer) error
}

// PreKeyManager maintains the one-time and signed prekeys the ratchet
// consumes.
type PreKeyManager interface {
	Replenish(ctx context.Context) error
	RotateSignedPreKey(ctx context.Context) error
	// SignedPreKeyFailureCount returns consecutive signed-prekey rotation
	// failures; repeated failures abort sends.
	SignedPreKeyFailureCount() int
}

// SenderCertificate is the credential used for sealed sending.
type SenderCertificate struct {
	Expiration int64 // milliseconds since epoch
}

// CertificateStore holds the sender certificate and fetches replacements.
type CertificateStore interface {
	Certificate(ctx context.Context) (*SenderCertificate, error)
	Rotate(ctx context.Context) error
}

// ProfileFetcher retrieves a contact's profile after a profile-key change.
type ProfileFetcher interface {
	Fetch(ctx context.Context, address string) error
}

// GroupInfoRequester asks a group sender for current group state.
type GroupInfoRequester interface {
	Request(ctx context.Context, sender string, groupID string) error
}

// SyncResponder answers linked-device requests for local state.
type SyncResponder interface {
	SendContacts(ctx context.Context) error
	SendGroups(ctx context.Context) error
	SendBlocked(ctx context.Context) error
	SendConfiguration(ctx context.Context) error
}

// ServiceProber checks relay reachability after repeated send failures.
type ServiceProber interface {
	Probe(ctx context.Context) error
}

// Collaborators bundles the external components the engine is wired to at
// construction time. There are no process-wide singletons; everything the
// dispatcher and jobs touch flows through this struct.
type Collaborators struct {
	Cipher        ProtocolCipher
	Conversations ConversationStore
	Receipts      ReceiptStore
	Recipients    RecipientDirectory
	Groups        GroupStore
	Sessions      SessionStore
	Identity      IdentityStore
	Notifier      NotificationSink
	Typing        TypingIndicators
	Calls         CallHandler
	Expirations   ExpirationScheduler
	Sender        MessageSender
	Attachments   AttachmentDownloader
	PreKeys       PreKeyManager
	Certificates  CertificateStore
	Profiles      ProfileFetcher
	GroupInfo     GroupInfoRequester
	SyncResponses SyncResponder
	Prober        ServiceProber
}
