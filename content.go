package courier

import (
	"errors"
	"fmt"
)

// FailureCode classifies a decrypt or send failure. The code drives routing:
// transient failures are retried per the job's policy, protocol failures are
// terminal and surfaced as placeholder records, and ignorable failures are
// absorbed silently.
type FailureCode string

const (
	// FailureTransientNetwork indicates the network was unreachable or the
	// request timed out. Retryable.
	FailureTransientNetwork FailureCode = "transient_network"
	// FailureInvalidVersion indicates a ciphertext with an unsupported
	// protocol version. Terminal; inserts a placeholder record.
	FailureInvalidVersion FailureCode = "invalid_version"
	// FailureCorrupt indicates undecryptable or malformed ciphertext,
	// including bad keys and invalid key ids. Terminal; placeholder record.
	FailureCorrupt FailureCode = "corrupt"
	// FailureNoSession indicates no cryptographic session exists with the
	// sender device. Terminal; placeholder record.
	FailureNoSession FailureCode = "no_session"
	// FailureLegacy indicates a message from an obsolete protocol era.
	// Terminal; placeholder record.
	FailureLegacy FailureCode = "legacy"
	// FailureUntrustedIdentity indicates the sender's identity key changed
	// and is not trusted. Terminal; placeholder record on receive, terminal
	// send failure with a recorded key mismatch on send.
	FailureUntrustedIdentity FailureCode = "untrusted_identity"
	// FailureDuplicate indicates a message already processed. Ignorable:
	// absorbed with no record, treated as clean success for envelope
	// deletion.
	FailureDuplicate FailureCode = "duplicate"
	// FailureSelfSend indicates sealed-sender content originated by this
	// account. Ignorable, same as duplicate.
	FailureSelfSend FailureCode = "self_send"
	// FailureCertificateExpired indicates the sender certificate used for
	// sealed sending is expired or about to expire. Triggers rotation, not a
	// message failure.
	FailureCertificateExpired FailureCode = "certificate_expired"
	// FailureUnregistered indicates the recipient is not registered with the
	// relay. The message is marked for manual fallback rather than retried.
	FailureUnregistered FailureCode = "unregistered"
)

// ProtocolError is a classified failure raised by the protocol cipher or the
// message transport. It carries enough routing metadata to insert a
// placeholder record for the failed sender.
type ProtocolError struct {
	Code         FailureCode
	Sender       string
	SenderDevice int
	Err          error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Ignorable reports whether the failure is absorbed with no visible record.
func (e *ProtocolError) Ignorable() bool {
	return e.Code == FailureDuplicate || e.Code == FailureSelfSend
}

// Retryable reports whether the failure should re-enter the retry cycle.
func (e *ProtocolError) Retryable() bool {
	return e.Code == FailureTransientNetwork
}

// ClassifyFailure extracts the FailureCode from err, or "" if err carries no
// classification.
func ClassifyFailure(err error) FailureCode {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}

// GroupUpdateType distinguishes group-context content.
type GroupUpdateType int

const (
	// GroupDeliver carries ordinary content addressed to a group.
	GroupDeliver GroupUpdateType = iota
	// GroupUpdate modifies group metadata or membership.
	GroupUpdate
	// GroupQuit announces that the sender left the group.
	GroupQuit
	// GroupRequestInfo asks the recipient to send current group state.
	GroupRequestInfo
)

// GroupContext addresses content to a group and optionally carries a
// membership or metadata update.
type GroupContext struct {
	ID      string
	Type    GroupUpdateType
	Name    string
	Members []string
}

// AttachmentPointer references remote attachment content to be fetched by a
// follow-on download job.
type AttachmentPointer struct {
	ID          uint64
	Key         []byte
	ContentType string
	Size        uint32
	FileName    string
	Digest      []byte
}

// Quote references a previously received message being replied to.
type Quote struct {
	ID     int64 // timestamp of the quoted message
	Author string
	Text   string
}

// ContactCard is a shared contact attached to a data message.
type ContactCard struct {
	Name   string
	Number string
}

// DataMessage is conversation content: text, media, a group update, an
// expiration-timer update, or a session termination.
type DataMessage struct {
	Body             string
	Attachments      []AttachmentPointer
	Quote            *Quote
	Contacts         []ContactCard
	Group            *GroupContext
	ProfileKey       []byte
	ExpiresInSeconds uint32
	EndSession       bool
	ExpirationUpdate bool
}

// HasMedia reports whether the message must be handled as a media message.
func (m *DataMessage) HasMedia() bool {
	return len(m.Attachments) > 0 || m.Quote != nil || len(m.Contacts) > 0
}

// SentTranscript describes a message sent from a linked device, replayed so
// this device can record it as its own outgoing message.
type SentTranscript struct {
	Destination         string
	Timestamp           int64
	ExpirationStartedAt int64
	Message             *DataMessage
}

// ReadEntry marks one message as read on a linked device.
type ReadEntry struct {
	Sender    string
	Timestamp int64
}

// VerifiedUpdate carries an identity-verification state change from a linked
// device.
type VerifiedUpdate struct {
	Destination string
	IdentityKey []byte
	Verified    bool
}

// SyncRequest asks this device to send state to a linked device.
type SyncRequest struct {
	Contacts      bool
	Groups        bool
	Blocked       bool
	Configuration bool
}

// SyncMessage is content originated by a linked device describing an action
// taken elsewhere. Exactly one field is populated.
type SyncMessage struct {
	Sent     *SentTranscript
	Read     []ReadEntry
	Verified *VerifiedUpdate
	Request  *SyncRequest
}

// CallOffer initiates a call session.
type CallOffer struct {
	CallID      uint64
	Description string
}

// CallAnswer accepts a call offer.
type CallAnswer struct {
	CallID      uint64
	Description string
}

// IceUpdate carries ICE candidate information for call setup.
type IceUpdate struct {
	CallID       uint64
	SDP          string
	SDPMid       string
	SDPLineIndex uint32
}

// CallHangup terminates a call session.
type CallHangup struct {
	CallID uint64
}

// CallBusy rejects a call offer because another call is active.
type CallBusy struct {
	CallID uint64
}

// CallMessage is call-signaling content. Exactly one field is populated.
type CallMessage struct {
	Offer      *CallOffer
	Answer     *CallAnswer
	IceUpdates []IceUpdate
	Hangup     *CallHangup
	Busy       *CallBusy
}

// ReceiptKind distinguishes delivery from read receipts.
type ReceiptKind int

const (
	// ReceiptDelivery acknowledges delivery to the recipient device.
	ReceiptDelivery ReceiptKind = iota
	// ReceiptRead acknowledges the recipient read the message.
	ReceiptRead
)

// ReceiptMessage acknowledges one or more messages identified by their sent
// timestamps.
type ReceiptMessage struct {
	Kind       ReceiptKind
	Timestamps []int64
}

// TypingMessage signals typing start/stop in a conversation.
type TypingMessage struct {
	Started bool
	GroupID string
}

// DecryptedContent is the closed set of variants produced by a successful
// decryption. Exactly one of Data, Sync, Call, Receipt, Typing is non-nil;
// dispatch is exhaustive over the set.
type DecryptedContent struct {
	Sender       string
	SenderDevice int
	Timestamp    int64
	NeedsReceipt bool

	Data    *DataMessage
	Sync    *SyncMessage
	Call    *CallMessage
	Receipt *ReceiptMessage
	Typing  *TypingMessage
}
