package courier

import (
	"context"
	"sync"
	"time"
)

// In-memory transport-side collaborators, continuing the reference set in
// memstores.go.

// SentText records one text delivery accepted by the memory transport.
type SentText struct {
	Destination string
	Body        string
	Timestamp   int64
}

// SentReceipt records one receipt delivery accepted by the memory transport.
type SentReceipt struct {
	Destination string
	Kind        ReceiptKind
	Timestamps  []int64
}

// MemorySender is an in-memory MessageSender. A configured failure is
// returned for every send until cleared.
type MemorySender struct {
	mu       sync.Mutex
	failWith error
	result   SendResult
	texts    []SentText
	receipts []SentReceipt
}

// NewMemorySender creates a transport that accepts everything.
func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

// FailWith makes subsequent sends return err. Pass nil to restore delivery.
func (s *MemorySender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// SetResult sets the SendResult returned on successful sends.
func (s *MemorySender) SetResult(result SendResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
}

func (s *MemorySender) SendText(ctx context.Context, destination string, rec *OutgoingRecord) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return SendResult{}, s.failWith
	}
	s.texts = append(s.texts, SentText{Destination: destination, Body: rec.Body, Timestamp: rec.Timestamp})
	return s.result, nil
}

func (s *MemorySender) SendReceipt(ctx context.Context, destination string, kind ReceiptKind, timestamps []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.receipts = append(s.receipts, SentReceipt{Destination: destination, Kind: kind, Timestamps: append([]int64(nil), timestamps...)})
	return nil
}

// Texts returns the accepted text deliveries.
func (s *MemorySender) Texts() []SentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentText(nil), s.texts...)
}

// Receipts returns the accepted receipt deliveries.
func (s *MemorySender) Receipts() []SentReceipt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentReceipt(nil), s.receipts...)
}

// MemoryAttachments is an in-memory AttachmentDownloader.
type MemoryAttachments struct {
	mu        sync.Mutex
	downloads []AttachmentPointer
}

// NewMemoryAttachments creates an empty downloader.
func NewMemoryAttachments() *MemoryAttachments {
	return &MemoryAttachments{}
}

func (s *MemoryAttachments) Download(ctx context.Context, messageID int64, pointer AttachmentPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads = append(s.downloads, pointer)
	return nil
}

// Downloads returns the fetched attachment pointers.
func (s *MemoryAttachments) Downloads() []AttachmentPointer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AttachmentPointer(nil), s.downloads...)
}

// MemoryPreKeys is an in-memory PreKeyManager.
type MemoryPreKeys struct {
	mu          sync.Mutex
	replenished int
	rotated     int
	failures    int
}

// NewMemoryPreKeys creates a manager with no recorded failures.
func NewMemoryPreKeys() *MemoryPreKeys {
	return &MemoryPreKeys{}
}

// SetFailureCount sets the consecutive signed-prekey rotation failure count.
func (s *MemoryPreKeys) SetFailureCount(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *MemoryPreKeys) Replenish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replenished++
	return nil
}

func (s *MemoryPreKeys) RotateSignedPreKey(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotated++
	s.failures = 0
	return nil
}

func (s *MemoryPreKeys) SignedPreKeyFailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Replenished returns how many refills ran.
func (s *MemoryPreKeys) Replenished() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replenished
}

// Rotated returns how many signed-prekey rotations ran.
func (s *MemoryPreKeys) Rotated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotated
}

// MemoryCertificates is an in-memory CertificateStore. Rotation installs a
// certificate valid for 14 days.
type MemoryCertificates struct {
	mu        sync.Mutex
	cert      *SenderCertificate
	rotations int
}

// NewMemoryCertificates creates a store holding cert, which may be nil.
func NewMemoryCertificates(cert *SenderCertificate) *MemoryCertificates {
	return &MemoryCertificates{cert: cert}
}

func (s *MemoryCertificates) Certificate(ctx context.Context) (*SenderCertificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cert == nil {
		return nil, nil
	}
	clone := *s.cert
	return &clone, nil
}

func (s *MemoryCertificates) Rotate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations++
	s.cert = &SenderCertificate{Expiration: time.Now().Add(14 * 24 * time.Hour).UnixMilli()}
	return nil
}

// Rotations returns how many rotations ran.
func (s *MemoryCertificates) Rotations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotations
}

// MemoryProfiles is an in-memory ProfileFetcher.
type MemoryProfiles struct {
	mu      sync.Mutex
	fetched []string
}

// NewMemoryProfiles creates an empty fetcher.
func NewMemoryProfiles() *MemoryProfiles {
	return &MemoryProfiles{}
}

func (s *MemoryProfiles) Fetch(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = append(s.fetched, address)
	return nil
}

// Fetched returns addresses whose profiles were refreshed.
func (s *MemoryProfiles) Fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

// GroupInfoRequest records one request for group state.
type GroupInfoRequest struct {
	Sender  string
	GroupID string
}

// MemoryGroupInfo is an in-memory GroupInfoRequester.
type MemoryGroupInfo struct {
	mu       sync.Mutex
	requests []GroupInfoRequest
}

// NewMemoryGroupInfo creates an empty requester.
func NewMemoryGroupInfo() *MemoryGroupInfo {
	return &MemoryGroupInfo{}
}

func (s *MemoryGroupInfo) Request(ctx context.Context, sender, groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, GroupInfoRequest{Sender: sender, GroupID: groupID})
	return nil
}

// Requests returns the group info requests made.
func (s *MemoryGroupInfo) Requests() []GroupInfoRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GroupInfoRequest(nil), s.requests...)
}

// MemorySyncResponder is an in-memory SyncResponder.
type MemorySyncResponder struct {
	mu   sync.Mutex
	sent []string
}

// NewMemorySyncResponder creates an empty responder.
func NewMemorySyncResponder() *MemorySyncResponder {
	return &MemorySyncResponder{}
}

func (s *MemorySyncResponder) record(kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, kind)
	return nil
}

func (s *MemorySyncResponder) SendContacts(ctx context.Context) error {
	return s.record(SyncResponseContacts)
}

func (s *MemorySyncResponder) SendGroups(ctx context.Context) error {
	return s.record(SyncResponseGroups)
}

func (s *MemorySyncResponder) SendBlocked(ctx context.Context) error {
	return s.record(SyncResponseBlocked)
}

func (s *MemorySyncResponder) SendConfiguration(ctx context.Context) error {
	return s.record(SyncResponseConfiguration)
}

// Sent returns the response kinds delivered so far.
func (s *MemorySyncResponder) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// MemoryProber is an in-memory ServiceProber.
type MemoryProber struct {
	mu     sync.Mutex
	probes int
}

// NewMemoryProber creates a prober.
func NewMemoryProber() *MemoryProber {
	return &MemoryProber{}
}

func (s *MemoryProber) Probe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes++
	return nil
}

// Probes returns how many probes ran.
func (s *MemoryProber) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// MemoryEnvironment bundles a full set of memory collaborators with the
// concrete types still reachable for inspection.
type MemoryEnvironment struct {
	Conversations *MemoryConversations
	Receipts      *MemoryReceipts
	Recipients    *MemoryRecipients
	Groups        *MemoryGroups
	Sessions      *MemorySessions
	Identity      *MemoryIdentity
	Notifier      *MemoryNotifier
	Typing        *MemoryTyping
	Calls         *MemoryCalls
	Expirations   *MemoryExpirations
	Sender        *MemorySender
	Attachments   *MemoryAttachments
	PreKeys       *MemoryPreKeys
	Certificates  *MemoryCertificates
	Profiles      *MemoryProfiles
	GroupInfo     *MemoryGroupInfo
	SyncResponses *MemorySyncResponder
	Prober        *MemoryProber
}

// NewMemoryEnvironment creates a fresh set of memory collaborators with the
// identity established and calls available.
func NewMemoryEnvironment() *MemoryEnvironment {
	conversations := NewMemoryConversations()
	return &MemoryEnvironment{
		Conversations: conversations,
		Receipts:      NewMemoryReceipts(),
		Recipients:    NewMemoryRecipients(),
		Groups:        NewMemoryGroups(conversations),
		Sessions:      NewMemorySessions(),
		Identity:      NewMemoryIdentity(true),
		Notifier:      NewMemoryNotifier(),
		Typing:        NewMemoryTyping(),
		Calls:         NewMemoryCalls(true),
		Expirations:   NewMemoryExpirations(),
		Sender:        NewMemorySender(),
		Attachments:   NewMemoryAttachments(),
		PreKeys:       NewMemoryPreKeys(),
		Certificates:  NewMemoryCertificates(&SenderCertificate{Expiration: time.Now().Add(14 * 24 * time.Hour).UnixMilli()}),
		Profiles:      NewMemoryProfiles(),
		GroupInfo:     NewMemoryGroupInfo(),
		SyncResponses: NewMemorySyncResponder(),
		Prober:        NewMemoryProber(),
	}
}

// Collaborators wires the environment into the struct NewEngine expects.
func (e *MemoryEnvironment) Collaborators(cipher ProtocolCipher) *Collaborators {
	return &Collaborators{
		Cipher:        cipher,
		Conversations: e.Conversations,
		Receipts:      e.Receipts,
		Recipients:    e.Recipients,
		Groups:        e.Groups,
		Sessions:      e.Sessions,
		Identity:      e.Identity,
		Notifier:      e.Notifier,
		Typing:        e.Typing,
		Calls:         e.Calls,
		Expirations:   e.Expirations,
		Sender:        e.Sender,
		Attachments:   e.Attachments,
		PreKeys:       e.PreKeys,
		Certificates:  e.Certificates,
		Profiles:      e.Profiles,
		GroupInfo:     e.GroupInfo,
		SyncResponses: e.SyncResponses,
		Prober:        e.Prober,
	}
}
