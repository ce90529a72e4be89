package courier

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// In-memory reference implementations of the collaborator interfaces. They
// back the examples and give embedding clients a starting point before wiring
// real storage in. All of them are safe for concurrent use.

// MemoryConversations is an in-memory ConversationStore.
type MemoryConversations struct {
	mu            sync.Mutex
	nextMessageID int64
	nextThreadID  int64
	threads       map[string]int64
	messages      map[int64]*MessageRecord
	outgoing      map[int64]*OutgoingRecord
	timers        map[string]uint32
	mismatches    map[int64][]string
	expireStarted map[int64]int64
	threadsRead   map[int64]bool
	byKey         map[string]int64
}

// NewMemoryConversations creates an empty store.
func NewMemoryConversations() *MemoryConversations {
	return &MemoryConversations{
		threads:       make(map[string]int64),
		messages:      make(map[int64]*MessageRecord),
		outgoing:      make(map[int64]*OutgoingRecord),
		timers:        make(map[string]uint32),
		mismatches:    make(map[int64][]string),
		expireStarted: make(map[int64]int64),
		threadsRead:   make(map[int64]bool),
		byKey:         make(map[string]int64),
	}
}

func (s *MemoryConversations) threadLocked(recipient string) int64 {
	if id, ok := s.threads[recipient]; ok {
		return id
	}
	s.nextThreadID++
	s.threads[recipient] = s.nextThreadID
	return s.nextThreadID
}

func messageKey(sender string, timestamp int64) string {
	return fmt.Sprintf("%s/%d", sender, timestamp)
}

func (s *MemoryConversations) InsertMessage(ctx context.Context, rec *MessageRecord) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversation := rec.Sender
	if rec.GroupID != "" {
		conversation = rec.GroupID
	}
	threadID := s.threadLocked(conversation)
	s.nextMessageID++
	stored := *rec
	s.messages[s.nextMessageID] = &stored
	s.byKey[messageKey(rec.Sender, rec.Timestamp)] = s.nextMessageID
	return InsertResult{MessageID: s.nextMessageID, ThreadID: threadID}, nil
}

func (s *MemoryConversations) InsertOutgoing(ctx context.Context, rec *OutgoingRecord) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadID := s.threadLocked(rec.Destination)
	s.nextMessageID++
	stored := *rec
	stored.ID = s.nextMessageID
	s.outgoing[s.nextMessageID] = &stored
	return InsertResult{MessageID: s.nextMessageID, ThreadID: threadID}, nil
}

func (s *MemoryConversations) GetOutgoing(ctx context.Context, messageID int64) (*OutgoingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.outgoing[messageID]
	if !ok {
		return nil, fmt.Errorf("outgoing message %d not found", messageID)
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryConversations) CompletePlaceholder(ctx context.Context, smsMessageID int64, body string) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.messages[smsMessageID]
	if !ok {
		return InsertResult{}, fmt.Errorf("placeholder %d not found", smsMessageID)
	}
	rec.Kind = RecordText
	rec.Body = body
	rec.PlaceholderReason = ""
	conversation := rec.Sender
	if rec.GroupID != "" {
		conversation = rec.GroupID
	}
	return InsertResult{MessageID: smsMessageID, ThreadID: s.threadLocked(conversation)}, nil
}

func (s *MemoryConversations) MarkSent(ctx context.Context, messageID int64, unidentified bool) error {
	return s.setOutgoingStatus(messageID, OutgoingSent, unidentified)
}

func (s *MemoryConversations) MarkFailed(ctx context.Context, messageID int64, reason string) error {
	return s.setOutgoingStatus(messageID, OutgoingFailed, false)
}

func (s *MemoryConversations) MarkPendingFallback(ctx context.Context, messageID int64) error {
	return s.setOutgoingStatus(messageID, OutgoingFallback, false)
}

func (s *MemoryConversations) setOutgoingStatus(messageID int64, status OutgoingStatus, unidentified bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.outgoing[messageID]
	if !ok {
		return fmt.Errorf("outgoing message %d not found", messageID)
	}
	rec.Status = status
	if unidentified {
		rec.Unidentified = true
	}
	return nil
}

func (s *MemoryConversations) AddIdentityMismatch(ctx context.Context, messageID int64, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mismatches[messageID] = append(s.mismatches[messageID], address)
	return nil
}

func (s *MemoryConversations) MarkExpireStarted(ctx context.Context, messageID int64, startedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireStarted[messageID] = startedAt
	return nil
}

func (s *MemoryConversations) MarkThreadRead(ctx context.Context, threadID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadsRead[threadID] = true
	return nil
}

func (s *MemoryConversations) MarkRead(ctx context.Context, sender string, timestamp int64, readAt int64) ([]ExpiringMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messageID, ok := s.byKey[messageKey(sender, timestamp)]
	if !ok {
		return nil, nil
	}
	rec := s.messages[messageID]
	if rec.ExpiresInSeconds == 0 {
		return nil, nil
	}
	if _, started := s.expireStarted[messageID]; started {
		return nil, nil
	}
	return []ExpiringMessage{{
		MessageID: messageID,
		ExpiresIn: time.Duration(rec.ExpiresInSeconds) * time.Second,
	}}, nil
}

func (s *MemoryConversations) GetThreadID(ctx context.Context, recipient string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadLocked(recipient), nil
}

func (s *MemoryConversations) SetExpireTimer(ctx context.Context, recipient string, seconds uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[recipient] = seconds
	return nil
}

func (s *MemoryConversations) GetExpireTimer(ctx context.Context, recipient string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[recipient], nil
}

func (s *MemoryConversations) HasMessage(ctx context.Context, sender string, timestamp int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byKey[messageKey(sender, timestamp)]
	return ok, nil
}

// Message returns a copy of a stored incoming message, or nil.
func (s *MemoryConversations) Message(messageID int64) *MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.messages[messageID]
	if !ok {
		return nil
	}
	clone := *rec
	return &clone
}

// Outgoing returns a copy of a stored outgoing message, or nil.
func (s *MemoryConversations) Outgoing(messageID int64) *OutgoingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outgoing[messageID]
	if !ok {
		return nil
	}
	clone := *rec
	return &clone
}

// OutgoingRecords returns copies of all stored outgoing messages in insertion
// order.
func (s *MemoryConversations) OutgoingRecords() []*OutgoingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*OutgoingRecord, 0, len(s.outgoing))
	for id := int64(1); id <= s.nextMessageID; id++ {
		if rec, ok := s.outgoing[id]; ok {
			clone := *rec
			records = append(records, &clone)
		}
	}
	return records
}

// Mismatches returns recorded identity mismatches for a message.
func (s *MemoryConversations) Mismatches(messageID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mismatches[messageID]...)
}

// ThreadRead reports whether MarkThreadRead was called for the thread.
func (s *MemoryConversations) ThreadRead(threadID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadsRead[threadID]
}

// Records returns copies of all stored incoming messages in insertion order.
func (s *MemoryConversations) Records() []*MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]*MessageRecord, 0, len(s.messages))
	for id := int64(1); id <= s.nextMessageID; id++ {
		if rec, ok := s.messages[id]; ok {
			clone := *rec
			records = append(records, &clone)
		}
	}
	return records
}

// MessageCount returns the number of stored incoming messages.
func (s *MemoryConversations) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// MemoryReceipts is an in-memory ReceiptStore.
type MemoryReceipts struct {
	mu        sync.Mutex
	delivered map[string]int
	read      map[string]int
}

// NewMemoryReceipts creates an empty store.
func NewMemoryReceipts() *MemoryReceipts {
	return &MemoryReceipts{
		delivered: make(map[string]int),
		read:      make(map[string]int),
	}
}

func (s *MemoryReceipts) IncrementDelivery(ctx context.Context, sender string, timestamp int64, deliveredAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered[messageKey(sender, timestamp)]++
	return nil
}

func (s *MemoryReceipts) IncrementRead(ctx context.Context, sender string, timestamp int64, readAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read[messageKey(sender, timestamp)]++
	return nil
}

// Delivered returns the delivery counter for (sender, timestamp).
func (s *MemoryReceipts) Delivered(sender string, timestamp int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[messageKey(sender, timestamp)]
}

// Read returns the read counter for (sender, timestamp).
func (s *MemoryReceipts) Read(sender string, timestamp int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read[messageKey(sender, timestamp)]
}

// MemoryRecipients is an in-memory RecipientDirectory.
type MemoryRecipients struct {
	mu      sync.Mutex
	blocked map[string]bool
	keys    map[string][]byte
	sharing map[string]bool
}

// NewMemoryRecipients creates an empty directory.
func NewMemoryRecipients() *MemoryRecipients {
	return &MemoryRecipients{
		blocked: make(map[string]bool),
		keys:    make(map[string][]byte),
		sharing: make(map[string]bool),
	}
}

// Block marks an address as blocked.
func (s *MemoryRecipients) Block(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[address] = true
}

func (s *MemoryRecipients) IsBlocked(ctx context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked[address], nil
}

func (s *MemoryRecipients) ProfileKey(ctx context.Context, address string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.keys[address]...), nil
}

func (s *MemoryRecipients) SetProfileKey(ctx context.Context, address string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[address] = append([]byte(nil), key...)
	return nil
}

func (s *MemoryRecipients) SetProfileSharing(ctx context.Context, address string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sharing[address] = enabled
	return nil
}

// MemoryGroups is an in-memory GroupStore.
type MemoryGroups struct {
	mu      sync.Mutex
	known   map[string]bool
	active  map[string]bool
	applied []GroupContext
	convs   *MemoryConversations
}

// NewMemoryGroups creates an empty store. Applied updates are recorded as
// threads in convs when it is non-nil.
func NewMemoryGroups(convs *MemoryConversations) *MemoryGroups {
	return &MemoryGroups{
		known:  make(map[string]bool),
		active: make(map[string]bool),
		convs:  convs,
	}
}

// Add registers a group as known and optionally active.
func (s *MemoryGroups) Add(groupID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[groupID] = true
	s.active[groupID] = active
}

func (s *MemoryGroups) IsKnown(ctx context.Context, groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.known[groupID], nil
}

func (s *MemoryGroups) IsActive(ctx context.Context, groupID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[groupID], nil
}

func (s *MemoryGroups) Apply(ctx context.Context, sender string, group *GroupContext) (int64, error) {
	s.mu.Lock()
	s.applied = append(s.applied, *group)
	s.known[group.ID] = true
	switch group.Type {
	case GroupQuit:
		s.active[group.ID] = false
	default:
		s.active[group.ID] = true
	}
	s.mu.Unlock()

	if s.convs == nil {
		return 0, nil
	}
	threadID, err := s.convs.GetThreadID(ctx, group.ID)
	if err != nil {
		return 0, err
	}
	return threadID, nil
}

// Applied returns the group updates applied so far.
func (s *MemoryGroups) Applied() []GroupContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GroupContext(nil), s.applied...)
}

// MemorySessions is an in-memory SessionStore.
type MemorySessions struct {
	mu      sync.Mutex
	deleted []string
}

// NewMemorySessions creates an empty store.
func NewMemorySessions() *MemorySessions {
	return &MemorySessions{}
}

func (s *MemorySessions) DeleteAllSessions(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, address)
	return nil
}

// Deleted returns addresses whose sessions were deleted.
func (s *MemorySessions) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// MemoryIdentity is an in-memory IdentityStore.
type MemoryIdentity struct {
	mu          sync.Mutex
	established bool
	verified    []VerifiedUpdate
}

// NewMemoryIdentity creates a store; established controls the migration gate.
func NewMemoryIdentity(established bool) *MemoryIdentity {
	return &MemoryIdentity{established: established}
}

// SetEstablished flips the migration gate.
func (s *MemoryIdentity) SetEstablished(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.established = ok
}

func (s *MemoryIdentity) Established(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.established
}

func (s *MemoryIdentity) ProcessVerified(ctx context.Context, update *VerifiedUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified = append(s.verified, *update)
	return nil
}

// Verified returns the verification updates applied so far.
func (s *MemoryIdentity) Verified() []VerifiedUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VerifiedUpdate(nil), s.verified...)
}

// MemoryNotifier is an in-memory NotificationSink.
type MemoryNotifier struct {
	mu          sync.Mutex
	newMessages []int64
	failed      []int64
	locked      int
}

// NewMemoryNotifier creates an empty sink.
func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{}
}

func (s *MemoryNotifier) NotifyNewMessage(threadID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.newMessages = append(s.newMessages, threadID)
}

func (s *MemoryNotifier) NotifyDeliveryFailed(threadID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, threadID)
}

func (s *MemoryNotifier) NotifyLockedMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked++
}

// NewMessages returns thread IDs that raised new-message notifications.
func (s *MemoryNotifier) NewMessages() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.newMessages...)
}

// Failed returns thread IDs that raised delivery-failure notifications.
func (s *MemoryNotifier) Failed() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.failed...)
}

// Locked returns how many locked-messages notifications were raised.
func (s *MemoryNotifier) Locked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// TypingEvent records one typing start/stop observation.
type TypingEvent struct {
	ThreadID          int64
	Author            string
	Device            int
	Started           bool
	ReplacedByMessage bool
}

// MemoryTyping is an in-memory TypingIndicators sink.
type MemoryTyping struct {
	mu     sync.Mutex
	events []TypingEvent
}

// NewMemoryTyping creates an empty sink.
func NewMemoryTyping() *MemoryTyping {
	return &MemoryTyping{}
}

func (s *MemoryTyping) Started(threadID int64, author string, device int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, TypingEvent{ThreadID: threadID, Author: author, Device: device, Started: true})
}

func (s *MemoryTyping) Stopped(threadID int64, author string, device int, replacedByMessage bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, TypingEvent{ThreadID: threadID, Author: author, Device: device, ReplacedByMessage: replacedByMessage})
}

// Events returns the observed typing events.
func (s *MemoryTyping) Events() []TypingEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TypingEvent(nil), s.events...)
}

// MemoryCalls is an in-memory CallHandler.
type MemoryCalls struct {
	mu        sync.Mutex
	available bool
	offers    []CallOffer
	answers   []CallAnswer
	ice       []IceUpdate
	hangups   []CallHangup
	busy      []CallBusy
}

// NewMemoryCalls creates a handler; available controls whether offers are
// accepted or recorded as missed calls.
func NewMemoryCalls(available bool) *MemoryCalls {
	return &MemoryCalls{available: available}
}

func (s *MemoryCalls) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *MemoryCalls) HandleOffer(sender string, device int, timestamp int64, offer *CallOffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, *offer)
}

func (s *MemoryCalls) HandleAnswer(sender string, answer *CallAnswer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, *answer)
}

func (s *MemoryCalls) HandleIceUpdates(sender string, updates []IceUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ice = append(s.ice, updates...)
}

func (s *MemoryCalls) HandleHangup(sender string, hangup *CallHangup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangups = append(s.hangups, *hangup)
}

func (s *MemoryCalls) HandleBusy(sender string, busy *CallBusy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = append(s.busy, *busy)
}

// Offers returns the forwarded call offers.
func (s *MemoryCalls) Offers() []CallOffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CallOffer(nil), s.offers...)
}

// ScheduledDeletion records one disappearing-message countdown.
type ScheduledDeletion struct {
	MessageID int64
	StartedAt int64
	ExpiresIn time.Duration
}

// MemoryExpirations is an in-memory ExpirationScheduler.
type MemoryExpirations struct {
	mu        sync.Mutex
	scheduled []ScheduledDeletion
}

// NewMemoryExpirations creates an empty scheduler.
func NewMemoryExpirations() *MemoryExpirations {
	return &MemoryExpirations{}
}

func (s *MemoryExpirations) ScheduleDeletion(messageID int64, startedAt int64, expiresIn time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, ScheduledDeletion{MessageID: messageID, StartedAt: startedAt, ExpiresIn: expiresIn})
}

// Scheduled returns the scheduled deletions.
func (s *MemoryExpirations) Scheduled() []ScheduledDeletion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduledDeletion(nil), s.scheduled...)
}
