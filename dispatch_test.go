package courier_test

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/VsevolodSauta/courier"
)

type dispatchFixture struct {
	env        *courier.MemoryEnvironment
	cipher     *courier.BoxCipher
	queue      *courier.JobQueue
	store      *courier.EnvelopeStore
	dispatcher *courier.Dispatcher

	alicePub *[32]byte
	bobPriv  *[32]byte
}

func dispatchConfig() *courier.Config {
	cfg := testConfig()
	cfg.ReadReceipts = true
	cfg.TypingIndicators = true
	cfg.CertificateExpiryBuffer = 24 * time.Hour
	return cfg
}

func newDispatchFixture(t *testing.T, mutate func(*courier.MemoryEnvironment)) *dispatchFixture {
	t.Helper()

	backend := courier.NewInMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })

	registry := courier.NewConstraintRegistry(testLogger())
	registry.Set(courier.ConstraintNetwork, true)
	queue := courier.NewJobQueue(backend, registry, testLogger())
	store := courier.NewEnvelopeStore(backend, testLogger())

	alicePub, alicePriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)
	bobPub, bobPriv, err := box.GenerateKey(rand.Reader)
	require.NoError(t, err)

	cipher := courier.NewBoxCipher("alice", alicePriv, testLogger())
	cipher.AddSender("bob", bobPub)

	env := courier.NewMemoryEnvironment()
	if mutate != nil {
		mutate(env)
	}

	return &dispatchFixture{
		env:        env,
		cipher:     cipher,
		queue:      queue,
		store:      store,
		dispatcher: courier.NewDispatcher(dispatchConfig(), store, queue, env.Collaborators(cipher), testLogger()),
		alicePub:   alicePub,
		bobPriv:    bobPriv,
	}
}

// withDispatcher rebuilds the dispatcher with a different config or cipher.
func (f *dispatchFixture) withDispatcher(cfg *courier.Config, cipher courier.ProtocolCipher) {
	f.dispatcher = courier.NewDispatcher(cfg, f.store, f.queue, f.env.Collaborators(cipher), testLogger())
}

// storeEnvelope seals content from bob and persists the envelope.
func (f *dispatchFixture) storeEnvelope(t *testing.T, content *courier.DecryptedContent, kind courier.EnvelopeKind) *courier.Envelope {
	t.Helper()
	ciphertext, err := courier.SealContent(content, f.alicePub, f.bobPriv)
	require.NoError(t, err)
	env := &courier.Envelope{
		Sender:       "bob",
		SenderDevice: 1,
		Timestamp:    content.Timestamp,
		Kind:         kind,
		Ciphertext:   ciphertext,
	}
	_, err = f.store.Put(context.Background(), env)
	require.NoError(t, err)
	return env
}

// pendingJobTypes drains every claimable job, returning the claimed types.
func (f *dispatchFixture) pendingJobTypes(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()
	var types []string
	for {
		job, err := f.queue.Claim(ctx, time.Now())
		require.NoError(t, err)
		if job == nil {
			return types
		}
		types = append(types, job.Type)
		require.NoError(t, f.queue.MarkSucceeded(ctx, job))
	}
}

func (f *dispatchFixture) envelopeGone(t *testing.T, envelopeID string) {
	t.Helper()
	_, err := f.store.Get(context.Background(), envelopeID)
	assert.ErrorIs(t, err, courier.ErrEnvelopeNotFound)
}

func textContent(timestamp int64, body string) *courier.DecryptedContent {
	return &courier.DecryptedContent{
		Sender:       "bob",
		SenderDevice: 1,
		Timestamp:    timestamp,
		Data:         &courier.DataMessage{Body: body},
	}
}

func TestDispatcher_TextMessage(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := textContent(1000, "hello")
	content.NeedsReceipt = true
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	records := f.env.Conversations.Records()
	require.Len(t, records, 1)
	assert.Equal(t, courier.RecordText, records[0].Kind)
	assert.Equal(t, "bob", records[0].Sender)
	assert.Equal(t, "hello", records[0].Body)
	assert.True(t, records[0].NeedsReceipt)

	assert.Len(t, f.env.Notifier.NewMessages(), 1)

	// A delivered message supersedes the author's typing indicator.
	events := f.env.Typing.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].Started)
	assert.True(t, events[0].ReplacedByMessage)

	assert.Contains(t, f.pendingJobTypes(t), courier.JobTypeDeliveryReceipt)
	f.envelopeGone(t, env.ID)
}

func TestDispatcher_MigrationGateRetainsEnvelope(t *testing.T) {
	f := newDispatchFixture(t, func(env *courier.MemoryEnvironment) {
		env.Identity.SetEstablished(false)
	})
	ctx := context.Background()

	env := f.storeEnvelope(t, textContent(1000, "hello"), courier.EnvelopeKindNormal)
	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	assert.Equal(t, 0, f.env.Conversations.MessageCount())
	assert.Equal(t, 1, f.env.Notifier.Locked())

	stored, err := f.store.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, env.ID, stored.ID)
}

func TestDispatcher_ResumeLocked(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	f.storeEnvelope(t, textContent(1000, "one"), courier.EnvelopeKindNormal)
	f.storeEnvelope(t, textContent(1001, "two"), courier.EnvelopeKindNormal)

	resumed, err := f.dispatcher.ResumeLocked(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, resumed)

	types := f.pendingJobTypes(t)
	assert.Equal(t, []string{courier.JobTypeDecrypt, courier.JobTypeDecrypt}, types)
}

func TestDispatcher_BlockedSenderDropped(t *testing.T) {
	f := newDispatchFixture(t, func(env *courier.MemoryEnvironment) {
		env.Recipients.Block("bob")
	})
	ctx := context.Background()

	env := f.storeEnvelope(t, textContent(1000, "hello"), courier.EnvelopeKindNormal)
	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	assert.Equal(t, 0, f.env.Conversations.MessageCount())
	assert.Empty(t, f.env.Notifier.NewMessages())
	f.envelopeGone(t, env.ID)
}

func TestDispatcher_DuplicateAbsorbed(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	first := f.storeEnvelope(t, textContent(1000, "hello"), courier.EnvelopeKindNormal)
	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, first, 0))

	// Same message redelivered in a fresh envelope.
	second := f.storeEnvelope(t, textContent(1000, "hello"), courier.EnvelopeKindNormal)
	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, second, 0))

	assert.Equal(t, 1, f.env.Conversations.MessageCount())
	f.envelopeGone(t, second.ID)
}

func TestDispatcher_SelfSendAbsorbed(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	ciphertext, err := courier.SealContent(textContent(1000, "note to self"), f.alicePub, f.bobPriv)
	require.NoError(t, err)
	env := &courier.Envelope{Sender: "alice", Timestamp: 1000, Kind: courier.EnvelopeKindNormal, Ciphertext: ciphertext}
	_, err = f.store.Put(ctx, env)
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))
	assert.Equal(t, 0, f.env.Conversations.MessageCount())
	f.envelopeGone(t, env.ID)
}

func TestDispatcher_NoSessionInsertsPlaceholder(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	ciphertext, err := courier.SealContent(textContent(1000, "hello"), f.alicePub, f.bobPriv)
	require.NoError(t, err)
	env := &courier.Envelope{Sender: "carol", SenderDevice: 3, Timestamp: 1000, Kind: courier.EnvelopeKindNormal, Ciphertext: ciphertext}
	_, err = f.store.Put(ctx, env)
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	records := f.env.Conversations.Records()
	require.Len(t, records, 1)
	assert.Equal(t, courier.RecordPlaceholder, records[0].Kind)
	assert.Equal(t, courier.FailureNoSession, records[0].PlaceholderReason)
	assert.Equal(t, "carol", records[0].Sender)
	assert.Len(t, f.env.Notifier.NewMessages(), 1)
	f.envelopeGone(t, env.ID)
}

func TestDispatcher_CompletesPlaceholder(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	placeholder, err := f.env.Conversations.InsertMessage(ctx, &courier.MessageRecord{
		Kind:              courier.RecordPlaceholder,
		Sender:            "bob",
		Timestamp:         500,
		PlaceholderReason: courier.FailureNoSession,
	})
	require.NoError(t, err)

	env := f.storeEnvelope(t, textContent(1000, "retransmitted"), courier.EnvelopeKindNormal)
	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, placeholder.MessageID))

	rec := f.env.Conversations.Message(placeholder.MessageID)
	require.NotNil(t, rec)
	assert.Equal(t, courier.RecordText, rec.Kind)
	assert.Equal(t, "retransmitted", rec.Body)
	assert.Equal(t, 1, f.env.Conversations.MessageCount())
}

func TestDispatcher_EndSession(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := textContent(1000, "")
	content.Data.EndSession = true
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	assert.Equal(t, []string{"bob"}, f.env.Sessions.Deleted())
	records := f.env.Conversations.Records()
	require.Len(t, records, 1)
	assert.Equal(t, courier.RecordSessionReset, records[0].Kind)
}

func TestDispatcher_ExpirationUpdate(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := textContent(1000, "")
	content.Data.ExpirationUpdate = true
	content.Data.ExpiresInSeconds = 3600
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	timer, err := f.env.Conversations.GetExpireTimer(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(3600), timer)

	records := f.env.Conversations.Records()
	require.Len(t, records, 1)
	assert.Equal(t, courier.RecordExpirationUpdate, records[0].Kind)
}

func TestDispatcher_TimerPiggybackOnText(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := textContent(1000, "burns after reading")
	content.Data.ExpiresInSeconds = 60
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	timer, err := f.env.Conversations.GetExpireTimer(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(60), timer)
}

func TestDispatcher_MediaMessageQueuesDownloads(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := textContent(1000, "photos")
	content.Data.Attachments = []courier.AttachmentPointer{
		{ID: 11, ContentType: "image/jpeg"},
		{ID: 12, ContentType: "image/png"},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	records := f.env.Conversations.Records()
	require.Len(t, records, 1)
	assert.Equal(t, courier.RecordMedia, records[0].Kind)
	assert.Len(t, records[0].Attachments, 2)

	types := f.pendingJobTypes(t)
	count := 0
	for _, jobType := range types {
		if jobType == courier.JobTypeAttachmentDownload {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestDispatcher_UnknownGroupRequestsInfo(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := textContent(1000, "hi group")
	content.Data.Group = &courier.GroupContext{ID: "g1", Type: courier.GroupDeliver}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	assert.Equal(t, 0, f.env.Conversations.MessageCount())
	assert.Contains(t, f.pendingJobTypes(t), courier.JobTypeGroupInfoRequest)
	f.envelopeGone(t, env.ID)
}

func TestDispatcher_InactiveGroupDropped(t *testing.T) {
	f := newDispatchFixture(t, func(env *courier.MemoryEnvironment) {
		env.Groups.Add("g1", false)
	})
	ctx := context.Background()

	content := textContent(1000, "hi group")
	content.Data.Group = &courier.GroupContext{ID: "g1", Type: courier.GroupDeliver}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))
	assert.Equal(t, 0, f.env.Conversations.MessageCount())
}

func TestDispatcher_ActiveGroupDelivered(t *testing.T) {
	f := newDispatchFixture(t, func(env *courier.MemoryEnvironment) {
		env.Groups.Add("g1", true)
	})
	ctx := context.Background()

	content := textContent(1000, "hi group")
	content.Data.Group = &courier.GroupContext{ID: "g1", Type: courier.GroupDeliver}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	records := f.env.Conversations.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "g1", records[0].GroupID)
}

func TestDispatcher_GroupQuitAppliedAndInfoRequested(t *testing.T) {
	f := newDispatchFixture(t, func(env *courier.MemoryEnvironment) {
		env.Groups.Add("g1", true)
	})
	ctx := context.Background()

	content := textContent(1000, "")
	content.Data.Group = &courier.GroupContext{ID: "g1", Type: courier.GroupQuit}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	applied := f.env.Groups.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, courier.GroupQuit, applied[0].Type)
	assert.Contains(t, f.pendingJobTypes(t), courier.JobTypeGroupInfoRequest)
}

func TestDispatcher_ProfileKeyChange(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := textContent(1000, "hello")
	content.Data.ProfileKey = []byte{9, 9, 9}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	key, err := f.env.Recipients.ProfileKey(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9}, key)
	assert.Contains(t, f.pendingJobTypes(t), courier.JobTypeProfileFetch)
}

func TestDispatcher_PreKeyEnvelopeQueuesReplenish(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	env := f.storeEnvelope(t, textContent(1000, "first contact"), courier.EnvelopeKindPreKeyBundle)
	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	assert.Contains(t, f.pendingJobTypes(t), courier.JobTypePreKeyReplenish)
}

func TestDispatcher_SentTranscript(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:       "bob",
		SenderDevice: 2,
		Timestamp:    1000,
		Sync: &courier.SyncMessage{
			Sent: &courier.SentTranscript{
				Destination:         "carol",
				Timestamp:           999,
				ExpirationStartedAt: 998,
				Message:             &courier.DataMessage{Body: "from my desktop", ExpiresInSeconds: 60},
			},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	threadID, err := f.env.Conversations.GetThreadID(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, f.env.Conversations.ThreadRead(threadID))

	scheduled := f.env.Expirations.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, time.Minute, scheduled[0].ExpiresIn)

	timer, err := f.env.Conversations.GetExpireTimer(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, uint32(60), timer)
}

func TestDispatcher_SentTranscriptEndSession(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:       "bob",
		SenderDevice: 2,
		Timestamp:    1000,
		Sync: &courier.SyncMessage{
			Sent: &courier.SentTranscript{
				Destination: "carol",
				Timestamp:   999,
				Message:     &courier.DataMessage{EndSession: true},
			},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	assert.Equal(t, []string{"carol"}, f.env.Sessions.Deleted())

	outgoing := f.env.Conversations.OutgoingRecords()
	require.Len(t, outgoing, 1)
	assert.True(t, outgoing[0].EndSession)
	assert.Equal(t, courier.OutgoingSent, outgoing[0].Status)

	threadID, err := f.env.Conversations.GetThreadID(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, f.env.Conversations.ThreadRead(threadID))
}

func TestDispatcher_SentTranscriptExpirationUpdate(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Sync: &courier.SyncMessage{
			Sent: &courier.SentTranscript{
				Destination: "carol",
				Timestamp:   999,
				Message:     &courier.DataMessage{ExpirationUpdate: true, ExpiresInSeconds: 3600},
			},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	timer, err := f.env.Conversations.GetExpireTimer(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, uint32(3600), timer)

	outgoing := f.env.Conversations.OutgoingRecords()
	require.Len(t, outgoing, 1)
	assert.True(t, outgoing[0].ExpirationUpdate)
	assert.Empty(t, outgoing[0].Body)
}

func TestDispatcher_SentTranscriptGroupUpdateApplied(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Sync: &courier.SyncMessage{
			Sent: &courier.SentTranscript{
				Timestamp: 999,
				Message: &courier.DataMessage{
					Group: &courier.GroupContext{ID: "g1", Type: courier.GroupUpdate, Name: "climbers"},
				},
			},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	applied := f.env.Groups.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, courier.GroupUpdate, applied[0].Type)
	assert.Empty(t, f.env.Conversations.OutgoingRecords())
}

func TestDispatcher_SentTranscriptMediaQueuesDownloads(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Sync: &courier.SyncMessage{
			Sent: &courier.SentTranscript{
				Destination: "carol",
				Timestamp:   999,
				Message: &courier.DataMessage{
					Body: "vacation photos",
					Attachments: []courier.AttachmentPointer{
						{ID: 21, ContentType: "image/jpeg"},
						{ID: 22, ContentType: "image/png"},
					},
				},
			},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	outgoing := f.env.Conversations.OutgoingRecords()
	require.Len(t, outgoing, 1)
	assert.Len(t, outgoing[0].Attachments, 2)

	types := f.pendingJobTypes(t)
	count := 0
	for _, jobType := range types {
		if jobType == courier.JobTypeAttachmentDownload {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestDispatcher_SentTranscriptUnknownGroupRequestsInfo(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Sync: &courier.SyncMessage{
			Sent: &courier.SentTranscript{
				Timestamp: 999,
				Message: &courier.DataMessage{
					Body:  "hi group",
					Group: &courier.GroupContext{ID: "g9", Type: courier.GroupDeliver},
				},
			},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	// The transcript is still recorded; the request converges membership.
	outgoing := f.env.Conversations.OutgoingRecords()
	require.Len(t, outgoing, 1)
	assert.Equal(t, "g9", outgoing[0].Destination)
	assert.Contains(t, f.pendingJobTypes(t), courier.JobTypeGroupInfoRequest)
}

func TestDispatcher_ReadSync(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	// An expiring message from carol is already stored.
	_, err := f.env.Conversations.InsertMessage(ctx, &courier.MessageRecord{
		Kind:             courier.RecordText,
		Sender:           "carol",
		Timestamp:        800,
		Body:             "expiring",
		ExpiresInSeconds: 30,
	})
	require.NoError(t, err)

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Sync: &courier.SyncMessage{
			Read: []courier.ReadEntry{{Sender: "carol", Timestamp: 800}},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	scheduled := f.env.Expirations.Scheduled()
	require.Len(t, scheduled, 1)
	assert.Equal(t, 30*time.Second, scheduled[0].ExpiresIn)

	// Read receipts are on: the original sender learns the message was read.
	assert.Contains(t, f.pendingJobTypes(t), courier.JobTypeDeliveryReceipt)
}

func TestDispatcher_VerifiedSync(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Sync: &courier.SyncMessage{
			Verified: &courier.VerifiedUpdate{Destination: "carol", Verified: true},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	verified := f.env.Identity.Verified()
	require.Len(t, verified, 1)
	assert.Equal(t, "carol", verified[0].Destination)
}

func TestDispatcher_SyncRequestQueuesResponses(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Sync: &courier.SyncMessage{
			Request: &courier.SyncRequest{Contacts: true, Blocked: true},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	types := f.pendingJobTypes(t)
	count := 0
	for _, jobType := range types {
		if jobType == courier.JobTypeSyncResponse {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestDispatcher_CallOfferUnavailableRecordsMissedCall(t *testing.T) {
	f := newDispatchFixture(t, func(env *courier.MemoryEnvironment) {
		env.Calls = courier.NewMemoryCalls(false)
	})
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Call:      &courier.CallMessage{Offer: &courier.CallOffer{CallID: 7}},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	records := f.env.Conversations.Records()
	require.Len(t, records, 1)
	assert.Equal(t, courier.RecordMissedCall, records[0].Kind)
	assert.Empty(t, f.env.Calls.Offers())
}

func TestDispatcher_CallOfferForwarded(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Call:      &courier.CallMessage{Offer: &courier.CallOffer{CallID: 7}},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	offers := f.env.Calls.Offers()
	require.Len(t, offers, 1)
	assert.Equal(t, uint64(7), offers[0].CallID)
	assert.Equal(t, 0, f.env.Conversations.MessageCount())
}

func TestDispatcher_ReceiptIncrementsCounters(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Receipt: &courier.ReceiptMessage{
			Kind:       courier.ReceiptDelivery,
			Timestamps: []int64{700, 701},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	assert.Equal(t, 1, f.env.Receipts.Delivered("bob", 700))
	assert.Equal(t, 1, f.env.Receipts.Delivered("bob", 701))
}

func TestDispatcher_ReadReceiptAppliedWhenEnabled(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Receipt: &courier.ReceiptMessage{
			Kind:       courier.ReceiptRead,
			Timestamps: []int64{700},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))
	assert.Equal(t, 1, f.env.Receipts.Read("bob", 700))
}

func TestDispatcher_ReadReceiptsDisabledIgnored(t *testing.T) {
	f := newDispatchFixture(t, nil)
	cfg := dispatchConfig()
	cfg.ReadReceipts = false
	f.withDispatcher(cfg, f.cipher)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Receipt: &courier.ReceiptMessage{
			Kind:       courier.ReceiptRead,
			Timestamps: []int64{700},
		},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	assert.Equal(t, 0, f.env.Receipts.Read("bob", 700))
	f.envelopeGone(t, env.ID)
}

func TestDispatcher_CallFromBlockedSenderDropped(t *testing.T) {
	f := newDispatchFixture(t, func(env *courier.MemoryEnvironment) {
		env.Recipients.Block("bob")
	})
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Call:      &courier.CallMessage{Offer: &courier.CallOffer{CallID: 7}},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	assert.Empty(t, f.env.Calls.Offers())
	assert.Equal(t, 0, f.env.Conversations.MessageCount())
	f.envelopeGone(t, env.ID)
}

// flakyCipher fails a fixed number of decrypts with a transient error before
// delegating to the wrapped cipher.
type flakyCipher struct {
	mu       sync.Mutex
	failures int
	inner    courier.ProtocolCipher
}

func (c *flakyCipher) Decrypt(ctx context.Context, env *courier.Envelope) (*courier.DecryptedContent, error) {
	c.mu.Lock()
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()
	if fail {
		return nil, &courier.ProtocolError{
			Code:   courier.FailureTransientNetwork,
			Sender: env.Sender,
			Err:    errors.New("relay unreachable"),
		}
	}
	return c.inner.Decrypt(ctx, env)
}

func TestDispatcher_TransientDecryptFailureRescheduled(t *testing.T) {
	f := newDispatchFixture(t, nil)
	f.withDispatcher(dispatchConfig(), &flakyCipher{failures: 1, inner: f.cipher})
	ctx := context.Background()

	env := f.storeEnvelope(t, textContent(1000, "delayed"), courier.EnvelopeKindNormal)
	resumed, err := f.dispatcher.ResumeLocked(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	job, err := f.queue.Claim(ctx, time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Greater(t, job.Retry.MaxAttempts, 1)

	runErr := f.dispatcher.Run(ctx, job)
	require.Error(t, runErr)
	require.True(t, courier.IsRetryable(runErr))

	// The transient failure reschedules the job instead of finalizing it.
	disposition, err := f.queue.MarkFailed(ctx, job, runErr, courier.IsRetryable(runErr))
	require.NoError(t, err)
	assert.Equal(t, courier.FailureRescheduled, disposition)

	// The envelope survives the failed attempt.
	_, err = f.store.Get(ctx, env.ID)
	require.NoError(t, err)

	var second *courier.Job
	deadline := time.Now().Add(time.Second)
	for second == nil && time.Now().Before(deadline) {
		second, err = f.queue.Claim(ctx, time.Now())
		require.NoError(t, err)
		if second == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}
	require.NotNil(t, second)
	require.NoError(t, f.dispatcher.Run(ctx, second))
	require.NoError(t, f.queue.MarkSucceeded(ctx, second))

	assert.Equal(t, 1, f.env.Conversations.MessageCount())
	f.envelopeGone(t, env.ID)
}

// overlapTrackingCipher counts invocations that observe another decrypt in
// flight.
type overlapTrackingCipher struct {
	inFlight atomic.Int32
	overlaps atomic.Int32
}

func (c *overlapTrackingCipher) Decrypt(ctx context.Context, env *courier.Envelope) (*courier.DecryptedContent, error) {
	if c.inFlight.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	time.Sleep(2 * time.Millisecond)
	c.inFlight.Add(-1)
	return &courier.DecryptedContent{
		Sender:       env.Sender,
		SenderDevice: env.SenderDevice,
		Timestamp:    env.Timestamp,
		Data:         &courier.DataMessage{Body: "concurrent"},
	}, nil
}

func TestDispatcher_ConcurrentEnvelopesSerialized(t *testing.T) {
	f := newDispatchFixture(t, nil)
	cipher := &overlapTrackingCipher{}
	f.withDispatcher(dispatchConfig(), cipher)
	ctx := context.Background()

	const n = 8
	envs := make([]*courier.Envelope, n)
	for i := range envs {
		env := &courier.Envelope{
			Sender:       "bob",
			SenderDevice: 1,
			Timestamp:    int64(2000 + i),
			Kind:         courier.EnvelopeKindNormal,
			Ciphertext:   []byte{0x01},
		}
		_, err := f.store.Put(ctx, env)
		require.NoError(t, err)
		envs[i] = env
	}

	var wg sync.WaitGroup
	for _, env := range envs {
		wg.Add(1)
		go func(env *courier.Envelope) {
			defer wg.Done()
			assert.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))
		}(env)
	}
	wg.Wait()

	assert.Equal(t, int32(0), cipher.overlaps.Load())
	assert.Equal(t, n, f.env.Conversations.MessageCount())
}

func TestDispatcher_TypingForwarded(t *testing.T) {
	f := newDispatchFixture(t, nil)
	ctx := context.Background()

	content := &courier.DecryptedContent{
		Sender:       "bob",
		SenderDevice: 1,
		Timestamp:    1000,
		Typing:       &courier.TypingMessage{Started: true},
	}
	env := f.storeEnvelope(t, content, courier.EnvelopeKindNormal)

	require.NoError(t, f.dispatcher.ProcessEnvelope(ctx, env, 0))

	events := f.env.Typing.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Started)
	assert.Equal(t, "bob", events[0].Author)
}
