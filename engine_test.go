package courier_test

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"

	"github.com/VsevolodSauta/courier"
)

type engineFixture struct {
	env    *courier.MemoryEnvironment
	engine *courier.Engine

	alicePub *[32]byte
	bobPriv  *[32]byte
}

func newEngineFixture(t *testing.T, mutate func(*courier.MemoryEnvironment)) *engineFixture {
	t.Helper()

	backend := courier.NewInMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })

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

	engine, err := courier.NewEngine(dispatchConfig(), backend, env.Collaborators(cipher), testLogger())
	require.NoError(t, err)

	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	engine.SetOnline(true)

	return &engineFixture{env: env, engine: engine, alicePub: alicePub, bobPriv: bobPriv}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngine_ReceiveEndToEnd(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	ciphertext, err := courier.SealContent(&courier.DecryptedContent{
		Sender:       "bob",
		SenderDevice: 1,
		Timestamp:    1000,
		NeedsReceipt: true,
		Data:         &courier.DataMessage{Body: "hello"},
	}, f.alicePub, f.bobPriv)
	require.NoError(t, err)

	envelopeID, err := f.engine.SubmitEnvelope(ctx, &courier.Envelope{
		Sender:       "bob",
		SenderDevice: 1,
		Timestamp:    1000,
		Kind:         courier.EnvelopeKindNormal,
		Ciphertext:   ciphertext,
	})
	require.NoError(t, err)
	require.NotEmpty(t, envelopeID)

	waitFor(t, "message insertion", func() bool {
		return f.env.Conversations.MessageCount() == 1
	})
	waitFor(t, "delivery receipt", func() bool {
		return len(f.env.Sender.Receipts()) == 1
	})

	records := f.env.Conversations.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "hello", records[0].Body)

	// The envelope is gone once dispatch commits.
	waitFor(t, "envelope deletion", func() bool {
		stats, err := f.engine.Stats(ctx)
		require.NoError(t, err)
		return stats.StoredEnvelopes == 0
	})
}

func TestEngine_SendEndToEnd(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	messageID, jobID, err := f.engine.SendText(ctx, "bob", "hi bob")
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	waitFor(t, "delivery", func() bool {
		rec := f.env.Conversations.Outgoing(messageID)
		return rec != nil && rec.Status == courier.OutgoingSent
	})

	texts := f.env.Sender.Texts()
	require.Len(t, texts, 1)
	assert.Equal(t, "bob", texts[0].Destination)
	assert.Equal(t, "hi bob", texts[0].Body)
}

func TestEngine_SendWaitsForNetwork(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.SetOnline(false)

	messageID, _, err := f.engine.SendText(ctx, "bob", "queued offline")
	require.NoError(t, err)

	// Offline: the job waits on the network constraint instead of failing.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.env.Sender.Texts())

	f.engine.SetOnline(true)
	waitFor(t, "delivery after reconnect", func() bool {
		rec := f.env.Conversations.Outgoing(messageID)
		return rec != nil && rec.Status == courier.OutgoingSent
	})
}

func TestEngine_SendOrderPerDestination(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.SetOnline(false)

	for _, body := range []string{"first", "second", "third"} {
		_, _, err := f.engine.SendText(ctx, "bob", body)
		require.NoError(t, err)
	}
	f.engine.SetOnline(true)

	waitFor(t, "all deliveries", func() bool {
		return len(f.env.Sender.Texts()) == 3
	})

	texts := f.env.Sender.Texts()
	assert.Equal(t, "first", texts[0].Body)
	assert.Equal(t, "second", texts[1].Body)
	assert.Equal(t, "third", texts[2].Body)
}

func TestEngine_CancelSend(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	f.engine.SetOnline(false)

	messageID, jobID, err := f.engine.SendText(ctx, "bob", "never mind")
	require.NoError(t, err)

	require.NoError(t, f.engine.CancelSend(ctx, jobID))

	rec := f.env.Conversations.Outgoing(messageID)
	require.NotNil(t, rec)
	assert.Equal(t, courier.OutgoingFailed, rec.Status)
	assert.Empty(t, f.env.Sender.Texts())
}

func TestEngine_IdentityReadyResumesRetained(t *testing.T) {
	f := newEngineFixture(t, func(env *courier.MemoryEnvironment) {
		env.Identity.SetEstablished(false)
	})
	ctx := context.Background()

	ciphertext, err := courier.SealContent(&courier.DecryptedContent{
		Sender:    "bob",
		Timestamp: 1000,
		Data:      &courier.DataMessage{Body: "locked away"},
	}, f.alicePub, f.bobPriv)
	require.NoError(t, err)

	_, err = f.engine.SubmitEnvelope(ctx, &courier.Envelope{
		Sender:     "bob",
		Timestamp:  1000,
		Kind:       courier.EnvelopeKindNormal,
		Ciphertext: ciphertext,
	})
	require.NoError(t, err)

	waitFor(t, "locked notification", func() bool {
		return f.env.Notifier.Locked() > 0
	})
	assert.Equal(t, 0, f.env.Conversations.MessageCount())

	f.env.Identity.SetEstablished(true)
	resumed, err := f.engine.IdentityReady(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	waitFor(t, "message after unlock", func() bool {
		return f.env.Conversations.MessageCount() == 1
	})
}
