package courier

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/nacl/box"
)

// Wire layout of a box envelope: one version byte, a 24-byte nonce, then the
// sealed payload.
const (
	boxVersion       = 0x01
	boxVersionLegacy = 0x00
	boxNonceSize     = 24
)

// BoxCipher is a ProtocolCipher over NaCl box. It stands in for a full
// double-ratchet implementation: one static key pair per peer, no forward
// secrecy, but the same classified failure surface the dispatcher routes on.
type BoxCipher struct {
	localAddress string
	privateKey   *[32]byte
	logger       *slog.Logger

	mu      sync.Mutex
	senders map[string]*[32]byte
	seen    map[string]struct{}
}

// NewBoxCipher creates a cipher for the local account identified by address.
func NewBoxCipher(localAddress string, privateKey *[32]byte, logger *slog.Logger) *BoxCipher {
	return &BoxCipher{
		localAddress: localAddress,
		privateKey:   privateKey,
		logger:       logger,
		senders:      make(map[string]*[32]byte),
		seen:         make(map[string]struct{}),
	}
}

// AddSender registers a peer's public key, establishing a session with them.
func (c *BoxCipher) AddSender(address string, publicKey *[32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senders[address] = publicKey
}

// Decrypt implements ProtocolCipher. Failures come back as classified
// *ProtocolError values.
func (c *BoxCipher) Decrypt(ctx context.Context, env *Envelope) (*DecryptedContent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(env.Ciphertext) < 1+boxNonceSize {
		return nil, c.failure(FailureCorrupt, env, fmt.Errorf("ciphertext too short: %d bytes", len(env.Ciphertext)))
	}

	switch version := env.Ciphertext[0]; version {
	case boxVersion:
	case boxVersionLegacy:
		return nil, c.failure(FailureLegacy, env, fmt.Errorf("legacy ciphertext version"))
	default:
		return nil, c.failure(FailureInvalidVersion, env, fmt.Errorf("unsupported ciphertext version %d", version))
	}

	if env.Sender == c.localAddress {
		return nil, c.failure(FailureSelfSend, env, nil)
	}

	senderKey, ok := c.senders[env.Sender]
	if !ok {
		return nil, c.failure(FailureNoSession, env, fmt.Errorf("no session with %s", env.Sender))
	}

	var nonce [boxNonceSize]byte
	copy(nonce[:], env.Ciphertext[1:1+boxNonceSize])
	plaintext, ok := box.Open(nil, env.Ciphertext[1+boxNonceSize:], &nonce, senderKey, c.privateKey)
	if !ok {
		return nil, c.failure(FailureCorrupt, env, fmt.Errorf("box open failed"))
	}

	var content DecryptedContent
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return nil, c.failure(FailureCorrupt, env, fmt.Errorf("failed to decode content: %w", err))
	}
	if content.Sender == "" {
		content.Sender = env.Sender
	}
	if content.SenderDevice == 0 {
		content.SenderDevice = env.SenderDevice
	}
	if content.Timestamp == 0 {
		content.Timestamp = env.Timestamp
	}

	seenKey := fmt.Sprintf("%s/%d/%d", content.Sender, content.SenderDevice, content.Timestamp)
	if _, dup := c.seen[seenKey]; dup {
		return nil, c.failure(FailureDuplicate, env, nil)
	}
	c.seen[seenKey] = struct{}{}

	c.logger.Debug("Decrypt: opened envelope", "sender", content.Sender, "timestamp", content.Timestamp)
	return &content, nil
}

func (c *BoxCipher) failure(code FailureCode, env *Envelope, err error) *ProtocolError {
	return &ProtocolError{
		Code:         code,
		Sender:       env.Sender,
		SenderDevice: env.SenderDevice,
		Err:          err,
	}
}

// SealContent encrypts content for a peer, producing ciphertext in the
// cipher's wire layout. Used by senders and by tests building envelopes.
func SealContent(content *DecryptedContent, peerPublicKey, localPrivateKey *[32]byte) ([]byte, error) {
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	var nonce [boxNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+boxNonceSize+len(plaintext)+box.Overhead)
	out = append(out, boxVersion)
	out = append(out, nonce[:]...)
	return box.Seal(out, plaintext, &nonce, peerPublicKey, localPrivateKey), nil
}
