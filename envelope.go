package courier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// EnvelopeStore owns encrypted envelopes from arrival until dispatch reaches
// a terminal outcome. An envelope is deleted exactly once, by the dispatcher,
// and never on a transient failure.
type EnvelopeStore struct {
	backend Backend
	logger  *slog.Logger
}

// NewEnvelopeStore creates a store over the backend.
func NewEnvelopeStore(backend Backend, logger *slog.Logger) *EnvelopeStore {
	return &EnvelopeStore{backend: backend, logger: logger}
}

// Put persists an envelope, assigning an ID and arrival time when absent,
// and returns the stored envelope's ID.
func (s *EnvelopeStore) Put(ctx context.Context, env *Envelope) (string, error) {
	if env == nil {
		return "", fmt.Errorf("envelope is nil")
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now()
	}
	if err := s.backend.PutEnvelope(ctx, env); err != nil {
		return "", err
	}
	s.logger.Debug("stored envelope", "envelopeID", env.ID, "sender", env.Sender, "kind", env.Kind)
	return env.ID, nil
}

// Get retrieves an envelope by ID.
func (s *EnvelopeStore) Get(ctx context.Context, envelopeID string) (*Envelope, error) {
	return s.backend.GetEnvelope(ctx, envelopeID)
}

// Delete removes an envelope. This is the single commit point of the
// envelope lifecycle; only the dispatcher calls it, and only on a terminal
// outcome.
func (s *EnvelopeStore) Delete(ctx context.Context, envelopeID string) error {
	if err := s.backend.DeleteEnvelope(ctx, envelopeID); err != nil {
		return err
	}
	s.logger.Debug("deleted envelope", "envelopeID", envelopeID)
	return nil
}

// List returns all stored envelopes in arrival order. Used to resume
// envelopes retained behind the migration gate.
func (s *EnvelopeStore) List(ctx context.Context) ([]*Envelope, error) {
	return s.backend.ListEnvelopes(ctx)
}
