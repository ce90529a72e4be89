package courier_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/VsevolodSauta/courier"
)

func TestPayload_Getters(t *testing.T) {
	payload := courier.Payload{
		"name":    "bob",
		"count":   int64(7),
		"decoded": float64(9), // numbers arrive as float64 after a JSON round trip
		"flag":    true,
	}

	assert.Equal(t, "bob", payload.GetString("name"))
	assert.Equal(t, "", payload.GetString("missing"))
	assert.Equal(t, int64(7), payload.GetInt64("count"))
	assert.Equal(t, int64(9), payload.GetInt64("decoded"))
	assert.Equal(t, int64(0), payload.GetInt64("missing"))
	assert.True(t, payload.GetBool("flag"))
	assert.False(t, payload.GetBool("missing"))
}

func TestJob_Terminal(t *testing.T) {
	cases := map[courier.JobStatus]bool{
		courier.JobStatusPending:        false,
		courier.JobStatusRunning:        false,
		courier.JobStatusSucceeded:      true,
		courier.JobStatusFailedTerminal: true,
		courier.JobStatusCanceled:       true,
	}
	for status, want := range cases {
		job := &courier.Job{Status: status}
		assert.Equal(t, want, job.Terminal(), "status %s", status)
	}
}

func TestProtocolError_Classification(t *testing.T) {
	transient := &courier.ProtocolError{Code: courier.FailureTransientNetwork}
	assert.True(t, transient.Retryable())
	assert.False(t, transient.Ignorable())

	duplicate := &courier.ProtocolError{Code: courier.FailureDuplicate}
	assert.True(t, duplicate.Ignorable())
	assert.False(t, duplicate.Retryable())

	corrupt := &courier.ProtocolError{Code: courier.FailureCorrupt, Err: errors.New("bad mac")}
	assert.False(t, corrupt.Ignorable())
	assert.False(t, corrupt.Retryable())
	assert.Contains(t, corrupt.Error(), "corrupt")
	assert.Contains(t, corrupt.Error(), "bad mac")
}

func TestClassifyFailure_Wrapped(t *testing.T) {
	inner := &courier.ProtocolError{Code: courier.FailureNoSession, Sender: "bob"}
	wrapped := fmt.Errorf("decrypt: %w", inner)
	assert.Equal(t, courier.FailureNoSession, courier.ClassifyFailure(wrapped))
	assert.Equal(t, courier.FailureCode(""), courier.ClassifyFailure(errors.New("plain")))
}

func TestRetryable_Wrapping(t *testing.T) {
	assert.Nil(t, courier.Retryable(nil))

	err := courier.Retryable(errors.New("flaky network"))
	assert.True(t, courier.IsRetryable(err))
	assert.Contains(t, err.Error(), "flaky network")

	// Classified transient failures count without explicit wrapping.
	assert.True(t, courier.IsRetryable(&courier.ProtocolError{Code: courier.FailureTransientNetwork}))
	assert.False(t, courier.IsRetryable(&courier.ProtocolError{Code: courier.FailureCorrupt}))
	assert.False(t, courier.IsRetryable(errors.New("plain")))
}

func TestDataMessage_HasMedia(t *testing.T) {
	assert.False(t, (&courier.DataMessage{Body: "text"}).HasMedia())
	assert.True(t, (&courier.DataMessage{Attachments: []courier.AttachmentPointer{{ID: 1}}}).HasMedia())
	assert.True(t, (&courier.DataMessage{Quote: &courier.Quote{ID: 1}}).HasMedia())
	assert.True(t, (&courier.DataMessage{Contacts: []courier.ContactCard{{Name: "Bob"}}}).HasMedia())
}

func TestOutgoingRecord_Sendable(t *testing.T) {
	assert.True(t, (&courier.OutgoingRecord{Status: courier.OutgoingPending}).Sendable())
	assert.True(t, (&courier.OutgoingRecord{Status: courier.OutgoingFailed}).Sendable())
	assert.False(t, (&courier.OutgoingRecord{Status: courier.OutgoingSent}).Sendable())
	assert.False(t, (&courier.OutgoingRecord{Status: courier.OutgoingFallback}).Sendable())
}
