package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusOpen, StatusInProgress},
		{StatusOpen, StatusCancelled},
		{StatusInProgress, StatusClosed},
		{StatusInProgress, StatusBlocked},
		{StatusInProgress, StatusCancelled},
		{StatusInProgress, StatusOpen}, // requeue on retry
		{StatusBlocked, StatusOpen},    // operator reopen
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s should be permitted", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusClosed, StatusOpen},
		{StatusClosed, StatusInProgress},
		{StatusCancelled, StatusOpen},
		{StatusCancelled, StatusClosed},
		{StatusOpen, StatusClosed},
		{StatusOpen, StatusBlocked},
		{StatusBlocked, StatusClosed},
		{StatusBlocked, StatusInProgress},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusClosed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusOpen.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusBlocked.Terminal())
}

func TestKindOf(t *testing.T) {
	err := Classify(KindTimeout, "fenrir-chat", errors.New("read deadline exceeded"))
	assert.Equal(t, KindTimeout, KindOf(err))

	wrapped := Classify(KindServerError, "surtr-reasoning", errors.New("HTTP 503"))
	assert.Equal(t, KindServerError, KindOf(wrapped))

	assert.Equal(t, KindInvalidTransition, KindOf(ErrInvalidTransition))
	assert.Equal(t, KindInternal, KindOf(errors.New("mystery")))
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindConnectionFailed.Retryable())
	assert.True(t, KindServerError.Retryable())
	assert.True(t, KindMemoryExhausted.Retryable())
	assert.False(t, KindInvalidPayload.Retryable())
	assert.False(t, KindInvalidTransition.Retryable())
	assert.False(t, KindShutdown.Retryable())
}

func TestHostCapabilities(t *testing.T) {
	h := HostDescriptor{
		Name:         "skadi-code",
		Capabilities: []Capability{CapCode, CapGeneral},
	}
	assert.True(t, h.HasCapability(CapCode))
	assert.False(t, h.HasCapability(CapOps))
}
