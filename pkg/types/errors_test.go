package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	connErr := &ConnectionError{Op: "connect", Err: errors.New("refused")}
	authErr := &AuthError{AccountID: "acc1", Err: errors.New("rejected")}
	secErr := &SecurityError{Op: "tls handshake", Err: errors.New("bad cert")}

	assert.True(t, IsRetryable(connErr))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", connErr)))
	assert.False(t, IsRetryable(authErr))
	assert.False(t, IsRetryable(secErr))
	assert.False(t, IsRetryable(nil))

	assert.True(t, IsAuth(authErr))
	assert.True(t, IsAuth(fmt.Errorf("wrapped: %w", authErr)))
	assert.False(t, IsAuth(connErr))
}

func TestErrorsUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	for _, err := range []error{
		&ConnectionError{Op: "op", Err: inner},
		&SecurityError{Op: "op", Err: inner},
		&AuthError{AccountID: "a", Err: inner},
		&ProtocolError{Op: "op", Err: inner},
		&CacheError{Op: "op", Err: inner},
	} {
		assert.ErrorIs(t, err, inner)
	}
}

func TestPartialSendErrorNamesRejectedRecipients(t *testing.T) {
	err := &PartialSendError{
		Accepted: []string{"ok@example.com"},
		Failed: map[string]string{
			"zed@example.com": "550 unknown",
			"amy@example.com": "552 over quota",
		},
	}
	// Rejected recipients appear sorted for stable messages.
	assert.Equal(t,
		"message sent to 1 recipient(s), rejected for: amy@example.com, zed@example.com",
		err.Error())
}
