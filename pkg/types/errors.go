package types

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ConnectionError is an unreachable or dropped transport. Workers retry it
// with backoff.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SecurityError is a certificate or TLS negotiation failure. Never retried.
type SecurityError struct {
	Op  string
	Err error
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("security negotiation failed during %s: %v", e.Op, e.Err)
}

func (e *SecurityError) Unwrap() error { return e.Err }

// AuthError is a credential rejection. Never retried; it disables the
// account's worker until the user intervenes.
type AuthError struct {
	AccountID string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected for account %s: %v", e.AccountID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected server reply. The session is
// preserved unless it was left in an indeterminate state.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError is caller-supplied data rejected before any network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid message: " + e.Reason
}

// PartialSendError reports a send where some recipients were rejected but
// the message was handed off for the rest.
type PartialSendError struct {
	Accepted []string
	// Failed maps each rejected recipient to the server's reason.
	Failed map[string]string
}

func (e *PartialSendError) Error() string {
	rejected := make([]string, 0, len(e.Failed))
	for rcpt := range e.Failed {
		rejected = append(rejected, rcpt)
	}
	sort.Strings(rejected)
	return fmt.Sprintf("message sent to %d recipient(s), rejected for: %s",
		len(e.Accepted), strings.Join(rejected, ", "))
}

// CacheError is a local persistence failure. The affected operation
// degrades to in-memory data instead of failing the process.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s failed: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }

// IsRetryable reports whether a worker should retry the failed operation
// with backoff. Only transport-level failures qualify; auth, security and
// validation problems must be surfaced instead.
func IsRetryable(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
