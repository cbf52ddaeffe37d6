package creds

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Purpose names which secret of an account is being requested.
type Purpose string

const (
	PurposeIMAP Purpose = "imap"
	PurposeSMTP Purpose = "smtp"
)

// ErrSecretNotFound is returned when no secret is stored for the account.
var ErrSecretNotFound = errors.New("secret not found")

// Provider resolves the current secret for an account. The engine never
// stores secrets itself; it asks a Provider every time it needs one.
type Provider interface {
	GetSecret(accountID string, purpose Purpose) ([]byte, error)
}

// Env reads secrets from MAILENGINE_<ACCOUNT>_<PURPOSE>_PASSWORD
// environment variables. Account ids are upper-cased and non-alphanumeric
// runes become underscores.
type Env struct{}

func (Env) GetSecret(accountID string, purpose Purpose) ([]byte, error) {
	key := fmt.Sprintf("MAILENGINE_%s_%s_PASSWORD",
		envKey(accountID), strings.ToUpper(string(purpose)))
	if v, ok := os.LookupEnv(key); ok {
		return []byte(v), nil
	}
	// A single shared password for both protocols is the common case.
	key = fmt.Sprintf("MAILENGINE_%s_PASSWORD", envKey(accountID))
	if v, ok := os.LookupEnv(key); ok {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("%w: account %s (%s)", ErrSecretNotFound, accountID, purpose)
}

func envKey(accountID string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(accountID) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Static holds fixed secrets, for tests and embedding callers.
type Static map[string][]byte

func (s Static) GetSecret(accountID string, purpose Purpose) ([]byte, error) {
	if v, ok := s[accountID+":"+string(purpose)]; ok {
		return v, nil
	}
	if v, ok := s[accountID]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: account %s (%s)", ErrSecretNotFound, accountID, purpose)
}
