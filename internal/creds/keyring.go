package creds

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

const (
	serviceName        = "mailengine"
	keyringPasswordEnv = "MAILENGINE_KEYRING_PASSWORD" //nolint:gosec // env var name, not a credential
)

// Keyring resolves secrets from the OS keyring. On headless systems it
// falls back to the encrypted file backend, with the passphrase taken from
// MAILENGINE_KEYRING_PASSWORD.
type Keyring struct {
	open func() (keyring.Keyring, error)
}

// NewKeyring creates a keyring-backed provider. fileDir is used by the
// file backend when no OS keychain is available.
func NewKeyring(fileDir string) *Keyring {
	return &Keyring{
		open: func() (keyring.Keyring, error) {
			return keyring.Open(keyring.Config{
				ServiceName:              serviceName,
				KeychainTrustApplication: false,
				FileDir:                  fileDir,
				FilePasswordFunc:         filePasswordFunc(),
			})
		},
	}
}

func filePasswordFunc() keyring.PromptFunc {
	if password, ok := os.LookupEnv(keyringPasswordEnv); ok {
		return keyring.FixedStringPrompt(password)
	}
	return keyring.TerminalPrompt
}

func (k *Keyring) GetSecret(accountID string, purpose Purpose) ([]byte, error) {
	ring, err := k.open()
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}

	item, err := ring.Get(secretKey(accountID, purpose))
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			// Fall back to the shared per-account key.
			item, err = ring.Get(secretKey(accountID, ""))
			if errors.Is(err, keyring.ErrKeyNotFound) {
				return nil, fmt.Errorf("%w: account %s (%s)", ErrSecretNotFound, accountID, purpose)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read secret: %w", err)
		}
	}

	return item.Data, nil
}

// SetSecret stores a secret for an account, primarily for setup tooling.
func (k *Keyring) SetSecret(accountID string, purpose Purpose, secret []byte) error {
	ring, err := k.open()
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}

	err = ring.Set(keyring.Item{
		Key:   secretKey(accountID, purpose),
		Data:  secret,
		Label: serviceName,
	})
	if err != nil {
		return fmt.Errorf("store secret: %w", err)
	}
	return nil
}

func secretKey(accountID string, purpose Purpose) string {
	if purpose == "" {
		return "password:" + accountID
	}
	return fmt.Sprintf("password:%s:%s", accountID, purpose)
}
