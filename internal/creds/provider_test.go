package creds

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProviderPurposeSpecificWins(t *testing.T) {
	t.Setenv("MAILENGINE_WORK_PASSWORD", "shared")
	t.Setenv("MAILENGINE_WORK_IMAP_PASSWORD", "imap-only")

	secret, err := Env{}.GetSecret("work", PurposeIMAP)
	require.NoError(t, err)
	assert.Equal(t, "imap-only", string(secret))

	secret, err = Env{}.GetSecret("work", PurposeSMTP)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(secret))
}

func TestEnvProviderSanitizesAccountID(t *testing.T) {
	t.Setenv("MAILENGINE_MY_ACCOUNT_1_PASSWORD", "pw")

	secret, err := Env{}.GetSecret("my-account.1", PurposeIMAP)
	require.NoError(t, err)
	assert.Equal(t, "pw", string(secret))
}

func TestEnvProviderMissingSecret(t *testing.T) {
	_, err := Env{}.GetSecret("nobody", PurposeIMAP)
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestStaticProvider(t *testing.T) {
	s := Static{
		"acc1":      []byte("shared"),
		"acc1:smtp": []byte("smtp-only"),
	}

	secret, err := s.GetSecret("acc1", PurposeIMAP)
	require.NoError(t, err)
	assert.Equal(t, "shared", string(secret))

	secret, err = s.GetSecret("acc1", PurposeSMTP)
	require.NoError(t, err)
	assert.Equal(t, "smtp-only", string(secret))

	_, err = s.GetSecret("ghost", PurposeIMAP)
	require.ErrorIs(t, err, ErrSecretNotFound)
}
