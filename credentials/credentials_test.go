package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// newTestStore returns a store in a temp dir keyed by testEncryptionKey.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvConfigDir, dir)
	t.Setenv(EnvEncryptionKey, testEncryptionKey)
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvToken, "")

	store, err := NewStoreWithKeyProvider(NewEnvKeyProvider(EnvEncryptionKey))
	require.NoError(t, err)
	return store
}

func TestCredentialsDir(t *testing.T) {
	t.Setenv(EnvConfigDir, "")
	dir, err := CredentialsDir()
	require.NoError(t, err)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, DefaultCredentialsDir), dir)

	t.Setenv(EnvConfigDir, "/tmp/test-scribe-creds")
	dir, err = CredentialsDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-scribe-creds", dir)

	path, err := CredentialsPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test-scribe-creds/"+DefaultCredentialsFile, path)
}

func TestStore_SaveAndLoadToken(t *testing.T) {
	store := newTestStore(t)
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	in := &Credentials{
		AuthType:     AuthTypeToken,
		Token:        "access-token-value",
		RefreshToken: "refresh-token-value",
		ExpiresAt:    expires,
		ServerURL:    "https://scribe.example.com",
		Subject:      "ada@example.com",
	}
	require.NoError(t, store.Save(in))
	assert.True(t, store.Exists())

	out, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "access-token-value", out.Token)
	assert.Equal(t, "refresh-token-value", out.RefreshToken)
	assert.True(t, out.ExpiresAt.Equal(expires))
	assert.Equal(t, "ada@example.com", out.Subject)
	assert.False(t, out.LastUpdated.IsZero())
}

func TestStore_SecretsEncryptedAtRest(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(&Credentials{
		AuthType:     AuthTypeToken,
		Token:        "plain-access-token",
		RefreshToken: "plain-refresh-token",
	}))

	path, err := CredentialsPath()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "plain-access-token")
	assert.NotContains(t, string(data), "plain-refresh-token")

	var raw Credentials
	require.NoError(t, yaml.Unmarshal(data, &raw))
	assert.NotEmpty(t, raw.Token)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_LoadWithWrongKey(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(&Credentials{AuthType: AuthTypeToken, Token: "secret"}))

	other := strings.Repeat("ab", keyLength)
	t.Setenv("OTHER_KEY", other)
	wrong, err := NewStoreWithKeyProvider(NewEnvKeyProvider("OTHER_KEY"))
	require.NoError(t, err)

	_, err = wrong.Load()
	assert.ErrorIs(t, err, ErrEncryptionFailed)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(&Credentials{AuthType: AuthTypeAPIKey, APIKey: "key"}))

	require.NoError(t, store.Delete())
	assert.False(t, store.Exists())
	require.NoError(t, store.Delete(), "deleting twice is not an error")

	_, err := store.Load()
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestStore_GetActiveCredential(t *testing.T) {
	t.Run("env api key wins", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(&Credentials{AuthType: AuthTypeToken, Token: "stored"}))
		t.Setenv(EnvAPIKey, "env-key")

		creds, err := store.GetActiveCredential()
		require.NoError(t, err)
		assert.Equal(t, AuthTypeAPIKey, creds.AuthType)
		assert.Equal(t, "env-key", creds.Bearer())
	})

	t.Run("env token", func(t *testing.T) {
		store := newTestStore(t)
		t.Setenv(EnvToken, "env-token")

		creds, err := store.GetActiveCredential()
		require.NoError(t, err)
		assert.Equal(t, "env-token", creds.Bearer())
	})

	t.Run("stored", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(&Credentials{AuthType: AuthTypeToken, Token: "stored"}))

		creds, err := store.GetActiveCredential()
		require.NoError(t, err)
		assert.Equal(t, "stored", creds.Bearer())
	})

	t.Run("expired", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Save(&Credentials{
			AuthType:  AuthTypeToken,
			Token:     "stored",
			ExpiresAt: time.Now().Add(-time.Minute),
		}))

		_, err := store.GetActiveCredential()
		assert.ErrorIs(t, err, ErrExpiredToken)
	})
}

func TestCredentials_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&Credentials{}).Expired(now))
	assert.False(t, (&Credentials{ExpiresAt: now.Add(time.Second)}).Expired(now))
	assert.True(t, (&Credentials{ExpiresAt: now}).Expired(now))

	var nilCreds *Credentials
	assert.False(t, nilCreds.Expired(now))
	assert.Equal(t, "", nilCreds.Bearer())
}

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "****", MaskCredential("abcd"))
	assert.Equal(t, "abcd****mnop", MaskCredential("abcdefghmnop"))
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "*****", MaskToken("short"))
	assert.Equal(t, "eyJhbGci...sig12345", MaskToken("eyJhbGciOiJIUzI1NiJ9.payload.sig12345"))
}

func TestFormatExpiry(t *testing.T) {
	assert.Equal(t, "never", FormatExpiry(time.Time{}))
	assert.Equal(t, "expired", FormatExpiry(time.Now().Add(-time.Hour)))
	assert.Equal(t, "29 minutes", FormatExpiry(time.Now().Add(30*time.Minute-time.Second)))
	assert.Equal(t, "4 hours", FormatExpiry(time.Now().Add(5*time.Hour-time.Second)))
	assert.Equal(t, "2 days", FormatExpiry(time.Now().Add(72*time.Hour-time.Second)))
}
