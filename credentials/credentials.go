// Package credentials stores the scribe session in ~/.scribe/credentials.yaml.
// Tokens are encrypted at rest with AES-GCM.
//
// The encryption key comes from, in order:
//   - a passphrase (SCRIBE_PASSPHRASE or `auth login --passphrase`), stretched
//     with Argon2id and a salt kept next to the credentials
//   - SCRIBE_ENCRYPTION_KEY, a 64-character hex string (CI and tests)
//   - the system keyring (Keychain, Credential Manager, Secret Service)
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCredentialsDir  = ".scribe"
	DefaultCredentialsFile = "credentials.yaml"
	DefaultSaltFile        = "credentials.salt"

	// AuthTypeAPIKey is a long-lived key sent as the bearer token.
	AuthTypeAPIKey = "api_key"
	// AuthTypeToken is an access/refresh token pair from login.
	AuthTypeToken = "token"
)

// Environment overrides. A token set here is used as-is and never refreshed.
const (
	EnvConfigDir     = "SCRIBE_CONFIG_DIR"
	EnvAPIKey        = "SCRIBE_API_KEY"
	EnvToken         = "SCRIBE_TOKEN"
	EnvEncryptionKey = "SCRIBE_ENCRYPTION_KEY"
	EnvPassphrase    = "SCRIBE_PASSPHRASE"
)

var (
	ErrNoCredentials      = errors.New("no credentials stored")
	ErrExpiredToken       = errors.New("stored token has expired")
	ErrInvalidCredentials = errors.New("invalid credentials format")
	ErrEncryptionFailed   = errors.New("encryption failed")
)

// Credentials is the stored session.
type Credentials struct {
	AuthType     string    `yaml:"auth_type"`
	APIKey       string    `yaml:"api_key,omitempty"`
	Token        string    `yaml:"token,omitempty"`
	RefreshToken string    `yaml:"refresh_token,omitempty"`
	ExpiresAt    time.Time `yaml:"expires_at,omitempty"`
	// ServerURL is the service the session belongs to.
	ServerURL   string    `yaml:"server_url,omitempty"`
	Subject     string    `yaml:"subject,omitempty"`
	LastUpdated time.Time `yaml:"last_updated"`
}

// Bearer returns the value sent in the Authorization header.
func (c *Credentials) Bearer() string {
	if c == nil {
		return ""
	}
	if c.AuthType == AuthTypeAPIKey {
		return c.APIKey
	}
	return c.Token
}

// Expired reports whether the access token is past its expiry at now.
// Credentials without an expiry never expire.
func (c *Credentials) Expired(now time.Time) bool {
	return c != nil && !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Store reads and writes the encrypted credentials file.
type Store struct {
	credentialsDir string
	encryptionKey  []byte
	keyProvider    KeyProvider
}

// NewStore creates a store in CredentialsDir using the default key provider.
func NewStore() (*Store, error) {
	keyProvider, err := GetDefaultKeyProvider()
	if err != nil {
		return nil, fmt.Errorf("initializing key provider: %w", err)
	}
	return NewStoreWithKeyProvider(keyProvider)
}

// OpenStore opens the store in CredentialsDir. A non-empty passphrase
// selects a passphrase-derived key; the salt is created on first use.
func OpenStore(passphrase string) (*Store, error) {
	if passphrase == "" {
		return NewStore()
	}
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}
	salt, err := LoadOrCreateSalt(dir)
	if err != nil {
		return nil, err
	}
	return NewStoreInDir(dir, NewPassphraseKeyProvider(passphrase, salt))
}

// NewStoreWithKeyProvider creates a store in CredentialsDir using keyProvider.
func NewStoreWithKeyProvider(keyProvider KeyProvider) (*Store, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return nil, fmt.Errorf("getting credentials directory: %w", err)
	}
	return NewStoreInDir(dir, keyProvider)
}

// NewStoreInDir creates a store in dir.
func NewStoreInDir(dir string, keyProvider KeyProvider) (*Store, error) {
	key, err := keyProvider.GetKey()
	if err != nil {
		return nil, fmt.Errorf("getting encryption key: %w", err)
	}
	return &Store{
		credentialsDir: dir,
		encryptionKey:  key,
		keyProvider:    keyProvider,
	}, nil
}

// KeyDescription describes where the encryption key is kept.
func (s *Store) KeyDescription() string {
	return s.keyProvider.Description()
}

// CredentialsDir returns $SCRIBE_CONFIG_DIR or ~/.scribe.
func CredentialsDir() (string, error) {
	if dir := os.Getenv(EnvConfigDir); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, DefaultCredentialsDir), nil
}

// CredentialsPath returns the full path to the credentials file.
func CredentialsPath() (string, error) {
	dir, err := CredentialsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultCredentialsFile), nil
}

func (s *Store) path() string {
	return filepath.Join(s.credentialsDir, DefaultCredentialsFile)
}

// secrets lists the fields encrypted at rest.
func secrets(c *Credentials) []*string {
	return []*string{&c.APIKey, &c.Token, &c.RefreshToken}
}

// Save writes creds with its secret fields encrypted.
func (s *Store) Save(creds *Credentials) error {
	if err := os.MkdirAll(s.credentialsDir, 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	stored := *creds
	stored.LastUpdated = time.Now().UTC()
	for _, field := range secrets(&stored) {
		if *field == "" {
			continue
		}
		enc, err := s.encrypt(*field)
		if err != nil {
			return err
		}
		*field = enc
	}

	data, err := yaml.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	if err := os.WriteFile(s.path(), data, 0o600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	return nil
}

// Load reads and decrypts the stored credentials.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredentials
		}
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}

	var creds Credentials
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	for _, field := range secrets(&creds) {
		if *field == "" {
			continue
		}
		dec, err := s.decrypt(*field)
		if err != nil {
			return nil, err
		}
		*field = dec
	}
	return &creds, nil
}

// Delete removes the stored credentials. Deleting nothing is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing credentials file: %w", err)
	}
	return nil
}

// Exists reports whether a credentials file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path())
	return err == nil
}

// GetActiveCredential returns the environment credential if one is set,
// otherwise the stored one. An expired stored token yields ErrExpiredToken.
func (s *Store) GetActiveCredential() (*Credentials, error) {
	if creds := envCredential(); creds != nil {
		return creds, nil
	}

	creds, err := s.Load()
	if err != nil {
		return nil, err
	}
	if creds.AuthType == AuthTypeToken && creds.Expired(time.Now()) {
		return nil, ErrExpiredToken
	}
	return creds, nil
}

func envCredential() *Credentials {
	if apiKey := os.Getenv(EnvAPIKey); apiKey != "" {
		return &Credentials{AuthType: AuthTypeAPIKey, APIKey: apiKey}
	}
	if token := os.Getenv(EnvToken); token != "" {
		return &Credentials{AuthType: AuthTypeToken, Token: token}
	}
	return nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	gcm, err := newGCM(s.encryptionKey)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decoding base64: %v", ErrEncryptionFailed, err)
	}

	gcm, err := newGCM(s.encryptionKey)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrEncryptionFailed)
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed: %v", ErrEncryptionFailed, err)
	}
	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", ErrEncryptionFailed, err)
	}
	return gcm, nil
}

// MaskCredential hides all but the first and last four characters.
func MaskCredential(cred string) string {
	if len(cred) <= 8 {
		return strings.Repeat("*", len(cred))
	}
	return cred[:4] + strings.Repeat("*", len(cred)-8) + cred[len(cred)-4:]
}

// MaskToken shows the first and last eight characters of a token.
func MaskToken(token string) string {
	if len(token) <= 20 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "..." + token[len(token)-8:]
}

// FormatExpiry formats the time left until expiresAt.
func FormatExpiry(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return "never"
	}

	remaining := time.Until(expiresAt)
	switch {
	case remaining < 0:
		return "expired"
	case remaining < time.Hour:
		return fmt.Sprintf("%d minutes", int(remaining.Minutes()))
	case remaining < 24*time.Hour:
		return fmt.Sprintf("%d hours", int(remaining.Hours()))
	}
	return fmt.Sprintf("%d days", int(remaining.Hours()/24))
}
