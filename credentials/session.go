package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// expirySkew treats a token as expired slightly before its deadline so a
// request does not race the server's clock.
const expirySkew = 30 * time.Second

// ErrNoRefreshToken is returned by Refresh when the session cannot be renewed.
var ErrNoRefreshToken = errors.New("no refresh token available")

// CredentialStore persists a session. *Store implements it.
type CredentialStore interface {
	Load() (*Credentials, error)
	Save(creds *Credentials) error
	Delete() error
}

// TokenRefresher exchanges a refresh token for new credentials.
type TokenRefresher interface {
	RefreshCredentials(ctx context.Context, refreshToken string) (*Credentials, error)
}

// RefresherFunc adapts a function to TokenRefresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (*Credentials, error)

func (f RefresherFunc) RefreshCredentials(ctx context.Context, refreshToken string) (*Credentials, error) {
	return f(ctx, refreshToken)
}

// Session is the authenticated session of the CLI. Credentials from
// SCRIBE_API_KEY or SCRIBE_TOKEN take precedence over the stored ones and
// are never refreshed or deleted.
type Session struct {
	mu        sync.Mutex
	store     CredentialStore
	refresher TokenRefresher
	creds     *Credentials
	loaded    bool
	fromEnv   bool
	now       func() time.Time
}

// NewSession creates a session over store. refresher may be nil, in which
// case Refresh always fails.
func NewSession(store CredentialStore, refresher TokenRefresher) *Session {
	return &Session{store: store, refresher: refresher, now: time.Now}
}

// SetRefresher sets the refresher after construction. The refresher usually
// needs a transport that itself needs the session.
func (s *Session) SetRefresher(r TokenRefresher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresher = r
}

// current loads the credentials on first use. Caller must hold s.mu.
func (s *Session) current() *Credentials {
	if s.loaded {
		return s.creds
	}
	s.loaded = true

	if env := envCredential(); env != nil {
		s.creds, s.fromEnv = env, true
		return s.creds
	}
	if s.store == nil {
		return nil
	}
	creds, err := s.store.Load()
	if err != nil {
		return nil
	}
	s.creds = creds
	return s.creds
}

// Credentials returns a copy of the active credentials.
func (s *Session) Credentials() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.current()
	if c == nil {
		return nil, ErrNoCredentials
	}
	cp := *c
	return &cp, nil
}

// FromEnv reports whether the session comes from the environment.
func (s *Session) FromEnv() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current()
	return s.fromEnv
}

// IsAuthenticated reports whether any credential is present.
func (s *Session) IsAuthenticated() bool {
	return s.CurrentToken() != ""
}

// CurrentToken returns the bearer token, or "" when logged out.
func (s *Session) CurrentToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current().Bearer()
}

// VerifyTokenValidity reports whether the token is present and not known to
// be expired.
func (s *Session) VerifyTokenValidity() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.current()
	if c.Bearer() == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return s.now().Add(expirySkew).Before(c.ExpiresAt)
}

// Login stores creds as the new session.
func (s *Session) Login(creds *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Save(creds); err != nil {
			return err
		}
	}
	cp := *creds
	s.creds, s.loaded, s.fromEnv = &cp, true, false
	return nil
}

// Refresh renews the access token with the refresh token and persists the
// result. The refresh call is made without holding the session lock.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.Lock()
	c := s.current()
	refresher := s.refresher
	if s.fromEnv || c == nil || c.RefreshToken == "" || refresher == nil {
		s.mu.Unlock()
		return ErrNoRefreshToken
	}
	refreshToken, server, subject := c.RefreshToken, c.ServerURL, c.Subject
	s.mu.Unlock()

	fresh, err := refresher.RefreshCredentials(ctx, refreshToken)
	if err != nil {
		return fmt.Errorf("refreshing session: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = refreshToken
	}
	if fresh.ServerURL == "" {
		fresh.ServerURL = server
	}
	if fresh.Subject == "" {
		fresh.Subject = subject
	}
	if fresh.AuthType == "" {
		fresh.AuthType = AuthTypeToken
	}
	return s.Login(fresh)
}

// Logout forgets the session and deletes the stored credentials. Environment
// credentials are left alone.
func (s *Session) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current()
	if s.fromEnv {
		return nil
	}
	s.creds, s.loaded = nil, true
	if s.store == nil {
		return nil
	}
	return s.store.Delete()
}
