package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/scribe-cli/client/clienttest"
	"github.com/otherjamesbrown/scribe-cli/credentials"
	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
)

// fakeAuth is an Authenticator with a fixed token and scripted refreshes.
type fakeAuth struct {
	mu        sync.Mutex
	token     string
	refresh   func() (string, error)
	refreshes int
	logouts   int
}

func (a *fakeAuth) IsAuthenticated() bool     { return a.CurrentToken() != "" }
func (a *fakeAuth) VerifyTokenValidity() bool { return a.IsAuthenticated() }

func (a *fakeAuth) CurrentToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *fakeAuth) Refresh(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshes++
	if a.refresh == nil {
		return errors.New("no refresh token")
	}
	tok, err := a.refresh()
	if err != nil {
		return err
	}
	a.token = tok
	return nil
}

func (a *fakeAuth) Logout() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts++
	a.token = ""
	return nil
}

func testOptions() *ClientOptions {
	opts := DefaultOptions()
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.Timeout = 5 * time.Second
	return opts
}

func newTestTransport(srv *clienttest.Server, auth Authenticator) *HTTPTransport {
	return NewHTTPTransport(srv.BaseURL(), auth, testOptions())
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, DefaultTimeout, opts.Timeout)
	assert.Equal(t, 3, opts.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, opts.InitialBackoff)
	assert.Equal(t, 5*time.Second, opts.MaxBackoff)
	assert.Equal(t, 2.0, opts.BackoffMultiplier)
}

func TestNewHTTPTransport_TrimsBaseURL(t *testing.T) {
	tr := NewHTTPTransport("https://scribe.example.com/api/v1/", nil, nil)
	assert.Equal(t, "https://scribe.example.com/api/v1", tr.BaseURL())
	assert.Equal(t, DefaultMaxRetries, tr.options.MaxRetries)
}

func TestTransport_SendsHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, &fakeAuth{token: "tok"}, testOptions())
	var out map[string]bool
	require.NoError(t, tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/ping", AuthRequired: true}, &out))

	assert.True(t, out["ok"])
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "scribe-cli", got.Get("User-Agent"))
	assert.Len(t, got.Get("X-Request-ID"), 36)
}

func TestTransport_NoAuthHeaderWhenNotRequired(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, &fakeAuth{token: "tok"}, testOptions())
	require.NoError(t, tr.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/auth/login", Body: map[string]string{}}, nil))
	assert.Empty(t, got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
}

func TestTransport_RefreshesOnceOn401(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	srv.Add(clienttest.Meeting{"id": "m1", "status": "completed", "transcript_text": "hi"})

	auth := &fakeAuth{
		token:   "stale",
		refresh: func() (string, error) { return srv.AccessToken(), nil },
	}
	tr := newTestTransport(srv, auth)

	var out map[string]interface{}
	require.NoError(t, tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/meetings/m1", AuthRequired: true}, &out))

	assert.Equal(t, "m1", out["id"])
	assert.Equal(t, 1, auth.refreshes)
	assert.Equal(t, 0, auth.logouts)
	assert.Equal(t, 2, srv.Count("GET /meetings/m1"))
}

func TestTransport_LogsOutWhenRefreshFails(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()

	auth := &fakeAuth{
		token:   "stale",
		refresh: func() (string, error) { return "", errors.New("refresh rejected") },
	}
	tr := newTestTransport(srv, auth)

	err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/meetings", AuthRequired: true}, nil)
	require.Error(t, err)
	assert.True(t, scerrors.IsUnauthorized(err))
	assert.Equal(t, 1, auth.refreshes)
	assert.Equal(t, 1, auth.logouts)
	assert.Equal(t, 1, srv.Count("GET /meetings"))
}

func TestTransport_LogsOutOnSecond401(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()

	auth := &fakeAuth{
		token:   "stale",
		refresh: func() (string, error) { return "still-wrong", nil },
	}
	tr := newTestTransport(srv, auth)

	err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/meetings", AuthRequired: true}, nil)
	assert.True(t, scerrors.IsUnauthorized(err))
	assert.Equal(t, 1, auth.refreshes, "refresh is attempted once")
	assert.Equal(t, 1, auth.logouts)
	assert.Equal(t, 2, srv.Count("GET /meetings"))
}

func TestTransport_RefreshWithSessionAndAuthClient(t *testing.T) {
	t.Setenv(credentials.EnvAPIKey, "")
	t.Setenv(credentials.EnvToken, "")
	srv := clienttest.NewServer()
	defer srv.Close()

	store := &memCredentialStore{creds: &credentials.Credentials{
		AuthType:     credentials.AuthTypeToken,
		Token:        "expired-token",
		RefreshToken: srv.RefreshToken(),
	}}
	anon := newTestTransport(srv, nil)
	session := credentials.NewSession(store, NewAuthClient(anon, srv.URL))
	tr := newTestTransport(srv, session)

	require.NoError(t, tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/meetings", AuthRequired: true}, nil))
	assert.Equal(t, srv.AccessToken(), session.CurrentToken())
	assert.Equal(t, srv.AccessToken(), store.creds.Token, "refreshed token is persisted")
	assert.Equal(t, 1, srv.Count("POST /auth/refresh"))
}

func TestTransport_RetriesNetworkFailures(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	srv.SetRequireAuth(false)
	srv.DropNext(2)

	tr := newTestTransport(srv, nil)
	var out []interface{}
	require.NoError(t, tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/meetings"}, &out))
	assert.Equal(t, 3, srv.Count("GET /meetings"))
}

func TestTransport_GivesUpAfterMaxRetries(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	srv.SetRequireAuth(false)
	srv.DropNext(10)

	tr := newTestTransport(srv, nil)
	err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/meetings"}, nil)
	require.Error(t, err)
	assert.True(t, scerrors.IsNetwork(err))
	assert.Equal(t, 1+DefaultMaxRetries, srv.Count("GET /meetings"))
}

func TestTransport_DoesNotRetryPost(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	srv.SetRequireAuth(false)
	srv.DropNext(1)

	tr := newTestTransport(srv, nil)
	err := tr.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/meetings/validate",
		Body:   map[string][]string{"ids": {"a"}},
	}, nil)
	assert.True(t, scerrors.IsNetwork(err))
	assert.Equal(t, 1, srv.Count("POST /meetings/validate"))
}

func TestTransport_DoesNotRetryHTTPErrors(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	srv.SetRequireAuth(false)
	srv.FailNext(http.StatusServiceUnavailable)

	tr := newTestTransport(srv, nil)
	err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/meetings"}, nil)

	var herr *scerrors.HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusServiceUnavailable, herr.StatusCode)
	assert.Equal(t, "Service Unavailable", herr.Message)
	assert.Equal(t, 1, srv.Count("GET /meetings"))
}

func TestTransport_NotFound(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()
	srv.SetRequireAuth(false)

	tr := newTestTransport(srv, nil)
	err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/meetings/missing"}, nil)
	assert.True(t, scerrors.IsNotFound(err))
}

func TestTransport_ContextCancelled(t *testing.T) {
	srv := clienttest.NewServer()
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := newTestTransport(srv, nil)
	err := tr.Do(ctx, &Request{Method: http.MethodGet, Path: "/meetings"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, scerrors.CodeCancelled, scerrors.Classify(err))
}

func TestTransport_RawStringOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text body"))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, nil, testOptions())
	var out string
	require.NoError(t, tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/"}, &out))
	assert.Equal(t, "plain text body", out)
}

func TestTransport_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, nil, testOptions())
	var out map[string]interface{}
	require.NoError(t, tr.Do(context.Background(), &Request{Method: http.MethodDelete, Path: "/x"}, &out))
	assert.Nil(t, out)
}

func TestTransport_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL, nil, testOptions())
	var out map[string]interface{}
	err := tr.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/"}, &out)
	require.Error(t, err)
	var syntaxErr *json.SyntaxError
	assert.ErrorAs(t, err, &syntaxErr)
}

func TestRequest_Idempotent(t *testing.T) {
	assert.True(t, (&Request{Method: http.MethodGet}).idempotent())
	assert.True(t, (&Request{Method: http.MethodDelete}).idempotent())
	assert.False(t, (&Request{Method: http.MethodPost}).idempotent())
	assert.False(t, (&Request{Method: http.MethodPut, Multipart: &MultipartBody{}}).idempotent())
	assert.Equal(t, "/meetings/{id}", (&Request{Path: "/meetings/a", Route: "/meetings/{id}"}).route())
	assert.Equal(t, "/meetings", (&Request{Path: "/meetings"}).route())
}

// memCredentialStore keeps credentials in memory.
type memCredentialStore struct {
	mu    sync.Mutex
	creds *credentials.Credentials
}

func (m *memCredentialStore) Load() (*credentials.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil, credentials.ErrNoCredentials
	}
	cp := *m.creds
	return &cp, nil
}

func (m *memCredentialStore) Save(c *credentials.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds = &cp
	return nil
}

func (m *memCredentialStore) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	return nil
}
