package cmd

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/scribe-cli/client"
	"github.com/otherjamesbrown/scribe-cli/client/clienttest"
	"github.com/otherjamesbrown/scribe-cli/config"
	"github.com/otherjamesbrown/scribe-cli/credentials"
	"github.com/otherjamesbrown/scribe-cli/pkg/cache"
	"github.com/otherjamesbrown/scribe-cli/pkg/observability"
	"github.com/otherjamesbrown/scribe-cli/pkg/transcription"
)

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

// testEnv runs commands against a fake service. The credential store and the
// cache are shared by every command run in one test.
type testEnv struct {
	srv    *clienttest.Server
	cfg    *config.CLIConfig
	store  *memCredentialStore
	blobs  *cache.MemoryBlobStore
	out    bytes.Buffer
	errOut bytes.Buffer
	secret string
	deps   *CommandDeps
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv(credentials.EnvToken, "")
	t.Setenv(credentials.EnvAPIKey, "")

	srv := clienttest.NewServer()
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig()
	cfg.ServerURL = srv.URL
	cfg.APIPrefix = clienttest.Prefix
	cfg.Cache.Backend = config.CacheBackendMemory
	cfg.Watch.InitialDelay = time.Millisecond
	cfg.Watch.ProcessingInterval = 2 * time.Millisecond
	cfg.Watch.IdleInterval = 2 * time.Millisecond
	cfg.Watch.MaxInterval = 10 * time.Millisecond

	env := &testEnv{
		srv:    srv,
		cfg:    cfg,
		store:  &memCredentialStore{},
		blobs:  cache.NewMemoryBlobStore(0),
		secret: clienttest.Password,
	}

	topts := client.DefaultOptions()
	topts.InitialBackoff = time.Millisecond
	topts.MaxBackoff = 5 * time.Millisecond

	env.deps = &CommandDeps{
		LoadConfig: func() (*config.CLIConfig, error) {
			cp := *env.cfg
			return &cp, nil
		},
		Wire: func(ctx context.Context, cfg *config.CLIConfig, opts transcription.WireOptions) (*transcription.App, error) {
			if opts.CredentialStore == nil {
				opts.CredentialStore = env.store
			}
			opts.BlobStore = env.blobs
			opts.Metrics = observability.NewMetrics(prometheus.NewRegistry())
			opts.Transport = topts
			return transcription.Wire(ctx, cfg, opts)
		},
		Out: &env.out,
		Err: &env.errOut,
		In:  strings.NewReader(""),
		ReadSecret: func(string) (string, error) {
			return env.secret, nil
		},
	}
	return env
}

// login stores a valid session for the fake service.
func (e *testEnv) login(t *testing.T) {
	t.Helper()
	require.NoError(t, e.store.Save(&credentials.Credentials{
		AuthType:     credentials.AuthTypeToken,
		Token:        e.srv.AccessToken(),
		RefreshToken: e.srv.RefreshToken(),
		ExpiresAt:    time.Now().Add(time.Hour),
		ServerURL:    e.srv.URL,
		Subject:      clienttest.Email,
	}))
}

// run executes cmd with args and resets the captured output first.
func (e *testEnv) run(cmd *cobra.Command, args ...string) error {
	e.out.Reset()
	e.errOut.Reset()
	cmd.SetArgs(args)
	cmd.SetOut(&e.out)
	cmd.SetErr(&e.errOut)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd.ExecuteContext(context.Background())
}
