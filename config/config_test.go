package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scribeEnv = []string{
	"SCRIBE_SERVER_URL", "SCRIBE_API_PREFIX", "SCRIBE_TIMEOUT", "SCRIBE_OUTPUT_FORMAT",
	"SCRIBE_DEBUG", "SCRIBE_INSECURE", "SCRIBE_METRICS_ADDR",
	"SCRIBE_CACHE_BACKEND", "SCRIBE_CACHE_PATH", "SCRIBE_CACHE_MAX_BYTES",
	"SCRIBE_CACHE_REDIS_ADDR", "SCRIBE_CACHE_REDIS_PASSWORD", "SCRIBE_CACHE_REDIS_DB",
	"SCRIBE_CACHE_POSTGRES_DSN", "SCRIBE_EVENTS_REDIS_ADDR", "SCRIBE_EVENTS_REDIS_CHANNEL",
	"SCRIBE_WATCH_MAX_ATTEMPTS", "SCRIBE_WATCH_MAX_DURATION",
	"SCRIBE_TLS_CA_CERT", "SCRIBE_TLS_CLIENT_CERT", "SCRIBE_TLS_CLIENT_KEY", "SCRIBE_TLS_CERT_DIR",
}

// isolate points the config dir at a temp dir and clears SCRIBE_* variables.
func isolate(t *testing.T) string {
	t.Helper()
	for _, name := range scribeEnv {
		t.Setenv(name, "")
	}
	dir := t.TempDir()
	t.Setenv("SCRIBE_CONFIG_DIR", dir)
	return dir
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(content), 0600))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
	assert.Equal(t, DefaultAPIPrefix, cfg.APIPrefix)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, OutputFormatText, cfg.OutputFormat)
	assert.Equal(t, CacheBackendFile, cfg.Cache.Backend)
	assert.False(t, cfg.Debug)
	assert.False(t, cfg.Insecure)
	assert.False(t, cfg.Events.Enabled())

	assert.Equal(t, 500*time.Millisecond, cfg.Watch.InitialDelay)
	assert.Equal(t, 2*time.Second, cfg.Watch.ProcessingInterval)
	assert.Equal(t, 5*time.Second, cfg.Watch.IdleInterval)
	assert.Equal(t, 1.5, cfg.Watch.BackoffFactor)
	assert.Equal(t, 15*time.Second, cfg.Watch.MaxInterval)
	assert.Zero(t, cfg.Watch.MaxAttempts, "polling is unbounded by default")
	assert.Zero(t, cfg.Watch.MaxDuration)

	require.NoError(t, cfg.Validate())
}

func TestCLIConfig_BaseURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerURL = "https://scribe.example.com/"
	cfg.APIPrefix = "/api/v2/"
	assert.Equal(t, "https://scribe.example.com/api/v2", cfg.BaseURL())
}

func TestOutputFormat_IsValid(t *testing.T) {
	assert.True(t, OutputFormatText.IsValid())
	assert.True(t, OutputFormatJSON.IsValid())
	assert.True(t, OutputFormatYAML.IsValid())
	assert.False(t, OutputFormat("xml").IsValid())
	assert.False(t, OutputFormat("").IsValid())
	assert.Equal(t, "json", OutputFormatJSON.String())
}

func TestCLIConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*CLIConfig)
		wantErr string
	}{
		{"defaults", func(*CLIConfig) {}, ""},
		{"empty server", func(c *CLIConfig) { c.ServerURL = "" }, "server_url is required"},
		{"server without scheme", func(c *CLIConfig) { c.ServerURL = "localhost:8000" }, "invalid server_url"},
		{"zero timeout", func(c *CLIConfig) { c.Timeout = 0 }, "timeout must be positive"},
		{"bad format", func(c *CLIConfig) { c.OutputFormat = "xml" }, "invalid output_format"},
		{"bad backend", func(c *CLIConfig) { c.Cache.Backend = "s3" }, "invalid cache.backend"},
		{"redis without addr", func(c *CLIConfig) { c.Cache.Backend = CacheBackendRedis }, "cache.redis_addr"},
		{"redis with addr", func(c *CLIConfig) {
			c.Cache.Backend = CacheBackendRedis
			c.Cache.RedisAddr = "localhost:6379"
		}, ""},
		{"postgres without dsn", func(c *CLIConfig) { c.Cache.Backend = CacheBackendPostgres }, "cache.postgres_dsn"},
		{"negative max bytes", func(c *CLIConfig) { c.Cache.MaxBytes = -1 }, "cache.max_bytes"},
		{"backoff below one", func(c *CLIConfig) { c.Watch.BackoffFactor = 0.5 }, "watch.backoff_factor"},
		{"zero idle interval", func(c *CLIConfig) { c.Watch.IdleInterval = 0 }, "watch.idle_interval"},
		{"negative attempts", func(c *CLIConfig) { c.Watch.MaxAttempts = -1 }, "watch.max_attempts"},
		{"client cert without key", func(c *CLIConfig) { c.TLS.ClientCert = "/tmp/client.crt" }, "tls.client_cert"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("SCRIBE_CONFIG_DIR", "")
	dir, err := ConfigDir()
	require.NoError(t, err)
	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".scribe"), dir)

	t.Setenv("SCRIBE_CONFIG_DIR", "/tmp/scribe-test")
	path, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/scribe-test/config.yaml", path)
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_FromFile(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, `
server_url: https://scribe.example.com
timeout: 45s
output_format: json
cache:
  backend: redis
  redis_addr: cache.internal:6379
  redis_db: 2
watch:
  idle_interval: 8s
  max_attempts: 40
events:
  redis_addr: events.internal:6379
tls:
  ca_cert: /etc/scribe/ca.crt
`)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://scribe.example.com", cfg.ServerURL)
	assert.Equal(t, DefaultAPIPrefix, cfg.APIPrefix, "keys missing from the file keep defaults")
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, OutputFormatJSON, cfg.OutputFormat)
	assert.Equal(t, CacheBackendRedis, cfg.Cache.Backend)
	assert.Equal(t, "cache.internal:6379", cfg.Cache.RedisAddr)
	assert.Equal(t, 2, cfg.Cache.RedisDB)
	assert.Equal(t, 8*time.Second, cfg.Watch.IdleInterval)
	assert.Equal(t, 2*time.Second, cfg.Watch.ProcessingInterval)
	assert.Equal(t, 40, cfg.Watch.MaxAttempts)
	assert.True(t, cfg.Events.Enabled())
	assert.Equal(t, "/etc/scribe/ca.crt", cfg.TLS.CACert)
}

func TestLoadConfigFrom_ExplicitPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "other.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server_url: https://other.example.com\n"), 0600))

	cfg, err := LoadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com", cfg.ServerURL)

	cfg, err = LoadConfigFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultServerURL, cfg.ServerURL)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, "watch:\n  idle_interval: soon\n")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch.idle_interval")
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, "server_url: [unterminated\n")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_WithEnvOverrides(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, dir, "server_url: https://file.example.com\ntimeout: 10s\n")

	t.Setenv("SCRIBE_SERVER_URL", "https://env.example.com")
	t.Setenv("SCRIBE_TIMEOUT", "1m")
	t.Setenv("SCRIBE_OUTPUT_FORMAT", "yaml")
	t.Setenv("SCRIBE_DEBUG", "1")
	t.Setenv("SCRIBE_CACHE_BACKEND", "memory")
	t.Setenv("SCRIBE_CACHE_MAX_BYTES", "4096")
	t.Setenv("SCRIBE_WATCH_MAX_DURATION", "20m")
	t.Setenv("SCRIBE_WATCH_MAX_ATTEMPTS", "not-a-number")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.ServerURL)
	assert.Equal(t, time.Minute, cfg.Timeout)
	assert.Equal(t, OutputFormatYAML, cfg.OutputFormat)
	assert.True(t, cfg.Debug)
	assert.Equal(t, CacheBackendMemory, cfg.Cache.Backend)
	assert.Equal(t, int64(4096), cfg.Cache.MaxBytes)
	assert.Equal(t, 20*time.Minute, cfg.Watch.MaxDuration)
	assert.Zero(t, cfg.Watch.MaxAttempts, "unparseable values are ignored")
}

func TestLoadConfig_InvalidEnvFormat(t *testing.T) {
	isolate(t)
	t.Setenv("SCRIBE_OUTPUT_FORMAT", "xml")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid output_format")
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := isolate(t)
	nested := filepath.Join(dir, "nested")
	t.Setenv("SCRIBE_CONFIG_DIR", nested)

	cfg := DefaultConfig()
	cfg.ServerURL = "https://saved.example.com"
	cfg.Cache.Backend = CacheBackendPostgres
	cfg.Cache.PostgresDSN = "postgres://scribe@db/scribe"
	cfg.Watch.MaxDuration = 30 * time.Minute
	cfg.TLS.CertDir = "/etc/scribe/certs"

	require.NoError(t, SaveConfig(cfg))

	info, err := os.Stat(filepath.Join(nested, DefaultConfigFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestTLSConfig_ResolvePaths(t *testing.T) {
	tlsCfg := TLSConfig{CertDir: "/etc/scribe/certs", CACert: "/custom/ca.pem"}
	tlsCfg.ResolvePaths()

	assert.Equal(t, "/custom/ca.pem", tlsCfg.CACert)
	assert.Equal(t, "/etc/scribe/certs/client.crt", tlsCfg.ClientCert)
	assert.Equal(t, "/etc/scribe/certs/client.key", tlsCfg.ClientKey)
	assert.True(t, tlsCfg.Configured())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	tilde := TLSConfig{CACert: "~/ca.crt"}
	tilde.ResolvePaths()
	assert.Equal(t, filepath.Join(home, "ca.crt"), tilde.CACert)

	assert.False(t, (&TLSConfig{}).Configured())
}

func TestCLIConfig_CacheDir(t *testing.T) {
	dir := isolate(t)

	cfg := DefaultConfig()
	got, err := cfg.CacheDir()
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	cfg.Cache.Path = "/var/cache/scribe"
	got, err = cfg.CacheDir()
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/scribe", got)
}
