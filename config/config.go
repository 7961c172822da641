// Package config provides CLI configuration management for the scribe command-line tool.
// Configuration is read from a YAML file, then overlaid by SCRIBE_* environment
// variables and finally by command-line flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// Cache backends.
const (
	CacheBackendFile     = "file"
	CacheBackendMemory   = "memory"
	CacheBackendRedis    = "redis"
	CacheBackendPostgres = "postgres"
)

// Default configuration values.
const (
	DefaultServerURL    = "http://localhost:8000"
	DefaultAPIPrefix    = "/api/v1"
	DefaultTimeout      = 30 * time.Second
	DefaultOutputFormat = OutputFormatText
	DefaultConfigDir    = ".scribe"
	DefaultConfigFile   = "config.yaml"
	DefaultCacheBackend = CacheBackendFile

	DefaultInitialDelay       = 500 * time.Millisecond
	DefaultProcessingInterval = 2 * time.Second
	DefaultIdleInterval       = 5 * time.Second
	DefaultBackoffFactor      = 1.5
	DefaultMaxInterval        = 15 * time.Second
)

// TLSConfig holds client TLS settings for self-hosted deployments with a
// private CA or mutual TLS.
type TLSConfig struct {
	// CACert is the path to the CA certificate for verifying the server.
	CACert string `yaml:"ca_cert,omitempty"`

	// ClientCert and ClientKey enable mutual TLS when both are set.
	ClientCert string `yaml:"client_cert,omitempty"`
	ClientKey  string `yaml:"client_key,omitempty"`

	// CertDir is a directory containing ca.crt, client.crt and client.key.
	// It provides defaults for the paths above.
	CertDir string `yaml:"cert_dir,omitempty"`
}

// ResolvePaths expands ~ in paths and fills defaults from CertDir.
func (c *TLSConfig) ResolvePaths() {
	if c.CertDir != "" {
		c.CertDir = expandPath(c.CertDir)
		if c.CACert == "" {
			c.CACert = filepath.Join(c.CertDir, "ca.crt")
		}
		if c.ClientCert == "" {
			c.ClientCert = filepath.Join(c.CertDir, "client.crt")
		}
		if c.ClientKey == "" {
			c.ClientKey = filepath.Join(c.CertDir, "client.key")
		}
	}
	c.CACert = expandPath(c.CACert)
	c.ClientCert = expandPath(c.ClientCert)
	c.ClientKey = expandPath(c.ClientKey)
}

// Configured reports whether any TLS setting is present.
func (c *TLSConfig) Configured() bool {
	return c.CACert != "" || c.ClientCert != "" || c.ClientKey != "" || c.CertDir != ""
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// CacheConfig selects and configures the local cache backend.
type CacheConfig struct {
	// Backend is file, memory, redis or postgres.
	Backend string `yaml:"backend"`

	// Path is the directory of the file backend. Defaults to the config dir.
	Path string `yaml:"path,omitempty"`

	// MaxBytes caps the stored document for the file and memory backends.
	// Zero means unlimited.
	MaxBytes int64 `yaml:"max_bytes,omitempty"`

	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db,omitempty"`

	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// WatchConfig tunes the status watcher.
type WatchConfig struct {
	InitialDelay       time.Duration
	ProcessingInterval time.Duration
	IdleInterval       time.Duration
	BackoffFactor      float64
	MaxInterval        time.Duration
	// MaxAttempts and MaxDuration bound a watch. Zero means unbounded.
	MaxAttempts int
	MaxDuration time.Duration
}

// EventsConfig enables mirroring completions onto a Redis channel.
type EventsConfig struct {
	RedisAddr    string `yaml:"redis_addr,omitempty"`
	RedisChannel string `yaml:"redis_channel,omitempty"`
}

// Enabled reports whether completions should be published to Redis.
func (e EventsConfig) Enabled() bool {
	return e.RedisAddr != ""
}

// CLIConfig holds the CLI configuration settings.
type CLIConfig struct {
	// ServerURL is the root URL of the transcription service.
	ServerURL string

	// APIPrefix is prepended to every API path.
	APIPrefix string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// OutputFormat specifies the default output format for commands.
	OutputFormat OutputFormat

	// Debug enables verbose debug logging.
	Debug bool

	// Insecure disables TLS verification (for development only).
	Insecure bool

	// MetricsAddr serves Prometheus metrics during long-running commands
	// when set, for example ":9464".
	MetricsAddr string

	Cache  CacheConfig
	Watch  WatchConfig
	Events EventsConfig
	TLS    TLSConfig
}

// DefaultConfig returns a CLIConfig with default values.
func DefaultConfig() *CLIConfig {
	return &CLIConfig{
		ServerURL:    DefaultServerURL,
		APIPrefix:    DefaultAPIPrefix,
		Timeout:      DefaultTimeout,
		OutputFormat: DefaultOutputFormat,
		Cache: CacheConfig{
			Backend: DefaultCacheBackend,
		},
		Watch: WatchConfig{
			InitialDelay:       DefaultInitialDelay,
			ProcessingInterval: DefaultProcessingInterval,
			IdleInterval:       DefaultIdleInterval,
			BackoffFactor:      DefaultBackoffFactor,
			MaxInterval:        DefaultMaxInterval,
		},
	}
}

// BaseURL returns the URL API paths are relative to.
func (c *CLIConfig) BaseURL() string {
	return strings.TrimRight(c.ServerURL, "/") + "/" + strings.Trim(c.APIPrefix, "/")
}

// ConfigDir returns the configuration directory path.
// Uses $SCRIBE_CONFIG_DIR if set, otherwise ~/.scribe
func ConfigDir() (string, error) {
	if dir := os.Getenv("SCRIBE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads the CLI configuration from file and environment variables.
// Configuration is loaded in this order (later sources override earlier):
// 1. Default values
// 2. Config file (~/.scribe/config.yaml or $SCRIBE_CONFIG_DIR/config.yaml)
// 3. SCRIBE_* environment variables
func LoadConfig() (*CLIConfig, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}
	return LoadConfigFrom(configPath)
}

// LoadConfigFrom is LoadConfig with an explicit config file. A missing file
// leaves the defaults in place.
func LoadConfigFrom(configPath string) (*CLIConfig, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// watchFile is the on-disk form of WatchConfig, with durations as strings.
type watchFile struct {
	InitialDelay       string  `yaml:"initial_delay,omitempty"`
	ProcessingInterval string  `yaml:"processing_interval,omitempty"`
	IdleInterval       string  `yaml:"idle_interval,omitempty"`
	BackoffFactor      float64 `yaml:"backoff_factor,omitempty"`
	MaxInterval        string  `yaml:"max_interval,omitempty"`
	MaxAttempts        int     `yaml:"max_attempts,omitempty"`
	MaxDuration        string  `yaml:"max_duration,omitempty"`
}

// configFile is the on-disk form of CLIConfig.
type configFile struct {
	ServerURL    string       `yaml:"server_url"`
	APIPrefix    string       `yaml:"api_prefix"`
	Timeout      string       `yaml:"timeout"`
	OutputFormat OutputFormat `yaml:"output_format"`
	Debug        bool         `yaml:"debug,omitempty"`
	Insecure     bool         `yaml:"insecure,omitempty"`
	MetricsAddr  string       `yaml:"metrics_addr,omitempty"`
	Cache        CacheConfig  `yaml:"cache"`
	Watch        watchFile    `yaml:"watch"`
	Events       EventsConfig `yaml:"events,omitempty"`
	TLS          TLSConfig    `yaml:"tls,omitempty"`
}

func durationString(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

func toFile(cfg *CLIConfig) configFile {
	return configFile{
		ServerURL:    cfg.ServerURL,
		APIPrefix:    cfg.APIPrefix,
		Timeout:      durationString(cfg.Timeout),
		OutputFormat: cfg.OutputFormat,
		Debug:        cfg.Debug,
		Insecure:     cfg.Insecure,
		MetricsAddr:  cfg.MetricsAddr,
		Cache:        cfg.Cache,
		Watch: watchFile{
			InitialDelay:       durationString(cfg.Watch.InitialDelay),
			ProcessingInterval: durationString(cfg.Watch.ProcessingInterval),
			IdleInterval:       durationString(cfg.Watch.IdleInterval),
			BackoffFactor:      cfg.Watch.BackoffFactor,
			MaxInterval:        durationString(cfg.Watch.MaxInterval),
			MaxAttempts:        cfg.Watch.MaxAttempts,
			MaxDuration:        durationString(cfg.Watch.MaxDuration),
		},
		Events: cfg.Events,
		TLS:    cfg.TLS,
	}
}

func (f configFile) apply(cfg *CLIConfig) error {
	durations := []struct {
		name string
		text string
		dst  *time.Duration
	}{
		{"timeout", f.Timeout, &cfg.Timeout},
		{"watch.initial_delay", f.Watch.InitialDelay, &cfg.Watch.InitialDelay},
		{"watch.processing_interval", f.Watch.ProcessingInterval, &cfg.Watch.ProcessingInterval},
		{"watch.idle_interval", f.Watch.IdleInterval, &cfg.Watch.IdleInterval},
		{"watch.max_interval", f.Watch.MaxInterval, &cfg.Watch.MaxInterval},
		{"watch.max_duration", f.Watch.MaxDuration, &cfg.Watch.MaxDuration},
	}
	for _, d := range durations {
		if d.text == "" {
			continue
		}
		v, err := time.ParseDuration(d.text)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.name, err)
		}
		*d.dst = v
	}

	cfg.ServerURL = f.ServerURL
	cfg.APIPrefix = f.APIPrefix
	cfg.OutputFormat = f.OutputFormat
	cfg.Debug = f.Debug
	cfg.Insecure = f.Insecure
	cfg.MetricsAddr = f.MetricsAddr
	cfg.Cache = f.Cache
	cfg.Watch.BackoffFactor = f.Watch.BackoffFactor
	cfg.Watch.MaxAttempts = f.Watch.MaxAttempts
	cfg.Events = f.Events
	cfg.TLS = f.TLS
	return nil
}

// loadFromFile overlays the YAML file at path onto cfg. Keys missing from
// the file keep their current values.
func loadFromFile(cfg *CLIConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	fileCfg := toFile(cfg)
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return fileCfg.apply(cfg)
}

func envBool(name string) bool {
	v := os.Getenv(name)
	return v == "true" || v == "1"
}

// loadFromEnv overlays environment variables onto the configuration.
// Unparseable values are ignored.
func loadFromEnv(cfg *CLIConfig) {
	strs := map[string]*string{
		"SCRIBE_SERVER_URL":           &cfg.ServerURL,
		"SCRIBE_API_PREFIX":           &cfg.APIPrefix,
		"SCRIBE_METRICS_ADDR":         &cfg.MetricsAddr,
		"SCRIBE_CACHE_BACKEND":        &cfg.Cache.Backend,
		"SCRIBE_CACHE_PATH":           &cfg.Cache.Path,
		"SCRIBE_CACHE_REDIS_ADDR":     &cfg.Cache.RedisAddr,
		"SCRIBE_CACHE_REDIS_PASSWORD": &cfg.Cache.RedisPassword,
		"SCRIBE_CACHE_POSTGRES_DSN":   &cfg.Cache.PostgresDSN,
		"SCRIBE_EVENTS_REDIS_ADDR":    &cfg.Events.RedisAddr,
		"SCRIBE_EVENTS_REDIS_CHANNEL": &cfg.Events.RedisChannel,
		"SCRIBE_TLS_CA_CERT":          &cfg.TLS.CACert,
		"SCRIBE_TLS_CLIENT_CERT":      &cfg.TLS.ClientCert,
		"SCRIBE_TLS_CLIENT_KEY":       &cfg.TLS.ClientKey,
		"SCRIBE_TLS_CERT_DIR":         &cfg.TLS.CertDir,
	}
	for name, dst := range strs {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("SCRIBE_TIMEOUT"); v != "" {
		if timeout, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = timeout
		}
	}
	if v := os.Getenv("SCRIBE_WATCH_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watch.MaxDuration = d
		}
	}
	if v := os.Getenv("SCRIBE_WATCH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Watch.MaxAttempts = n
		}
	}
	if v := os.Getenv("SCRIBE_CACHE_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Cache.MaxBytes = n
		}
	}
	if v := os.Getenv("SCRIBE_CACHE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.RedisDB = n
		}
	}

	if v := os.Getenv("SCRIBE_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
	if envBool("SCRIBE_DEBUG") {
		cfg.Debug = true
	}
	if envBool("SCRIBE_INSECURE") {
		cfg.Insecure = true
	}
}

// Validate checks that the configuration is valid.
func (c *CLIConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server_url: %q (must be an http or https URL)", c.ServerURL)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}

	if err := c.Cache.validate(); err != nil {
		return err
	}
	if err := c.Watch.validate(); err != nil {
		return err
	}

	if (c.TLS.ClientCert == "") != (c.TLS.ClientKey == "") && c.TLS.CertDir == "" {
		return fmt.Errorf("tls.client_cert and tls.client_key must be set together")
	}

	return nil
}

func (c CacheConfig) validate() error {
	switch c.Backend {
	case CacheBackendFile, CacheBackendMemory:
	case CacheBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	case CacheBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("cache.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid cache.backend: %q (must be file, memory, redis, or postgres)", c.Backend)
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("cache.max_bytes must not be negative")
	}
	return nil
}

func (w WatchConfig) validate() error {
	for name, d := range map[string]time.Duration{
		"watch.initial_delay":       w.InitialDelay,
		"watch.processing_interval": w.ProcessingInterval,
		"watch.idle_interval":       w.IdleInterval,
		"watch.max_interval":        w.MaxInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if w.BackoffFactor < 1 {
		return fmt.Errorf("watch.backoff_factor must be at least 1, got %g", w.BackoffFactor)
	}
	if w.MaxAttempts < 0 || w.MaxDuration < 0 {
		return fmt.Errorf("watch.max_attempts and watch.max_duration must not be negative")
	}
	return nil
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// SaveConfig saves the configuration to the config file.
func SaveConfig(cfg *CLIConfig) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	configPath, err := ConfigPath()
	if err != nil {
		return err
	}

	fileCfg := toFile(cfg)
	data, err := yaml.Marshal(&fileCfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// CacheDir returns the directory of the file cache backend.
func (c *CLIConfig) CacheDir() (string, error) {
	if c.Cache.Path != "" {
		return expandPath(c.Cache.Path), nil
	}
	return ConfigDir()
}
