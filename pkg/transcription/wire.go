package transcription

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/otherjamesbrown/scribe-cli/client"
	"github.com/otherjamesbrown/scribe-cli/config"
	"github.com/otherjamesbrown/scribe-cli/credentials"
	"github.com/otherjamesbrown/scribe-cli/pkg/cache"
	"github.com/otherjamesbrown/scribe-cli/pkg/events"
	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/observability"
	"github.com/otherjamesbrown/scribe-cli/pkg/watcher"
)

// redisKeyPrefix namespaces cache keys in a shared Redis.
const redisKeyPrefix = "scribe:"

// App holds everything a command needs, built from configuration.
type App struct {
	Config  *config.CLIConfig
	Service *Service
	Session *credentials.Session
	Auth    *client.AuthClient
	Cache   *cache.Store
	Metrics *observability.Metrics
	Logger  logging.Logger

	// Credentials is the store behind Session, nil when it could not be
	// opened.
	Credentials credentials.CredentialStore

	closers []func() error
}

// WireOptions overrides parts of the wiring, mostly for tests.
type WireOptions struct {
	Logger  logging.Logger
	Metrics *observability.Metrics
	// CredentialStore replaces the encrypted store in the config dir.
	CredentialStore credentials.CredentialStore
	// BlobStore replaces the configured cache backend.
	BlobStore cache.BlobStore
	// Transport tunes the HTTP transport. Timeout and TLS still come from
	// the configuration.
	Transport *client.ClientOptions
}

// Wire builds the App described by cfg. The caller must Close it.
func Wire(ctx context.Context, cfg *config.CLIConfig, opts WireOptions) (*App, error) {
	logger := logging.OrNop(opts.Logger)
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics()
	}
	app := &App{Config: cfg, Metrics: metrics, Logger: logger}

	topts, err := transportOptions(cfg, opts.Transport)
	if err != nil {
		return nil, err
	}
	topts.Logger = logger
	topts.Metrics = metrics

	baseURL := cfg.BaseURL()
	app.Auth = client.NewAuthClient(client.NewHTTPTransport(baseURL, nil, topts), cfg.ServerURL)

	var store credentials.CredentialStore = opts.CredentialStore
	if store == nil {
		s, err := credentials.OpenStore(os.Getenv(credentials.EnvPassphrase))
		if err != nil {
			// Environment credentials still work without a store.
			logger.Debug("Credential store unavailable", logging.Err(err))
		} else {
			store = s
		}
	}
	app.Credentials = store
	app.Session = credentials.NewSession(store, app.Auth)

	blobs := opts.BlobStore
	if blobs == nil {
		var closeBlobs func() error
		blobs, closeBlobs, err = OpenBlobStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if closeBlobs != nil {
			app.closers = append(app.closers, closeBlobs)
		}
	}
	app.Cache = cache.NewStore(blobs, cache.Options{Logger: logger, Metrics: metrics})

	transport := client.NewHTTPTransport(baseURL, app.Session, topts)
	meetings := client.NewMeetingsClient(transport, app.Cache, logger)

	bus := events.NewBus(logger)
	if cfg.Events.Enabled() {
		pub, closePub, err := events.NewPublisherFromConfig(ctx, events.PublisherConfig{
			Addr:    cfg.Events.RedisAddr,
			Channel: cfg.Events.RedisChannel,
		}, logger)
		if err != nil {
			logger.Warn("Completion events will not be published", logging.Err(err))
		} else {
			detach := pub.Attach(bus)
			app.closers = append(app.closers, func() error {
				detach()
				return closePub()
			})
		}
	}

	app.Service = NewService(meetings, Options{
		Auth:    app.Session,
		Bus:     bus,
		Policy:  watcher.PolicyFromConfig(cfg.Watch),
		Logger:  logger,
		Metrics: metrics,
	})
	return app, nil
}

// Close releases backend connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func transportOptions(cfg *config.CLIConfig, base *client.ClientOptions) (*client.ClientOptions, error) {
	opts := client.DefaultOptions()
	if base != nil {
		cp := *base
		opts = &cp
	}
	if cfg.Timeout > 0 {
		opts.Timeout = cfg.Timeout
	}

	tlsCfg := cfg.TLS
	tlsCfg.ResolvePaths()
	tc, err := client.LoadClientTLSConfig(tlsCfg, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("configuring TLS: %w", err)
	}
	opts.TLSConfig = tc
	return opts, nil
}

// OpenBlobStore opens the cache backend selected by cfg. The returned close
// function is nil for backends without a connection.
func OpenBlobStore(ctx context.Context, cfg *config.CLIConfig) (cache.BlobStore, func() error, error) {
	c := cfg.Cache
	switch c.Backend {
	case config.CacheBackendMemory:
		return cache.NewMemoryBlobStore(int(c.MaxBytes)), nil, nil

	case config.CacheBackendRedis:
		rs, err := cache.NewRedisBlobStore(ctx, cache.RedisConfig{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
			Prefix:   redisKeyPrefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening redis cache: %w", err)
		}
		return rs, rs.Close, nil

	case config.CacheBackendPostgres:
		ps, err := cache.OpenPostgresBlobStore(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres cache: %w", err)
		}
		return ps, ps.Close, nil
	}

	dir, err := cfg.CacheDir()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving cache directory: %w", err)
	}
	return cache.NewFileBlobStore(dir, c.MaxBytes), nil, nil
}
