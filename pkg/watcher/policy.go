package watcher

import (
	"time"

	"github.com/otherjamesbrown/scribe-cli/config"
	"github.com/otherjamesbrown/scribe-cli/pkg/meeting"
)

// Policy controls how often a watcher polls.
type Policy struct {
	// InitialDelay is the wait before the first poll.
	InitialDelay time.Duration
	// ProcessingInterval is used while the job is processing.
	ProcessingInterval time.Duration
	// IdleInterval is used for every other non-terminal status.
	IdleInterval time.Duration
	// BackoffFactor multiplies the interval after each transient failure.
	BackoffFactor float64
	// MaxInterval caps the backed-off interval.
	MaxInterval time.Duration
	// MaxAttempts stops the watcher after that many polls. Zero is unbounded.
	MaxAttempts int
	// MaxDuration stops the watcher once the next poll would fall after it.
	// Zero is unbounded.
	MaxDuration time.Duration
}

// DefaultPolicy returns the standard polling schedule: first poll after
// 500ms, then every 2s while processing and 5s otherwise, backing off by
// 1.5x up to 15s on failures.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:       config.DefaultInitialDelay,
		ProcessingInterval: config.DefaultProcessingInterval,
		IdleInterval:       config.DefaultIdleInterval,
		BackoffFactor:      config.DefaultBackoffFactor,
		MaxInterval:        config.DefaultMaxInterval,
	}
}

// PolicyFromConfig converts the watch section of the CLI configuration.
func PolicyFromConfig(cfg config.WatchConfig) Policy {
	return Policy{
		InitialDelay:       cfg.InitialDelay,
		ProcessingInterval: cfg.ProcessingInterval,
		IdleInterval:       cfg.IdleInterval,
		BackoffFactor:      cfg.BackoffFactor,
		MaxInterval:        cfg.MaxInterval,
		MaxAttempts:        cfg.MaxAttempts,
		MaxDuration:        cfg.MaxDuration,
	}
}

// Interval returns the delay before the next poll after observing status.
func (p Policy) Interval(status meeting.Status) time.Duration {
	if status == meeting.StatusProcessing {
		return p.ProcessingInterval
	}
	return p.IdleInterval
}

// Backoff returns the delay after a transient failure when the previous
// delay was current.
func (p Policy) Backoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.BackoffFactor)
	if next > p.MaxInterval {
		return p.MaxInterval
	}
	return next
}
