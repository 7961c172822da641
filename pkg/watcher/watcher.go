// Package watcher polls a transcription job until it reaches a terminal
// state.
//
// Each watch runs in its own goroutine:
//
//	Idle -> Polling -> Completed | Failed | Deleted | Stopped
//
// A watch stops on its own when the job completes, fails or disappears, when
// the session is no longer authorized, or when a configured attempt or time
// ceiling is reached. Network and server errors only slow it down.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
	"github.com/otherjamesbrown/scribe-cli/pkg/events"
	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/meeting"
	"github.com/otherjamesbrown/scribe-cli/pkg/observability"
)

// State is the lifecycle state of one watch.
type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDeleted   State = "deleted"
	StateStopped   State = "stopped"
)

// ErrLimitReached is the stop cause of a watch that hit its attempt or
// duration ceiling.
var ErrLimitReached = errors.New("watch limit reached")

// IsFinal reports whether the watch has ended.
func (s State) IsFinal() bool {
	return s != StateIdle && s != StatePolling
}

// Fetcher reads the current state of a meeting. It returns nil, nil when
// the meeting no longer exists.
type Fetcher interface {
	Get(ctx context.Context, id string) (*meeting.Record, error)
}

// UpdateFunc receives every status the watch observes.
type UpdateFunc func(status meeting.Status, rec meeting.Record)

// StopFunc ends a watch. Calling it more than once is harmless.
type StopFunc func()

// Options configures a Watcher.
type Options struct {
	Policy  Policy
	Logger  logging.Logger
	Metrics *observability.Metrics
}

// Watcher starts watches against one fetcher. Completions are published on
// its bus.
type Watcher struct {
	fetcher Fetcher
	bus     *events.Bus
	policy  Policy
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// New creates a Watcher. A zero Options.Policy means DefaultPolicy.
func New(fetcher Fetcher, bus *events.Bus, opts Options) *Watcher {
	policy := opts.Policy
	if policy == (Policy{}) {
		policy = DefaultPolicy()
	}
	return &Watcher{
		fetcher: fetcher,
		bus:     bus,
		policy:  policy,
		logger:  logging.OrNop(opts.Logger).With(logging.F("component", "watcher")),
		metrics: observability.OrDiscard(opts.Metrics),
		tracer:  observability.NewTracer(),
	}
}

// Policy returns the polling policy in use.
func (w *Watcher) Policy() Policy {
	return w.policy
}

// Handle controls one running watch.
type Handle struct {
	id       string
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	state    atomic.Value

	mu  sync.Mutex
	err error
}

// ID returns the meeting being watched.
func (h *Handle) ID() string {
	return h.id
}

// Stop ends the watch. A poll already in flight is not aborted and may still
// deliver one final update.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Done is closed when the watch goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// State returns the current state of the watch.
func (h *Handle) State() State {
	return h.state.Load().(State)
}

// Wait blocks until the watch ends or ctx is done and returns the state.
func (h *Handle) Wait(ctx context.Context) State {
	select {
	case <-h.done:
	case <-ctx.Done():
	}
	return h.State()
}

// Err returns why a stopped watch ended: the context error, the
// authorization error or ErrLimitReached. It is nil for every other outcome,
// including an explicit Stop.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setState(s State) {
	h.state.Store(s)
}

func (h *Handle) stopRequested() bool {
	select {
	case <-h.stopCh:
		return true
	default:
		return false
	}
}

// Start watches id until it reaches a terminal state, ctx is cancelled or
// the returned handle is stopped. onUpdate is called from the watch
// goroutine and may be nil.
func (w *Watcher) Start(ctx context.Context, id string, onUpdate UpdateFunc) *Handle {
	h := &Handle{
		id:     id,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	h.setState(StateIdle)
	if onUpdate == nil {
		onUpdate = func(meeting.Status, meeting.Record) {}
	}

	go w.run(ctx, h, onUpdate)
	return h
}

type watch struct {
	*Watcher
	h        *Handle
	onUpdate UpdateFunc
	log      logging.Logger

	started  time.Time
	attempts int
	delay    time.Duration
	last     *meeting.Record
}

func (w *Watcher) run(ctx context.Context, h *Handle, onUpdate UpdateFunc) {
	defer close(h.done)

	w.metrics.WatchersActive.Inc()
	defer w.metrics.WatchersActive.Dec()

	wt := &watch{
		Watcher:  w,
		h:        h,
		onUpdate: onUpdate,
		log: w.logger.With(
			logging.F("meeting_id", h.id),
			logging.F("watch_id", uuid.NewString()),
		),
		started: time.Now(),
		delay:   w.policy.InitialDelay,
	}
	h.setState(StatePolling)
	wt.log.Debug("Watch started")

	timer := time.NewTimer(wt.delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			wt.finish(StateStopped, ctx.Err())
			return
		case <-h.stopCh:
			wt.finish(StateStopped, nil)
			return
		case <-timer.C:
		}
		if h.stopRequested() {
			wt.finish(StateStopped, nil)
			return
		}

		if final, ok, err := wt.tick(ctx); ok {
			wt.finish(final, err)
			return
		}

		if err := wt.ceiling(); err != nil {
			wt.finish(StateStopped, err)
			return
		}
		timer.Reset(wt.delay)
	}
}

func (wt *watch) finish(state State, err error) {
	wt.h.mu.Lock()
	wt.h.err = err
	wt.h.mu.Unlock()
	wt.h.setState(state)

	if err != nil {
		wt.log.Debug("Watch ended", logging.F("state", string(state)), logging.Err(err))
		return
	}
	wt.log.Debug("Watch ended", logging.F("state", string(state)))
}

// ceiling returns a non-nil error when the watch must stop before
// scheduling another poll.
func (wt *watch) ceiling() error {
	p := wt.policy
	if p.MaxAttempts > 0 && wt.attempts >= p.MaxAttempts {
		wt.log.Warn("Giving up after maximum attempts", logging.F("attempts", wt.attempts))
		return fmt.Errorf("%w: %d attempts", ErrLimitReached, wt.attempts)
	}
	if elapsed := time.Since(wt.started); p.MaxDuration > 0 && elapsed+wt.delay > p.MaxDuration {
		wt.log.Warn("Giving up after maximum duration", logging.F("elapsed", elapsed))
		return fmt.Errorf("%w: %s elapsed", ErrLimitReached, elapsed.Round(time.Millisecond))
	}
	return nil
}

// tick polls once. ok is true when the watch is over; err is the stop
// cause for StateStopped.
func (wt *watch) tick(ctx context.Context) (state State, ok bool, err error) {
	wt.attempts++
	ctx, span := wt.tracer.StartTickSpan(ctx, wt.h.id, wt.attempts)
	defer span.End()
	spanHelper := observability.NewSpanHelper(span)

	rec, err := wt.fetcher.Get(ctx, wt.h.id)
	if err != nil {
		spanHelper.SetError(err, string(scerrors.Classify(err)), scerrors.IsTransient(err))
		return wt.failed(ctx, err)
	}

	if rec == nil {
		wt.metrics.WatcherTicksTotal.WithLabelValues(observability.TickDeleted).Inc()
		spanHelper.SetMeetingStatus(string(meeting.StatusDeleted))
		deleted := meeting.DeletedRecord(wt.h.id, wt.last)
		wt.log.Info("Meeting no longer exists")
		wt.onUpdate(meeting.StatusDeleted, deleted)
		return StateDeleted, true, nil
	}

	spanHelper.SetMeetingStatus(string(rec.Status))
	if wt.last != nil && !wt.last.Status.CanTransition(rec.Status) {
		wt.metrics.WatcherTicksTotal.WithLabelValues(observability.TickRegression).Inc()
		wt.log.Warn("Ignoring status regression",
			logging.F("from", string(wt.last.Status)),
			logging.F("to", string(rec.Status)))
		wt.delay = wt.policy.Interval(wt.last.Status)
		return "", false, nil
	}

	wt.metrics.WatcherTicksTotal.WithLabelValues(observability.TickStatus).Inc()
	spanHelper.SetSuccess()
	wt.last = rec
	wt.onUpdate(rec.Status, *rec)

	switch rec.Status {
	case meeting.StatusCompleted:
		wt.log.Info("Transcription completed")
		if wt.bus != nil {
			wt.bus.Publish(*rec)
			wt.metrics.CompletionsPublished.Inc()
		}
		return StateCompleted, true, nil
	case meeting.StatusError:
		wt.log.Info("Transcription failed", logging.F("error", rec.ErrorMessage))
		return StateFailed, true, nil
	case meeting.StatusDeleted:
		return StateDeleted, true, nil
	}

	wt.delay = wt.policy.Interval(rec.Status)
	return "", false, nil
}

func (wt *watch) failed(ctx context.Context, err error) (State, bool, error) {
	switch {
	case scerrors.IsUnauthorized(err):
		wt.metrics.WatcherTicksTotal.WithLabelValues(observability.TickUnauthorized).Inc()
		wt.log.Warn("Session is no longer authorized, stopping watch", logging.Err(err))
		return StateStopped, true, err
	case ctx.Err() != nil:
		return StateStopped, true, ctx.Err()
	}

	wt.metrics.WatcherTicksTotal.WithLabelValues(observability.TickTransient).Inc()
	wt.delay = wt.policy.Backoff(wt.delay)
	wt.log.Debug("Poll failed, backing off",
		logging.F("attempt", wt.attempts),
		logging.F("next_in", wt.delay),
		logging.Err(err))
	return "", false, nil
}
