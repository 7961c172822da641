// Package events delivers "transcription completed" notifications to every
// interested part of the process, and optionally mirrors them onto Redis.
package events

import (
	"fmt"
	"sync"

	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/meeting"
)

// Handler receives a completed meeting record.
type Handler func(meeting.Record)

type subscription struct {
	token   uint64
	handler Handler
}

// Bus is an in-process, multi-subscriber notification channel. Events are
// not buffered: a subscriber only sees publishes made after it subscribed.
//
// Publish calls handlers synchronously in subscription order. A panicking
// handler is logged and does not affect the others.
type Bus struct {
	mu        sync.Mutex
	nextToken uint64
	subs      []subscription
	logger    logging.Logger
}

// NewBus creates an empty bus.
func NewBus(logger logging.Logger) *Bus {
	return &Bus{logger: logging.OrNop(logger).With(logging.F("component", "event_bus"))}
}

// Subscribe registers fn and returns a function that removes exactly this
// subscription. Calling it more than once is a no-op.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextToken++
	token := b.nextToken
	b.subs = append(b.subs, subscription{token: token, handler: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(token) })
	}
}

func (b *Bus) remove(token uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.token == token {
			// Copy so snapshots held by in-flight publishes stay intact.
			subs := make([]subscription, 0, len(b.subs)-1)
			subs = append(subs, b.subs[:i]...)
			b.subs = append(subs, b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of current subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers rec to every current subscriber.
func (b *Bus) Publish(rec meeting.Record) {
	b.mu.Lock()
	snapshot := b.subs
	b.mu.Unlock()

	for _, s := range snapshot {
		b.deliver(s, rec)
	}
}

func (b *Bus) deliver(s subscription, rec meeting.Record) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Completion subscriber panicked",
				logging.F("meeting_id", rec.ID),
				logging.F("subscription", int64(s.token)),
				logging.F("panic", fmt.Sprint(r)))
		}
	}()
	s.handler(rec)
}
