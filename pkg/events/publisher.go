package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/scribe-cli/pkg/logging"
	"github.com/otherjamesbrown/scribe-cli/pkg/meeting"
)

// ChannelTranscriptionCompleted is the default Redis channel for completions.
const ChannelTranscriptionCompleted = "events.transcription.completed"

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Version   string    `json:"version"`
}

// NewBaseEvent creates a BaseEvent with sensible defaults.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "scribe",
		Version:   "1.0",
	}
}

// TranscriptionCompletedEvent is published when a watcher sees a meeting
// reach the completed state.
type TranscriptionCompletedEvent struct {
	BaseEvent

	MeetingID       string   `json:"meeting_id"`
	Title           string   `json:"title"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	SpeakerCount    *int     `json:"speaker_count,omitempty"`
	UtteranceCount  int      `json:"utterance_count"`
	TranscriptChars int      `json:"transcript_chars"`
}

// NewTranscriptionCompletedEvent builds the event for rec.
func NewTranscriptionCompletedEvent(rec meeting.Record) TranscriptionCompletedEvent {
	return TranscriptionCompletedEvent{
		BaseEvent:       NewBaseEvent("transcription.completed"),
		MeetingID:       rec.ID,
		Title:           rec.Title,
		DurationSeconds: rec.DurationSeconds,
		SpeakerCount:    rec.SpeakerCount,
		UtteranceCount:  len(rec.Utterances),
		TranscriptChars: len(rec.TranscriptText),
	}
}

// redisPublisher is the part of *redis.Client the publisher needs.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Publisher mirrors completions onto a Redis channel.
type Publisher struct {
	client  redisPublisher
	channel string
	timeout time.Duration
	logger  logging.Logger
}

// PublisherConfig holds Redis connection configuration.
type PublisherConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewPublisher creates a new event publisher.
func NewPublisher(client redisPublisher, channel string, logger logging.Logger) *Publisher {
	if channel == "" {
		channel = ChannelTranscriptionCompleted
	}
	return &Publisher{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		logger:  logging.OrNop(logger).With(logging.F("component", "event_publisher")),
	}
}

// NewPublisherFromConfig creates a publisher with a new Redis connection.
// The returned close function releases the connection.
func NewPublisherFromConfig(ctx context.Context, cfg PublisherConfig, logger logging.Logger) (*Publisher, func() error, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewPublisher(client, cfg.Channel, logger), client.Close, nil
}

// Attach subscribes the publisher to bus. Publish failures are logged and
// never reach other subscribers.
func (p *Publisher) Attach(bus *Bus) (detach func()) {
	return bus.Subscribe(func(rec meeting.Record) {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		_ = p.PublishCompleted(ctx, rec)
	})
}

// PublishCompleted publishes the completion event for rec.
func (p *Publisher) PublishCompleted(ctx context.Context, rec meeting.Record) error {
	return p.publish(ctx, NewTranscriptionCompletedEvent(rec))
}

// publish serializes and publishes an event to Redis.
func (p *Publisher) publish(ctx context.Context, event TranscriptionCompletedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Error("Failed to publish event",
			logging.Err(err),
			logging.F("channel", p.channel),
			logging.F("meeting_id", event.MeetingID))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("Published event",
		logging.F("channel", p.channel),
		logging.F("event_id", event.EventID),
		logging.F("meeting_id", event.MeetingID))
	return nil
}
