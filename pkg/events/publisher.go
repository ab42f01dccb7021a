// Package events publishes transcript pipeline status events to Redis.
// Events carry identifiers, counts and outcomes; transcript text is never
// published.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/penf-transcripts/pkg/logging"
)

// Redis channels for pipeline status events
const (
	ChannelNotificationReceived = "events.transcripts.notification_received"
	ChannelTranscriptAcquired   = "events.transcripts.acquired"
	ChannelTranscriptFailed     = "events.transcripts.failed"
)

// Trigger values describe what started an acquisition.
const (
	TriggerNotification = "notification"
	TriggerManual       = "manual"
)

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Source        string    `json:"source"`
	Version       string    `json:"version"`
}

// NewBaseEvent creates a BaseEvent with a generated ID.
func NewBaseEvent(eventType, correlationID string) BaseEvent {
	e := BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Source:    "penf-transcripts",
		Version:   "1.0",
	}
	if correlationID != "" {
		e.CorrelationID = &correlationID
	}
	return e
}

// NotificationReceivedEvent is published for each accepted notification.
type NotificationReceivedEvent struct {
	BaseEvent

	NotificationID string `json:"notification_id"`
	ChangeType     string `json:"change_type"`
	MeetingID      string `json:"meeting_id,omitempty"`
	OwnerID        string `json:"owner_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
}

// TranscriptAcquiredEvent is published when a canonical transcript was built.
type TranscriptAcquiredEvent struct {
	BaseEvent

	MeetingID       string `json:"meeting_id"`
	Trigger         string `json:"trigger"`
	Delegated       bool   `json:"delegated"`
	MeetingType     string `json:"meeting_type"`
	DurationMinutes int    `json:"duration_minutes"`
	EntryCount      int    `json:"entry_count"`
	AttendeeCount   int    `json:"attendee_count"`
	PollAttempts    int    `json:"poll_attempts"`
	ElapsedMs       int64  `json:"elapsed_ms"`
}

// TranscriptFailedEvent is published when acquisition ends in an error.
type TranscriptFailedEvent struct {
	BaseEvent

	MeetingID    string `json:"meeting_id"`
	Trigger      string `json:"trigger"`
	Delegated    bool   `json:"delegated"`
	ErrorCode    string `json:"error_code"`
	Stage        string `json:"stage,omitempty"`
	PollAttempts int    `json:"poll_attempts"`
	ElapsedMs    int64  `json:"elapsed_ms"`
}

// NotificationParams contains parameters for a notification received event.
type NotificationParams struct {
	NotificationID string
	ChangeType     string
	MeetingID      string
	OwnerID        string
	SubscriptionID string
}

// AcquiredParams contains parameters for a transcript acquired event.
type AcquiredParams struct {
	CorrelationID   string
	MeetingID       string
	Trigger         string
	Delegated       bool
	MeetingType     string
	DurationMinutes int
	EntryCount      int
	AttendeeCount   int
	PollAttempts    int
	Elapsed         time.Duration
}

// FailedParams contains parameters for a transcript failed event.
type FailedParams struct {
	CorrelationID string
	MeetingID     string
	Trigger       string
	Delegated     bool
	ErrorCode     string
	Stage         string
	PollAttempts  int
	Elapsed       time.Duration
}

// Emitter publishes pipeline status events.
type Emitter interface {
	NotificationReceived(ctx context.Context, params NotificationParams) error
	TranscriptAcquired(ctx context.Context, params AcquiredParams) error
	TranscriptFailed(ctx context.Context, params FailedParams) error
	Close() error
}

// redisClient is the subset of *redis.Client used by Publisher.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// Publisher publishes pipeline events to Redis.
type Publisher struct {
	client redisClient
	logger logging.Logger
}

// PublisherConfig holds Redis connection configuration.
type PublisherConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewPublisher creates a new event publisher.
func NewPublisher(client redisClient, logger logging.Logger) *Publisher {
	return &Publisher{
		client: client,
		logger: logger.With(logging.F("component", "event_publisher")),
	}
}

// NewPublisherFromConfig creates a publisher with a new Redis connection.
func NewPublisherFromConfig(cfg PublisherConfig, logger logging.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewPublisher(client, logger), nil
}

// NotificationReceived publishes an accepted notification.
func (p *Publisher) NotificationReceived(ctx context.Context, params NotificationParams) error {
	event := NotificationReceivedEvent{
		BaseEvent:      NewBaseEvent("notification.received", params.NotificationID),
		NotificationID: params.NotificationID,
		ChangeType:     params.ChangeType,
		MeetingID:      params.MeetingID,
		OwnerID:        params.OwnerID,
		SubscriptionID: params.SubscriptionID,
	}
	return p.publish(ctx, ChannelNotificationReceived, event)
}

// TranscriptAcquired publishes a successful acquisition.
func (p *Publisher) TranscriptAcquired(ctx context.Context, params AcquiredParams) error {
	event := TranscriptAcquiredEvent{
		BaseEvent:       NewBaseEvent("transcript.acquired", params.CorrelationID),
		MeetingID:       params.MeetingID,
		Trigger:         params.Trigger,
		Delegated:       params.Delegated,
		MeetingType:     params.MeetingType,
		DurationMinutes: params.DurationMinutes,
		EntryCount:      params.EntryCount,
		AttendeeCount:   params.AttendeeCount,
		PollAttempts:    params.PollAttempts,
		ElapsedMs:       params.Elapsed.Milliseconds(),
	}
	return p.publish(ctx, ChannelTranscriptAcquired, event)
}

// TranscriptFailed publishes a failed acquisition.
func (p *Publisher) TranscriptFailed(ctx context.Context, params FailedParams) error {
	event := TranscriptFailedEvent{
		BaseEvent:    NewBaseEvent("transcript.failed", params.CorrelationID),
		MeetingID:    params.MeetingID,
		Trigger:      params.Trigger,
		Delegated:    params.Delegated,
		ErrorCode:    params.ErrorCode,
		Stage:        params.Stage,
		PollAttempts: params.PollAttempts,
		ElapsedMs:    params.Elapsed.Milliseconds(),
	}
	return p.publish(ctx, ChannelTranscriptFailed, event)
}

// publish serializes and publishes an event to Redis.
func (p *Publisher) publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Error("Failed to publish event",
			logging.Err(err),
			logging.F("channel", channel))
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	p.logger.Debug("Event published",
		logging.F("channel", channel),
		logging.F("payload_size", len(data)))

	return nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// NopEmitter discards all events. It is used when Redis is not configured.
type NopEmitter struct{}

func (NopEmitter) NotificationReceived(context.Context, NotificationParams) error { return nil }
func (NopEmitter) TranscriptAcquired(context.Context, AcquiredParams) error       { return nil }
func (NopEmitter) TranscriptFailed(context.Context, FailedParams) error           { return nil }
func (NopEmitter) Close() error                                                   { return nil }
