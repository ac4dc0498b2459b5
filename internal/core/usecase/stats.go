package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

// StatsConsumer applies view/like counter increments. It shares no rows
// with the document lifecycle.
type StatsConsumer struct {
	store   ports.StatsStore
	limiter *rate.Limiter
}

// NewStatsConsumer builds the consumer. A nil limiter disables throttling.
func NewStatsConsumer(store ports.StatsStore, limiter *rate.Limiter) *StatsConsumer {
	return &StatsConsumer{store: store, limiter: limiter}
}

func (c *StatsConsumer) HandleDelivery(ctx context.Context, delivery domain.Delivery) error {
	var event domain.StatsEvent
	if err := json.Unmarshal(delivery.Data, &event); err != nil {
		slog.Warn("stats_dead_letter",
			"message_id", delivery.MessageID,
			"reason", "undecodable payload",
			"error", err,
		)
		return nil
	}
	if err := event.Validate(); err != nil {
		slog.Warn("stats_dead_letter",
			"message_id", delivery.MessageID,
			"reason", "invalid payload",
			"error", err,
		)
		return nil
	}
	return c.Apply(ctx, delivery.MessageID, event)
}

// Apply increments the counter selected by the event type. eventID makes
// the increment idempotent under redelivery.
func (c *StatsConsumer) Apply(ctx context.Context, eventID string, event domain.StatsEvent) error {
	counter, ok := counterFor(event.EventType)
	if !ok {
		slog.Warn("stats_unknown_event",
			"message_id", eventID,
			"subject_id", event.SubjectID,
			"event_type", string(event.EventType),
		)
		return nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return temporary("wait stats throttle", err)
		}
	}

	applied, err := c.store.IncrementCounter(ctx, eventID, event.SubjectID, counter)
	if err != nil {
		return temporary("increment counter", err)
	}
	if !applied {
		slog.Debug("stats_duplicate_event", "message_id", eventID, "subject_id", event.SubjectID)
	}
	return nil
}

func counterFor(eventType domain.EventType) (domain.Counter, bool) {
	switch eventType {
	case domain.EventView:
		return domain.CounterViews, true
	case domain.EventLike:
		return domain.CounterLikes, true
	default:
		return "", false
	}
}

// StatsPublisher hands stats events straight to the broker. Counters are low
// priority and bypass the outbox.
type StatsPublisher struct {
	publisher ports.MessagePublisher
	newID     func() string
}

func NewStatsPublisher(publisher ports.MessagePublisher) *StatsPublisher {
	return &StatsPublisher{publisher: publisher, newID: uuid.NewString}
}

func (p *StatsPublisher) Submit(ctx context.Context, event domain.StatsEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if _, ok := counterFor(event.EventType); !ok {
		return domain.WrapError(domain.ErrInvalidInput, "submit stats event", fmt.Errorf("unknown eventType %q", event.EventType))
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal stats event: %w", err)
	}
	msg := domain.OutboxMessage{
		MessageID: p.newID(),
		Topic:     domain.TopicStatsEvent,
		Payload:   raw,
		CreatedAt: utcNow(),
	}
	if err := p.publisher.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish stats event: %w", err)
	}
	return nil
}
