// Package cloudevents wraps broker payloads in CloudEvents 1.0 structured
// JSON envelopes.
package cloudevents

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

const typePrefix = "io.docpipeline."

type Envelope struct {
	ID     string
	Topic  domain.Topic
	Source string
	Time   time.Time
	Data   []byte
}

type Codec struct {
	source string
}

func NewCodec(source string) *Codec {
	if strings.TrimSpace(source) == "" {
		source = "/document-pipeline"
	}
	return &Codec{source: source}
}

// Encode uses the outbox message id as event id so the broker and the
// consumers can dedupe redeliveries.
func (c *Codec) Encode(msg domain.OutboxMessage) ([]byte, error) {
	if msg.MessageID == "" {
		return nil, errors.New("encode cloudevent: message id is required")
	}
	event := cloudevents.NewEvent()
	event.SetID(msg.MessageID)
	event.SetSource(c.source)
	event.SetType(EventType(msg.Topic))
	if !msg.CreatedAt.IsZero() {
		event.SetTime(msg.CreatedAt)
	}
	if err := event.SetData(cloudevents.ApplicationJSON, msg.Payload); err != nil {
		return nil, fmt.Errorf("encode cloudevent data: %w", err)
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("validate cloudevent: %w", err)
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal cloudevent: %w", err)
	}
	return raw, nil
}

// Decode reads a structured envelope. Bare JSON payloads from producers that
// do not speak CloudEvents are accepted with fallbackID as event id.
func (c *Codec) Decode(raw []byte, fallbackID string) (Envelope, error) {
	if !isStructuredEvent(raw) {
		if !json.Valid(raw) {
			return Envelope{}, domain.WrapError(domain.ErrInvalidInput, "decode message", errors.New("payload is not json"))
		}
		return Envelope{ID: fallbackID, Data: raw}, nil
	}

	event := cloudevents.NewEvent()
	if err := json.Unmarshal(raw, &event); err != nil {
		return Envelope{}, domain.WrapError(domain.ErrInvalidInput, "decode cloudevent", err)
	}
	if err := event.Validate(); err != nil {
		return Envelope{}, domain.WrapError(domain.ErrInvalidInput, "validate cloudevent", err)
	}
	return Envelope{
		ID:     event.ID(),
		Topic:  TopicOf(event.Type()),
		Source: event.Source(),
		Time:   event.Time(),
		Data:   event.Data(),
	}, nil
}

func EventType(topic domain.Topic) string {
	return typePrefix + string(topic)
}

func TopicOf(eventType string) domain.Topic {
	return domain.Topic(strings.TrimPrefix(eventType, typePrefix))
}

func isStructuredEvent(raw []byte) bool {
	var probe struct {
		SpecVersion string `json:"specversion"`
	}
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&probe); err != nil {
		return false
	}
	return probe.SpecVersion != ""
}
