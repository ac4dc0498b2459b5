package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

// RequestProducer serializes outbound messages into the transactional
// outbox. The outbox relay delivers them to the broker.
type RequestProducer struct {
	newID func() string
	now   func() time.Time
}

func NewRequestProducer() *RequestProducer {
	return &RequestProducer{
		newID: uuid.NewString,
		now:   utcNow,
	}
}

func (p *RequestProducer) PublishStageRequest(
	ctx context.Context,
	outbox ports.OutboxStore,
	documentID int64,
	locators domain.ArtifactLocators,
	directives domain.Directives,
) error {
	return p.enqueue(ctx, outbox, domain.TopicStageRequest, domain.StageRequest{
		DocumentID:             documentID,
		SourceLocatorPrimary:   locators.Primary,
		SourceLocatorSecondary: locators.Secondary,
		DirectivePrompt:        directives.Prompt,
		DirectiveLanguage:      directives.Language,
	})
}

func (p *RequestProducer) PublishDocumentAnalyzed(ctx context.Context, outbox ports.OutboxStore, event domain.DocumentAnalyzed) error {
	return p.enqueue(ctx, outbox, domain.TopicDocumentAnalyzed, event)
}

func (p *RequestProducer) enqueue(ctx context.Context, outbox ports.OutboxStore, topic domain.Topic, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", topic, err)
	}
	msg := &domain.OutboxMessage{
		MessageID: p.newID(),
		Topic:     topic,
		Payload:   raw,
		CreatedAt: p.now(),
	}
	if err := outbox.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s message: %w", topic, err)
	}
	return nil
}
