package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

// CompletionConsumer reconciles stage completion messages into durable
// state. It is safe under redelivery: every write happens under the document
// row lock after the status has been re-checked.
type CompletionConsumer struct {
	tx           ports.Transactor
	docs         ports.DocumentStore
	fetcher      ports.ArtifactFetcher
	parser       ports.ArtifactParser
	lifecycle    *Lifecycle
	fetchTimeout time.Duration
}

func NewCompletionConsumer(
	tx ports.Transactor,
	docs ports.DocumentStore,
	fetcher ports.ArtifactFetcher,
	parser ports.ArtifactParser,
	lifecycle *Lifecycle,
	fetchTimeout time.Duration,
) *CompletionConsumer {
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	return &CompletionConsumer{
		tx:           tx,
		docs:         docs,
		fetcher:      fetcher,
		parser:       parser,
		lifecycle:    lifecycle,
		fetchTimeout: fetchTimeout,
	}
}

func (c *CompletionConsumer) HandleDelivery(ctx context.Context, delivery domain.Delivery) error {
	var msg domain.StageCompletion
	if err := json.Unmarshal(delivery.Data, &msg); err != nil {
		slog.Error("completion_dead_letter",
			"message_id", delivery.MessageID,
			"reason", "undecodable payload",
			"error", err,
		)
		return nil
	}
	if err := msg.Validate(); err != nil {
		slog.Error("completion_dead_letter",
			"message_id", delivery.MessageID,
			"reason", "invalid payload",
			"error", err,
		)
		return nil
	}
	return c.Handle(ctx, msg, delivery)
}

func (c *CompletionConsumer) Handle(ctx context.Context, msg domain.StageCompletion, delivery domain.Delivery) error {
	logger := slog.With(
		"document_id", msg.DocumentID,
		"message_id", delivery.MessageID,
		"attempt", delivery.Attempt,
	)

	doc, err := c.docs.GetByID(ctx, msg.DocumentID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			logger.Warn("completion_dead_letter", "reason", "document not found")
			return nil
		}
		return temporary("load document", err)
	}
	if !c.deliverable(logger, doc) {
		return nil
	}

	raw, err := c.fetch(ctx, msg.ResultLocator)
	if err != nil {
		if domain.IsKind(err, domain.ErrMalformedArtifact) {
			return c.fail(ctx, logger, msg.DocumentID, err.Error())
		}
		if delivery.Final() {
			reason := fmt.Sprintf("fetch result artifact: retries exhausted after %d attempts: %v", delivery.Attempt, err)
			return c.fail(ctx, logger, msg.DocumentID, reason)
		}
		logger.Warn("completion_fetch_failed", "locator", msg.ResultLocator, "error", err)
		return temporary("fetch result artifact", err)
	}

	result, err := c.parser.Parse(raw)
	if err != nil {
		return c.fail(ctx, logger, msg.DocumentID, err.Error())
	}
	return c.complete(ctx, logger, delivery, msg.DocumentID, result)
}

// deliverable reports whether the document still waits for this completion.
func (c *CompletionConsumer) deliverable(logger *slog.Logger, doc *domain.Document) bool {
	switch {
	case doc.Deleted:
		logger.Warn("completion_dead_letter", "reason", "document deleted")
		return false
	case doc.Status == domain.StatusProcessing:
		return true
	case doc.Status.Done():
		logger.Info("completion_duplicate", "status", string(doc.Status))
		return false
	default:
		logger.Warn("completion_anomalous_redelivery", "status", string(doc.Status))
		return false
	}
}

func (c *CompletionConsumer) fetch(ctx context.Context, locator string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()
	return c.fetcher.Fetch(fetchCtx, locator)
}

func (c *CompletionConsumer) complete(
	ctx context.Context,
	logger *slog.Logger,
	delivery domain.Delivery,
	documentID int64,
	result domain.AnalysisResult,
) error {
	stage := c.lifecycle.cfg.Stage
	applied := false
	err := c.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		doc, err := uow.Documents().GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if !c.deliverable(logger, doc) {
			return nil
		}
		if _, err := c.lifecycle.markAnalyzed(ctx, uow, doc, result); err != nil {
			return err
		}
		if _, err := completeLatest(ctx, uow.StageLog(), documentID, stage, domain.OutcomeSuccess, "", c.lifecycle.now()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		switch {
		case isStateError(err):
			return fmt.Errorf("commit analysis: %w", err)
		case retryableCommit(err) && !delivery.Final():
			logger.Warn("completion_commit_failed", "error", err)
			return fmt.Errorf("commit analysis: %w", err)
		}
		return c.fail(ctx, logger, documentID, "persist analysis: "+err.Error())
	}
	if !applied {
		return nil
	}
	logger.Info("completion_applied", "stage", string(stage), "tags", len(result.Tags), "assets", len(result.Assets))
	return nil
}

func (c *CompletionConsumer) fail(ctx context.Context, logger *slog.Logger, documentID int64, reason string) error {
	stage := c.lifecycle.cfg.Stage
	applied := false
	err := c.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		doc, err := uow.Documents().GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if !c.deliverable(logger, doc) {
			return nil
		}
		if err := c.lifecycle.markFailed(ctx, uow, doc, reason); err != nil {
			return err
		}
		if _, err := completeLatest(ctx, uow.StageLog(), documentID, stage, domain.OutcomeFailure, reason, c.lifecycle.now()); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("record analysis failure: %w", err)
	}
	if !applied {
		return nil
	}
	logger.Warn("completion_failed", "stage", string(stage), "reason", reason)
	return nil
}

func temporary(operation string, err error) error {
	if domain.IsKind(err, domain.ErrTemporary) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return domain.WrapError(domain.ErrTemporary, operation, err)
}

// isStateError reports conflicts with the stored document state. Those are
// terminal for the delivery and leave the document untouched.
func isStateError(err error) bool {
	return domain.IsKind(err, domain.ErrDocumentNotFound) ||
		domain.IsKind(err, domain.ErrStageLogNotFound) ||
		domain.IsKind(err, domain.ErrInvalidStateTransition)
}

// retryableCommit reports store failures that may heal on redelivery. The
// store marks lost connections and lock conflicts as temporary; data errors
// stay permanent.
func retryableCommit(err error) bool {
	return domain.IsKind(err, domain.ErrTemporary) || domain.IsKind(err, domain.ErrConcurrentModification)
}
