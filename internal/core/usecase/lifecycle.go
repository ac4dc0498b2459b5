package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

type LifecycleConfig struct {
	Stage      domain.Stage
	Directives domain.Directives
}

// Lifecycle owns every status change of a document. Each operation locks the
// document row for the duration of its transaction.
type Lifecycle struct {
	tx       ports.Transactor
	storage  ports.ObjectStorage
	producer *RequestProducer
	cfg      LifecycleConfig
	now      func() time.Time
}

func NewLifecycle(
	tx ports.Transactor,
	storage ports.ObjectStorage,
	producer *RequestProducer,
	cfg LifecycleConfig,
) *Lifecycle {
	if cfg.Stage == "" {
		cfg.Stage = domain.StageSummarize
	}
	return &Lifecycle{
		tx:       tx,
		storage:  storage,
		producer: producer,
		cfg:      cfg,
		now:      utcNow,
	}
}

// BeginProcessing moves a PENDING document to PROCESSING, opens a stage
// attempt and enqueues the stage request in the same commit.
func (l *Lifecycle) BeginProcessing(ctx context.Context, documentID int64) (*domain.Document, error) {
	var out *domain.Document
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		doc, err := uow.Documents().GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if err := l.beginProcessing(ctx, uow, doc); err != nil {
			return err
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("begin processing: %w", err)
	}
	return out, nil
}

func (l *Lifecycle) MarkAnalyzed(ctx context.Context, documentID int64, result domain.AnalysisResult) error {
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		doc, err := uow.Documents().GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		_, err = l.markAnalyzed(ctx, uow, doc, result)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark analyzed: %w", err)
	}
	return nil
}

// MarkFailed also closes an open attempt of the stage, so an operator
// failing a PROCESSING document leaves no IN_PROGRESS entry behind.
func (l *Lifecycle) MarkFailed(ctx context.Context, documentID int64, reason string) error {
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		doc, err := uow.Documents().GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		previous := doc.Status
		if err := l.markFailed(ctx, uow, doc, reason); err != nil {
			return err
		}
		if previous == domain.StatusProcessing {
			return l.closeDanglingAttempt(ctx, uow, doc.ID, reason)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (l *Lifecycle) Publish(ctx context.Context, documentID int64) (*domain.Document, error) {
	var out *domain.Document
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		doc, err := uow.Documents().GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		if err := doc.TransitionTo(domain.StatusPublished, l.now()); err != nil {
			return err
		}
		if err := uow.Documents().Save(ctx, doc); err != nil {
			return fmt.Errorf("save document: %w", err)
		}
		out = doc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return out, nil
}

// ResetToPending is the administrative retry path. A dangling IN_PROGRESS
// attempt is closed as FAILURE so the next BeginProcessing starts clean.
func (l *Lifecycle) ResetToPending(ctx context.Context, documentID int64, reason string) (*domain.Document, error) {
	var out *domain.Document
	err := l.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		doc, err := uow.Documents().GetForUpdate(ctx, documentID)
		if err != nil {
			return err
		}
		previous := doc.Status
		if err := doc.ResetForRetry(l.now()); err != nil {
			return err
		}
		if err := uow.Documents().Save(ctx, doc); err != nil {
			return fmt.Errorf("save document: %w", err)
		}
		if previous == domain.StatusProcessing {
			if err := l.closeDanglingAttempt(ctx, uow, doc.ID, "reset by operator: "+reason); err != nil {
				return err
			}
		}
		slog.Info("document_reset",
			"document_id", doc.ID,
			"previous_status", string(previous),
			"reason", reason,
		)
		out = doc
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reset to pending: %w", err)
	}
	return out, nil
}

func (l *Lifecycle) beginProcessing(ctx context.Context, uow ports.UnitOfWork, doc *domain.Document) error {
	if doc.Deleted {
		return domain.WrapError(domain.ErrInvalidStateTransition, "begin processing", fmt.Errorf("document %d is deleted", doc.ID))
	}
	now := l.now()
	if err := doc.TransitionTo(domain.StatusProcessing, now); err != nil {
		return err
	}
	if err := uow.Documents().Save(ctx, doc); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	if _, err := recordStart(ctx, uow.StageLog(), doc.ID, l.cfg.Stage, now); err != nil {
		return err
	}

	locators := domain.ArtifactLocators{
		Primary:   l.storage.Locator(doc.StorageKey),
		Secondary: l.storage.Locator(domain.ContentIndexKey(doc.StorageKey)),
	}
	if err := l.producer.PublishStageRequest(ctx, uow.Outbox(), doc.ID, locators, l.cfg.Directives); err != nil {
		return fmt.Errorf("publish stage request: %w", err)
	}
	return nil
}

// markAnalyzed reports whether side effects were applied. Documents that are
// already ANALYZED or PUBLISHED are left untouched.
func (l *Lifecycle) markAnalyzed(
	ctx context.Context,
	uow ports.UnitOfWork,
	doc *domain.Document,
	result domain.AnalysisResult,
) (bool, error) {
	if doc.Status.Done() {
		return false, nil
	}
	if err := doc.TransitionTo(domain.StatusAnalyzed, l.now()); err != nil {
		return false, err
	}
	if err := uow.Derived().SaveAnalysis(ctx, doc.ID, result); err != nil {
		return false, fmt.Errorf("save derived entities: %w", err)
	}
	if doc.Title == "" {
		doc.Title = result.Title
	}
	if err := uow.Documents().Save(ctx, doc); err != nil {
		return false, fmt.Errorf("save document: %w", err)
	}

	event := domain.DocumentAnalyzed{
		DocumentID: doc.ID,
		Title:      doc.Title,
		Summary:    domain.TruncateUTF8(result.Summary, domain.MaxEventSummaryBytes),
		Tags:       result.Tags,
	}
	if err := l.producer.PublishDocumentAnalyzed(ctx, uow.Outbox(), event); err != nil {
		return false, fmt.Errorf("publish document analyzed: %w", err)
	}
	return true, nil
}

func (l *Lifecycle) markFailed(ctx context.Context, uow ports.UnitOfWork, doc *domain.Document, reason string) error {
	if err := doc.Fail(reason, l.now()); err != nil {
		return err
	}
	if err := uow.Documents().Save(ctx, doc); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (l *Lifecycle) closeDanglingAttempt(ctx context.Context, uow ports.UnitOfWork, documentID int64, detail string) error {
	latest, err := uow.StageLog().FindLatest(ctx, documentID, l.cfg.Stage)
	if err != nil {
		if domain.IsKind(err, domain.ErrStageLogNotFound) {
			return nil
		}
		return err
	}
	if !latest.InProgress() {
		return nil
	}
	_, err = completeLatest(ctx, uow.StageLog(), documentID, l.cfg.Stage, domain.OutcomeFailure, detail, l.now())
	return err
}
