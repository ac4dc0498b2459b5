package ports

import (
	"context"
	"io"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// DocumentIngestor is the inbound contract for document upload orchestration.
type DocumentIngestor interface {
	Upload(ctx context.Context, req domain.UploadRequest, body io.Reader) (*domain.Document, error)
}

// DocumentLifecycle is the inbound contract for lifecycle transitions used by
// the ingestion and admin surfaces.
type DocumentLifecycle interface {
	BeginProcessing(ctx context.Context, documentID int64) (*domain.Document, error)
	MarkAnalyzed(ctx context.Context, documentID int64, result domain.AnalysisResult) error
	MarkFailed(ctx context.Context, documentID int64, reason string) error
	Publish(ctx context.Context, documentID int64) (*domain.Document, error)
	ResetToPending(ctx context.Context, documentID int64, reason string) (*domain.Document, error)
}

// StageRecorder gives audit visibility into stage attempts.
type StageRecorder interface {
	RecordStart(ctx context.Context, documentID int64, stage domain.Stage) (*domain.StageAttempt, error)
	RecordSuccess(ctx context.Context, documentID int64, stage domain.Stage) (*domain.StageAttempt, error)
	RecordFailure(ctx context.Context, documentID int64, stage domain.Stage, detail string) (*domain.StageAttempt, error)
	History(ctx context.Context, documentID int64) ([]domain.StageAttempt, error)
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id int64) (*domain.Document, error)
}

// SimilarityFinder answers "documents like this one".
type SimilarityFinder interface {
	FindSimilar(ctx context.Context, documentID int64, limit int) ([]domain.SimilarDocument, error)
}

// StatsIntake accepts counter events for asynchronous application.
type StatsIntake interface {
	Submit(ctx context.Context, event domain.StatsEvent) error
}
