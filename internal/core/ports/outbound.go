package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// DocumentStore persists document state. Save applies an optimistic version
// check and bumps doc.Version on success.
type DocumentStore interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id int64) (*domain.Document, error)
	GetForUpdate(ctx context.Context, id int64) (*domain.Document, error)
	Save(ctx context.Context, doc *domain.Document) error
}

// StageLogStore is the append-only stage attempt log.
type StageLogStore interface {
	Append(ctx context.Context, attempt *domain.StageAttempt) error
	FindLatest(ctx context.Context, documentID int64, stage domain.Stage) (*domain.StageAttempt, error)
	Complete(ctx context.Context, attempt *domain.StageAttempt) error
	List(ctx context.Context, documentID int64) ([]domain.StageAttempt, error)
	CountAttempts(ctx context.Context, documentID int64, stage domain.Stage) (int, error)
	ListStale(ctx context.Context, stage domain.Stage, startedBefore time.Time, limit int) ([]domain.StageAttempt, error)
}

// DerivedEntityWriter stores summary, tag and asset records of an analysis.
type DerivedEntityWriter interface {
	SaveAnalysis(ctx context.Context, documentID int64, result domain.AnalysisResult) error
}

// OutboxStore holds outbound messages committed together with state changes.
// ClaimPending never returns published or parked rows.
type OutboxStore interface {
	Enqueue(ctx context.Context, msg *domain.OutboxMessage) error
	ClaimPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64, at time.Time) error
	MarkAttemptFailed(ctx context.Context, id int64, errMessage string) error
	Park(ctx context.Context, id int64, errMessage string, at time.Time) error
}

// UnitOfWork exposes stores bound to one transaction.
type UnitOfWork interface {
	Documents() DocumentStore
	StageLog() StageLogStore
	Derived() DerivedEntityWriter
	Outbox() OutboxStore
}

// Transactor runs fn inside one atomic commit. Returning an error rolls back
// every write made through the supplied UnitOfWork.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// StatsStore applies counter increments once per event id.
type StatsStore interface {
	IncrementCounter(ctx context.Context, eventID string, subjectID int64, counter domain.Counter) (bool, error)
}

// ObjectStorage stores uploaded source documents.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Locator(key string) string
}

// ArtifactFetcher resolves a locator to the artifact bytes.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// ArtifactParser turns worker output into an analysis result. Unparsable
// content is reported with domain.ErrMalformedArtifact.
type ArtifactParser interface {
	Parse(raw []byte) (domain.AnalysisResult, error)
}

// ContentInspector builds the structured content index of an upload.
type ContentInspector interface {
	Inspect(ctx context.Context, mediaType string, raw []byte) (domain.ContentIndex, error)
}

// MessagePublisher hands a message to the broker.
type MessagePublisher interface {
	Publish(ctx context.Context, msg domain.OutboxMessage) error
}

// DeliveryHandler processes one broker delivery. Errors of kind
// domain.ErrTemporary ask for redelivery; all other results are acknowledged.
type DeliveryHandler func(ctx context.Context, delivery domain.Delivery) error

// Embedder converts text into a vector of a given model.
type Embedder interface {
	Embed(ctx context.Context, modelID, text string) ([]float32, error)
}

// EmbeddingCache keeps vectors by model id and input hash.
type EmbeddingCache interface {
	Get(ctx context.Context, modelID, inputHash string) ([]float32, bool, error)
	Put(ctx context.Context, modelID, inputHash string, vector []float32) error
}

// VectorStore indexes document vectors and performs similarity search.
type VectorStore interface {
	Upsert(ctx context.Context, vector domain.DocumentVector) error
	Get(ctx context.Context, documentID int64) (*domain.DocumentVector, error)
	Search(ctx context.Context, vector []float32, limit int, excludeID int64) ([]domain.SimilarDocument, error)
}

// TagGraph projects document/tag associations into a graph store.
type TagGraph interface {
	ProjectTags(ctx context.Context, documentID int64, title string, tags []string) error
}
