package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

const (
	defaultSimilarLimit = 10
	maxSimilarLimit     = 100
)

// SimilarityIndexer maintains document vectors from analyzed summaries and
// answers nearest-neighbour queries.
type SimilarityIndexer struct {
	embedder ports.Embedder
	modelID  string
	vectors  ports.VectorStore
	graph    ports.TagGraph
}

// NewSimilarityIndexer builds the indexer. graph may be nil.
func NewSimilarityIndexer(embedder ports.Embedder, modelID string, vectors ports.VectorStore, graph ports.TagGraph) *SimilarityIndexer {
	return &SimilarityIndexer{
		embedder: embedder,
		modelID:  modelID,
		vectors:  vectors,
		graph:    graph,
	}
}

func (s *SimilarityIndexer) HandleDelivery(ctx context.Context, delivery domain.Delivery) error {
	var event domain.DocumentAnalyzed
	if err := json.Unmarshal(delivery.Data, &event); err != nil || event.DocumentID <= 0 {
		slog.Warn("similarity_dead_letter",
			"message_id", delivery.MessageID,
			"reason", "invalid payload",
			"error", err,
		)
		return nil
	}
	return s.IndexDocument(ctx, event)
}

func (s *SimilarityIndexer) IndexDocument(ctx context.Context, event domain.DocumentAnalyzed) error {
	logger := slog.With("document_id", event.DocumentID, "model", s.modelID)

	text := embeddingInput(event)
	if text == "" {
		logger.Warn("similarity_unavailable", "reason", "empty summary")
		return nil
	}
	vector, err := s.embedder.Embed(ctx, s.modelID, text)
	if err != nil {
		if domain.IsKind(err, domain.ErrTemporary) {
			return fmt.Errorf("embed document: %w", err)
		}
		logger.Warn("similarity_unavailable", "error", err)
		return nil
	}

	if err := s.vectors.Upsert(ctx, domain.DocumentVector{
		DocumentID: event.DocumentID,
		Model:      s.modelID,
		Title:      event.Title,
		Vector:     vector,
	}); err != nil {
		return temporary("upsert document vector", err)
	}

	if s.graph != nil && len(event.Tags) > 0 {
		if err := s.graph.ProjectTags(ctx, event.DocumentID, event.Title, event.Tags); err != nil {
			return temporary("project tags", err)
		}
	}
	logger.Info("document_indexed", "dimensions", len(vector), "tags", len(event.Tags))
	return nil
}

func (s *SimilarityIndexer) FindSimilar(ctx context.Context, documentID int64, limit int) ([]domain.SimilarDocument, error) {
	if limit <= 0 {
		limit = defaultSimilarLimit
	}
	if limit > maxSimilarLimit {
		limit = maxSimilarLimit
	}
	stored, err := s.vectors.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document vector: %w", err)
	}
	if stored == nil || len(stored.Vector) == 0 {
		return nil, domain.WrapError(domain.ErrSimilarityUnavailable, "find similar", fmt.Errorf("document %d has no vector", documentID))
	}
	similar, err := s.vectors.Search(ctx, stored.Vector, limit, documentID)
	if err != nil {
		return nil, fmt.Errorf("search similar documents: %w", err)
	}
	return similar, nil
}

func embeddingInput(event domain.DocumentAnalyzed) string {
	title := strings.TrimSpace(event.Title)
	summary := strings.TrimSpace(event.Summary)
	switch {
	case summary == "":
		return ""
	case title == "":
		return summary
	default:
		return title + "\n\n" + summary
	}
}

// CachedEmbedder serves repeated inputs from a cache keyed by model id and
// the sha256 of the input. Cache failures never fail the embedding.
type CachedEmbedder struct {
	inner ports.Embedder
	cache ports.EmbeddingCache
}

func NewCachedEmbedder(inner ports.Embedder, cache ports.EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (c *CachedEmbedder) Embed(ctx context.Context, modelID, text string) ([]float32, error) {
	hash := InputHash(text)
	vector, ok, err := c.cache.Get(ctx, modelID, hash)
	if err != nil {
		slog.Warn("embedding_cache_read_failed", "model", modelID, "error", err)
	} else if ok {
		return vector, nil
	}

	vector, err = c.inner.Embed(ctx, modelID, text)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Put(ctx, modelID, hash, vector); err != nil {
		slog.Warn("embedding_cache_write_failed", "model", modelID, "error", err)
	}
	return vector, nil
}

func InputHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
