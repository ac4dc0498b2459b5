// Package pgvector keeps document vectors in Postgres next to the
// lifecycle tables.
package pgvector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

const schemaDDL = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_vectors (
	document_id BIGINT PRIMARY KEY,
	model TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	dims INTEGER NOT NULL,
	embedding vector NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_document_vectors_model_dims ON document_vectors(model, dims);
`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure pgvector schema: %w", err)
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, v domain.DocumentVector) error {
	if len(v.Vector) == 0 {
		return fmt.Errorf("pgvector upsert: empty vector for document %d", v.DocumentID)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO document_vectors (document_id, model, title, dims, embedding, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (document_id) DO UPDATE SET
	model = EXCLUDED.model,
	title = EXCLUDED.title,
	dims = EXCLUDED.dims,
	embedding = EXCLUDED.embedding,
	updated_at = NOW()`,
		v.DocumentID, v.Model, v.Title, len(v.Vector), pgvector.NewVector(v.Vector),
	)
	if err != nil {
		return fmt.Errorf("upsert document vector: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, documentID int64) (*domain.DocumentVector, error) {
	var (
		out       domain.DocumentVector
		embedding pgvector.Vector
	)
	err := s.db.QueryRowContext(ctx, `
SELECT document_id, model, title, embedding
FROM document_vectors
WHERE document_id = $1`, documentID).Scan(&out.DocumentID, &out.Model, &out.Title, &embedding)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document vector: %w", err)
	}
	out.Vector = embedding.Slice()
	return &out, nil
}

// Search ranks by cosine distance among vectors of the same dimension.
func (s *Store) Search(ctx context.Context, vector []float32, limit int, excludeID int64) ([]domain.SimilarDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT document_id, title, 1 - (embedding <=> $1) AS score
FROM document_vectors
WHERE dims = $2 AND document_id <> $3
ORDER BY embedding <=> $1
LIMIT $4`, pgvector.NewVector(vector), len(vector), excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("search document vectors: %w", err)
	}
	defer rows.Close()

	out := make([]domain.SimilarDocument, 0, limit)
	for rows.Next() {
		var doc domain.SimilarDocument
		if err := rows.Scan(&doc.DocumentID, &doc.Title, &doc.Score); err != nil {
			return nil, fmt.Errorf("scan similar document: %w", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar documents: %w", err)
	}
	return out, nil
}
