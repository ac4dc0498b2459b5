package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

type DocumentRepository struct {
	q querier
}

func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{q: db}
}

const documentColumns = `id, title, storage_key, size_bytes, media_type, owner_id, page_count, status, error_message, deleted, version, created_at, updated_at`

func (r *DocumentRepository) Create(ctx context.Context, doc *domain.Document) error {
	if doc.Version == 0 {
		doc.Version = 1
	}
	err := r.q.QueryRowContext(ctx, `
INSERT INTO documents (
	title, storage_key, size_bytes, media_type, owner_id, page_count, status, error_message, deleted, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id
`,
		doc.Title, doc.StorageKey, doc.SizeBytes, doc.MediaType, doc.OwnerID, doc.PageCount,
		string(doc.Status), doc.Error, doc.Deleted, doc.Version, doc.CreatedAt, doc.UpdatedAt,
	).Scan(&doc.ID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id int64) (*domain.Document, error) {
	row := r.q.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE id = $1
`, id)
	return scanDocumentRow(row, id)
}

// GetForUpdate locks the row until the surrounding transaction ends.
func (r *DocumentRepository) GetForUpdate(ctx context.Context, id int64) (*domain.Document, error) {
	row := r.q.QueryRowContext(ctx, `
SELECT `+documentColumns+`
FROM documents
WHERE id = $1
FOR UPDATE
`, id)
	return scanDocumentRow(row, id)
}

// Save writes the mutable columns when the stored version still matches and
// advances doc.Version.
func (r *DocumentRepository) Save(ctx context.Context, doc *domain.Document) error {
	result, err := r.q.ExecContext(ctx, `
UPDATE documents
SET title = $3, status = $4, error_message = $5, deleted = $6, page_count = $7, updated_at = $8, version = version + 1
WHERE id = $1 AND version = $2
`, doc.ID, doc.Version, doc.Title, string(doc.Status), doc.Error, doc.Deleted, doc.PageCount, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(
			domain.ErrConcurrentModification,
			"update document",
			fmt.Errorf("id=%d version=%d", doc.ID, doc.Version),
		)
	}
	doc.Version++
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocumentRow(row rowScanner, id int64) (*domain.Document, error) {
	var doc domain.Document
	var status string
	err := row.Scan(
		&doc.ID,
		&doc.Title,
		&doc.StorageKey,
		&doc.SizeBytes,
		&doc.MediaType,
		&doc.OwnerID,
		&doc.PageCount,
		&status,
		&doc.Error,
		&doc.Deleted,
		&doc.Version,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrDocumentNotFound, "get document", fmt.Errorf("id=%d", id))
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.Status = domain.DocumentStatus(status)
	return &doc, nil
}
