package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// DerivedRepository stores the entities produced by one analysis: the
// summary, its tags and its visual assets.
type DerivedRepository struct {
	q querier
}

func NewDerivedRepository(db *sql.DB) *DerivedRepository {
	return &DerivedRepository{q: db}
}

func (r *DerivedRepository) SaveAnalysis(ctx context.Context, documentID int64, result domain.AnalysisResult) error {
	if _, err := r.q.ExecContext(ctx, `
INSERT INTO summaries (document_id, title, language, body)
VALUES ($1,$2,$3,$4)
`, documentID, result.Title, result.Language, result.Summary); err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	for _, tag := range normalizeTags(result.Tags) {
		if _, err := r.q.ExecContext(ctx, `
INSERT INTO document_tags (document_id, tag)
VALUES ($1,$2)
ON CONFLICT (document_id, tag) DO NOTHING
`, documentID, tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}

	for _, asset := range result.Assets {
		if _, err := r.q.ExecContext(ctx, `
INSERT INTO visual_assets (document_id, kind, locator, caption)
VALUES ($1,$2,$3,$4)
`, documentID, asset.Kind, asset.Locator, asset.Caption); err != nil {
			return fmt.Errorf("insert visual asset: %w", err)
		}
	}
	return nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
