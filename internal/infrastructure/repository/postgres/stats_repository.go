package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// StatsRepository keeps view/like counters apart from the document rows.
type StatsRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewStatsRepository(db *sql.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// IncrementCounter applies the increment once per event id. The dedupe
// insert and the counter upsert run as one statement.
func (r *StatsRepository) IncrementCounter(ctx context.Context, eventID string, subjectID int64, counter domain.Counter) (bool, error) {
	var views, likes int64
	switch counter {
	case domain.CounterViews:
		views = 1
	case domain.CounterLikes:
		likes = 1
	default:
		return false, domain.WrapError(domain.ErrInvalidInput, "increment counter", fmt.Errorf("unknown counter %q", counter))
	}

	now := time.Now().UTC()
	if r.now != nil {
		now = r.now()
	}
	result, err := r.db.ExecContext(ctx, `
WITH fresh AS (
	INSERT INTO stats_event_dedup (event_id, subject_id, processed_at)
	VALUES ($1,$2,$3)
	ON CONFLICT (event_id) DO NOTHING
	RETURNING event_id
)
INSERT INTO subject_counters (subject_id, views, likes, updated_at)
SELECT $2, $4, $5, $3 FROM fresh
ON CONFLICT (subject_id) DO UPDATE
SET views = subject_counters.views + EXCLUDED.views,
	likes = subject_counters.likes + EXCLUDED.likes,
	updated_at = EXCLUDED.updated_at
`, eventID, subjectID, now, views, likes)
	if err != nil {
		return false, wrapTemporaryIfNeeded("increment counter", fmt.Errorf("increment counter: %w", err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("increment counter rows affected: %w", err)
	}
	return rows > 0, nil
}

func (r *StatsRepository) Counters(ctx context.Context, subjectID int64) (views, likes int64, err error) {
	err = r.db.QueryRowContext(ctx, `
SELECT views, likes FROM subject_counters WHERE subject_id = $1
`, subjectID).Scan(&views, &likes)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read counters: %w", err)
	}
	return views, likes, nil
}
