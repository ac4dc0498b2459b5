package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

// StageLogRepository is append-only: attempts are inserted and completed,
// never deleted or reopened.
type StageLogRepository struct {
	q querier
}

func NewStageLogRepository(db *sql.DB) *StageLogRepository {
	return &StageLogRepository{q: db}
}

const attemptColumns = `id, document_id, stage, started_at, completed_at, outcome, error_detail`

func (r *StageLogRepository) Append(ctx context.Context, attempt *domain.StageAttempt) error {
	err := r.q.QueryRowContext(ctx, `
INSERT INTO stage_attempts (document_id, stage, started_at, completed_at, outcome, error_detail)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id
`,
		attempt.DocumentID, string(attempt.Stage), attempt.StartedAt, attempt.CompletedAt,
		string(attempt.Outcome), attempt.ErrorDetail,
	).Scan(&attempt.ID)
	if err != nil {
		return fmt.Errorf("insert stage attempt: %w", err)
	}
	return nil
}

func (r *StageLogRepository) FindLatest(ctx context.Context, documentID int64, stage domain.Stage) (*domain.StageAttempt, error) {
	row := r.q.QueryRowContext(ctx, `
SELECT `+attemptColumns+`
FROM stage_attempts
WHERE document_id = $1 AND stage = $2
ORDER BY started_at DESC, id DESC
LIMIT 1
`, documentID, string(stage))

	attempt, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(
				domain.ErrStageLogNotFound,
				"find latest attempt",
				fmt.Errorf("document_id=%d stage=%s", documentID, stage),
			)
		}
		return nil, fmt.Errorf("find latest attempt: %w", err)
	}
	return &attempt, nil
}

// Complete records the outcome of an open attempt. Completed attempts are
// left as they are.
func (r *StageLogRepository) Complete(ctx context.Context, attempt *domain.StageAttempt) error {
	result, err := r.q.ExecContext(ctx, `
UPDATE stage_attempts
SET outcome = $2, completed_at = $3, error_detail = $4
WHERE id = $1 AND outcome = 'IN_PROGRESS'
`, attempt.ID, string(attempt.Outcome), attempt.CompletedAt, attempt.ErrorDetail)
	if err != nil {
		return fmt.Errorf("complete stage attempt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete stage attempt rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(
			domain.ErrStageLogNotFound,
			"complete stage attempt",
			fmt.Errorf("no open attempt id=%d", attempt.ID),
		)
	}
	return nil
}

func (r *StageLogRepository) List(ctx context.Context, documentID int64) ([]domain.StageAttempt, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT `+attemptColumns+`
FROM stage_attempts
WHERE document_id = $1
ORDER BY started_at ASC, id ASC
`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list stage attempts: %w", err)
	}
	return collectAttempts(rows)
}

func (r *StageLogRepository) CountAttempts(ctx context.Context, documentID int64, stage domain.Stage) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `
SELECT count(*)
FROM stage_attempts
WHERE document_id = $1 AND stage = $2
`, documentID, string(stage)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stage attempts: %w", err)
	}
	return n, nil
}

// ListStale returns open attempts that are the latest of their document and
// started before the cutoff, for documents still in PROCESSING.
func (r *StageLogRepository) ListStale(ctx context.Context, stage domain.Stage, startedBefore time.Time, limit int) ([]domain.StageAttempt, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT a.id, a.document_id, a.stage, a.started_at, a.completed_at, a.outcome, a.error_detail
FROM stage_attempts a
JOIN documents d ON d.id = a.document_id
WHERE a.stage = $1
	AND a.outcome = 'IN_PROGRESS'
	AND a.started_at < $2
	AND d.status = 'PROCESSING'
	AND NOT EXISTS (
		SELECT 1 FROM stage_attempts n
		WHERE n.document_id = a.document_id AND n.stage = a.stage
			AND (n.started_at > a.started_at OR (n.started_at = a.started_at AND n.id > a.id))
	)
ORDER BY a.started_at ASC
LIMIT $3
`, string(stage), startedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale attempts: %w", err)
	}
	return collectAttempts(rows)
}

func collectAttempts(rows *sql.Rows) ([]domain.StageAttempt, error) {
	defer rows.Close()

	out := make([]domain.StageAttempt, 0)
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stage attempt: %w", err)
		}
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage attempts: %w", err)
	}
	return out, nil
}

func scanAttempt(row rowScanner) (domain.StageAttempt, error) {
	var attempt domain.StageAttempt
	var stage, outcome string
	var completedAt sql.NullTime
	err := row.Scan(
		&attempt.ID,
		&attempt.DocumentID,
		&stage,
		&attempt.StartedAt,
		&completedAt,
		&outcome,
		&attempt.ErrorDetail,
	)
	if err != nil {
		return domain.StageAttempt{}, err
	}
	attempt.Stage = domain.Stage(stage)
	attempt.Outcome = domain.Outcome(outcome)
	if completedAt.Valid {
		t := completedAt.Time
		attempt.CompletedAt = &t
	}
	return attempt, nil
}
