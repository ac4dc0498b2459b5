package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

type OutboxRepository struct {
	q querier
}

func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{q: db}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg *domain.OutboxMessage) error {
	err := r.q.QueryRowContext(ctx, `
INSERT INTO outbox (message_id, topic, payload, created_at)
VALUES ($1,$2,$3,$4)
RETURNING id
`, msg.MessageID, string(msg.Topic), msg.Payload, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// ClaimPending locks unpublished rows in id order. Parked rows and rows
// locked by another relay are skipped.
func (r *OutboxRepository) ClaimPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT id, message_id, topic, payload, attempts, last_error, created_at
FROM outbox
WHERE published_at IS NULL AND parked_at IS NULL
ORDER BY id ASC
LIMIT $1
FOR UPDATE SKIP LOCKED
`, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.OutboxMessage, 0)
	for rows.Next() {
		var msg domain.OutboxMessage
		var topic string
		if err := rows.Scan(&msg.ID, &msg.MessageID, &topic, &msg.Payload, &msg.Attempts, &msg.LastError, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msg.Topic = domain.Topic(topic)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return out, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.q.ExecContext(ctx, `
UPDATE outbox SET published_at = $2, attempts = attempts + 1, last_error = ''
WHERE id = $1
`, id, at); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func (r *OutboxRepository) MarkAttemptFailed(ctx context.Context, id int64, errMessage string) error {
	if _, err := r.q.ExecContext(ctx, `
UPDATE outbox SET attempts = attempts + 1, last_error = $2
WHERE id = $1
`, id, errMessage); err != nil {
		return fmt.Errorf("mark outbox attempt failed: %w", err)
	}
	return nil
}

// Park takes a row out of the relay rotation. The row stays in the table for
// inspection and manual replay.
func (r *OutboxRepository) Park(ctx context.Context, id int64, errMessage string, at time.Time) error {
	if _, err := r.q.ExecContext(ctx, `
UPDATE outbox SET attempts = attempts + 1, last_error = $2, parked_at = $3
WHERE id = $1
`, id, errMessage, at); err != nil {
		return fmt.Errorf("park outbox message: %w", err)
	}
	return nil
}
