package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

// RelayObserver receives per-message relay outcomes. Metrics implement it.
type RelayObserver interface {
	RecordOutboxPublish(topic string, ok bool)
	RecordOutboxParked(topic string)
}

type noopRelayObserver struct{}

func (noopRelayObserver) RecordOutboxPublish(string, bool) {}
func (noopRelayObserver) RecordOutboxParked(string)        {}

const defaultRelayMaxAttempts = 20

// OutboxRelay moves committed outbox rows to the broker. Delivery is at
// least once; the broker dedupes on the outbox message id.
type OutboxRelay struct {
	tx          ports.Transactor
	publisher   ports.MessagePublisher
	batchSize   int
	maxAttempts int
	observer    RelayObserver
	now         func() time.Time
}

func NewOutboxRelay(tx ports.Transactor, publisher ports.MessagePublisher, batchSize int, observer RelayObserver) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 50
	}
	if observer == nil {
		observer = noopRelayObserver{}
	}
	return &OutboxRelay{
		tx:          tx,
		publisher:   publisher,
		batchSize:   batchSize,
		maxAttempts: defaultRelayMaxAttempts,
		observer:    observer,
		now:         utcNow,
	}
}

// WithMaxAttempts sets how many temporary publish failures a row may collect
// before it is parked.
func (r *OutboxRelay) WithMaxAttempts(n int) *OutboxRelay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// RelayOnce publishes one batch and returns the number of published rows.
//
// A temporary publish failure is recorded on the row and holds back the
// remaining rows of the same topic until the next pass, so order within a
// topic is kept. Rows that fail permanently or run out of attempts are
// parked and never block the rows behind them.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	var publishErr error
	err := r.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		outbox := uow.Outbox()
		pending, err := outbox.ClaimPending(ctx, r.batchSize)
		if err != nil {
			return fmt.Errorf("claim pending outbox rows: %w", err)
		}
		held := make(map[domain.Topic]bool)
		for _, msg := range pending {
			if held[msg.Topic] {
				continue
			}
			err := r.publisher.Publish(ctx, msg)
			if err == nil {
				if err := outbox.MarkPublished(ctx, msg.ID, r.now()); err != nil {
					return fmt.Errorf("mark outbox published: %w", err)
				}
				r.observer.RecordOutboxPublish(string(msg.Topic), true)
				published++
				continue
			}

			r.observer.RecordOutboxPublish(string(msg.Topic), false)
			attempts := msg.Attempts + 1
			logger := slog.With(
				"outbox_id", msg.ID,
				"message_id", msg.MessageID,
				"topic", string(msg.Topic),
				"attempts", attempts,
				"error", err,
			)
			if !domain.IsKind(err, domain.ErrTemporary) || attempts >= r.maxAttempts {
				logger.Error("outbox_message_parked")
				if parkErr := outbox.Park(ctx, msg.ID, err.Error(), r.now()); parkErr != nil {
					return fmt.Errorf("park outbox message: %w", parkErr)
				}
				r.observer.RecordOutboxParked(string(msg.Topic))
				continue
			}

			logger.Warn("outbox_publish_failed")
			if markErr := outbox.MarkAttemptFailed(ctx, msg.ID, err.Error()); markErr != nil {
				return fmt.Errorf("mark outbox attempt failed: %w", markErr)
			}
			held[msg.Topic] = true
			publishErr = err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if publishErr != nil {
		return published, domain.WrapError(domain.ErrTemporary, "relay outbox", publishErr)
	}
	return published, nil
}

// Run relays until ctx is done. A full batch is followed immediately by the
// next one.
func (r *OutboxRelay) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("outbox_relay_failed", "error", err)
		}
		if err == nil && n >= r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
