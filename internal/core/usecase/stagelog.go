package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

// StageLog records stage attempts. Each operation commits on its own; the
// lifecycle and consumers reuse the same helpers inside their transactions.
type StageLog struct {
	tx     ports.Transactor
	reader ports.StageLogStore
	now    func() time.Time
}

func NewStageLog(tx ports.Transactor, reader ports.StageLogStore) *StageLog {
	return &StageLog{
		tx:     tx,
		reader: reader,
		now:    utcNow,
	}
}

func (s *StageLog) RecordStart(ctx context.Context, documentID int64, stage domain.Stage) (*domain.StageAttempt, error) {
	var out *domain.StageAttempt
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		attempt, err := recordStart(ctx, uow.StageLog(), documentID, stage, s.now())
		out = attempt
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *StageLog) RecordSuccess(ctx context.Context, documentID int64, stage domain.Stage) (*domain.StageAttempt, error) {
	return s.complete(ctx, documentID, stage, domain.OutcomeSuccess, "")
}

func (s *StageLog) RecordFailure(ctx context.Context, documentID int64, stage domain.Stage, detail string) (*domain.StageAttempt, error) {
	return s.complete(ctx, documentID, stage, domain.OutcomeFailure, detail)
}

func (s *StageLog) History(ctx context.Context, documentID int64) ([]domain.StageAttempt, error) {
	attempts, err := s.reader.List(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list stage attempts: %w", err)
	}
	return attempts, nil
}

func (s *StageLog) complete(
	ctx context.Context,
	documentID int64,
	stage domain.Stage,
	outcome domain.Outcome,
	detail string,
) (*domain.StageAttempt, error) {
	var out *domain.StageAttempt
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		attempt, err := completeLatest(ctx, uow.StageLog(), documentID, stage, outcome, detail, s.now())
		out = attempt
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func recordStart(
	ctx context.Context,
	log ports.StageLogStore,
	documentID int64,
	stage domain.Stage,
	now time.Time,
) (*domain.StageAttempt, error) {
	if !stage.Valid() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "record stage start", fmt.Errorf("unknown stage %q", stage))
	}
	attempt := &domain.StageAttempt{
		DocumentID: documentID,
		Stage:      stage,
		StartedAt:  now,
		Outcome:    domain.OutcomeInProgress,
	}
	if err := log.Append(ctx, attempt); err != nil {
		return nil, fmt.Errorf("append stage attempt: %w", err)
	}
	return attempt, nil
}

// completeLatest closes the newest attempt of (documentID, stage). Attempts
// that already carry an outcome are never rewritten.
func completeLatest(
	ctx context.Context,
	log ports.StageLogStore,
	documentID int64,
	stage domain.Stage,
	outcome domain.Outcome,
	detail string,
	now time.Time,
) (*domain.StageAttempt, error) {
	attempt, err := log.FindLatest(ctx, documentID, stage)
	if err != nil {
		return nil, err
	}
	if !attempt.InProgress() {
		return nil, domain.WrapError(
			domain.ErrInvalidStateTransition,
			"complete stage attempt",
			fmt.Errorf("attempt %d of document %d is already %s", attempt.ID, documentID, attempt.Outcome),
		)
	}

	completedAt := now
	attempt.Outcome = outcome
	attempt.CompletedAt = &completedAt
	attempt.ErrorDetail = detail
	if err := log.Complete(ctx, attempt); err != nil {
		return nil, fmt.Errorf("complete stage attempt: %w", err)
	}
	return attempt, nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
