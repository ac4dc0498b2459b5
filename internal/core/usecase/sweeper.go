package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

type SweeperConfig struct {
	StaleAfter     time.Duration
	MaxAutoRetries int
	BatchSize      int
}

type SweepReport struct {
	Scanned  int `json:"scanned"`
	Failed   int `json:"failed"`
	Requeued int `json:"requeued"`
	Skipped  int `json:"skipped"`
}

// SweepObserver receives the outcome counts of every sweep. Metrics
// implement it.
type SweepObserver interface {
	RecordSweep(failed, requeued int)
}

// StaleSweeper closes stage attempts whose completion never arrived, for
// example after a crash between fetch and commit.
type StaleSweeper struct {
	tx        ports.Transactor
	log       ports.StageLogStore
	lifecycle *Lifecycle
	cfg       SweeperConfig
	observer  SweepObserver
	now       func() time.Time
}

func NewStaleSweeper(tx ports.Transactor, log ports.StageLogStore, lifecycle *Lifecycle, cfg SweeperConfig) *StaleSweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAutoRetries < 0 {
		cfg.MaxAutoRetries = 0
	}
	return &StaleSweeper{
		tx:        tx,
		log:       log,
		lifecycle: lifecycle,
		cfg:       cfg,
		now:       utcNow,
	}
}

type sweepOutcome int

const (
	sweepSkipped sweepOutcome = iota
	sweepFailed
	sweepRequeued
)

func (s *StaleSweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	stage := s.lifecycle.cfg.Stage
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.log.ListStale(ctx, stage, cutoff, s.cfg.BatchSize)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list stale attempts: %w", err)
	}

	report := SweepReport{Scanned: len(stale)}
	for _, attempt := range stale {
		outcome, err := s.reconcile(ctx, attempt)
		if err != nil {
			return report, fmt.Errorf("reconcile document %d: %w", attempt.DocumentID, err)
		}
		switch outcome {
		case sweepFailed:
			report.Failed++
		case sweepRequeued:
			report.Requeued++
		default:
			report.Skipped++
		}
	}
	if report.Scanned > 0 {
		slog.Info("stale_sweep_completed",
			"scanned", report.Scanned,
			"failed", report.Failed,
			"requeued", report.Requeued,
			"skipped", report.Skipped,
		)
	}
	return report, nil
}

// reconcile re-checks the attempt under the document lock; a completion
// that committed after ListStale wins.
func (s *StaleSweeper) reconcile(ctx context.Context, stale domain.StageAttempt) (sweepOutcome, error) {
	stage := s.lifecycle.cfg.Stage
	outcome := sweepSkipped
	err := s.tx.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		doc, err := uow.Documents().GetForUpdate(ctx, stale.DocumentID)
		if err != nil {
			return err
		}
		if doc.Status != domain.StatusProcessing {
			return nil
		}
		latest, err := uow.StageLog().FindLatest(ctx, doc.ID, stage)
		if err != nil {
			return err
		}
		if latest.ID != stale.ID || !latest.InProgress() {
			return nil
		}

		detail := fmt.Sprintf("stale: no completion within %s", s.cfg.StaleAfter)
		if _, err := completeLatest(ctx, uow.StageLog(), doc.ID, stage, domain.OutcomeFailure, detail, s.now()); err != nil {
			return err
		}
		attempts, err := uow.StageLog().CountAttempts(ctx, doc.ID, stage)
		if err != nil {
			return fmt.Errorf("count attempts: %w", err)
		}

		if attempts <= s.cfg.MaxAutoRetries {
			if err := doc.ResetForRetry(s.now()); err != nil {
				return err
			}
			if err := uow.Documents().Save(ctx, doc); err != nil {
				return fmt.Errorf("save document: %w", err)
			}
			if err := s.lifecycle.beginProcessing(ctx, uow, doc); err != nil {
				return err
			}
			outcome = sweepRequeued
			return nil
		}
		if err := s.lifecycle.markFailed(ctx, uow, doc, detail); err != nil {
			return err
		}
		outcome = sweepFailed
		return nil
	})
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return sweepSkipped, nil
		}
		return sweepSkipped, err
	}
	if outcome != sweepSkipped {
		slog.Warn("stale_attempt_closed",
			"document_id", stale.DocumentID,
			"attempt_id", stale.ID,
			"started_at", stale.StartedAt,
			"requeued", outcome == sweepRequeued,
		)
	}
	return outcome, nil
}

func (s *StaleSweeper) WithObserver(observer SweepObserver) *StaleSweeper {
	s.observer = observer
	return s
}

// Run sweeps on every tick until ctx is done.
func (s *StaleSweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := s.SweepOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("stale_sweep_failed", "error", err)
		}
		if s.observer != nil {
			s.observer.RecordSweep(report.Failed, report.Requeued)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
