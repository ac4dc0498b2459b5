package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func OpenDB(dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 10
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = pool.MaxOpenConns
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

// Store is the postgres Transactor. Outside a transaction its repositories
// run directly on the pool.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, uow ports.UnitOfWork) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapTemporaryIfNeeded("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(ctx, unitOfWork{q: tx}); err != nil {
		return wrapTemporaryIfNeeded("run tx", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapTemporaryIfNeeded("commit tx", err)
	}
	return nil
}

func (s *Store) Documents() *DocumentRepository { return &DocumentRepository{q: s.db} }
func (s *Store) StageLog() *StageLogRepository { return &StageLogRepository{q: s.db} }
func (s *Store) Derived() *DerivedRepository { return &DerivedRepository{q: s.db} }
func (s *Store) Outbox() *OutboxRepository { return &OutboxRepository{q: s.db} }
func (s *Store) Stats() *StatsRepository { return &StatsRepository{db: s.db} }

type unitOfWork struct {
	q querier
}

func (u unitOfWork) Documents() ports.DocumentStore { return &DocumentRepository{q: u.q} }
func (u unitOfWork) StageLog() ports.StageLogStore { return &StageLogRepository{q: u.q} }
func (u unitOfWork) Derived() ports.DerivedEntityWriter { return &DerivedRepository{q: u.q} }
func (u unitOfWork) Outbox() ports.OutboxStore { return &OutboxRepository{q: u.q} }

// isRetryablePostgresError covers lock conflicts, serialization failures and
// lost connections.
func isRetryablePostgresError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P01", "53300":
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if isRetryablePostgresError(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
