package pgvector

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestUpsertWritesVectorLiteral(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO document_vectors").
		WithArgs(int64(42), "nomic-embed-text", "Report", 2, "[0.5,1]").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), domain.DocumentVector{
		DocumentID: 42, Model: "nomic-embed-text", Title: "Report", Vector: []float32{0.5, 1},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetParsesEmbedding(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM document_vectors").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "model", "title", "embedding"}).
			AddRow(int64(42), "m", "Report", "[1,0,0.25]"))
	mock.ExpectQuery("FROM document_vectors").
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)

	got, err := store.Get(context.Background(), 42)
	if err != nil || got == nil {
		t.Fatalf("Get(42) = %+v, %v", got, err)
	}
	if len(got.Vector) != 3 || got.Vector[2] != 0.25 {
		t.Fatalf("vector = %v", got.Vector)
	}
	missing, err := store.Get(context.Background(), 7)
	if err != nil || missing != nil {
		t.Fatalf("Get(7) = %+v, %v; want nil, nil", missing, err)
	}
}

func TestSearchExcludesSource(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("ORDER BY embedding <=> \\$1").
		WithArgs("[1,0]", 2, int64(42), 10).
		WillReturnRows(sqlmock.NewRows([]string{"document_id", "title", "score"}).
			AddRow(int64(7), "Other", 0.93).
			AddRow(int64(9), "Third", 0.41))

	results, err := store.Search(context.Background(), []float32{1, 0}, 10, 42)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 || results[0].DocumentID != 7 || results[1].Score != 0.41 {
		t.Fatalf("results = %+v", results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
