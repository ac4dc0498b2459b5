package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/document-pipeline/internal/config"
	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

type docsErrFake struct {
	err error
}

func (f docsErrFake) GetByID(_ context.Context, id int64) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &domain.Document{ID: id, Title: "Report", StorageKey: "k", Status: domain.StatusAnalyzed}, nil
}

type countersFake struct {
	views, likes int64
	err          error
}

func (f countersFake) Counters(context.Context, int64) (int64, int64, error) {
	return f.views, f.likes, f.err
}

func TestGetDocumentByIDReturns404ForNotFound(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, Dependencies{
		Documents: docsErrFake{err: domain.WrapError(domain.ErrDocumentNotFound, "get", errors.New("id=404"))},
	})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/404", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestGetDocumentRejectsNonNumericID(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, Dependencies{})

	for _, path := range []string{"/v1/documents/abc", "/v1/documents/0"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		if res.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, res.Code)
		}
	}
}

func TestGetDocumentIncludesCounters(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, Dependencies{Counters: countersFake{views: 12, likes: 3}})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/7", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["id"] != float64(7) || body["views"] != float64(12) || body["likes"] != float64(3) {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestGetDocumentSurvivesCounterFailure(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, Dependencies{Counters: countersFake{err: errors.New("db down")}})

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/7", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		kind error
		want int
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrDocumentNotFound, http.StatusNotFound},
		{domain.ErrInvalidStateTransition, http.StatusConflict},
		{domain.ErrSimilarityUnavailable, http.StatusConflict},
		{domain.ErrConcurrentModification, http.StatusConflict},
		{domain.ErrTemporary, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		err := domain.WrapError(tc.kind, "op", errors.New("boom"))
		if got := mapErrorToHTTPStatus(err); got != tc.want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", tc.kind, got, tc.want)
		}
	}
	if got := mapErrorToHTTPStatus(errors.New("unexpected")); got != http.StatusInternalServerError {
		t.Fatalf("unknown error mapped to %d", got)
	}
}
