package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		Retry: resilience.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			Multiplier:     2,
		},
	})
}

func TestRouterDispatchesByScheme(t *testing.T) {
	router := NewRouter(testExecutor()).
		Register("mem", ReaderFunc(func(_ context.Context, u *url.URL) ([]byte, error) {
			return []byte("from " + u.Host + u.Path), nil
		}))

	raw, err := router.Fetch(context.Background(), "MEM://bucket/42.md")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(raw) != "from bucket/42.md" {
		t.Fatalf("raw = %q", raw)
	}
}

func TestRouterRejectsUnknownScheme(t *testing.T) {
	router := NewRouter(nil)
	for _, locator := range []string{"ftp://host/a.md", "no-scheme", "::"} {
		_, err := router.Fetch(context.Background(), locator)
		if !domain.IsKind(err, domain.ErrMalformedArtifact) {
			t.Fatalf("Fetch(%q) error = %v, want malformed artifact", locator, err)
		}
	}
}

func TestRouterRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	router := NewRouter(testExecutor()).
		Register("mem", ReaderFunc(func(context.Context, *url.URL) ([]byte, error) {
			if calls.Add(1) < 3 {
				return nil, fmt.Errorf("read: %w", context.DeadlineExceeded)
			}
			return []byte("ok"), nil
		}))

	raw, err := router.Fetch(context.Background(), "mem://b/k")
	if err != nil || string(raw) != "ok" {
		t.Fatalf("Fetch() = %q, %v", raw, err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestRouterMarksExhaustedTransportErrorsTemporary(t *testing.T) {
	router := NewRouter(testExecutor()).
		Register("mem", ReaderFunc(func(context.Context, *url.URL) ([]byte, error) {
			return nil, fmt.Errorf("read: %w", context.DeadlineExceeded)
		}))

	_, err := router.Fetch(context.Background(), "mem://b/k")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestRouterDoesNotRetryMissingArtifacts(t *testing.T) {
	var calls atomic.Int32
	router := NewRouter(testExecutor()).
		Register("mem", ReaderFunc(func(_ context.Context, u *url.URL) ([]byte, error) {
			calls.Add(1)
			return nil, notFound(u, errors.New("no such key"))
		}))

	_, err := router.Fetch(context.Background(), "mem://b/k")
	if !domain.IsKind(err, domain.ErrMalformedArtifact) {
		t.Fatalf("expected malformed artifact, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestHTTPReader(t *testing.T) {
	var unavailable atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.md":
			_, _ = w.Write([]byte("---\ntitle: T\n---\nBody"))
		case "/big.md":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/flaky.md":
			if unavailable.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("recovered"))
		case "/bad.md":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reader := NewHTTPReader(time.Second, 32)
	router := NewRouter(testExecutor()).Register("http", reader)
	ctx := context.Background()

	raw, err := router.Fetch(ctx, srv.URL+"/ok.md")
	if err != nil || !strings.HasSuffix(string(raw), "Body") {
		t.Fatalf("ok: %q, %v", raw, err)
	}
	raw, err = router.Fetch(ctx, srv.URL+"/flaky.md")
	if err != nil || string(raw) != "recovered" {
		t.Fatalf("flaky: %q, %v", raw, err)
	}
	if _, err = router.Fetch(ctx, srv.URL+"/missing.md"); !domain.IsKind(err, domain.ErrMalformedArtifact) {
		t.Fatalf("missing: %v", err)
	}
	if _, err = router.Fetch(ctx, srv.URL+"/big.md"); !domain.IsKind(err, domain.ErrMalformedArtifact) {
		t.Fatalf("big: %v", err)
	}
	_, err = router.Fetch(ctx, srv.URL+"/bad.md")
	var statusErr *resilience.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("forbidden: %v", err)
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("403 must not be temporary")
	}
}

func TestS3ReaderAgainstPathStyleEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path == "/results/42.md" {
			w.Header().Set("Content-Type", "text/markdown")
			_, _ = w.Write([]byte("summary"))
			return
		}
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
	}))
	defer srv.Close()

	reader, err := NewS3Reader(context.Background(), S3Config{
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		PathStyle: true,
		Anonymous: true,
	}, 0)
	if err != nil {
		t.Fatalf("NewS3Reader() error = %v", err)
	}
	router := NewRouter(nil).Register("s3", reader)

	raw, err := router.Fetch(context.Background(), "s3://results/42.md")
	if err != nil || string(raw) != "summary" {
		t.Fatalf("Fetch() = %q, %v", raw, err)
	}
	_, err = router.Fetch(context.Background(), "s3://results/404.md")
	if !domain.IsKind(err, domain.ErrMalformedArtifact) {
		t.Fatalf("expected malformed artifact for missing key, got %v", err)
	}
}
