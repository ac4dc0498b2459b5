package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

const DefaultMaxBytes int64 = 8 << 20

// SchemeReader reads the artifact behind one locator scheme.
type SchemeReader interface {
	Read(ctx context.Context, locator *url.URL) ([]byte, error)
}

type ReaderFunc func(ctx context.Context, locator *url.URL) ([]byte, error)

func (f ReaderFunc) Read(ctx context.Context, locator *url.URL) ([]byte, error) {
	return f(ctx, locator)
}

// Router dispatches Fetch to the reader registered for the locator scheme.
type Router struct {
	readers  map[string]SchemeReader
	executor *resilience.Executor
}

func NewRouter(executor *resilience.Executor) *Router {
	return &Router{
		readers:  make(map[string]SchemeReader),
		executor: executor,
	}
}

func (r *Router) Register(scheme string, reader SchemeReader) *Router {
	r.readers[strings.ToLower(scheme)] = reader
	return r
}

func (r *Router) Schemes() []string {
	out := make([]string, 0, len(r.readers))
	for scheme := range r.readers {
		out = append(out, scheme)
	}
	return out
}

func (r *Router) Fetch(ctx context.Context, locator string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(locator))
	if err != nil || u.Scheme == "" {
		return nil, domain.WrapError(domain.ErrMalformedArtifact, "fetch artifact", fmt.Errorf("invalid locator %q", locator))
	}
	scheme := strings.ToLower(u.Scheme)
	reader, ok := r.readers[scheme]
	if !ok {
		return nil, domain.WrapError(domain.ErrMalformedArtifact, "fetch artifact", fmt.Errorf("unsupported locator scheme %q", scheme))
	}

	read := func(ctx context.Context) ([]byte, error) {
		return reader.Read(ctx, u)
	}
	var raw []byte
	if r.executor != nil {
		raw, err = resilience.Do(ctx, r.executor, "artifact.fetch."+scheme, read, classifyFetchError)
	} else {
		raw, err = read(ctx)
	}
	if err != nil {
		if domain.IsKind(err, domain.ErrMalformedArtifact) {
			return nil, err
		}
		return nil, resilience.WrapTemporaryIfNeeded("fetch artifact", err, classifyFetchError)
	}
	return raw, nil
}

func classifyFetchError(err error) resilience.ErrorClassification {
	if domain.IsKind(err, domain.ErrMalformedArtifact) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	classification := resilience.ClassifyHTTPError(err)
	if classification.Retryable || !classification.RecordFailure {
		return classification
	}
	// SDK errors carry the response status.
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		retryable := resilience.IsRetryableHTTPStatus(status.HTTPStatusCode())
		return resilience.ErrorClassification{Retryable: retryable, RecordFailure: retryable}
	}
	return classification
}

var errTooLarge = errors.New("artifact exceeds size limit")

func readCapped(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	raw, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, domain.WrapError(domain.ErrMalformedArtifact, "read artifact", fmt.Errorf("%w (%d bytes)", errTooLarge, maxBytes))
	}
	return raw, nil
}

func notFound(locator *url.URL, err error) error {
	return domain.WrapError(domain.ErrMalformedArtifact, "read artifact", fmt.Errorf("%s: not found: %w", locator.Redacted(), err))
}
