package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

type HTTPReader struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPReader(timeout time.Duration, maxBytes int64) *HTTPReader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReader{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

func (r *HTTPReader) Read(ctx context.Context, locator *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build artifact request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("artifact request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, notFound(locator, errors.New(resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &resilience.HTTPStatusError{
			Service:    "artifact",
			Operation:  "fetch",
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return readCapped(resp.Body, r.maxBytes)
}
