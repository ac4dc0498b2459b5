package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL string, timeout time.Duration, executor *resilience.Executor) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   executor,
	}
}

// Embedder calls /api/embed once per text. The circuit breaker guards the
// provider; retries are left to broker redelivery.
//
// The first vector of a model fixes its dimension for the process lifetime.
type Embedder struct {
	client *Client

	mu   sync.Mutex
	dims map[string]int
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client, dims: make(map[string]int)}
}

func (e *Embedder) Embed(ctx context.Context, modelID, text string) ([]float32, error) {
	request := map[string]any{
		"model": modelID,
		"input": []string{text},
	}
	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}

	call := func(ctx context.Context) error {
		return e.client.postJSON(ctx, "/api/embed", request, &response, "embed")
	}
	var err error
	if e.client.executor != nil {
		err = e.client.executor.Execute(ctx, "ollama.embed", call, classifyOllamaError, resilience.WithMaxAttempts(1))
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, embeddingError(err)
	}
	if len(response.Embeddings) == 0 || len(response.Embeddings[0]) == 0 {
		return nil, &domain.EmbeddingError{Provider: "ollama", Err: errors.New("empty embedding result")}
	}
	vector := response.Embeddings[0]
	if err := e.checkDimension(modelID, len(vector)); err != nil {
		return nil, err
	}
	return vector, nil
}

func (e *Embedder) checkDimension(modelID string, n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	want, ok := e.dims[modelID]
	if !ok {
		e.dims[modelID] = n
		return nil
	}
	if n != want {
		return &domain.EmbeddingError{
			Provider: "ollama",
			Err:      fmt.Errorf("model %s returned %d dimensions, expected %d", modelID, n, want),
		}
	}
	return nil
}
