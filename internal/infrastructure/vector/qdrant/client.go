package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

// Client stores one point per document; the point id is the document id.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

func New(baseURL, collection string, timeout time.Duration) *Client {
	if collection == "" {
		collection = "document_summaries"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type point struct {
	ID      int64          `json:"id"`
	Vector  []float32      `json:"vector,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (c *Client) Upsert(ctx context.Context, v domain.DocumentVector) error {
	if len(v.Vector) == 0 {
		return fmt.Errorf("qdrant upsert: empty vector for document %d", v.DocumentID)
	}
	if err := c.ensureCollection(ctx, len(v.Vector)); err != nil {
		return err
	}

	reqBody := map[string]any{"points": []point{{
		ID:     v.DocumentID,
		Vector: v.Vector,
		Payload: map[string]any{
			"document_id": v.DocumentID,
			"title":       v.Title,
			"model":       v.Model,
		},
	}}}
	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	return c.do(ctx, http.MethodPut, path, reqBody, nil, "upsert")
}

// Get returns nil when the document has no point.
func (c *Client) Get(ctx context.Context, documentID int64) (*domain.DocumentVector, error) {
	var resp struct {
		Result struct {
			ID      int64          `json:"id"`
			Vector  []float32      `json:"vector"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/%d", c.collection, documentID)
	err := c.do(ctx, http.MethodGet, path, nil, &resp, "get")
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(resp.Result.Vector) == 0 {
		return nil, nil
	}
	return &domain.DocumentVector{
		DocumentID: documentID,
		Model:      stringPayload(resp.Result.Payload, "model"),
		Title:      stringPayload(resp.Result.Payload, "title"),
		Vector:     resp.Result.Vector,
	}, nil
}

func (c *Client) Search(ctx context.Context, vector []float32, limit int, excludeID int64) ([]domain.SimilarDocument, error) {
	reqBody := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if excludeID > 0 {
		reqBody["filter"] = map[string]any{
			"must_not": []map[string]any{
				{"has_id": []int64{excludeID}},
			},
		}
	}

	var searchResp struct {
		Result []struct {
			ID      int64          `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.do(ctx, http.MethodPost, path, reqBody, &searchResp, "search"); err != nil {
		if isNotFound(err) {
			return []domain.SimilarDocument{}, nil
		}
		return nil, err
	}

	out := make([]domain.SimilarDocument, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		out = append(out, domain.SimilarDocument{
			DocumentID: r.ID,
			Title:      stringPayload(r.Payload, "title"),
			Score:      r.Score,
		})
	}
	return out, nil
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err := c.do(ctx, http.MethodPut, "/collections/"+c.collection, reqBody, nil, "ensure collection")
	if err != nil && !isStatus(err, http.StatusConflict) {
		return err
	}

	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any, operation string) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &resilience.HTTPStatusError{
			Service:    "qdrant",
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(msg)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", operation, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return isStatus(err, http.StatusNotFound)
}

func isStatus(err error, code int) bool {
	var statusErr *resilience.HTTPStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

func stringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
