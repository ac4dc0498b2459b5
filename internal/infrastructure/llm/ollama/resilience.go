package ollama

import (
	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/resilience"
)

func classifyOllamaError(err error) resilience.ErrorClassification {
	return resilience.ClassifyHTTPError(err)
}

// embeddingError converts a failed call into a typed provider error.
// Timeouts, 5xx, 429 and open circuits are retryable.
func embeddingError(err error) error {
	retryable := classifyOllamaError(err).Retryable || resilience.IsCircuitOpen(err)
	return &domain.EmbeddingError{Provider: "ollama", Retryable: retryable, Err: err}
}
