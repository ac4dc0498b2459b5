package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound       = errors.New("document not found")
	ErrStageLogNotFound       = errors.New("stage log attempt not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrMalformedArtifact      = errors.New("malformed artifact")
	ErrEmbeddingProvider      = errors.New("embedding provider error")
	ErrSimilarityUnavailable  = errors.New("similarity unavailable")
	ErrInvalidInput           = errors.New("invalid input")
	ErrTemporary              = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// EmbeddingError is returned by embedding providers. It matches
// ErrEmbeddingProvider, and ErrTemporary when the failure may heal on retry.
type EmbeddingError struct {
	Provider  string
	Retryable bool
	Err       error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("%s embedding: %v", e.Provider, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

func (e *EmbeddingError) Is(target error) bool {
	return target == ErrEmbeddingProvider || (e.Retryable && target == ErrTemporary)
}
