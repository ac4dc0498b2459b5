package domain

import (
	"fmt"
	"time"
)

type DocumentStatus string

const (
	StatusPending    DocumentStatus = "PENDING"
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusAnalyzed   DocumentStatus = "ANALYZED"
	StatusPublished  DocumentStatus = "PUBLISHED"
	StatusFailed     DocumentStatus = "FAILED"
)

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusAnalyzed, StatusPublished, StatusFailed:
		return true
	default:
		return false
	}
}

// Done reports whether analysis results for the document are already durable.
func (s DocumentStatus) Done() bool {
	return s == StatusAnalyzed || s == StatusPublished
}

// transitions lists every normal-flow edge of the lifecycle. Administrative
// resets are handled by ResetForRetry and are not part of this table.
var transitions = map[DocumentStatus][]DocumentStatus{
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusAnalyzed, StatusFailed},
	StatusAnalyzed:   {StatusPublished},
}

func CanTransition(from, to DocumentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Document struct {
	ID         int64          `json:"id"`
	Title      string         `json:"title"`
	StorageKey string         `json:"storage_key"`
	SizeBytes  int64          `json:"size_bytes"`
	MediaType  string         `json:"media_type"`
	OwnerID    string         `json:"owner_id"`
	PageCount  int            `json:"page_count,omitempty"`
	Status     DocumentStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	Deleted    bool           `json:"deleted"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TransitionTo moves the document along a lifecycle edge. The document is
// left untouched when the edge does not exist.
func (d *Document) TransitionTo(to DocumentStatus, now time.Time) error {
	if !CanTransition(d.Status, to) {
		return WrapError(
			ErrInvalidStateTransition,
			"transition document",
			fmt.Errorf("document %d: %s -> %s", d.ID, d.Status, to),
		)
	}
	d.Status = to
	if to != StatusFailed {
		d.Error = ""
	}
	d.UpdatedAt = now
	return nil
}

// Fail moves the document to FAILED and keeps the reason for operators.
func (d *Document) Fail(reason string, now time.Time) error {
	if err := d.TransitionTo(StatusFailed, now); err != nil {
		return err
	}
	d.Error = reason
	return nil
}

// ResetForRetry is the administrative way back to PENDING. It is allowed from
// FAILED and from a stuck PROCESSING only.
func (d *Document) ResetForRetry(now time.Time) error {
	if d.Status != StatusFailed && d.Status != StatusProcessing {
		return WrapError(
			ErrInvalidStateTransition,
			"reset document",
			fmt.Errorf("document %d: %s -> %s", d.ID, d.Status, StatusPending),
		)
	}
	d.Status = StatusPending
	d.Error = ""
	d.UpdatedAt = now
	return nil
}
