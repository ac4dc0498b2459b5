package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Topic names a logical message stream. The broker adapter maps topics to
// concrete subjects.
type Topic string

const (
	TopicStageRequest     Topic = "stage.request"
	TopicStageCompletion  Topic = "stage.completion"
	TopicStatsEvent       Topic = "stats.event"
	TopicDocumentAnalyzed Topic = "document.analyzed"
)

type StageRequest struct {
	DocumentID             int64  `json:"documentId"`
	SourceLocatorPrimary   string `json:"sourceLocatorPrimary"`
	SourceLocatorSecondary string `json:"sourceLocatorSecondary"`
	DirectivePrompt        string `json:"directivePrompt"`
	DirectiveLanguage      string `json:"directiveLanguage"`
}

type StageCompletion struct {
	DocumentID    int64  `json:"documentId"`
	ResultLocator string `json:"resultLocator"`
}

func (m StageCompletion) Validate() error {
	if m.DocumentID <= 0 {
		return WrapError(ErrInvalidInput, "validate stage completion", fmt.Errorf("documentId must be positive, got %d", m.DocumentID))
	}
	if strings.TrimSpace(m.ResultLocator) == "" {
		return WrapError(ErrInvalidInput, "validate stage completion", errors.New("resultLocator is required"))
	}
	return nil
}

type EventType string

const (
	EventView EventType = "VIEW"
	EventLike EventType = "LIKE"
)

type StatsEvent struct {
	SubjectID int64     `json:"subjectId"`
	EventType EventType `json:"eventType"`
}

func (e StatsEvent) Validate() error {
	if e.SubjectID <= 0 {
		return WrapError(ErrInvalidInput, "validate stats event", fmt.Errorf("subjectId must be positive, got %d", e.SubjectID))
	}
	if strings.TrimSpace(string(e.EventType)) == "" {
		return WrapError(ErrInvalidInput, "validate stats event", errors.New("eventType is required"))
	}
	return nil
}

// Counter identifies one low-priority counter column of a subject.
type Counter string

const (
	CounterViews Counter = "views"
	CounterLikes Counter = "likes"
)

// DocumentAnalyzed is emitted with every successful completion and feeds the
// similarity lane. Summary is capped at MaxEventSummaryBytes; the stored
// summary keeps the full text.
type DocumentAnalyzed struct {
	DocumentID int64    `json:"documentId"`
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Tags       []string `json:"tags"`
}

// MaxEventSummaryBytes keeps analyzed events far below the 1 MiB default
// NATS max_payload.
const MaxEventSummaryBytes = 16 << 10

// TruncateUTF8 cuts s to at most max bytes without splitting a rune.
func TruncateUTF8(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// Directives carry per-request processing hints for the external worker.
type Directives struct {
	Prompt   string `json:"prompt"`
	Language string `json:"language"`
}

type OutboxMessage struct {
	ID          int64      `json:"id"`
	MessageID   string     `json:"message_id"`
	Topic       Topic      `json:"topic"`
	Payload     []byte     `json:"payload"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	// ParkedAt is set once the relay gives up on the row.
	ParkedAt *time.Time `json:"parked_at,omitempty"`
}

// Delivery is one broker delivery of a message to a consumer lane.
type Delivery struct {
	MessageID   string
	Topic       Topic
	Data        []byte
	Attempt     uint64
	MaxAttempts int
}

// Final reports whether the broker will not redeliver after this attempt.
func (d Delivery) Final() bool {
	return d.MaxAttempts > 0 && d.Attempt >= uint64(d.MaxAttempts)
}
