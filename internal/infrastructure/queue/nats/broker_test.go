package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

func TestSubjectFor(t *testing.T) {
	if got := subjectFor("docpipe", domain.TopicStageCompletion); got != "docpipe.stage.completion" {
		t.Fatalf("subject = %q", got)
	}
	if got := subjectFor("docpipe.", domain.TopicStatsEvent); got != "docpipe.stats.event" {
		t.Fatalf("subject = %q", got)
	}
}

func TestSettle(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, outcomeAcked},
		{"temporary", domain.WrapError(domain.ErrTemporary, "fetch", errors.New("timeout")), outcomeRetry},
		{"malformed", domain.WrapError(domain.ErrMalformedArtifact, "parse", errors.New("bad yaml")), outcomeFailed},
		{"plain", errors.New("boom"), outcomeFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := settle(tc.err); got != tc.want {
				t.Fatalf("settle() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestNakDelayBackoff(t *testing.T) {
	base, max := 2*time.Second, 20*time.Second
	want := map[uint64]time.Duration{
		0: 2 * time.Second,
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
		4: 16 * time.Second,
		5: 20 * time.Second,
		9: 20 * time.Second,
	}
	for attempt, expected := range want {
		if got := nakDelay(base, max, attempt); got != expected {
			t.Fatalf("nakDelay(attempt=%d) = %s, want %s", attempt, got, expected)
		}
	}
}

func TestLaneDefaults(t *testing.T) {
	lane := Lane{Name: "completion", Topic: domain.TopicStageCompletion}.withDefaults()
	if lane.Workers != 1 || lane.MaxDeliver != 5 || lane.AckWait != time.Minute {
		t.Fatalf("unexpected defaults: %+v", lane)
	}
}

func TestClassifyNATSError(t *testing.T) {
	if c := classifyNATSError(context.Canceled); c.Retryable || c.RecordFailure {
		t.Fatalf("canceled should not retry or count: %+v", c)
	}
	if c := classifyNATSError(fmt.Errorf("publish: %w", nats.ErrTimeout)); !c.Retryable {
		t.Fatalf("timeout should be retryable")
	}
	if c := classifyNATSError(errors.New("invalid subject")); c.Retryable {
		t.Fatalf("unknown errors should not be retried")
	}
}

func TestWrapTemporaryIfNeeded(t *testing.T) {
	err := wrapTemporaryIfNeeded(fmt.Errorf("publish: %w", nats.ErrNoServers))
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	err = wrapTemporaryIfNeeded(errors.New("payload too large"))
	if domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("non-retryable error must not be temporary")
	}
	if wrapTemporaryIfNeeded(nil) != nil {
		t.Fatalf("nil stays nil")
	}
}

func TestHealthyWithoutConnection(t *testing.T) {
	if (&Broker{}).Healthy() {
		t.Fatalf("a broker without a connection must not report healthy")
	}
}
