package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/core/ports"
)

type relayObserverFake struct {
	ok, failed, parked int
}

func (f *relayObserverFake) RecordOutboxParked(string) { f.parked++ }

func (f *relayObserverFake) RecordOutboxPublish(_ string, ok bool) {
	if ok {
		f.ok++
		return
	}
	f.failed++
}

func beginAll(t *testing.T, h *harness, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		h.store.seed(domain.Document{ID: id, StorageKey: "k", Status: domain.StatusPending})
		if _, err := h.lifecycle.BeginProcessing(context.Background(), id); err != nil {
			t.Fatalf("BeginProcessing(%d) error = %v", id, err)
		}
	}
}

func TestRelayOncePublishesAndMarks(t *testing.T) {
	h := newHarness()
	beginAll(t, h, 1, 2, 3)
	broker := &publisherFake{}
	observer := &relayObserverFake{}
	relay := NewOutboxRelay(h.store, broker, 10, observer)

	n, err := relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("RelayOnce() error = %v", err)
	}
	if n != 3 || len(broker.messages) != 3 || observer.ok != 3 {
		t.Fatalf("published=%d broker=%d observed=%d, want 3", n, len(broker.messages), observer.ok)
	}
	for _, msg := range h.store.outboxByTopic(domain.TopicStageRequest) {
		if msg.PublishedAt == nil {
			t.Fatalf("row %d not marked published", msg.ID)
		}
	}

	n, err = relay.RelayOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second RelayOnce() = %d, %v; want 0, nil", n, err)
	}
	if len(broker.messages) != 3 {
		t.Fatalf("rows published twice")
	}
}

func TestRelayOnceHoldsTopicAfterTemporaryFailure(t *testing.T) {
	h := newHarness()
	beginAll(t, h, 1, 2, 3)
	broker := &publisherFake{err: domain.WrapError(domain.ErrTemporary, "nats publish", errors.New("nats: timeout")), failOn: 2}
	observer := &relayObserverFake{}
	relay := NewOutboxRelay(h.store, broker, 10, observer)

	n, err := relay.RelayOnce(context.Background())
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if n != 1 || observer.failed != 1 || observer.parked != 0 {
		t.Fatalf("published=%d failed=%d parked=%d, want 1, 1, 0", n, observer.failed, observer.parked)
	}

	rows := h.store.outboxByTopic(domain.TopicStageRequest)
	if rows[0].PublishedAt == nil {
		t.Fatalf("first row should be published")
	}
	if rows[1].PublishedAt != nil || rows[1].ParkedAt != nil || rows[1].Attempts != 1 || rows[1].LastError == "" {
		t.Fatalf("second row should record the failed attempt: %+v", rows[1])
	}
	if rows[2].PublishedAt != nil || rows[2].Attempts != 0 {
		t.Fatalf("third row should wait behind the second: %+v", rows[2])
	}

	broker.err = nil
	n, err = relay.RelayOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("retry RelayOnce() = %d, %v; want 2, nil", n, err)
	}
}

func TestRelayOnceParksPermanentFailure(t *testing.T) {
	h := newHarness()
	beginAll(t, h, 1, 2, 3)
	broker := &publisherFake{reject: func(msg domain.OutboxMessage) error {
		if msg.ID == 1 {
			return errors.New("nats: maximum payload exceeded")
		}
		return nil
	}}
	observer := &relayObserverFake{}
	relay := NewOutboxRelay(h.store, broker, 10, observer)

	n, err := relay.RelayOnce(context.Background())
	if err != nil {
		t.Fatalf("RelayOnce() error = %v", err)
	}
	if n != 2 || len(broker.messages) != 2 || observer.parked != 1 {
		t.Fatalf("published=%d broker=%d parked=%d, want 2, 2, 1", n, len(broker.messages), observer.parked)
	}
	rows := h.store.outboxByTopic(domain.TopicStageRequest)
	if rows[0].ParkedAt == nil || rows[0].PublishedAt != nil || rows[0].LastError != "nats: maximum payload exceeded" {
		t.Fatalf("first row should be parked: %+v", rows[0])
	}
	if rows[1].PublishedAt == nil || rows[2].PublishedAt == nil {
		t.Fatalf("rows behind the parked one must be published: %+v", rows[1:])
	}

	calls := broker.calls
	n, err = relay.RelayOnce(context.Background())
	if err != nil || n != 0 || broker.calls != calls {
		t.Fatalf("parked row must not be retried: n=%d err=%v calls=%d->%d", n, err, calls, broker.calls)
	}
}

func TestRelayOnceParksAfterMaxAttempts(t *testing.T) {
	h := newHarness()
	beginAll(t, h, 1, 2, 3)
	broker := &publisherFake{reject: func(msg domain.OutboxMessage) error {
		if msg.ID == 1 {
			return domain.WrapError(domain.ErrTemporary, "nats publish", errors.New("nats: timeout"))
		}
		return nil
	}}
	relay := NewOutboxRelay(h.store, broker, 10, nil).WithMaxAttempts(2)

	n, err := relay.RelayOnce(context.Background())
	if !domain.IsKind(err, domain.ErrTemporary) || n != 0 {
		t.Fatalf("first RelayOnce() = %d, %v; want 0 and a temporary error", n, err)
	}

	n, err = relay.RelayOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("second RelayOnce() = %d, %v; want 2, nil", n, err)
	}
	rows := h.store.outboxByTopic(domain.TopicStageRequest)
	if rows[0].ParkedAt == nil || rows[0].Attempts != 2 {
		t.Fatalf("first row should be parked after two attempts: %+v", rows[0])
	}
}

func TestRelayOnceTemporaryFailureDoesNotHoldOtherTopics(t *testing.T) {
	h := newHarness()
	beginAll(t, h, 1)
	ctx := context.Background()
	err := h.store.WithinTx(ctx, func(ctx context.Context, uow ports.UnitOfWork) error {
		return uow.Outbox().Enqueue(ctx, &domain.OutboxMessage{
			MessageID: "analyzed-7",
			Topic:     domain.TopicDocumentAnalyzed,
			Payload:   []byte(`{"documentId":7}`),
			CreatedAt: h.clock.Now(),
		})
	})
	if err != nil {
		t.Fatalf("enqueue analyzed event: %v", err)
	}
	broker := &publisherFake{reject: func(msg domain.OutboxMessage) error {
		if msg.Topic == domain.TopicStageRequest {
			return domain.WrapError(domain.ErrTemporary, "nats publish", errors.New("nats: no responders available for request"))
		}
		return nil
	}}
	relay := NewOutboxRelay(h.store, broker, 10, nil)

	n, err := relay.RelayOnce(ctx)
	if !domain.IsKind(err, domain.ErrTemporary) || n != 1 {
		t.Fatalf("RelayOnce() = %d, %v; want 1 and a temporary error", n, err)
	}
	if len(broker.messages) != 1 || broker.messages[0].Topic != domain.TopicDocumentAnalyzed {
		t.Fatalf("analyzed event should pass the held topic: %+v", broker.messages)
	}
}

func TestRelayRespectsBatchSize(t *testing.T) {
	h := newHarness()
	beginAll(t, h, 1, 2, 3)
	broker := &publisherFake{}
	relay := NewOutboxRelay(h.store, broker, 2, nil)

	n, err := relay.RelayOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RelayOnce() = %d, %v; want 2, nil", n, err)
	}
}
