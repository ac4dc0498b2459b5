package cloudevents

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

func TestEncodeDecodeKeepsIDAndPayload(t *testing.T) {
	codec := NewCodec("/api")
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := []byte(`{"documentId":42,"resultLocator":"s3://bucket/42.md"}`)

	raw, err := codec.Encode(domain.OutboxMessage{
		MessageID: "0f8e",
		Topic:     domain.TopicStageCompletion,
		Payload:   payload,
		CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("envelope is not json: %v", err)
	}
	if wire["specversion"] != "1.0" || wire["id"] != "0f8e" || wire["type"] != "io.docpipeline.stage.completion" {
		t.Fatalf("unexpected envelope attributes: %v", wire)
	}

	env, err := codec.Decode(raw, "ignored")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.ID != "0f8e" || env.Topic != domain.TopicStageCompletion || env.Source != "/api" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var msg domain.StageCompletion
	if err := json.Unmarshal(env.Data, &msg); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if msg.DocumentID != 42 || msg.ResultLocator != "s3://bucket/42.md" {
		t.Fatalf("unexpected payload: %+v", msg)
	}
	if !env.Time.Equal(created) {
		t.Fatalf("time = %v, want %v", env.Time, created)
	}
}

func TestDecodeAcceptsBarePayload(t *testing.T) {
	env, err := NewCodec("").Decode([]byte(`{"subjectId":7,"eventType":"VIEW"}`), "nats-msg-1")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.ID != "nats-msg-1" || string(env.Data) != `{"subjectId":7,"eventType":"VIEW"}` {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := NewCodec("").Decode([]byte("not json"), "x"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := NewCodec("").Decode([]byte(`{"specversion":"1.0","id":""}`), "x"); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for incomplete envelope, got %v", err)
	}
}

func TestEncodeRequiresMessageID(t *testing.T) {
	if _, err := NewCodec("").Encode(domain.OutboxMessage{Topic: domain.TopicStatsEvent, Payload: []byte(`{}`)}); err == nil {
		t.Fatalf("expected error")
	}
}
