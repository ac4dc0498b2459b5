package neo4j

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type recordingRunner struct {
	statements []statement
	err        error
}

func (r *recordingRunner) runWrite(_ context.Context, statements []statement) error {
	r.statements = append(r.statements, statements...)
	return r.err
}

func TestProjectTagsReplacesEdges(t *testing.T) {
	runner := &recordingRunner{}
	projector := &Projector{runner: runner}

	if err := projector.ProjectTags(context.Background(), 42, "Report", []string{"finance", " ", "q3"}); err != nil {
		t.Fatalf("ProjectTags() error = %v", err)
	}
	if len(runner.statements) != 3 {
		t.Fatalf("statements = %d, want 3", len(runner.statements))
	}
	if !strings.Contains(runner.statements[1].cypher, "DELETE r") {
		t.Fatalf("old edges are not removed: %q", runner.statements[1].cypher)
	}
	tags, _ := runner.statements[2].params["tags"].([]any)
	if len(tags) != 2 || tags[0] != "finance" || tags[1] != "q3" {
		t.Fatalf("tags param = %v", runner.statements[2].params["tags"])
	}
	if runner.statements[0].params["id"] != int64(42) {
		t.Fatalf("id param = %v", runner.statements[0].params["id"])
	}
}

func TestProjectTagsWrapsErrors(t *testing.T) {
	projector := &Projector{runner: &recordingRunner{err: errors.New("connection refused")}}
	err := projector.ProjectTags(context.Background(), 7, "T", nil)
	if err == nil || !strings.Contains(err.Error(), "document 7") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEnsureConstraints(t *testing.T) {
	runner := &recordingRunner{}
	if err := (&Projector{runner: runner}).EnsureConstraints(context.Background()); err != nil {
		t.Fatalf("EnsureConstraints() error = %v", err)
	}
	if len(runner.statements) != 2 {
		t.Fatalf("statements = %d, want 2", len(runner.statements))
	}
}

func TestCloseWithoutDriver(t *testing.T) {
	if err := (&Projector{}).Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
