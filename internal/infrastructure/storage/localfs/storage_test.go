package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
)

func TestSaveOpenAndLocator(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	if err := s.Save(ctx, "abc_report.pdf", strings.NewReader("payload")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	rc, err := s.Open(ctx, "abc_report.pdf")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rc.Close()
	raw, _ := io.ReadAll(rc)
	if string(raw) != "payload" {
		t.Fatalf("content = %q", raw)
	}

	locator := s.Locator("abc_report.pdf")
	if !strings.HasPrefix(locator, "file://") || !strings.HasSuffix(locator, "/abc_report.pdf") {
		t.Fatalf("locator = %q", locator)
	}
	got, err := s.ReadLocal(locator)
	if err != nil || string(got) != "payload" {
		t.Fatalf("ReadLocal() = %q, %v", got, err)
	}
}

func TestRejectsEscapingKeys(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for _, key := range []string{"", "../x", "a/b", ".."} {
		err := s.Save(context.Background(), key, strings.NewReader("x"))
		if !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("Save(%q) error = %v, want invalid input", key, err)
		}
	}
}

func TestReadLocalOutsideRoot(t *testing.T) {
	root := t.TempDir()
	s, err := New(filepath.Join(root, "store"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	outside := filepath.Join(root, "secret.txt")
	if err := os.WriteFile(outside, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = s.ReadLocal("file://" + filepath.ToSlash(outside))
	if !domain.IsKind(err, domain.ErrMalformedArtifact) {
		t.Fatalf("expected malformed artifact, got %v", err)
	}
	_, err = s.ReadLocal(s.Locator("missing.md"))
	if !domain.IsKind(err, domain.ErrMalformedArtifact) {
		t.Fatalf("missing artifact should be malformed, got %v", err)
	}
}
