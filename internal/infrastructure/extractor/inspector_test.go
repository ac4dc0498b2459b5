package extractor

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/kirillkom/document-pipeline/internal/core/domain"
	"github.com/kirillkom/document-pipeline/internal/infrastructure/chunking"
)

// buildPDF writes a minimal PDF with one Helvetica text line per page.
func buildPDF(texts ...string) []byte {
	var buf bytes.Buffer
	offsets := []int{}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	n := len(texts)
	kids := make([]string, n)
	for i := range texts {
		kids[i] = fmt.Sprintf("%d 0 R", 4+2*i)
	}
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n))
	obj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")
	for i, text := range texts {
		obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 3 0 R >> >> /Contents %d 0 R >>", 5+2*i))
		content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)
		obj(fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestInspectPDF(t *testing.T) {
	index, err := NewInspector(nil).Inspect(context.Background(), "application/pdf", buildPDF("Hello", "World"))
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if index.PageCount != 2 || len(index.Pages) != 2 {
		t.Fatalf("pages = %d/%d, want 2", index.PageCount, len(index.Pages))
	}
	if index.Pages[0].Number != 1 || !strings.Contains(index.Pages[0].Text, "Hello") {
		t.Fatalf("first page = %+v", index.Pages[0])
	}
	if index.MediaType != "application/pdf" {
		t.Fatalf("media type = %q", index.MediaType)
	}
}

func TestInspectRejectsInvalidPDF(t *testing.T) {
	for _, raw := range [][]byte{[]byte("not a pdf"), []byte("%PDF-1.4\ngarbage")} {
		_, err := NewInspector(nil).Inspect(context.Background(), "application/pdf", raw)
		if !domain.IsKind(err, domain.ErrInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
	}
}

func TestInspectPlainTextChunks(t *testing.T) {
	inspector := NewInspector(chunking.NewSplitter(10, 2))
	index, err := inspector.Inspect(context.Background(), "text/markdown", []byte("\uFEFF# Title\r\n\r\nsome body text here"))
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if index.PageCount != 1 || len(index.Chunks) < 2 {
		t.Fatalf("unexpected index: %+v", index)
	}
	if strings.Contains(index.Chunks[0], "\r") || strings.HasPrefix(index.Chunks[0], "\uFEFF") {
		t.Fatalf("text not normalized: %q", index.Chunks[0])
	}
}

func TestInspectRejectsBinaryAndUnknownTypes(t *testing.T) {
	inspector := NewInspector(nil)
	if _, err := inspector.Inspect(context.Background(), "text/plain", []byte{0xff, 0xfe, 0x00}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("binary text: %v", err)
	}
	if _, err := inspector.Inspect(context.Background(), "image/png", []byte("x")); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("unknown type: %v", err)
	}
}
