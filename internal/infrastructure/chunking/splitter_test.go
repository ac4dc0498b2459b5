package chunking

import (
	"strings"
	"testing"
)

func TestSplitPrefersWhitespace(t *testing.T) {
	chunks := NewSplitter(12, 0).Split("alpha beta gamma delta epsilon")
	want := []string{"alpha beta", "gamma delta", "epsilon"}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %q, want %q", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestSplitLongWordsAndOverlap(t *testing.T) {
	chunks := NewSplitter(4, 1).Split("abcdefghij")
	if len(chunks) != 3 || chunks[0] != "abcd" || chunks[1] != "defg" || chunks[2] != "ghij" {
		t.Fatalf("chunks = %q", chunks)
	}
	for _, c := range chunks {
		if len([]rune(c)) > 4 {
			t.Fatalf("chunk %q exceeds size", c)
		}
	}
}

func TestSplitEmptyAndDefaults(t *testing.T) {
	if chunks := NewSplitter(0, -1).Split("   "); chunks != nil {
		t.Fatalf("chunks = %q, want nil", chunks)
	}
	s := NewSplitter(8, 8)
	if s.Overlap != 2 {
		t.Fatalf("overlap = %d, want 2", s.Overlap)
	}
	if got := NewSplitter(0, 0).Split(strings.Repeat("x ", 10)); len(got) != 1 {
		t.Fatalf("short text should fit one chunk: %q", got)
	}
}
