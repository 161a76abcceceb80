package chunker

import (
	"strings"
	"testing"
)

func TestSplit_ShortTextSingleChunk(t *testing.T) {
	chunks := Split("hello world", DefaultChunkSize, DefaultOverlapRatio)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != "hello world" {
		t.Errorf("chunk content mismatch: %q", chunks[0])
	}
}

func TestSplit_EmptyTextNoChunks(t *testing.T) {
	if chunks := Split("", DefaultChunkSize, DefaultOverlapRatio); chunks != nil {
		t.Errorf("expected no chunks for empty input, got %d", len(chunks))
	}
}

func TestSplit_OverlapIsCarriedForward(t *testing.T) {
	// 100-char chunks with 15% overlap: step is 85.
	text := strings.Repeat("abcdefghij", 30) // 300 chars
	chunks := Split(text, 100, 0.15)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	overlap := OverlapChars(100, 0.15)
	for i := 1; i < len(chunks); i++ {
		prevTail := chunks[i-1][len(chunks[i-1])-overlap:]
		head := chunks[i][:overlap]
		if prevTail != head {
			t.Errorf("chunk %d head does not overlap previous tail: %q vs %q", i, head, prevTail)
		}
	}
}

func TestSplit_Deterministic(t *testing.T) {
	text := strings.Repeat("the quick brown fox ", 500)
	a := Split(text, DefaultChunkSize, DefaultOverlapRatio)
	b := Split(text, DefaultChunkSize, DefaultOverlapRatio)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestJoin_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		text string
		size int
	}{
		{"exact_multiple", strings.Repeat("x", 200), 100},
		{"with_remainder", strings.Repeat("0123456789", 107), 100},
		{"single_chunk", "short", 100},
		{"multibyte_runes", strings.Repeat("héllo wörld ", 40), 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chunks := Split(tc.text, tc.size, 0.15)
			got := Join(chunks, tc.size, 0.15)
			if got != tc.text {
				t.Errorf("round trip mismatch: got %d chars, want %d", len(got), len(tc.text))
			}
		})
	}
}

func TestSplit_NoEmptyChunks(t *testing.T) {
	text := strings.Repeat("z", 1013)
	for _, c := range Split(text, 100, 0.15) {
		if c == "" {
			t.Fatal("produced an empty chunk")
		}
	}
}
