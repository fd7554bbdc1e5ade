package ingestion

import (
	"strings"
	"testing"
)

func TestSplit_Empty(t *testing.T) {
	if got := Split(""); got != nil {
		t.Errorf("expected nil for empty content, got %+v", got)
	}
	if got := Split("   \n\t  "); got != nil {
		t.Errorf("expected nil for whitespace-only content, got %+v", got)
	}
}

func TestSplit_ShortContentIsOneChunk(t *testing.T) {
	content := strings.Repeat("a", 500)
	chunks := Split(content)
	if len(chunks) != 1 {
		t.Fatalf("expected a single chunk for short content, got %d", len(chunks))
	}
	if chunks[0].Content != content {
		t.Errorf("expected content to be preserved verbatim")
	}
}

func TestSplit_LongContentRespectsSizeBounds(t *testing.T) {
	// Build content with paragraph breaks every ~300 chars so the splitter
	// has natural markers to find within its search window.
	var sb strings.Builder
	para := strings.Repeat("x", 280)
	for i := 0; i < 20; i++ {
		sb.WriteString(para)
		sb.WriteString("\n\n")
	}
	content := sb.String()

	chunks := Split(content)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks for long content, got %d", len(chunks))
	}

	for i, c := range chunks {
		runeLen := len([]rune(c.Content))
		if i < len(chunks)-1 && runeLen > MaxChunkSize {
			t.Errorf("chunk %d exceeds MaxChunkSize: %d runes", i, runeLen)
		}
		if c.Index != i {
			t.Errorf("expected chunk index %d, got %d", i, c.Index)
		}
	}
}

func TestSplit_RemainderBelowMinIsAppended(t *testing.T) {
	// A remainder under MinChunkSize after the first hard-cut chunk is
	// appended whole as the final chunk: 1324 runes give [0,1024) and then,
	// after the 100-rune overlap, the last 400 runes starting at 924.
	content := strings.Repeat("y", TargetChunkSize+300)
	chunks := Split(content)

	if len(chunks) != 2 {
		t.Fatalf("expected exactly 2 chunks, got %d", len(chunks))
	}
	if !strings.HasSuffix(content, chunks[len(chunks)-1].Content[len(chunks[len(chunks)-1].Content)-50:]) {
		t.Errorf("expected final chunk to end the content")
	}
}

func TestSplit_NoEmptyChunks(t *testing.T) {
	content := strings.Repeat("z", 5000)
	chunks := Split(content)
	for i, c := range chunks {
		if strings.TrimSpace(c.Content) == "" {
			t.Errorf("chunk %d is empty", i)
		}
	}
}
