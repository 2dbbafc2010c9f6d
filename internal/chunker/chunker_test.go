package chunker

import (
	"strconv"
	"strings"
	"testing"
)

// sentences builds deterministic prose of roughly n bytes, made of short
// sentences separated into paragraphs every five sentences.
func sentences(n int) string {
	var b strings.Builder
	i := 0
	for b.Len() < n {
		b.WriteString("The quick brown fox jumps over the lazy dog near the river bank. ")
		i++
		if i%5 == 0 {
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

// reconstruct concatenates the owned regions of all chunks in index order.
func reconstruct(t *testing.T, src string, chunks []Chunk) string {
	t.Helper()
	var b strings.Builder
	for _, c := range chunks {
		if c.Offset < 0 || c.Offset+c.Length > len(src) {
			t.Fatalf("chunk %d region [%d, %d) out of bounds (len %d)", c.Index, c.Offset, c.Offset+c.Length, len(src))
		}
		b.WriteString(src[c.Offset : c.Offset+c.Length])
	}
	return b.String()
}

func TestSplit_SmallInputSingleChunk(t *testing.T) {
	content := "A short note that fits comfortably."
	chunks := Split(content, "Note", Options{})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.Text != content {
		t.Errorf("text = %q, want input unchanged", c.Text)
	}
	if c.Title != "Note" {
		t.Errorf("title = %q, want parent title for single chunk", c.Title)
	}
	if c.Index != 0 || c.Total != 1 {
		t.Errorf("index/total = %d/%d, want 0/1", c.Index, c.Total)
	}
	if c.Offset != 0 || c.Length != len(content) {
		t.Errorf("region = [%d, %d), want full input", c.Offset, c.Offset+c.Length)
	}
}

func TestSplit_EmptyInput(t *testing.T) {
	if chunks := Split("", "x", Options{}); chunks != nil {
		t.Fatalf("expected nil for empty input, got %d chunks", len(chunks))
	}
}

func TestSplit_Reconstruction(t *testing.T) {
	content := sentences(12000)
	chunks := Split(content, "Doc", Options{})
	if len(chunks) < 6 {
		t.Fatalf("expected at least 6 chunks for 12k input, got %d", len(chunks))
	}
	if got := reconstruct(t, content, chunks); got != content {
		t.Errorf("reconstruction mismatch: got %d bytes, want %d", len(got), len(content))
	}
}

func TestSplit_RegionsWithinMaxSize(t *testing.T) {
	content := sentences(9000)
	opts := Options{MaxChunkSize: 500, MinChunkSize: 50, Overlap: 40}
	chunks := Split(content, "Doc", opts)
	for _, c := range chunks {
		// The merged trailing remainder may push the last region past max,
		// but never past max+min.
		limit := opts.MaxChunkSize
		if c.Index == c.Total-1 {
			limit += opts.MinChunkSize
		}
		if c.Length > limit {
			t.Errorf("chunk %d owns %d bytes, limit %d", c.Index, c.Length, limit)
		}
	}
}

func TestSplit_PrefersParagraphBoundary(t *testing.T) {
	// A paragraph break 50 bytes before the limit must win over the
	// whitespace boundaries that follow it.
	para := strings.Repeat("a", 1950) + "\n\nsecond paragraph starts here and continues with more words " + strings.Repeat("b", 2000)
	chunks := Split(para, "", Options{})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if got := chunks[0].Length; got != 1952 {
		t.Errorf("first region length = %d, want 1952 (cut after blank line)", got)
	}
}

func TestSplit_SentenceBoundary(t *testing.T) {
	// No newlines at all: the sentence end inside the window must be chosen.
	content := strings.Repeat("word ", 392) + "End." + " " + strings.Repeat("tail ", 500)
	chunks := Split(content, "", Options{})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	first := content[:chunks[0].Length]
	if !strings.HasSuffix(first, "End.") {
		t.Errorf("first region ends %q, want cut right after sentence end", first[len(first)-10:])
	}
}

func TestSplit_HardSplitWithoutBoundaries(t *testing.T) {
	content := strings.Repeat("x", 5000)
	chunks := Split(content, "", Options{Overlap: 0})
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks (2000+2000+1000), got %d", len(chunks))
	}
	if chunks[0].Length != 2000 || chunks[1].Length != 2000 || chunks[2].Length != 1000 {
		t.Errorf("region lengths = %d/%d/%d, want 2000/2000/1000",
			chunks[0].Length, chunks[1].Length, chunks[2].Length)
	}
	if got := reconstruct(t, content, chunks); got != content {
		t.Error("reconstruction mismatch on hard splits")
	}
}

func TestSplit_HardSplitRuneSafe(t *testing.T) {
	// Multi-byte runes with no whitespace: the odd limit forces the hard
	// split to back off onto a rune start.
	content := strings.Repeat("ä", 3000) // 2 bytes each
	chunks := Split(content, "", Options{MaxChunkSize: 2001, Overlap: 0})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for _, c := range chunks {
		if !strings.HasPrefix(c.Text, "ä") || !strings.HasSuffix(c.Text, "ä") {
			t.Errorf("chunk %d split inside a rune", c.Index)
		}
	}
	if got := reconstruct(t, content, chunks); got != content {
		t.Error("reconstruction mismatch on rune-aligned splits")
	}
}

func TestSplit_OverlapCarried(t *testing.T) {
	content := sentences(7000)
	opts := Options{Overlap: 100}
	chunks := Split(content, "Doc", opts)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i := 1; i < len(chunks); i++ {
		c := chunks[i]
		prefix := c.Text[:len(c.Text)-c.Length]
		if len(prefix) == 0 {
			t.Errorf("chunk %d carries no overlap", i)
			continue
		}
		if len(prefix) > opts.Overlap {
			t.Errorf("chunk %d overlap = %d bytes, want at most %d", i, len(prefix), opts.Overlap)
		}
		prevEnd := chunks[i-1].Offset + chunks[i-1].Length
		if !strings.HasSuffix(content[:prevEnd], prefix) {
			t.Errorf("chunk %d overlap is not a suffix of the previous region", i)
		}
		// Trimmed to a word boundary: never starts mid-token.
		if at := c.Offset - len(prefix); at > 0 {
			before := content[at-1]
			if before != ' ' && before != '\n' && before != '\t' && prefix[0] != ' ' && prefix[0] != '\n' {
				t.Errorf("chunk %d overlap starts mid-word: ...%q + %q", i, string(before), prefix[:10])
			}
		}
	}
}

func TestSplit_MarkdownHeaderTitles(t *testing.T) {
	content := "# Alpha\n" + sentences(2500) + "\n## Beta\n" + sentences(2500)
	chunks := Split(content, "Doc", Options{})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	if chunks[0].Title != "Alpha" {
		t.Errorf("first title = %q, want %q", chunks[0].Title, "Alpha")
	}
	last := chunks[len(chunks)-1]
	if last.Title != "Beta" {
		t.Errorf("last title = %q, want %q", last.Title, "Beta")
	}
}

func TestSplit_FallbackTitles(t *testing.T) {
	content := sentences(5000)
	chunks := Split(content, "My Report", Options{})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	want := "My Report — Chunk 1/" + strconv.Itoa(len(chunks))
	if chunks[0].Title != want {
		t.Errorf("title = %q, want %q", chunks[0].Title, want)
	}

	anon := Split(content, "", Options{})
	if got, want := anon[0].Title, "Chunk 1/"+strconv.Itoa(len(anon)); got != want {
		t.Errorf("anonymous title = %q, want %q", got, want)
	}
}

func TestSplit_MinChunkMergesTrailingRemainder(t *testing.T) {
	// 2050 bytes: the 50-byte remainder is under MinChunkSize and must be
	// folded into the first chunk.
	content := strings.Repeat("y", 2050)
	chunks := Split(content, "", Options{})
	if len(chunks) != 1 {
		t.Fatalf("expected 1 merged chunk, got %d", len(chunks))
	}
	if chunks[0].Length != 2050 {
		t.Errorf("merged region length = %d, want 2050", chunks[0].Length)
	}
}

func TestSplit_CharacterStrategy(t *testing.T) {
	content := sentences(4500)
	chunks := Split(content, "", Options{Strategy: StrategyCharacter, Overlap: 0})
	for i, c := range chunks {
		if i < len(chunks)-1 && c.Length != DefaultMaxChunkSize {
			t.Errorf("chunk %d length = %d, want exact max under character strategy", i, c.Length)
		}
	}
	if got := reconstruct(t, content, chunks); got != content {
		t.Error("reconstruction mismatch under character strategy")
	}
}

func TestSplit_Deterministic(t *testing.T) {
	content := sentences(10000)
	a := Split(content, "Doc", Options{})
	b := Split(content, "Doc", Options{})
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between identical runs", i)
		}
	}
}

func TestOptions_Defaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.MaxChunkSize != 2000 || o.MinChunkSize != 100 || o.Overlap != 100 {
		t.Errorf("defaults = %d/%d/%d, want 2000/100/100", o.MaxChunkSize, o.MinChunkSize, o.Overlap)
	}
	if o.Strategy != StrategySemantic {
		t.Errorf("default strategy = %q, want semantic", o.Strategy)
	}

	// Nonsensical combinations are clamped rather than rejected.
	o = Options{MaxChunkSize: 100, MinChunkSize: 200, Overlap: 150}.withDefaults()
	if o.MinChunkSize >= o.MaxChunkSize {
		t.Errorf("min %d not clamped below max %d", o.MinChunkSize, o.MaxChunkSize)
	}
	if o.Overlap >= o.MaxChunkSize {
		t.Errorf("overlap %d not clamped below max %d", o.Overlap, o.MaxChunkSize)
	}
}
