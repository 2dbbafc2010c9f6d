// Package chunker splits large documents into overlapping pieces small
// enough to embed independently while preserving semantic boundaries.
//
// Splitting is deterministic: the same input and options always produce
// the same chunks. Each chunk records the byte range it exclusively owns
// in the source, so concatenating those ranges in index order reproduces
// the original document (overlap prefixes are carried in the chunk text
// but excluded from the owned range).
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Strategy selects how split points are chosen.
type Strategy string

const (
	// StrategySemantic prefers paragraph, line, sentence and word
	// boundaries near the size limit.
	StrategySemantic Strategy = "semantic"

	// StrategyCharacter splits at the exact size limit.
	StrategyCharacter Strategy = "character"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	return s == StrategySemantic || s == StrategyCharacter
}

// boundaryWindow is how far back from the size limit the semantic
// strategy searches for a natural split point.
const boundaryWindow = 200

// Default option values.
const (
	DefaultMaxChunkSize = 2000
	DefaultMinChunkSize = 100
	DefaultOverlap      = 100
)

// Options configures a split. The zero value is usable: all fields
// default to the package constants and [StrategySemantic].
type Options struct {
	// MaxChunkSize is the upper bound, in bytes, of a chunk's owned
	// region. Defaults to 2000.
	MaxChunkSize int

	// MinChunkSize is the lower bound for the final chunk; a trailing
	// remainder smaller than this is merged into its predecessor.
	// Defaults to 100.
	MinChunkSize int

	// Overlap is how many bytes from the end of a chunk are carried
	// into the start of the next, trimmed to a word boundary.
	// Defaults to 100.
	Overlap int

	// Strategy selects boundary handling. Defaults to [StrategySemantic].
	Strategy Strategy
}

// withDefaults returns a copy of o with unset or nonsensical fields
// replaced by defaults.
func (o Options) withDefaults() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.MinChunkSize <= 0 {
		o.MinChunkSize = DefaultMinChunkSize
	}
	if o.MinChunkSize >= o.MaxChunkSize {
		o.MinChunkSize = o.MaxChunkSize / 2
	}
	if o.Overlap < 0 {
		o.Overlap = DefaultOverlap
	}
	if o.Overlap >= o.MaxChunkSize {
		o.Overlap = o.MaxChunkSize / 4
	}
	if !o.Strategy.IsValid() {
		o.Strategy = StrategySemantic
	}
	return o
}

// Chunk is one piece of a split document.
type Chunk struct {
	// Text is the chunk content, including the overlap prefix carried
	// from the previous chunk.
	Text string

	// Title is the nearest prior Markdown header, or a positional
	// fallback derived from the parent title.
	Title string

	// Index is the zero-based position of the chunk, Total the number
	// of chunks produced by the split.
	Index int
	Total int

	// Offset and Length locate the chunk's owned region in the source:
	// the bytes it contributes exclusively, without the overlap prefix.
	Offset int
	Length int
}

// region is a half-open byte range [start, end) of the source owned by
// one chunk.
type region struct {
	start, end int
}

// Split divides content into chunks according to opts. Content no longer
// than the maximum size yields a single chunk. parentTitle seeds fallback
// chunk titles when the source carries no Markdown headers.
func Split(content, parentTitle string, opts Options) []Chunk {
	if content == "" {
		return nil
	}
	opts = opts.withDefaults()

	regions := splitRegions(content, opts)
	headers := scanHeaders(content)

	chunks := make([]Chunk, len(regions))
	for i, r := range regions {
		text := content[r.start:r.end]
		if i > 0 && opts.Overlap > 0 {
			prev := regions[i-1]
			text = overlapPrefix(content, prev.start, prev.end, opts.Overlap) + text
		}
		chunks[i] = Chunk{
			Text:   text,
			Title:  titleFor(headers, r.start, parentTitle, i, len(regions)),
			Index:  i,
			Total:  len(regions),
			Offset: r.start,
			Length: r.end - r.start,
		}
	}
	return chunks
}

// splitRegions tiles content into contiguous regions no longer than the
// configured maximum, merging a trailing remainder shorter than the
// minimum into its predecessor.
func splitRegions(content string, opts Options) []region {
	if len(content) <= opts.MaxChunkSize {
		return []region{{0, len(content)}}
	}

	var regions []region
	start := 0
	for start < len(content) {
		rest := len(content) - start
		if rest <= opts.MaxChunkSize {
			regions = append(regions, region{start, len(content)})
			break
		}
		cut := start + splitPoint(content[start:], opts.MaxChunkSize, opts.Strategy)
		regions = append(regions, region{start, cut})
		start = cut
	}

	if n := len(regions); n > 1 && regions[n-1].end-regions[n-1].start < opts.MinChunkSize {
		regions[n-2].end = regions[n-1].end
		regions = regions[:n-1]
	}
	return regions
}

// splitPoint returns the cut offset (relative to s) for the next chunk.
// s is always longer than max. The semantic strategy searches the window
// [max-boundaryWindow, max] for, in order of preference: a blank line, a
// line break, a sentence end, any whitespace. Without a boundary the cut
// falls at max, aligned back to a rune start.
func splitPoint(s string, max int, strategy Strategy) int {
	if strategy == StrategyCharacter {
		return runeAligned(s, max)
	}

	lo := max - boundaryWindow
	if lo < 0 {
		lo = 0
	}
	win := s[lo:max]

	if i := strings.LastIndex(win, "\n\n"); i >= 0 {
		return lo + i + 2
	}
	if i := strings.LastIndexByte(win, '\n'); i >= 0 {
		return lo + i + 1
	}
	if i := lastSentenceEnd(win); i >= 0 {
		return lo + i + 1
	}
	if i := lastWhitespace(win); i >= 0 {
		return lo + i + 1
	}
	return runeAligned(s, max)
}

// lastSentenceEnd returns the index of the last '.', '!' or '?' in s that
// is followed by whitespace, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if isSpace(s[i+1]) {
				return i
			}
		}
	}
	return -1
}

// lastWhitespace returns the index of the last whitespace byte in s, or -1.
func lastWhitespace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if isSpace(s[i]) {
			return i
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// runeAligned backs max off to the nearest UTF-8 rune start so a hard
// split never lands inside a multi-byte character.
func runeAligned(s string, max int) int {
	for max > 1 && !utf8.RuneStart(s[max]) {
		max--
	}
	return max
}

// overlapPrefix extracts the overlap text carried from the previous
// chunk's region [start, end): the trailing overlap bytes, advanced past
// any partial word so the prefix never begins mid-token.
func overlapPrefix(content string, start, end, overlap int) string {
	from := end - overlap
	if from < start {
		from = start
	}
	for from < end && !utf8.RuneStart(content[from]) {
		from++
	}
	// Starting mid-word: drop the partial token and the whitespace after it.
	if from > start && !isSpace(content[from-1]) && from < end && !isSpace(content[from]) {
		for from < end && !isSpace(content[from]) {
			from++
		}
		for from < end && isSpace(content[from]) {
			from++
		}
	}
	return content[from:end]
}

// header is a Markdown header line located in the source.
type header struct {
	offset int
	text   string
}

// scanHeaders collects Markdown '#'-prefixed header lines with their byte
// offsets, in source order.
func scanHeaders(content string) []header {
	var headers []header
	offset := 0
	for offset <= len(content) {
		lineEnd := strings.IndexByte(content[offset:], '\n')
		var line string
		if lineEnd < 0 {
			line = content[offset:]
			lineEnd = len(content) - offset
		} else {
			line = content[offset : offset+lineEnd]
		}
		if text, ok := headerText(line); ok {
			headers = append(headers, header{offset: offset, text: text})
		}
		offset += lineEnd + 1
	}
	return headers
}

// headerText parses a Markdown ATX header line ("#" through "######"
// followed by a space) and returns its text.
func headerText(line string) (string, bool) {
	i := 0
	for i < len(line) && line[i] == '#' {
		i++
	}
	if i == 0 || i > 6 || i >= len(line) || line[i] != ' ' {
		return "", false
	}
	text := strings.TrimSpace(line[i+1:])
	if text == "" {
		return "", false
	}
	return text, true
}

// titleFor picks the chunk title: the nearest header at or before the
// chunk's region start, else a fallback built from the parent title.
func titleFor(headers []header, start int, parentTitle string, index, total int) string {
	for i := len(headers) - 1; i >= 0; i-- {
		if headers[i].offset <= start {
			return headers[i].text
		}
	}
	if total == 1 {
		return parentTitle
	}
	if parentTitle == "" {
		return fmt.Sprintf("Chunk %d/%d", index+1, total)
	}
	return fmt.Sprintf("%s — Chunk %d/%d", parentTitle, index+1, total)
}
