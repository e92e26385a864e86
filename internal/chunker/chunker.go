// Package chunker splits document text into bounded, overlapping chunks,
// the unit of retrieval for the rest of the system.
//
// A strategy is a rule for finding the next good split point before the size
// limit is reached. The strategy set is closed: Simple splits on line
// boundaries, Sentence on sentence-terminal punctuation, Paragraph on blank
// lines (falling back to sentence splits inside oversized paragraphs), and
// Markdown treats heading lines as mandatory boundaries and records the
// governing headings in each chunk's metadata. All strategies fall back to a
// hard character cut when a single segment exceeds the limit.
//
// Chunking is deterministic: the same input and configuration always produce
// byte-identical chunks. Chunks carry start/end byte offsets into the original
// text, so concatenating chunk contents with overlaps removed reconstructs the
// input exactly.
package chunker

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode"
)

// ErrInvalidConfiguration indicates unusable chunking parameters.
// This is a caller error and is never retried.
var ErrInvalidConfiguration = errors.New("invalid chunking configuration")

// Strategy selects the split-point rule used when packing chunks.
type Strategy string

// Known chunking strategies.
const (
	StrategySimple    Strategy = "simple"
	StrategySentence  Strategy = "sentence"
	StrategyParagraph Strategy = "paragraph"
	StrategyMarkdown  Strategy = "markdown"
)

// Default chunking parameters, matching the reference configuration.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// MetadataHeadings is the metadata key under which the Markdown strategy
// records the heading trail governing a chunk.
const MetadataHeadings = "headings"

// Chunk is a bounded contiguous slice of a document's text.
// Start and End are byte offsets into the original input; the leading
// Start..(previous End) region of a chunk is overlap re-included from its
// predecessor.
type Chunk struct {
	Content  string
	Start    int
	End      int
	Metadata map[string]string
}

// Config controls how text is split.
type Config struct {
	// Strategy to use. Empty defaults to StrategySimple, which is further
	// specialized by ContentType: "markdown"/"md" selects StrategyMarkdown
	// and "html" selects StrategyParagraph.
	Strategy Strategy

	// ChunkSize is the maximum chunk length in characters. Zero defaults
	// to DefaultChunkSize.
	ChunkSize int

	// ChunkOverlap is the number of trailing characters of chunk i
	// re-included at the head of chunk i+1. Must be < ChunkSize.
	// Zero is allowed (no overlap).
	ChunkOverlap int

	// ContentType of the input ("text", "markdown", "md", "html").
	// Only consulted when Strategy is empty or StrategySimple.
	ContentType string
}

// Chunker splits text according to a validated configuration.
type Chunker struct {
	strategy Strategy
	size     int
	overlap  int
}

// New validates cfg and returns a Chunker.
// chunk_overlap >= chunk_size fails with ErrInvalidConfiguration.
func New(cfg Config) (*Chunker, error) {
	size := cfg.ChunkSize
	if size == 0 {
		size = DefaultChunkSize
	}
	overlap := cfg.ChunkOverlap
	if cfg.ChunkSize == 0 && cfg.ChunkOverlap == 0 {
		overlap = DefaultChunkOverlap
	}

	if size < 1 {
		return nil, fmt.Errorf("%w: chunk size %d must be positive", ErrInvalidConfiguration, size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: chunk overlap %d must not be negative", ErrInvalidConfiguration, overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("%w: chunk overlap %d must be smaller than chunk size %d", ErrInvalidConfiguration, overlap, size)
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategySimple
	}
	if strategy == StrategySimple {
		switch cfg.ContentType {
		case "markdown", "md":
			strategy = StrategyMarkdown
		case "html":
			strategy = StrategyParagraph
		}
	}

	switch strategy {
	case StrategySimple, StrategySentence, StrategyParagraph, StrategyMarkdown:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfiguration, strategy)
	}

	return &Chunker{strategy: strategy, size: size, overlap: overlap}, nil
}

// Strategy reports the effective strategy after content-type specialization.
func (c *Chunker) Strategy() Strategy { return c.strategy }

// Chunks returns a lazy, restartable sequence of chunks. Ranging over the
// sequence twice yields identical results. Empty or whitespace-only input
// yields an empty sequence.
func (c *Chunker) Chunks(text string) iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if strings.TrimSpace(text) == "" {
			return
		}

		var trail headingTrail
		scanned := 0

		pos := 0
		for pos < len(text) {
			end, atHeading := c.cut(text, pos)

			if c.strategy == StrategyMarkdown {
				trail.scan(text, scanned, end)
				scanned = end
			}

			chunk := Chunk{Content: text[pos:end], Start: pos, End: end}
			if c.strategy == StrategyMarkdown {
				if h := trail.render(); h != "" {
					chunk.Metadata = map[string]string{MetadataHeadings: h}
				}
			}
			if !yield(chunk) {
				return
			}

			if end >= len(text) {
				return
			}

			// No overlap across a mandatory heading boundary, and never
			// step backwards past the current chunk's start.
			next := end - c.overlap
			if atHeading || next <= pos {
				next = end
			}
			pos = next
		}
	}
}

// Split collects the full chunk sequence into a slice.
func (c *Chunker) Split(text string) []Chunk {
	var chunks []Chunk
	for chunk := range c.Chunks(text) {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// cut determines where the chunk starting at pos ends. The returned end is
// always > pos and <= pos+size, except that a markdown heading inside the
// window forces an earlier cut. atHeading reports whether the cut landed
// exactly on a heading start, in which case overlap must not cross it.
func (c *Chunker) cut(text string, pos int) (end int, atHeading bool) {
	limit := min(pos+c.size, len(text))

	if c.strategy == StrategyMarkdown {
		if h := nextHeadingStart(text, pos, limit); h > pos {
			return h, true
		}
	}

	if limit == len(text) {
		return limit, false
	}

	var split int
	switch c.strategy {
	case StrategySimple:
		split = lastLineSplit(text, pos, limit)
	case StrategySentence:
		split = lastSentenceSplit(text, pos, limit)
	case StrategyParagraph, StrategyMarkdown:
		split = lastParagraphSplit(text, pos, limit)
		if split < 0 {
			// Oversized paragraph: sub-split on sentence boundaries.
			split = lastSentenceSplit(text, pos, limit)
		}
	}
	if split > pos {
		return split, false
	}

	// Hard character cut: no usable boundary inside the window.
	return limit, false
}

// lastLineSplit returns the position just after the last newline in
// (pos, limit], or -1 if there is none.
func lastLineSplit(text string, pos, limit int) int {
	idx := strings.LastIndexByte(text[pos:limit], '\n')
	if idx < 0 {
		return -1
	}
	return pos + idx + 1
}

// lastSentenceSplit returns the position just after the last sentence-terminal
// punctuation mark in (pos, limit] that is followed by whitespace, or -1.
func lastSentenceSplit(text string, pos, limit int) int {
	for i := limit - 1; i > pos; i-- {
		ch := text[i-1]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		if i == len(text) || unicode.IsSpace(rune(text[i])) {
			return i
		}
	}
	return -1
}

// lastParagraphSplit returns the position just after the last blank-line
// boundary ("\n\n") in (pos, limit], or -1.
func lastParagraphSplit(text string, pos, limit int) int {
	idx := strings.LastIndex(text[pos:limit], "\n\n")
	if idx < 0 {
		return -1
	}
	return pos + idx + 2
}

// nextHeadingStart returns the start offset of the first markdown heading
// line in (pos, limit], or -1. A heading never merges into the chunk that
// precedes it.
func nextHeadingStart(text string, pos, limit int) int {
	for i := pos + 1; i <= limit && i < len(text); i++ {
		if text[i-1] != '\n' {
			continue
		}
		if isHeadingLine(text[i:]) {
			return i
		}
	}
	return -1
}

// isHeadingLine reports whether s begins with an ATX heading marker
// (one to six '#' followed by a space or tab).
func isHeadingLine(s string) bool {
	n := 0
	for n < len(s) && s[n] == '#' {
		n++
	}
	if n < 1 || n > 6 || n >= len(s) {
		return false
	}
	return s[n] == ' ' || s[n] == '\t'
}

// headingTrail tracks the heading hierarchy in effect at a point in the text.
// Pushing a heading of level L pops all headings of level >= L.
type headingTrail struct {
	entries []headingEntry
}

type headingEntry struct {
	level int
	text  string
}

// scan advances the trail over text[from:to), recording heading lines.
func (t *headingTrail) scan(text string, from, to int) {
	for i := from; i < to; i++ {
		if i != 0 && text[i-1] != '\n' {
			continue
		}
		line := text[i:to]
		if nl := strings.IndexByte(line, '\n'); nl >= 0 {
			line = line[:nl]
		}
		if !isHeadingLine(line) {
			continue
		}
		level := strings.IndexFunc(line, func(r rune) bool { return r != '#' })
		title := strings.TrimSpace(line[level:])
		for len(t.entries) > 0 && t.entries[len(t.entries)-1].level >= level {
			t.entries = t.entries[:len(t.entries)-1]
		}
		t.entries = append(t.entries, headingEntry{level: level, text: title})
	}
}

// render returns the trail as "H1 > H2 > H3", outermost first.
func (t *headingTrail) render() string {
	if len(t.entries) == 0 {
		return ""
	}
	parts := make([]string, len(t.entries))
	for i, e := range t.entries {
		parts[i] = e.text
	}
	return strings.Join(parts, " > ")
}
