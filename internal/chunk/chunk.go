// Package chunk splits extracted text into overlapping windows sized for
// embedding and retrieval. Splitting is fully deterministic: identical text
// and config always produce identical boundaries, sequence indices, and
// chunk ids, which is what makes re-ingestion idempotent.
package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DefaultTargetSize is the default chunk size in runes.
const DefaultTargetSize = 1000

// DefaultOverlap is the default overlap between adjacent chunks in runes.
const DefaultOverlap = 200

// Config controls chunk boundaries. Model is the embedding model identifier;
// it participates in chunk identity so switching models re-keys every chunk
// rather than silently mixing vector spaces.
type Config struct {
	TargetSize int
	Overlap    int
	Model      string
}

// Chunk is one contiguous span of a document's extracted text.
// Start and End are rune offsets into the source text.
type Chunk struct {
	ID    string
	Seq   int
	Text  string
	Start int
	End   int
}

// normalize fills defaults and keeps the overlap strictly smaller than the
// chunk size so the window always advances.
func (c Config) normalize() Config {
	if c.TargetSize <= 0 {
		c.TargetSize = DefaultTargetSize
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.Overlap >= c.TargetSize {
		c.Overlap = c.TargetSize / 4
	}
	return c
}

// ID derives the deterministic chunk id for a sequence index within a
// document version.
func ID(contentHash, model string, seq int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", contentHash, model, seq)))
	return hex.EncodeToString(sum[:])
}

// Split cuts text into ordered chunks. Empty text yields no chunks; text
// shorter than one window yields exactly one. Boundaries prefer paragraph
// breaks, then sentence ends, then word breaks, falling back to a hard cut.
func Split(contentHash, text string, cfg Config) []Chunk {
	cfg = cfg.normalize()
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + cfg.TargetSize
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = adjustBoundary(runes, start, end)
		}

		seq := len(chunks)
		chunks = append(chunks, Chunk{
			ID:    ID(contentHash, cfg.Model, seq),
			Seq:   seq,
			Text:  string(runes[start:end]),
			Start: start,
			End:   end,
		})

		if end == len(runes) {
			break
		}
		next := end - cfg.Overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// adjustBoundary moves a cut point backward to the best break found in the
// last half of the window: a paragraph break beats a sentence end beats a
// whitespace gap. The hard cut stands when the window has no break at all.
func adjustBoundary(runes []rune, start, end int) int {
	floor := start + (end-start)/2

	if i := lastParagraphBreak(runes, floor, end); i > floor {
		return i
	}
	if i := lastSentenceEnd(runes, floor, end); i > floor {
		return i
	}
	if i := lastWhitespace(runes, floor, end); i > floor {
		return i
	}
	return end
}

// lastParagraphBreak returns the index just past the last "\n\n" in
// runes[floor:end], or floor if none exists.
func lastParagraphBreak(runes []rune, floor, end int) int {
	for i := end - 1; i > floor; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	return floor
}

// lastSentenceEnd returns the index just past the last sentence terminator
// followed by whitespace, or floor if none exists.
func lastSentenceEnd(runes []rune, floor, end int) int {
	for i := end - 1; i > floor; i-- {
		if !isSpace(runes[i]) {
			continue
		}
		switch runes[i-1] {
		case '.', '!', '?':
			return i + 1
		}
	}
	return floor
}

func lastWhitespace(runes []rune, floor, end int) int {
	for i := end - 1; i > floor; i-- {
		if isSpace(runes[i]) {
			return i + 1
		}
	}
	return floor
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
