// Package retrieval implements the corpus pipeline and the hybrid
// retrieval engine: chunking, lexical and vector indexing, score fusion
// and context formatting.
package retrieval

import (
	"fmt"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"promptdesk/internal/domain"
)

// Document is a source text to be chunked and indexed.
type Document struct {
	ID       string
	Title    string
	Category string
	Text     string
}

// Chunker cuts documents into overlapping token windows. Boundaries are
// deterministic: the same document always yields the same chunks.
type Chunker struct {
	chunkSize int
	overlap   int
	minChunk  int
	counter   domain.TokenCounter
}

// NewChunker builds a chunker. Zero or negative sizes fall back to the
// defaults (800 token windows, 150 token overlap, 200 token minimum).
func NewChunker(chunkSize, overlap, minChunk int, counter domain.TokenCounter) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 800
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = 150
	}
	if minChunk <= 0 || minChunk > chunkSize {
		minChunk = 200
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap, minChunk: minChunk, counter: counter}
}

// segment is one whitespace-delimited word of the source text, addressed
// by byte offsets so chunk text is always a verbatim slice of the source.
type segment struct {
	start, end int
	tokens     int
	paraStart  bool
}

// Split returns the chunks of doc as a restartable sequence.
func (c *Chunker) Split(doc Document) iter.Seq[domain.Chunk] {
	return func(yield func(domain.Chunk) bool) {
		for _, ch := range c.SplitAll(doc) {
			if !yield(ch) {
				return
			}
		}
	}
}

// SplitAll returns all chunks of doc as a slice.
func (c *Chunker) SplitAll(doc Document) []domain.Chunk {
	segs := c.segment(doc.Text)
	if len(segs) == 0 {
		return nil
	}

	ranges := c.cutRanges(segs)

	chunks := make([]domain.Chunk, 0, len(ranges))
	for i, r := range ranges {
		tokens := 0
		for _, s := range segs[r[0]:r[1]] {
			tokens += s.tokens
		}
		chunks = append(chunks, domain.Chunk{
			ID:         fmt.Sprintf("%s:%04d", doc.ID, i),
			DocumentID: doc.ID,
			Title:      doc.Title,
			Category:   doc.Category,
			Index:      i,
			Text:       doc.Text[segs[r[0]].start:segs[r[1]-1].end],
			Tokens:     tokens,
		})
	}
	return chunks
}

// segment splits text into words with byte offsets and per-word token
// counts, marking words that open a new paragraph (preceded by a blank
// line).
func (c *Chunker) segment(text string) []segment {
	var segs []segment
	i := 0
	newlines := 0
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if unicode.IsSpace(r) {
			if r == '\n' {
				newlines++
			}
			i += size
			continue
		}
		start := i
		for i < len(text) {
			r, size := utf8.DecodeRuneInString(text[i:])
			if unicode.IsSpace(r) {
				break
			}
			i += size
		}
		word := text[start:i]
		segs = append(segs, segment{
			start:     start,
			end:       i,
			tokens:    max(1, c.counter.CountText(word)),
			paraStart: len(segs) == 0 || newlines >= 2,
		})
		newlines = 0
	}
	return segs
}

// cutRanges walks the segments producing half-open [start,end) ranges.
// Each window targets chunkSize tokens but prefers a paragraph boundary
// within 10% of the target. A trailing fragment below minChunk merges
// into the previous range.
func (c *Chunker) cutRanges(segs []segment) [][2]int {
	lo := c.chunkSize - c.chunkSize/10
	hi := c.chunkSize + c.chunkSize/10

	var ranges [][2]int
	start := 0
	for start < len(segs) {
		cum := 0
		end := start
		hardEnd := -1
		bestCut := -1
		bestDist := c.chunkSize
		for end < len(segs) {
			cum += segs[end].tokens
			end++
			if hardEnd < 0 && cum >= c.chunkSize {
				hardEnd = end
			}
			if cum >= lo && cum <= hi && (end == len(segs) || segs[end].paraStart) {
				if d := abs(cum - c.chunkSize); d < bestDist {
					bestDist = d
					bestCut = end
				}
			}
			if cum > hi {
				break
			}
		}
		if hardEnd < 0 {
			hardEnd = end
		}
		cut := hardEnd
		if bestCut >= 0 {
			cut = bestCut
		}

		ranges = append(ranges, [2]int{start, cut})
		if cut >= len(segs) {
			break
		}
		start = c.overlapStart(segs, start, cut)
	}

	// Merge a short trailing fragment into the chunk before it.
	if n := len(ranges); n > 1 {
		lastTokens := 0
		for _, s := range segs[ranges[n-1][0]:ranges[n-1][1]] {
			lastTokens += s.tokens
		}
		if lastTokens < c.minChunk {
			ranges[n-2][1] = ranges[n-1][1]
			ranges = ranges[:n-1]
		}
	}
	return ranges
}

// overlapStart finds where the next chunk begins: the latest position
// whose tail (up to cut) holds at most overlap tokens. Always advances
// past start so the walk terminates.
func (c *Chunker) overlapStart(segs []segment, start, cut int) int {
	tail := 0
	pos := cut
	for pos > start+1 {
		if tail+segs[pos-1].tokens > c.overlap {
			break
		}
		tail += segs[pos-1].tokens
		pos--
	}
	return pos
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// chunkPreview returns a short prefix for logging.
func chunkPreview(text string) string {
	const n = 60
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) <= n {
		return text
	}
	return text[:n] + "..."
}
