// Package chunker splits markdown pages into bounded, heading-aware chunks.
package chunker

import (
	"regexp"
	"strings"

	"github.com/docuvector/ingest/internal/models"
)

// Splitter cuts markdown pages along heading boundaries first, then into
// character-bounded windows with overlap.
type Splitter struct {
	ChunkSize int // Maximum characters per chunk
	Overlap   int // Characters shared between consecutive windows
}

// New creates a splitter with the given window size and overlap.
func New(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = chunkSize / 5
	}
	return &Splitter{ChunkSize: chunkSize, Overlap: overlap}
}

var headingLine = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

type section struct {
	headings []string
	page     int
	lines    []string
}

// headingFrame keeps the markdown level alongside the text so a document
// that starts at H2, or skips levels, still produces a correct path.
type headingFrame struct {
	level int
	text  string
}

// Split divides the pages into chunks and returns them together with the
// ordered, de-duplicated list of headings seen across the whole document.
// Heading lines are lifted out of chunk content into the headings path;
// every chunk records the page it came from and the headings enclosing it.
func (s *Splitter) Split(pages []models.Page) ([]models.Chunk, []string) {
	var chunks []models.Chunk
	var docHeadings []string
	seenHeadings := make(map[string]bool)

	var stack []headingFrame
	index := 0

	for _, page := range pages {
		cur := section{headings: pathOf(stack), page: page.PageNumber}

		flush := func() {
			for _, content := range s.windows(strings.TrimSpace(strings.Join(cur.lines, "\n"))) {
				chunks = append(chunks, models.Chunk{
					Index:   index,
					Content: content,
					Metadata: map[string]interface{}{
						"page_number": cur.page,
						"headings":    cur.headings,
					},
				})
				index++
			}
		}

		for _, line := range strings.Split(page.Text, "\n") {
			m := headingLine.FindStringSubmatch(line)
			if m == nil {
				cur.lines = append(cur.lines, line)
				continue
			}

			flush()

			level := len(m[1])
			text := strings.TrimSpace(m[2])
			for len(stack) > 0 && stack[len(stack)-1].level >= level {
				stack = stack[:len(stack)-1]
			}
			stack = append(stack, headingFrame{level: level, text: text})
			if !seenHeadings[text] {
				seenHeadings[text] = true
				docHeadings = append(docHeadings, text)
			}

			cur = section{headings: pathOf(stack), page: page.PageNumber}
		}
		flush()
	}

	return chunks, docHeadings
}

// windows cuts text into character windows, preferring paragraph and line
// boundaries over mid-word cuts. Windows after the first begin Overlap
// characters before the previous cut. Sizes and offsets count runes, so a
// cut never lands inside a multi-byte character.
func (s *Splitter) windows(text string) []string {
	if text == "" {
		return nil
	}

	var out []string
	rest := []rune(text)
	for len(rest) > s.ChunkSize {
		cut := s.cutPoint(rest[:s.ChunkSize])
		piece := strings.TrimSpace(string(rest[:cut]))
		if piece != "" {
			out = append(out, piece)
		}

		advance := cut - s.Overlap
		if advance <= 0 {
			advance = cut
		}
		rest = rest[advance:]
	}
	if piece := strings.TrimSpace(string(rest)); piece != "" {
		out = append(out, piece)
	}
	return out
}

// cutPoint picks where to end the current window: the last paragraph break
// past the midpoint, else the last line break, else the last space, else a
// hard cut at the window edge.
func (s *Splitter) cutPoint(window []rune) int {
	lastPara, lastLine, lastSpace := -1, -1, -1
	for i, r := range window {
		switch {
		case r == '\n' && i > 0 && window[i-1] == '\n':
			lastPara = i - 1
			lastLine = i
		case r == '\n':
			lastLine = i
		case r == ' ':
			lastSpace = i
		}
	}
	for _, idx := range [...]int{lastPara, lastLine, lastSpace} {
		if idx > len(window)/2 {
			return idx
		}
	}
	return len(window)
}

func pathOf(stack []headingFrame) []string {
	out := make([]string, len(stack))
	for i, f := range stack {
		out[i] = f.text
	}
	return out
}
