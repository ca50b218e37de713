// Package extractor converts fetched payloads into the markdown page
// sequence consumed by the chunker. Each supported format has its own
// entry point; all of them emit the same page shape.
package extractor

import (
	"regexp"
	"strings"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/pdf"
)

// Extraction method names recorded in processing metrics.
const (
	MethodPDFMarkdown = "pdf_markdown"
	MethodPDFText     = "pdf_text"
	MethodDOCX        = "docx"
	MethodText        = "text"
)

// minMeaningfulChars is the threshold below which a markdown pass counts
// as degenerate and the raw page text is used instead.
const minMeaningfulChars = 10

var (
	headingNumbered = regexp.MustCompile(`^(\d+\.)+\d*\.?\s+[A-Za-z]`)
	headingAllCaps  = regexp.MustCompile(`^[A-Z][A-Z0-9 ,&/()'-]+$`)
	headingKeyword  = regexp.MustCompile(`(?i)^(chapter|section|part|appendix|schedule)\s+\w+`)
)

// PDFPages renders every page of doc as markdown with heading markers.
// When the markdown pass yields fewer than 10 meaningful characters in
// total, the raw per-page text is returned instead. The second return
// value names the pass that produced the pages.
func PDFPages(doc *pdf.Document) ([]models.Page, string, error) {
	count := doc.PageCount()
	raw := make([]string, count)
	for i := 1; i <= count; i++ {
		text, err := doc.PageText(i)
		if err != nil {
			// A single unreadable page does not abort the document.
			text = ""
		}
		raw[i-1] = text
	}

	pages := make([]models.Page, count)
	for i, text := range raw {
		pages[i] = models.Page{Text: pageMarkdown(text), PageNumber: i + 1}
	}
	if meaningfulChars(pages) >= minMeaningfulChars {
		return pages, MethodPDFMarkdown, nil
	}

	for i, text := range raw {
		pages[i] = models.Page{Text: strings.TrimSpace(text), PageNumber: i + 1}
	}
	return pages, MethodPDFText, nil
}

// pageMarkdown reflows extracted text runs into markdown: heading-looking
// lines become #-prefixed headings, consecutive body lines are joined into
// paragraphs.
func pageMarkdown(text string) string {
	var out []string
	var para []string

	flush := func() {
		if len(para) == 0 {
			return
		}
		out = append(out, strings.Join(para, " "))
		para = para[:0]
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			flush()
			continue
		}
		if level := headingLevel(line); level > 0 {
			flush()
			out = append(out, strings.Repeat("#", level)+" "+line)
			continue
		}
		para = append(para, line)
	}
	flush()

	return strings.Join(out, "\n\n")
}

// headingLevel reports the markdown heading level for a line, 0 when the
// line is body text. Numbered headings derive their level from the section
// number depth.
func headingLevel(line string) int {
	if len(line) < 3 || len(line) > 120 {
		return 0
	}
	if headingNumbered.MatchString(line) {
		num := strings.SplitN(line, " ", 2)[0]
		depth := len(strings.Split(strings.TrimRight(num, "."), "."))
		if depth > 6 {
			depth = 6
		}
		return depth
	}
	if headingKeyword.MatchString(line) {
		return 1
	}
	if len(line) < 80 && headingAllCaps.MatchString(line) {
		return 1
	}
	return 0
}

// meaningfulChars counts characters that are not whitespace or markdown
// formatting across all pages.
func meaningfulChars(pages []models.Page) int {
	n := 0
	for _, p := range pages {
		for _, r := range p.Text {
			switch r {
			case ' ', '\t', '\n', '\r', '#', '-', '|', '*', '_':
			default:
				n++
			}
		}
	}
	return n
}
