package extractor

import (
	"encoding/csv"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/docuvector/ingest/internal/models"
)

// tableRowsPerPage caps how many data rows of a CSV/TSV land on one page.
const tableRowsPerPage = 200

// TextPages reads a plain-text format into pages. CSV and TSV render as
// markdown pipe tables split every tableRowsPerPage rows, RTF is stripped
// of control words, everything else passes through on a single page.
func TextPages(path, ext string) ([]models.Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	text := normalizeText(string(data))

	switch ext {
	case "csv":
		return tablePages(text, ','), nil
	case "tsv":
		return tablePages(text, '\t'), nil
	case "rtf":
		text = stripRTF(text)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	return []models.Page{{Text: text, PageNumber: 1}}, nil
}

func normalizeText(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// tablePages renders delimited records as markdown pipe tables, repeating
// the header row on every page. Unparseable input falls back to raw text.
func tablePages(text string, comma rune) []models.Page {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	records, err := r.ReadAll()
	if err != nil || len(records) == 0 {
		return []models.Page{{Text: strings.TrimSpace(text), PageNumber: 1}}
	}

	header := records[0]
	rows := records[1:]
	if len(rows) == 0 {
		return []models.Page{{Text: pipeTable(header, nil), PageNumber: 1}}
	}

	var pages []models.Page
	for start := 0; start < len(rows); start += tableRowsPerPage {
		end := start + tableRowsPerPage
		if end > len(rows) {
			end = len(rows)
		}
		pages = append(pages, models.Page{
			Text:       pipeTable(header, rows[start:end]),
			PageNumber: len(pages) + 1,
		})
	}
	return pages
}

func pipeTable(header []string, rows [][]string) string {
	var sb strings.Builder
	writeRow := func(cells []string) {
		sb.WriteString("| ")
		for i, c := range cells {
			if i > 0 {
				sb.WriteString(" | ")
			}
			sb.WriteString(strings.ReplaceAll(strings.TrimSpace(c), "|", "\\|"))
		}
		sb.WriteString(" |\n")
	}

	writeRow(header)
	sep := make([]string, len(header))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(sep)
	for _, row := range rows {
		writeRow(row)
	}
	return strings.TrimRight(sb.String(), "\n")
}

var (
	rtfGroup   = regexp.MustCompile(`\{\\(?:fonttbl|colortbl|stylesheet|info|pict)[^{}]*(?:\{[^{}]*\}[^{}]*)*\}`)
	rtfHex     = regexp.MustCompile(`\\'[0-9a-fA-F]{2}`)
	rtfControl = regexp.MustCompile(`\\[a-zA-Z]+-?\d* ?`)
)

// stripRTF reduces an RTF document to its plain text. Destination groups
// like font and color tables are dropped wholesale, paragraph breaks are
// kept as newlines.
func stripRTF(text string) string {
	text = rtfGroup.ReplaceAllString(text, "")
	text = strings.NewReplacer(
		`\pard`, "",
		`\par`, "\n",
		`\line`, "\n",
		`\tab`, "\t",
	).Replace(text)
	text = rtfHex.ReplaceAllString(text, " ")
	text = rtfControl.ReplaceAllString(text, "")
	text = strings.NewReplacer("{", "", "}", "").Replace(text)

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if ln = strings.TrimSpace(ln); ln != "" {
			kept = append(kept, ln)
		}
	}
	return strings.Join(kept, "\n")
}
