// Package pdf wraps pdfcpu with the small read-only surface the pipeline
// needs: page count, per-page text, document info and page geometry.
package pdf

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Dim is a page size in PDF points (1/72 inch).
type Dim struct {
	Width  float64
	Height float64
}

// Document is a parsed PDF, safe to probe repeatedly.
type Document struct {
	ctx *model.Context
}

// Open parses and validates the PDF at path.
func Open(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}
	defer f.Close()

	pdfCtx, err := api.ReadValidateAndOptimize(f, model.NewDefaultConfiguration())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pdf: %w", err)
	}
	return &Document{ctx: pdfCtx}, nil
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return d.ctx.PageCount
}

// Creator returns the Creator entry of the document info dictionary,
// empty when absent.
func (d *Document) Creator() string {
	return d.ctx.Creator
}

// Producer returns the Producer entry of the document info dictionary,
// empty when absent.
func (d *Document) Producer() string {
	return d.ctx.Producer
}

// HasFonts reports whether the document carries any font objects. A PDF
// without fonts cannot contain native text.
func (d *Document) HasFonts() bool {
	return d.ctx.Optimize != nil && len(d.ctx.Optimize.FontObjects) > 0
}

// PageDims returns per-page media box sizes in points, in page order.
func (d *Document) PageDims() ([]Dim, error) {
	dims, err := d.ctx.PageDims()
	if err != nil {
		return nil, fmt.Errorf("failed to read page dimensions: %w", err)
	}
	out := make([]Dim, len(dims))
	for i, dm := range dims {
		out[i] = Dim{Width: dm.Width, Height: dm.Height}
	}
	return out, nil
}

// PageText extracts the text runs of page pageNr (1-based). Separate show
// operators become separate lines; kerned fragments inside a TJ array are
// joined into one line.
func (d *Document) PageText(pageNr int) (string, error) {
	r, err := pdfcpu.ExtractPageContent(d.ctx, pageNr)
	if err != nil {
		return "", fmt.Errorf("failed to extract page %d content: %w", pageNr, err)
	}
	if r == nil {
		return "", nil
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read page %d content: %w", pageNr, err)
	}
	return textFromContentStream(raw), nil
}

// textFromContentStream pulls string literals out of a raw content stream.
// PDF text sits in (...) literals consumed by Tj/TJ/' operators; fragments
// of one TJ array belong to a single visual line.
func textFromContentStream(content []byte) string {
	var out, current, line strings.Builder
	str := string(content)
	inParens := 0
	inArray := false

	flushLine := func() {
		s := strings.TrimSpace(line.String())
		line.Reset()
		if s == "" {
			return
		}
		out.WriteString(s)
		out.WriteByte('\n')
	}

	for i := 0; i < len(str); i++ {
		ch := str[i]
		if inParens == 0 {
			switch ch {
			case '(':
				inParens = 1
				current.Reset()
			case '[':
				inArray = true
			case ']':
				inArray = false
				flushLine()
			case '\'':
				flushLine()
			case 'T':
				if !inArray && i+1 < len(str) && str[i+1] == 'j' {
					flushLine()
					i++
				}
			}
			continue
		}

		switch {
		case ch == '\\' && i+1 < len(str):
			next := str[i+1]
			switch next {
			case 'n':
				current.WriteByte('\n')
			case 'r':
				current.WriteByte('\r')
			case 't':
				current.WriteByte('\t')
			default:
				current.WriteByte(next)
			}
			i++
		case ch == '(':
			inParens++
			current.WriteByte(ch)
		case ch == ')':
			inParens--
			if inParens == 0 {
				line.WriteString(current.String())
			} else {
				current.WriteByte(ch)
			}
		default:
			current.WriteByte(ch)
		}
	}
	flushLine()

	return strings.TrimRight(out.String(), "\n")
}
