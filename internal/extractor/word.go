package extractor

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/docuvector/ingest/internal/models"
)

// WordPages converts a DOCX file into a single markdown page. Heading
// styles map to markdown heading levels, tables render as pipe tables.
func WordPages(path string) ([]models.Page, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open docx as zip: %w", err)
	}
	defer zr.Close()

	styles := parseWordStyles(&zr.Reader)
	doc, err := parseWordDocument(&zr.Reader)
	if err != nil {
		return nil, err
	}

	md := renderWordMarkdown(doc, styles)
	if strings.TrimSpace(md) == "" {
		return nil, nil
	}
	return []models.Page{{Text: md, PageNumber: 1}}, nil
}

// Subset of the wordprocessingml document.xml schema. Go's xml decoder
// matches on local names, so the w: prefix needs no handling.

type wordDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    wordBody `xml:"body"`
}

type wordBody struct {
	Paragraphs []wordParagraph `xml:"p"`
	Tables     []wordTable     `xml:"tbl"`
}

type wordParagraph struct {
	Properties wordParagraphProps `xml:"pPr"`
	Runs       []wordRun          `xml:"r"`
}

type wordParagraphProps struct {
	Style struct {
		Val string `xml:"val,attr"`
	} `xml:"pStyle"`
}

type wordRun struct {
	Text []wordText `xml:"t"`
}

type wordText struct {
	Content string `xml:",chardata"`
}

type wordTable struct {
	Rows []wordTableRow `xml:"tr"`
}

type wordTableRow struct {
	Cells []wordTableCell `xml:"tc"`
}

type wordTableCell struct {
	Paragraphs []wordParagraph `xml:"p"`
}

type wordStyles struct {
	XMLName xml.Name       `xml:"styles"`
	Styles  []wordStyleDef `xml:"style"`
}

type wordStyleDef struct {
	Type    string `xml:"type,attr"`
	StyleID string `xml:"styleId,attr"`
	Name    struct {
		Val string `xml:"val,attr"`
	} `xml:"name"`
	PPr struct {
		OutlineLvl *struct {
			Val int `xml:"val,attr"`
		} `xml:"outlineLvl"`
	} `xml:"pPr"`
}

// parseWordStyles maps paragraph style IDs to heading levels. Built-in
// Heading1-6 IDs are recognized even when styles.xml is missing or broken.
func parseWordStyles(zr *zip.Reader) map[string]int {
	styles := map[string]int{
		"Title":    1,
		"Subtitle": 2,
		"Heading1": 1,
		"Heading2": 2,
		"Heading3": 3,
		"Heading4": 4,
		"Heading5": 5,
		"Heading6": 6,
	}

	data, err := readZipFile(zr, "word/styles.xml")
	if err != nil {
		return styles
	}
	var parsed wordStyles
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return styles
	}

	for _, s := range parsed.Styles {
		if s.Type != "paragraph" || s.StyleID == "" {
			continue
		}
		if s.PPr.OutlineLvl != nil {
			level := s.PPr.OutlineLvl.Val + 1
			if level >= 1 && level <= 9 {
				styles[s.StyleID] = level
			}
			continue
		}
		name := strings.ToLower(s.Name.Val)
		if strings.HasPrefix(name, "heading") {
			for i := 1; i <= 6; i++ {
				if strings.Contains(name, fmt.Sprintf("%d", i)) {
					styles[s.StyleID] = i
					break
				}
			}
		}
	}
	return styles
}

func parseWordDocument(zr *zip.Reader) (*wordDocument, error) {
	data, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return nil, fmt.Errorf("failed to read document.xml: %w", err)
	}
	var doc wordDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse document.xml: %w", err)
	}
	return &doc, nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found", name)
}

func renderWordMarkdown(doc *wordDocument, styles map[string]int) string {
	var blocks []string

	for _, para := range doc.Body.Paragraphs {
		text := wordParagraphText(para)
		if text == "" {
			continue
		}
		level := styles[para.Properties.Style.Val]
		if level > 0 {
			if level > 6 {
				level = 6
			}
			blocks = append(blocks, strings.Repeat("#", level)+" "+text)
		} else {
			blocks = append(blocks, text)
		}
	}

	for _, table := range doc.Body.Tables {
		if t := renderWordTable(table); t != "" {
			blocks = append(blocks, t)
		}
	}

	return strings.Join(blocks, "\n\n")
}

func wordParagraphText(para wordParagraph) string {
	var sb strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			sb.WriteString(t.Content)
		}
	}
	return strings.TrimSpace(sb.String())
}

func renderWordTable(table wordTable) string {
	var rows []string
	for i, row := range table.Rows {
		var cells []string
		for _, cell := range row.Cells {
			var parts []string
			for _, para := range cell.Paragraphs {
				if text := wordParagraphText(para); text != "" {
					parts = append(parts, text)
				}
			}
			cells = append(cells, strings.Join(parts, " "))
		}
		rows = append(rows, "| "+strings.Join(cells, " | ")+" |")
		if i == 0 {
			sep := make([]string, len(cells))
			for j := range sep {
				sep[j] = "---"
			}
			rows = append(rows, "| "+strings.Join(sep, " | ")+" |")
		}
	}
	return strings.Join(rows, "\n")
}
