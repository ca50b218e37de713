package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTextPagesPlain(t *testing.T) {
	pages, err := TextPages(writeTemp(t, "notes.txt", "line one\r\nline two\n"), "txt")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "line one\nline two", pages[0].Text)
	assert.Equal(t, 1, pages[0].PageNumber)
}

func TestTextPagesMarkdownPassthrough(t *testing.T) {
	pages, err := TextPages(writeTemp(t, "doc.md", "# Title\n\nBody text.\n"), "md")
	require.NoError(t, err)
	assert.Equal(t, "# Title\n\nBody text.", pages[0].Text)
}

func TestTextPagesCSV(t *testing.T) {
	pages, err := TextPages(writeTemp(t, "data.csv", "name,size\nalpha,1\nbeta,2\n"), "csv")
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "| name | size |\n| --- | --- |\n| alpha | 1 |\n| beta | 2 |", pages[0].Text)
}

func TestTextPagesCSVSplitsIntoPages(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("id,value\n")
	for i := 0; i < 450; i++ {
		fmt.Fprintf(&sb, "%d,v%d\n", i, i)
	}

	pages, err := TextPages(writeTemp(t, "big.csv", sb.String()), "csv")
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i+1, p.PageNumber)
		assert.True(t, strings.HasPrefix(p.Text, "| id | value |\n| --- | --- |\n"), "page %d missing header", i+1)
	}
	assert.Contains(t, pages[2].Text, "| 449 | v449 |")
}

func TestTextPagesTSV(t *testing.T) {
	pages, err := TextPages(writeTemp(t, "data.tsv", "a\tb\n1\t2\n"), "tsv")
	require.NoError(t, err)
	assert.Equal(t, "| a | b |\n| --- | --- |\n| 1 | 2 |", pages[0].Text)
}

func TestTextPagesRTF(t *testing.T) {
	rtf := `{\rtf1\ansi{\fonttbl{\f0 Arial;}}\f0\fs20 Hello\par World}`
	pages, err := TextPages(writeTemp(t, "doc.rtf", rtf), "rtf")
	require.NoError(t, err)
	assert.Equal(t, "Hello\nWorld", pages[0].Text)
}

func TestTextPagesEmptyFile(t *testing.T) {
	pages, err := TextPages(writeTemp(t, "empty.txt", "  \n "), "txt")
	require.NoError(t, err)
	assert.Empty(t, pages)
}
