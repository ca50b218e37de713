package pdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTextFromContentStream(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "single show operator",
			content: "BT /F1 12 Tf 72 720 Td (Hello World) Tj ET",
			want:    "Hello World",
		},
		{
			name:    "separate show operators become lines",
			content: "BT (Chapter 1) Tj 0 -14 Td (Body text here) Tj ET",
			want:    "Chapter 1\nBody text here",
		},
		{
			name:    "kerned TJ array joins fragments",
			content: "BT [(En) -30 (vironmental) -250 ( Assessment)] TJ ET",
			want:    "Environmental Assessment",
		},
		{
			name:    "escaped characters",
			content: `BT (Smith \(ed.\) \\ co) Tj ET`,
			want:    `Smith (ed.) \ co`,
		},
		{
			name:    "balanced nested parens inside literal",
			content: "BT (outer (inner) tail) Tj ET",
			want:    "outer (inner) tail",
		},
		{
			name:    "quote operator starts a new line",
			content: "BT (first) ' (second) ' ET",
			want:    "first\nsecond",
		},
		{
			name:    "no text operators",
			content: "q 1 0 0 1 0 0 cm /Im0 Do Q",
			want:    "",
		},
		{
			name:    "empty stream",
			content: "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, textFromContentStream([]byte(tt.content)))
		})
	}
}

func TestTextFromContentStreamEscapedNewlines(t *testing.T) {
	got := textFromContentStream([]byte(`BT (line one\nline two) Tj ET`))
	assert.Equal(t, "line one\nline two", got)
}
