package keywords

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// fakeEmbedder maps "turbidity" to [1,0] and everything else to [0,1], so
// a chunk embedded as [1,0] ranks exactly one candidate on top.
type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if text == "turbidity" {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func noopLogger() observability.Logger { return observability.NewNoopLogger() }

func assertKeywordShape(t *testing.T, keywords []string) {
	t.Helper()
	assert.LessOrEqual(t, len(keywords), maxKeywordsPerChunk)
	for _, kw := range keywords {
		assert.Equal(t, strings.ToLower(kw), kw, "keywords must be lowercase: %q", kw)
		words := strings.Split(kw, " ")
		assert.LessOrEqual(t, len(words), maxPhraseWords)
		for _, w := range words {
			assert.False(t, stopwords[w], "keyword %q contains stopword %q", kw, w)
		}
	}
}

func TestNewSelectsVariant(t *testing.T) {
	e, err := New(VariantSimplified, 2, nil, noopLogger())
	require.NoError(t, err)
	assert.IsType(t, &simplifiedExtractor{}, e)

	e, err = New(VariantFast, 2, nil, noopLogger())
	require.NoError(t, err)
	assert.IsType(t, &fastExtractor{}, e)

	e, err = New(VariantStandard, 2, &fakeEmbedder{}, noopLogger())
	require.NoError(t, err)
	assert.IsType(t, &standardExtractor{}, e)

	// Empty selects standard.
	e, err = New("", 2, &fakeEmbedder{}, noopLogger())
	require.NoError(t, err)
	assert.IsType(t, &standardExtractor{}, e)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New("keybert", 2, nil, noopLogger())
	assert.Error(t, err)

	_, err = New(VariantStandard, 2, nil, noopLogger())
	assert.Error(t, err)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t,
		[]string{"dewatering", "phase", "at", "sites"},
		tokenize("Dewatering (Phase-2) at 45 sites"))
	assert.Empty(t, tokenize("12 34 ..."))
}

func TestContentRuns(t *testing.T) {
	runs := contentRuns(tokenize("groundwater in the culvert area"))
	assert.Equal(t, [][]string{{"groundwater"}, {"culvert", "area"}}, runs)
}

func TestSimplifiedTopByFrequency(t *testing.T) {
	e, err := New(VariantSimplified, 1, nil, noopLogger())
	require.NoError(t, err)

	chunks := []models.Chunk{{Content: "culvert culvert culvert inspection inspection schedule"}}
	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)

	keywords, ok := chunks[0].Metadata["keywords"].([]string)
	require.True(t, ok)
	assertKeywordShape(t, keywords)
	assert.Equal(t, "culvert", keywords[0])
	assert.Contains(t, keywords, "inspection")
	assert.Contains(t, union, "culvert")
}

func TestSimplifiedSkipsStopwords(t *testing.T) {
	e, err := New(VariantSimplified, 1, nil, noopLogger())
	require.NoError(t, err)

	chunks := []models.Chunk{{Content: "The project of the document"}}
	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)
	assert.Empty(t, union)

	keywords, ok := chunks[0].Metadata["keywords"].([]string)
	require.True(t, ok)
	assert.Empty(t, keywords)
}

func TestSimplifiedUnionDedupes(t *testing.T) {
	e, err := New(VariantSimplified, 1, nil, noopLogger())
	require.NoError(t, err)

	chunks := []models.Chunk{
		{Content: "culvert repair"},
		{Content: "culvert liner"},
	}
	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)

	count := 0
	for _, kw := range union {
		if kw == "culvert" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestFastRanksByTFIDF(t *testing.T) {
	e, err := New(VariantFast, 2, nil, noopLogger())
	require.NoError(t, err)

	chunks := []models.Chunk{
		{Content: "The manhole survey covers the manhole riser."},
		{Content: "The survey covers the roadway."},
		{Content: "The survey covers the bridge deck."},
	}
	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)
	assert.NotEmpty(t, union)

	keywords, ok := chunks[0].Metadata["keywords"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, keywords)
	assertKeywordShape(t, keywords)
	// "manhole" appears twice in one chunk only; "survey" appears in every
	// chunk and scores zero.
	assert.Equal(t, "manhole", keywords[0])
}

func TestStandardRanksByEmbedding(t *testing.T) {
	embedder := &fakeEmbedder{}
	e, err := New(VariantStandard, 2, embedder, noopLogger())
	require.NoError(t, err)

	chunks := []models.Chunk{{
		Content:   "The turbidity readings exceeded the intake threshold.",
		Embedding: []float32{1, 0},
	}}
	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)
	assert.Contains(t, union, "turbidity")

	keywords, ok := chunks[0].Metadata["keywords"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, keywords)
	assertKeywordShape(t, keywords)
	assert.Equal(t, "turbidity", keywords[0])
	assert.Equal(t, 1, embedder.calls)
}

func TestStandardPropagatesEmbedderError(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("unreachable")}
	e, err := New(VariantStandard, 2, embedder, noopLogger())
	require.NoError(t, err)

	_, err = e.Apply(context.Background(), []models.Chunk{{Content: "turbidity readings"}})
	assert.Error(t, err)
}

func TestStandardEmptyContent(t *testing.T) {
	embedder := &fakeEmbedder{}
	e, err := New(VariantStandard, 2, embedder, noopLogger())
	require.NoError(t, err)

	chunks := []models.Chunk{{Content: "   "}}
	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)
	assert.Empty(t, union)
	assert.Equal(t, 0, embedder.calls)

	keywords, ok := chunks[0].Metadata["keywords"].([]string)
	require.True(t, ok)
	assert.Empty(t, keywords)
}

func TestStopwordsCoverDomainTerms(t *testing.T) {
	for _, w := range []string{"project", "projects", "document", "documents", "section", "sections"} {
		assert.True(t, stopwords[w], "expected %q in stopword list", w)
	}
}
