package tagging

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

// fakeEmbedder maps the "noise" tag to [1,0] and every other text to [0,1],
// so a chunk embedded as [1,0] semantically matches exactly one tag.
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
		if text == "noise" {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func TestApplySubstringMatch(t *testing.T) {
	e := New(&fakeEmbedder{}, observability.NewNoopLogger())
	chunks := []models.Chunk{{Content: "Groundwater infiltration was observed near the culvert."}}

	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, []string{"groundwater", "culvert"}, union)
	assert.Equal(t, []string{"groundwater", "culvert"}, chunks[0].Metadata["tags"])
}

func TestApplySubstringMatchIsCaseInsensitive(t *testing.T) {
	e := New(&fakeEmbedder{}, observability.NewNoopLogger())
	chunks := []models.Chunk{{Content: "GROUNDWATER LEVELS WERE STABLE."}}

	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, []string{"groundwater"}, union)
}

func TestApplySemanticMatch(t *testing.T) {
	e := New(&fakeEmbedder{}, observability.NewNoopLogger())
	chunks := []models.Chunk{{
		Content:   "Loud hum from the generators overnight.",
		Embedding: []float32{1, 0},
	}}

	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)
	assert.Equal(t, []string{"noise"}, union)
}

func TestApplyUnionOrderedByVocabulary(t *testing.T) {
	e := New(&fakeEmbedder{}, observability.NewNoopLogger())
	chunks := []models.Chunk{
		{Content: "The culvert was replaced."},
		{Content: "Groundwater was encountered at depth."},
	}

	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)
	// groundwater precedes culvert in the vocabulary even though the
	// culvert chunk came first.
	assert.Equal(t, []string{"groundwater", "culvert"}, union)
	assert.Equal(t, []string{"culvert"}, chunks[0].Metadata["tags"])
	assert.Equal(t, []string{"groundwater"}, chunks[1].Metadata["tags"])
}

func TestApplyNoMatches(t *testing.T) {
	e := New(&fakeEmbedder{}, observability.NewNoopLogger())
	chunks := []models.Chunk{{Content: "Nothing relevant here."}}

	union, err := e.Apply(context.Background(), chunks)
	require.NoError(t, err)
	assert.Empty(t, union)

	tags, ok := chunks[0].Metadata["tags"].([]string)
	require.True(t, ok)
	assert.Empty(t, tags)
}

func TestVocabularyEmbeddedOnce(t *testing.T) {
	embedder := &fakeEmbedder{}
	e := New(embedder, observability.NewNoopLogger())

	for i := 0; i < 3; i++ {
		_, err := e.Apply(context.Background(), []models.Chunk{{Content: "culvert work"}})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, embedder.calls)
}

func TestApplyEmbedderFailureRetries(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("unreachable")}
	e := New(embedder, observability.NewNoopLogger())

	_, err := e.Apply(context.Background(), []models.Chunk{{Content: "anything"}})
	require.Error(t, err)

	// A transient failure must not poison the cache.
	embedder.err = nil
	_, err = e.Apply(context.Background(), []models.Chunk{{Content: "anything"}})
	require.NoError(t, err)
	assert.Equal(t, 2, embedder.calls)
}

func TestApplyEmptyChunks(t *testing.T) {
	embedder := &fakeEmbedder{}
	e := New(embedder, observability.NewNoopLogger())

	union, err := e.Apply(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, union)
	assert.Equal(t, 0, embedder.calls)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
	assert.Zero(t, cosineSimilarity([]float32{1}, []float32{1, 0}))
	assert.Zero(t, cosineSimilarity(nil, nil))
}

func TestVocabularyShape(t *testing.T) {
	seen := make(map[string]bool)
	for _, tag := range Vocabulary {
		assert.NotEmpty(t, tag)
		assert.Equal(t, strings.ToLower(tag), tag, "vocabulary entries must be lowercase: %q", tag)
		assert.False(t, seen[tag], "duplicate vocabulary entry: %q", tag)
		seen[tag] = true
	}
	assert.Greater(t, len(Vocabulary), 100)
}
