// Package tagging assigns tags from a closed vocabulary to chunks, by
// substring match and by embedding similarity.
package tagging

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// similarityCutoff is the minimum cosine similarity between a chunk
// embedding and a tag embedding for a semantic match.
const similarityCutoff = 0.6

// Embedder is the slice of the embedding client the extractor needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Extractor selects vocabulary tags for chunks. Vocabulary embeddings are
// computed on first use and cached for the extractor's lifetime.
type Extractor struct {
	embedder Embedder
	logger   observability.Logger

	mu         sync.Mutex
	embeddings [][]float32
}

// New creates a tag extractor backed by the given embedder.
func New(embedder Embedder, logger observability.Logger) *Extractor {
	return &Extractor{
		embedder: embedder,
		logger:   logger.WithPrefix("tagging"),
	}
}

// Apply writes a `tags` list into every chunk's metadata and returns the
// document-level union, ordered by vocabulary position. Scoring runs on a
// CPU-bounded goroutine set.
func (e *Extractor) Apply(ctx context.Context, chunks []models.Chunk) ([]string, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	vocabEmbeddings, err := e.vocabularyEmbeddings(ctx)
	if err != nil {
		return nil, err
	}

	perChunk := make([][]string, len(chunks))
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for i := range chunks {
		i := i
		g.Go(func() error {
			perChunk[i] = selectTags(chunks[i].Content, chunks[i].Embedding, vocabEmbeddings)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for i := range chunks {
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]interface{})
		}
		chunks[i].Metadata["tags"] = perChunk[i]
		for _, tag := range perChunk[i] {
			seen[tag] = true
		}
	}

	var union []string
	for _, tag := range Vocabulary {
		if seen[tag] {
			union = append(union, tag)
		}
	}
	return union, nil
}

// selectTags walks the vocabulary in order: a substring hit selects the tag
// outright, otherwise the chunk embedding is scored against the cached tag
// embedding.
func selectTags(content string, embedding []float32, vocabEmbeddings [][]float32) []string {
	lowered := strings.ToLower(content)

	selected := []string{}
	for i, tag := range Vocabulary {
		if strings.Contains(lowered, tag) {
			selected = append(selected, tag)
			continue
		}
		if len(embedding) > 0 && cosineSimilarity(embedding, vocabEmbeddings[i]) >= similarityCutoff {
			selected = append(selected, tag)
		}
	}
	return selected
}

func (e *Extractor) vocabularyEmbeddings(ctx context.Context) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.embeddings != nil {
		return e.embeddings, nil
	}

	embeddings, err := e.embedder.EmbedBatch(ctx, Vocabulary)
	if err != nil {
		return nil, fmt.Errorf("embedding tag vocabulary: %w", err)
	}
	e.embeddings = embeddings
	e.logger.Info("Tag vocabulary embeddings cached", map[string]interface{}{
		"tags": len(Vocabulary),
	})
	return embeddings, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
