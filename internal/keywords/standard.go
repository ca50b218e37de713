package keywords

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// standardExtractor ranks noun-phrase candidates by cosine similarity
// between the candidate's embedding and the chunk's embedding. It makes
// one embedding call per chunk, bounded by the worker limit.
type standardExtractor struct {
	embedder Embedder
	workers  int
	logger   observability.Logger
}

func (e *standardExtractor) Apply(ctx context.Context, chunks []models.Chunk) ([]string, error) {
	perChunk := make([][]string, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range chunks {
		i := i
		g.Go(func() error {
			keywords, err := e.chunkKeywords(gctx, &chunks[i])
			if err != nil {
				return err
			}
			perChunk[i] = keywords
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return annotate(chunks, perChunk), nil
}

func (e *standardExtractor) chunkKeywords(ctx context.Context, chunk *models.Chunk) ([]string, error) {
	candidates, err := nounPhrases(chunk.Content, maxCandidates)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []string{}, nil
	}

	vectors, err := e.embedder.EmbedBatch(ctx, candidates)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(candidates))
	for i, phrase := range candidates {
		scores[phrase] = cosine(vectors[i], chunk.Embedding)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return scores[candidates[i]] > scores[candidates[j]]
	})

	if len(candidates) > maxKeywordsPerChunk {
		candidates = candidates[:maxKeywordsPerChunk]
	}
	return candidates, nil
}

func cosine(a, b []float32) float64 {
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
