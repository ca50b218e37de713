package keywords

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// fastExtractor ranks noun-phrase candidates by tf-idf across the
// document's chunks. No network calls; candidate extraction is the only
// expensive step and runs on a bounded worker set.
type fastExtractor struct {
	workers int
	logger  observability.Logger
}

func (e *fastExtractor) Apply(ctx context.Context, chunks []models.Chunk) ([]string, error) {
	candidates := make([][]string, len(chunks))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range chunks {
		i := i
		g.Go(func() error {
			var err error
			candidates[i], err = nounPhrases(chunks[i].Content, 0)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	c := newCorpus(texts)

	perChunk := make([][]string, len(chunks))
	for i := range chunks {
		perChunk[i] = c.topPhrases(i, candidates[i], maxKeywordsPerChunk)
	}
	return annotate(chunks, perChunk), nil
}
