package keywords

import (
	"context"
	"sort"
	"strings"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// simplifiedExtractor ranks regex word n-grams by raw frequency. It needs
// no models and no network, which makes it the fallback for constrained
// deployments.
type simplifiedExtractor struct {
	logger observability.Logger
}

func (e *simplifiedExtractor) Apply(ctx context.Context, chunks []models.Chunk) ([]string, error) {
	perChunk := make([][]string, len(chunks))
	for i := range chunks {
		perChunk[i] = topByFrequency(chunks[i].Content)
	}
	return annotate(chunks, perChunk), nil
}

func topByFrequency(text string) []string {
	counts := make(map[string]int)
	var order []string

	for _, run := range contentRuns(tokenize(text)) {
		for n := 1; n <= maxPhraseWords; n++ {
			for start := 0; start+n <= len(run); start++ {
				phrase := strings.Join(run[start:start+n], " ")
				if counts[phrase] == 0 {
					order = append(order, phrase)
				}
				counts[phrase]++
			}
		}
	}

	// Highest frequency first; longer phrases win ties; earlier occurrence
	// breaks the rest.
	sort.SliceStable(order, func(i, j int) bool {
		if counts[order[i]] != counts[order[j]] {
			return counts[order[i]] > counts[order[j]]
		}
		return phraseWords(order[i]) > phraseWords(order[j])
	})

	if len(order) > maxKeywordsPerChunk {
		order = order[:maxKeywordsPerChunk]
	}
	return order
}

func phraseWords(phrase string) int {
	return strings.Count(phrase, " ") + 1
}
