// Package keywords annotates chunks with a small set of content keywords.
//
// Three variants sit behind one constructor and share a single contract:
// write `keywords` into each chunk's metadata (at most five, lowercase,
// one to three words, no stopwords) and return the document-level union.
// The variants trade quality for speed; callers treat them uniformly.
package keywords

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"github.com/docuvector/ingest/internal/models"
	"github.com/docuvector/ingest/internal/observability"
)

// Variant names accepted by New.
const (
	VariantStandard   = "standard"
	VariantFast       = "fast"
	VariantSimplified = "simplified"
)

const (
	maxKeywordsPerChunk = 5
	maxPhraseWords      = 3
	minWordLength       = 2
	maxCandidates       = 30
)

// Embedder is the slice of the embedding client the standard variant needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Extractor annotates chunks with keywords and returns the union set.
type Extractor interface {
	Apply(ctx context.Context, chunks []models.Chunk) ([]string, error)
}

// New selects a keyword extractor variant. The standard variant ranks
// candidates against the chunk embedding and requires an embedder; the
// other two are purely local.
func New(variant string, workers int, embedder Embedder, logger observability.Logger) (Extractor, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	logger = logger.WithPrefix("keywords")

	switch variant {
	case "", VariantStandard:
		if embedder == nil {
			return nil, fmt.Errorf("keyword variant %q requires an embedder", VariantStandard)
		}
		return &standardExtractor{embedder: embedder, workers: workers, logger: logger}, nil
	case VariantFast:
		return &fastExtractor{workers: workers, logger: logger}, nil
	case VariantSimplified:
		return &simplifiedExtractor{logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown keyword variant %q", variant)
	}
}

var wordPattern = regexp.MustCompile(`[a-z]+(?:-[a-z]+)*`)

// tokenize lowercases the text and keeps letter-and-hyphen word tokens.
func tokenize(text string) []string {
	return wordPattern.FindAllString(strings.ToLower(text), -1)
}

// contentRuns splits the token stream at stopwords and short tokens, so
// emitted phrases never contain either.
func contentRuns(tokens []string) [][]string {
	var runs [][]string
	var cur []string
	for _, tok := range tokens {
		if len(tok) < minWordLength || stopwords[tok] {
			if len(cur) > 0 {
				runs = append(runs, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, tok)
	}
	if len(cur) > 0 {
		runs = append(runs, cur)
	}
	return runs
}

// annotate writes the per-chunk keyword lists into chunk metadata and
// builds the document-level union in first-seen order.
func annotate(chunks []models.Chunk, perChunk [][]string) []string {
	var union []string
	seen := make(map[string]bool)
	for i := range chunks {
		if perChunk[i] == nil {
			perChunk[i] = []string{}
		}
		if chunks[i].Metadata == nil {
			chunks[i].Metadata = make(map[string]interface{})
		}
		chunks[i].Metadata["keywords"] = perChunk[i]
		for _, kw := range perChunk[i] {
			if !seen[kw] {
				seen[kw] = true
				union = append(union, kw)
			}
		}
	}
	return union
}
