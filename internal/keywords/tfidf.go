package keywords

import (
	"math"
	"sort"
	"strings"
)

// corpus holds per-chunk term frequencies and corpus-wide inverse document
// frequencies, with each chunk treated as one document.
type corpus struct {
	tf  []map[string]float64
	idf map[string]float64
}

func newCorpus(texts []string) *corpus {
	tokensPerDoc := make([][]string, len(texts))
	df := make(map[string]int)
	for i, text := range texts {
		tokensPerDoc[i] = tokenize(text)
		seen := make(map[string]bool)
		for _, w := range tokensPerDoc[i] {
			if !seen[w] {
				seen[w] = true
				df[w]++
			}
		}
	}

	c := &corpus{
		tf:  make([]map[string]float64, len(texts)),
		idf: make(map[string]float64, len(df)),
	}
	for w, n := range df {
		c.idf[w] = math.Log(float64(len(texts)) / float64(n))
	}
	for i, tokens := range tokensPerDoc {
		m := make(map[string]float64)
		for _, w := range tokens {
			m[w]++
		}
		for w := range m {
			m[w] /= float64(len(tokens))
		}
		c.tf[i] = m
	}
	return c
}

// topPhrases scores each candidate as the mean tf-idf of its words within
// the given chunk and returns the best `limit` candidates. Ties keep the
// candidates' occurrence order.
func (c *corpus) topPhrases(doc int, candidates []string, limit int) []string {
	scores := make(map[string]float64, len(candidates))
	for _, phrase := range candidates {
		words := strings.Split(phrase, " ")
		var sum float64
		for _, w := range words {
			sum += c.tf[doc][w] * c.idf[w]
		}
		scores[phrase] = sum / float64(len(words))
	}

	ranked := make([]string, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return scores[ranked[i]] > scores[ranked[j]]
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
