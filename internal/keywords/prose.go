package keywords

import (
	"fmt"
	"strings"

	"github.com/jdkato/prose/v2"
)

type posToken struct {
	text string
	tag  string
}

// nounPhrases extracts candidate phrases from the text: runs of adjectives
// and nouns, emitted as one-to-three word n-grams that end in a noun. A
// limit of zero means unbounded; otherwise emission stops at the earliest
// `limit` distinct candidates.
func nounPhrases(text string, limit int) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil, fmt.Errorf("tokenizing chunk text: %w", err)
	}

	var out []string
	seen := make(map[string]bool)
	add := func(phrase string) bool {
		if seen[phrase] {
			return true
		}
		if limit > 0 && len(out) >= limit {
			return false
		}
		seen[phrase] = true
		out = append(out, phrase)
		return true
	}

	var run []posToken
	flush := func() {
		defer func() { run = nil }()
		for end := 0; end < len(run); end++ {
			if !strings.HasPrefix(run[end].tag, "NN") {
				continue
			}
			start := end - maxPhraseWords + 1
			if start < 0 {
				start = 0
			}
			for ; start <= end; start++ {
				words := make([]string, 0, end-start+1)
				for _, tok := range run[start : end+1] {
					words = append(words, tok.text)
				}
				if !add(strings.Join(words, " ")) {
					return
				}
			}
		}
	}

	for _, tok := range doc.Tokens() {
		lowered := strings.ToLower(tok.Text)
		if phraseWord(lowered, tok.Tag) {
			run = append(run, posToken{text: lowered, tag: tok.Tag})
			continue
		}
		flush()
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	flush()

	return out, nil
}

func phraseWord(lowered, tag string) bool {
	if !strings.HasPrefix(tag, "NN") && !strings.HasPrefix(tag, "JJ") {
		return false
	}
	if len(lowered) < minWordLength || stopwords[lowered] {
		return false
	}
	return wordPattern.FindString(lowered) == lowered
}
