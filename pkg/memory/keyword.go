package memory

import "strings"

// tokenize splits text into lowercase words for keyword matching.
func tokenize(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, word := range strings.Fields(strings.ToLower(text)) {
		// Remove punctuation
		word = strings.Trim(word, ".,!?;:\"'()[]{}")
		if len(word) > 2 { // Skip very short words
			words[word] = struct{}{}
		}
	}
	return words
}

// keywordScore returns the fraction of query words present in the document,
// so keyword results stay in [0,1] and remain comparable with cosine
// similarity from the vector tier.
func keywordScore(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}

	var matches float64
	for word := range query {
		if _, ok := doc[word]; ok {
			matches++
		}
	}
	return matches / float64(len(query))
}
