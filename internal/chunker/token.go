package chunker

import (
	"strings"

	"github.com/dgallion1/docrag/internal/doctree"
)

// EstimateTokens approximates the embedding token cost of text at about
// four tokens per three words.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return max(words*4/3, 1)
}

// EstimateChunkTokens sums EstimateTokens over chunks.
func EstimateChunkTokens(chunks []doctree.Chunk) int {
	total := 0
	for _, c := range chunks {
		total += EstimateTokens(c.Text)
	}
	return total
}
