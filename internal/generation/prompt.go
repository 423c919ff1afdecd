package generation

import (
	"strings"

	"github.com/dgallion1/docrag/internal/doctree"
)

// ContextSeparator joins retrieved chunk texts inside the prompt.
const ContextSeparator = "\n\n"

// BuildContext joins chunk texts in rank order.
func BuildContext(chunks []doctree.Chunk) string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	return strings.Join(texts, ContextSeparator)
}

// BuildPrompt lays out the retrieved context followed by the question.
func BuildPrompt(context, question string) string {
	var sb strings.Builder
	sb.WriteString("Context:\n")
	sb.WriteString(context)
	sb.WriteString("\n\nQuestion: ")
	sb.WriteString(question)
	sb.WriteString("\nAnswer:")
	return sb.String()
}
