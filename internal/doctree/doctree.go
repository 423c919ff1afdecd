package doctree

import "strings"

// DocTree is the root of a parsed file.
type DocTree struct {
	Title    string     // Document title (from metadata or filename)
	Children []*DocNode // Top-level sections
}

// DocNode is a recursive section in the document tree.
type DocNode struct {
	Title    string     // Section heading (empty for leaf text)
	Text     string     // Text content of this node (may be empty for container nodes)
	Page     int        // Source page, 1-based (0 if N/A)
	Children []*DocNode // Subsections
}

// Flatten renders the nodes as plain text. Headings precede their body and
// blocks are separated by a blank line.
func Flatten(nodes []*DocNode) string {
	var sb strings.Builder
	var walk func(nodes []*DocNode)
	walk = func(nodes []*DocNode) {
		for _, n := range nodes {
			for _, part := range []string{n.Title, n.Text} {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				if sb.Len() > 0 {
					sb.WriteString("\n\n")
				}
				sb.WriteString(part)
			}
			walk(n.Children)
		}
	}
	walk(nodes)
	return sb.String()
}

// Metadata identifies where a piece of text came from.
type Metadata struct {
	Source string `json:"source"`
	Page   *int   `json:"page"`
}

// PageOf returns a Metadata page pointer, nil for p <= 0.
func PageOf(p int) *int {
	if p <= 0 {
		return nil
	}
	return &p
}

// Document is one loaded file, or one page of a paginated file.
type Document struct {
	Content  string
	Metadata Metadata
}

// Chunk is a bounded window of a Document's content.
type Chunk struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Vector is an embedding. Its length is fixed by the embedding model.
type Vector []float32

// UsageMetrics is token and latency accounting reported by the generation
// model. A nil field means the service did not report it.
type UsageMetrics struct {
	InputTokens  *int `json:"input_tokens"`
	OutputTokens *int `json:"output_tokens"`
	LatencyMs    *int `json:"latency_ms"`
}

// Empty reports whether no usage field is present.
func (u UsageMetrics) Empty() bool {
	return u.InputTokens == nil && u.OutputTokens == nil && u.LatencyMs == nil
}

// Source is a cited origin of retrieved context.
type Source struct {
	Source string `json:"source"`
	Page   *int   `json:"page"`
}

// Response is the result of answering one question.
type Response struct {
	Answer  string       `json:"answer"`
	Sources []Source     `json:"sources"`
	Chunks  []Chunk      `json:"-"`
	Usage   UsageMetrics `json:"usage"`
}

// NewResponse builds a Response whose sources follow the ranked chunks.
func NewResponse(answer string, chunks []Chunk, usage UsageMetrics) Response {
	sources := make([]Source, 0, len(chunks))
	for _, c := range chunks {
		sources = append(sources, Source{Source: c.Metadata.Source, Page: c.Metadata.Page})
	}
	return Response{
		Answer:  answer,
		Sources: sources,
		Chunks:  chunks,
		Usage:   usage,
	}
}
