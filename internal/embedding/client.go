package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dgallion1/docrag/internal/doctree"
	"github.com/dgallion1/docrag/internal/transport"
)

// Error is returned for any embedding failure left after transport retries.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "embedding failed: " + e.Reason
	}
	return fmt.Sprintf("embedding failed: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Embedder turns texts into vectors, one per input in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]doctree.Vector, error)
}

type titanRequest struct {
	InputText string `json:"inputText"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// Client calls a Titan-style embedding model.
type Client struct {
	tc      *transport.Client
	modelID string
	log     *slog.Logger
}

func NewClient(tc *transport.Client, modelID string, log *slog.Logger) *Client {
	return &Client{
		tc:      tc,
		modelID: modelID,
		log:     log.With("component", "embedding"),
	}
}

// ModelID returns the model that produced the vectors.
func (c *Client) ModelID() string { return c.modelID }

// Embed sends one request per text. Every vector must share the dimension
// of the first.
func (c *Client) Embed(ctx context.Context, texts []string) ([]doctree.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([]doctree.Vector, 0, len(texts))
	dim := 0
	tokens := 0
	for i, text := range texts {
		reply, err := c.tc.InvokeModel(ctx, c.modelID, titanRequest{InputText: text})
		if err != nil {
			return nil, &Error{Reason: fmt.Sprintf("text %d", i), Err: err}
		}
		var resp titanResponse
		if err := reply.Decode(&resp); err != nil {
			return nil, &Error{Reason: fmt.Sprintf("text %d", i), Err: err}
		}
		if len(resp.Embedding) == 0 {
			return nil, &Error{Reason: fmt.Sprintf("text %d: empty embedding", i)}
		}
		if dim == 0 {
			dim = len(resp.Embedding)
		} else if len(resp.Embedding) != dim {
			return nil, &Error{Reason: fmt.Sprintf("text %d: dimension %d, expected %d", i, len(resp.Embedding), dim)}
		}
		tokens += resp.InputTextTokenCount
		out = append(out, doctree.Vector(resp.Embedding))
	}
	c.log.Debug("embedded texts", "count", len(out), "dim", dim, "input_tokens", tokens)
	return out, nil
}

// EmbedQuery embeds a single text.
func (c *Client) EmbedQuery(ctx context.Context, text string) (doctree.Vector, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
