package generation

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgallion1/docrag/internal/doctree"
	"github.com/dgallion1/docrag/internal/transport"
)

// Usage headers set by the model runtime.
const (
	HeaderInputTokens  = "X-Amzn-Bedrock-Input-Token-Count"
	HeaderOutputTokens = "X-Amzn-Bedrock-Output-Token-Count"
	HeaderLatency      = "X-Amzn-Bedrock-Invocation-Latency"
)

// Error is returned for any generation failure left after transport retries.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "generation failed: " + e.Reason
	}
	return fmt.Sprintf("generation failed: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Params struct {
	MaxTokens   int
	Temperature float64
}

func DefaultParams() Params {
	return Params{MaxTokens: 500, Temperature: 0.1}
}

type Result struct {
	Text  string
	Usage doctree.UsageMetrics
}

// Generator produces an answer for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, p Params) (Result, error)
}

type titanRequest struct {
	InputText            string               `json:"inputText"`
	TextGenerationConfig textGenerationConfig `json:"textGenerationConfig"`
}

type textGenerationConfig struct {
	MaxTokenCount int     `json:"maxTokenCount"`
	Temperature   float64 `json:"temperature"`
}

type titanResponse struct {
	Results []struct {
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	} `json:"results"`
}

// Client calls a Titan-style text model.
type Client struct {
	tc      *transport.Client
	modelID string
	stats   *Stats
	log     *slog.Logger
}

// NewClient builds a Client. stats may be nil.
func NewClient(tc *transport.Client, modelID string, stats *Stats, log *slog.Logger) *Client {
	return &Client{
		tc:      tc,
		modelID: modelID,
		stats:   stats,
		log:     log.With("component", "generation"),
	}
}

func (c *Client) ModelID() string { return c.modelID }

// Generate sends the prompt and returns the trimmed completion with any usage
// the runtime reported.
func (c *Client) Generate(ctx context.Context, prompt string, p Params) (Result, error) {
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultParams().MaxTokens
	}
	req := titanRequest{
		InputText: prompt,
		TextGenerationConfig: textGenerationConfig{
			MaxTokenCount: p.MaxTokens,
			Temperature:   p.Temperature,
		},
	}

	start := time.Now()
	reply, err := c.tc.InvokeModel(ctx, c.modelID, req)
	if err != nil {
		return Result{}, &Error{Reason: "invoke " + c.modelID, Err: err}
	}
	elapsed := time.Since(start)

	var resp titanResponse
	if err := reply.Decode(&resp); err != nil {
		return Result{}, &Error{Reason: "invoke " + c.modelID, Err: err}
	}
	if len(resp.Results) == 0 {
		return Result{}, &Error{Reason: "empty results"}
	}

	if c.stats != nil {
		c.stats.Record(elapsed)
	}
	usage := ParseUsage(reply.Header)
	c.log.Debug("generated answer",
		"elapsed_ms", elapsed.Milliseconds(),
		"completion_reason", resp.Results[0].CompletionReason,
	)
	return Result{
		Text:  strings.TrimSpace(resp.Results[0].OutputText),
		Usage: usage,
	}, nil
}

// ParseUsage reads the usage headers. A missing or non-numeric header yields
// nil for that field.
func ParseUsage(h http.Header) doctree.UsageMetrics {
	return doctree.UsageMetrics{
		InputTokens:  headerInt(h, HeaderInputTokens),
		OutputTokens: headerInt(h, HeaderOutputTokens),
		LatencyMs:    headerInt(h, HeaderLatency),
	}
}

func headerInt(h http.Header, key string) *int {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}
