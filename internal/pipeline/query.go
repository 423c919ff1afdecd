package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgallion1/docrag/internal/config"
	"github.com/dgallion1/docrag/internal/doctree"
	"github.com/dgallion1/docrag/internal/generation"
	"github.com/dgallion1/docrag/internal/index"
	"github.com/dgallion1/docrag/internal/querylog"
)

// Fixed answers returned instead of a generated one.
const (
	AnswerIndexNotFound    = "Index not found. Please run 'docrag ingest' before querying."
	AnswerNoDocuments      = "No relevant documents found."
	AnswerModelUnavailable = "The language model is temporarily unavailable. Please try again later."
)

// TopK is the number of chunks retrieved per question.
const TopK = 3

// QueryEmbedder embeds a single question.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) (doctree.Vector, error)
}

// Query answers questions against the persisted index.
type Query struct {
	cfg       config.Config
	embedder  QueryEmbedder
	generator generation.Generator
	qlog      *querylog.Writer
	log       *slog.Logger
}

// NewQuery builds the query pipeline. The query log is enabled when
// cfg.QueryLogPath is set.
func NewQuery(cfg config.Config, embedder QueryEmbedder, generator generation.Generator, log *slog.Logger) *Query {
	q := &Query{
		cfg:       cfg,
		embedder:  embedder,
		generator: generator,
		log:       log.With("component", "query"),
	}
	if cfg.QueryLogPath != "" {
		q.qlog = querylog.NewWriter(cfg.QueryLogPath)
	}
	return q
}

// Run answers one question. Only embedding and index read failures are
// returned as errors; a generation failure yields a degraded Response.
func (q *Query) Run(ctx context.Context, question string) (doctree.Response, error) {
	start := time.Now()
	resp, err := q.answer(ctx, question)
	if err != nil {
		return doctree.Response{}, err
	}
	q.record(question, resp, time.Since(start))
	return resp, nil
}

func (q *Query) answer(ctx context.Context, question string) (doctree.Response, error) {
	log := q.log.With("question_len", len(question))
	log.Info("query received")

	// Preflight
	if !index.Exists(q.cfg.IndexPath) {
		log.Warn("index missing", "path", q.cfg.IndexPath)
		return doctree.NewResponse(AnswerIndexNotFound, nil, doctree.UsageMetrics{}), nil
	}

	vec, err := q.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return doctree.Response{}, fmt.Errorf("embed question: %w", err)
	}

	ix, err := index.Load(q.cfg.IndexPath)
	if errors.Is(err, index.ErrNotFound) {
		// Removed between the preflight and the load.
		return doctree.NewResponse(AnswerIndexNotFound, nil, doctree.UsageMetrics{}), nil
	}
	if err != nil {
		return doctree.Response{}, fmt.Errorf("load index: %w", err)
	}
	if built := ix.Meta().EmbedModel; built != "" && built != q.cfg.EmbedModel {
		log.Warn("index embedding model differs from configured model",
			"index_model", built, "query_model", q.cfg.EmbedModel)
	}

	topK := q.cfg.TopK
	if topK <= 0 {
		topK = TopK
	}
	hits, err := ix.Search(vec, topK)
	if err != nil {
		return doctree.Response{}, fmt.Errorf("search index: %w", err)
	}
	if len(hits) == 0 {
		return doctree.NewResponse(AnswerNoDocuments, nil, doctree.UsageMetrics{}), nil
	}

	chunks := make([]doctree.Chunk, len(hits))
	for i, h := range hits {
		chunks[i] = h.Chunk
	}
	prompt := generation.BuildPrompt(generation.BuildContext(chunks), question)

	res, err := q.generator.Generate(ctx, prompt, generation.Params{
		MaxTokens:   q.cfg.MaxOutputTokens,
		Temperature: q.cfg.Temperature,
	})
	if err != nil {
		log.Error("generation failed", "error", err)
		return doctree.NewResponse(AnswerModelUnavailable, chunks, doctree.UsageMetrics{}), nil
	}

	log.Info("query answered", "sources", len(chunks))
	return doctree.NewResponse(res.Text, chunks, res.Usage), nil
}

func (q *Query) record(question string, resp doctree.Response, elapsed time.Duration) {
	if q.qlog == nil {
		return
	}
	if err := q.qlog.Append(querylog.NewRecord(question, resp, elapsed)); err != nil {
		q.log.Warn("failed to write query log", "path", q.qlog.Path(), "error", err)
	}
}
