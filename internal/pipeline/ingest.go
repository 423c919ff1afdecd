package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgallion1/docrag/internal/chunker"
	"github.com/dgallion1/docrag/internal/config"
	"github.com/dgallion1/docrag/internal/embedding"
	"github.com/dgallion1/docrag/internal/index"
	"github.com/dgallion1/docrag/internal/loader"
	"github.com/dgallion1/docrag/internal/parser"
)

// ErrNoChunks is returned when the loaded documents split into nothing.
var ErrNoChunks = errors.New("documents produced no chunks")

// DefaultDocumentDir is tried after the configured document path.
const DefaultDocumentDir = "documents"

// IngestReport summarises one ingest run.
type IngestReport struct {
	Documents int              `json:"documents"`
	Chunks    int              `json:"chunks"`
	Skipped   []loader.Skipped `json:"skipped"`
	IndexPath string           `json:"index_path"`
	Duration  time.Duration    `json:"duration_ns"`
}

// Ingest rebuilds the persisted index from the document directory.
type Ingest struct {
	cfg      config.Config
	loader   *loader.Loader
	embedder embedding.Embedder
	log      *slog.Logger

	// mu keeps a single writer on the index file.
	mu sync.Mutex
}

func NewIngest(cfg config.Config, embedder embedding.Embedder, log *slog.Logger) *Ingest {
	return &Ingest{
		cfg:      cfg,
		loader:   loader.New(parserOptions(cfg), log),
		embedder: embedder,
		log:      log.With("component", "ingest"),
	}
}

// Run loads, chunks, embeds and persists every document.
func (in *Ingest) Run(ctx context.Context) (IngestReport, error) {
	return in.RunJob(ctx, nil)
}

// RunJob is Run with progress reported on job. The index on disk is only
// replaced when every step succeeds.
func (in *Ingest) RunJob(ctx context.Context, job *Job) (report IngestReport, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	start := time.Now()
	report.IndexPath = in.cfg.IndexPath
	defer func() { report.Duration = time.Since(start) }()

	// Phase 1: Load
	job.SetStatus(StatusLoading, "loading documents")
	res, err := in.loader.LoadFirst(ctx, in.candidateDirs())
	report.Skipped = res.Skipped
	report.Documents = len(res.Documents)
	job.SetLoaded(len(res.Documents), len(res.Skipped))
	if err != nil {
		return report, fmt.Errorf("load documents: %w", err)
	}

	// Phase 2: Chunk
	job.SetStatus(StatusChunking, "splitting into chunks")
	chunks, err := chunker.Split(res.Documents, chunker.Config{
		ChunkSize:    in.cfg.ChunkSize,
		ChunkOverlap: in.cfg.ChunkOverlap,
	})
	if err != nil {
		return report, fmt.Errorf("chunk documents: %w", err)
	}
	if len(chunks) == 0 {
		return report, ErrNoChunks
	}
	report.Chunks = len(chunks)
	job.SetChunks(len(chunks))
	in.log.Info("documents chunked",
		"documents", len(res.Documents),
		"chunks", len(chunks),
		"est_tokens", chunker.EstimateChunkTokens(chunks),
	)

	// Phase 3: Embed
	job.SetStatus(StatusEmbedding, "embedding chunks")
	entries := make([]index.Entry, 0, len(chunks))
	batch := max(in.cfg.EmbedBatchSize, 1)
	for lo := 0; lo < len(chunks); lo += batch {
		hi := min(lo+batch, len(chunks))
		texts := make([]string, 0, hi-lo)
		for _, c := range chunks[lo:hi] {
			texts = append(texts, c.Text)
		}
		vecs, err := in.embedder.Embed(ctx, texts)
		if err != nil {
			return report, fmt.Errorf("embed chunks %d-%d: %w", lo, hi-1, err)
		}
		if len(vecs) != len(texts) {
			return report, &embedding.Error{Reason: fmt.Sprintf("got %d vectors for %d texts", len(vecs), len(texts))}
		}
		for i, v := range vecs {
			entries = append(entries, index.Entry{Vector: v, Chunk: chunks[lo+i]})
		}
		job.AddEmbedded(len(vecs))
		in.log.Debug("embedded batch", "from", lo, "to", hi, "total", len(chunks))
	}

	// Phase 4: Build and persist
	job.SetStatus(StatusIndexing, "writing index")
	ix, err := index.Build(entries, in.cfg.EmbedModel)
	if err != nil {
		return report, fmt.Errorf("build index: %w", err)
	}
	if err := ix.Save(in.cfg.IndexPath); err != nil {
		return report, fmt.Errorf("save index: %w", err)
	}

	in.log.Info("ingestion complete",
		"documents", report.Documents,
		"chunks", report.Chunks,
		"skipped", len(report.Skipped),
		"index", in.cfg.IndexPath,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

func parserOptions(cfg config.Config) parser.Options {
	return parser.Options{
		Extended:          cfg.ExtendedFormats,
		FallbackPdftotext: cfg.PDFFallbackPdftotext,
	}
}

func (in *Ingest) candidateDirs() []string {
	if in.cfg.DocumentPath == "" || in.cfg.DocumentPath == DefaultDocumentDir {
		return []string{DefaultDocumentDir}
	}
	return []string{in.cfg.DocumentPath, DefaultDocumentDir}
}
