package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgallion1/docrag/internal/chunker"
	"github.com/dgallion1/docrag/internal/config"
	"github.com/dgallion1/docrag/internal/doctree"
	"github.com/dgallion1/docrag/internal/embedding"
	"github.com/dgallion1/docrag/internal/generation"
	"github.com/dgallion1/docrag/internal/index"
	"github.com/dgallion1/docrag/internal/loader"
	"github.com/dgallion1/docrag/internal/modeltest"
	"github.com/dgallion1/docrag/internal/testdocs"
	"github.com/dgallion1/docrag/internal/transport"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	cfg    config.Config
	srv    *modeltest.Server
	docs   string
	ingest *Ingest
	query  *Query
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	srv := modeltest.NewServer()
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DocumentPath = filepath.Join(dir, "docs")
	cfg.IndexPath = filepath.Join(dir, "rag_index.db")
	cfg.QueryLogPath = filepath.Join(dir, "logs", "queries.jsonl")
	cfg.ModelEndpoint = srv.URL
	cfg.EmbedModel = modeltest.EmbedModel
	cfg.LLMModel = modeltest.TextModel
	for _, m := range mutate {
		m(&cfg)
	}
	if err := os.MkdirAll(cfg.DocumentPath, 0o755); err != nil {
		t.Fatal(err)
	}

	tc := transport.New(srv.URL, transport.Options{RetryDelay: time.Millisecond, MaxRetryDelay: time.Millisecond}, discard)
	emb := embedding.NewClient(tc, cfg.EmbedModel, discard)
	gen := generation.NewClient(tc, cfg.LLMModel, nil, discard)
	return &harness{
		cfg:    cfg,
		srv:    srv,
		docs:   cfg.DocumentPath,
		ingest: NewIngest(cfg, emb, discard),
		query:  NewQuery(cfg, emb, gen, discard),
	}
}

func (h *harness) write(t *testing.T, name, content string) {
	t.Helper()
	testdocs.Write(t, h.docs, name, []byte(content))
}

func (h *harness) writeCorpus(t *testing.T) {
	t.Helper()
	h.write(t, "finance.txt", "Total revenue increased by 12%.")
	h.write(t, "cafeteria.txt", "The office cafeteria serves vegetarian lunch every Tuesday.")
	h.write(t, "handbook.txt", "Employees receive twenty vacation days per calendar year.")
	h.write(t, "parking.txt", "Visitor parking is located behind building C.")
	h.write(t, "security.txt", "Badges must be worn at all times inside the lab.")
}

func TestQuery_RetrievesRevenueFact(t *testing.T) {
	h := newHarness(t)
	h.writeCorpus(t)
	if _, err := h.ingest.Run(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	resp, err := h.query.Run(context.Background(), "What was the revenue increase?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.Answer != h.srv.Answer {
		t.Errorf("expected generated answer, got %q", resp.Answer)
	}
	if len(resp.Sources) != TopK {
		t.Fatalf("expected %d sources, got %d", TopK, len(resp.Sources))
	}
	if filepath.Base(resp.Sources[0].Source) != "finance.txt" {
		t.Errorf("expected finance.txt ranked first, got %+v", resp.Sources)
	}
	if !strings.Contains(strings.ToLower(resp.Chunks[0].Text), "total revenue increased by 12%") {
		t.Errorf("expected revenue chunk retrieved, got %q", resp.Chunks[0].Text)
	}
	prompt := h.srv.LastPrompt()
	if !strings.HasPrefix(prompt, "Context:\nTotal revenue increased by 12%.\n\n") ||
		!strings.HasSuffix(prompt, "\n\nQuestion: What was the revenue increase?\nAnswer:") {
		t.Errorf("unexpected prompt %q", prompt)
	}
	if resp.Usage.LatencyMs == nil || *resp.Usage.LatencyMs != 42 || resp.Usage.InputTokens == nil {
		t.Errorf("expected usage from headers, got %+v", resp.Usage)
	}
}

func TestQuery_PreflightWithoutIndex(t *testing.T) {
	h := newHarness(t)
	resp, err := h.query.Run(context.Background(), "anything?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Answer != AnswerIndexNotFound {
		t.Errorf("expected %q, got %q", AnswerIndexNotFound, resp.Answer)
	}
	if len(resp.Sources) != 0 || !resp.Usage.Empty() {
		t.Errorf("expected no sources and empty usage, got %+v", resp)
	}
	if h.srv.EmbedCalls.Load() != 0 || h.srv.GenerateCalls.Load() != 0 {
		t.Error("expected no model calls before an index exists")
	}
}

func TestQuery_SmallIndexReturnsFewerSources(t *testing.T) {
	h := newHarness(t)
	h.write(t, "a.txt", "Alpha facts about revenue.")
	h.write(t, "b.txt", "Beta facts about costs.")
	if _, err := h.ingest.Run(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	resp, err := h.query.Run(context.Background(), "revenue?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(resp.Sources))
	}
}

func TestQuery_GenerationFailureDegrades(t *testing.T) {
	h := newHarness(t)
	h.writeCorpus(t)
	if _, err := h.ingest.Run(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	h.srv.FailGenerate.Store(true)

	resp, err := h.query.Run(context.Background(), "What was the revenue increase?")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if resp.Answer != AnswerModelUnavailable {
		t.Errorf("expected %q, got %q", AnswerModelUnavailable, resp.Answer)
	}
	if len(resp.Sources) == 0 {
		t.Error("expected retrieved sources to be kept")
	}
	if !resp.Usage.Empty() {
		t.Errorf("expected empty usage, got %+v", resp.Usage)
	}
}

func TestQuery_EmbeddingFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	h.writeCorpus(t)
	if _, err := h.ingest.Run(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	h.srv.FailEmbed.Store(true)

	_, err := h.query.Run(context.Background(), "revenue?")
	var embErr *embedding.Error
	if !errors.As(err, &embErr) {
		t.Fatalf("expected *embedding.Error, got %v", err)
	}
}

func TestQuery_WritesQueryLog(t *testing.T) {
	h := newHarness(t)
	h.writeCorpus(t)
	if _, err := h.ingest.Run(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	for _, q := range []string{"revenue?", "parking?"} {
		if _, err := h.query.Run(context.Background(), q); err != nil {
			t.Fatalf("query: %v", err)
		}
	}

	f, err := os.Open(h.cfg.QueryLogPath)
	if err != nil {
		t.Fatalf("open query log: %v", err)
	}
	defer f.Close()
	var n int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not JSON: %v", n+1, err)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 log lines, got %d", n)
	}
}

func TestQuery_LogFailureDoesNotFailQuery(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, func(c *config.Config) {
		c.QueryLogPath = filepath.Join(blocker, "queries.jsonl")
	})
	h.writeCorpus(t)
	if _, err := h.ingest.Run(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp, err := h.query.Run(context.Background(), "revenue?")
	if err != nil {
		t.Fatalf("expected query to succeed, got %v", err)
	}
	if resp.Answer == "" {
		t.Error("expected an answer")
	}
}

func TestIngest_OneEntryPerChunkAndStableAcrossRuns(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.ChunkSize = 60
		c.ChunkOverlap = 15
	})
	h.write(t, "long.txt", strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20))
	h.write(t, "short.txt", "One line.")

	first, err := h.ingest.Run(context.Background())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := loader.New(parserOptions(h.cfg), discard).Load(context.Background(), h.docs)
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := chunker.Split(res.Documents, chunker.Config{ChunkSize: 60, ChunkOverlap: 15})
	if err != nil {
		t.Fatal(err)
	}
	if first.Chunks != len(chunks) {
		t.Fatalf("expected %d chunks, report says %d", len(chunks), first.Chunks)
	}
	ix, err := index.Load(h.cfg.IndexPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ix.Len() != len(chunks) {
		t.Fatalf("expected one entry per chunk (%d), got %d", len(chunks), ix.Len())
	}

	second, err := h.ingest.Run(context.Background())
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if second.Chunks != first.Chunks {
		t.Fatalf("expected identical chunk count on re-ingest, got %d then %d", first.Chunks, second.Chunks)
	}
	if first.Documents != 2 || first.IndexPath != h.cfg.IndexPath || first.Duration <= 0 {
		t.Errorf("unexpected report %+v", first)
	}
}

func TestIngest_CorruptFileIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.write(t, "good1.txt", "First valid document.")
	h.write(t, "broken.pdf", "%PDF-1.4 truncated garbage")
	testdocs.Write(t, h.docs, "good2.docx", testdocs.DOCX(t, "Second valid document."))

	report, err := h.ingest.Run(context.Background())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.Documents != 2 {
		t.Fatalf("expected 2 documents, got %d", report.Documents)
	}
	if len(report.Skipped) != 1 || filepath.Base(report.Skipped[0].Path) != "broken.pdf" {
		t.Fatalf("expected broken.pdf skipped, got %+v", report.Skipped)
	}
	ix, err := index.Load(h.cfg.IndexPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sources := map[string]bool{}
	for _, e := range ix.Entries() {
		sources[filepath.Base(e.Chunk.Metadata.Source)] = true
	}
	if len(sources) != 2 || !sources["good1.txt"] || !sources["good2.docx"] {
		t.Errorf("expected index built from the two valid files, got %v", sources)
	}
}

func TestIngest_NoDocuments(t *testing.T) {
	h := newHarness(t)
	h.write(t, "image.png", "\x89PNG")

	report, err := h.ingest.Run(context.Background())
	if !errors.Is(err, loader.ErrNoDocuments) {
		t.Fatalf("expected ErrNoDocuments, got %v", err)
	}
	if len(report.Skipped) != 1 {
		t.Errorf("expected skip list in report, got %+v", report.Skipped)
	}
	if index.Exists(h.cfg.IndexPath) {
		t.Error("expected no index written")
	}
}

func TestIngest_EmbeddingFailureKeepsPriorIndex(t *testing.T) {
	h := newHarness(t)
	h.writeCorpus(t)
	first, err := h.ingest.Run(context.Background())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	h.write(t, "extra.txt", "A sixth document.")
	h.srv.FailEmbed.Store(true)
	_, err = h.ingest.Run(context.Background())
	var embErr *embedding.Error
	if !errors.As(err, &embErr) {
		t.Fatalf("expected *embedding.Error, got %v", err)
	}

	ix, err := index.Load(h.cfg.IndexPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ix.Len() != first.Chunks {
		t.Fatalf("expected prior index with %d entries, got %d", first.Chunks, ix.Len())
	}
}

type batchRecorder struct {
	sizes []int
}

func (b *batchRecorder) Embed(_ context.Context, texts []string) ([]doctree.Vector, error) {
	b.sizes = append(b.sizes, len(texts))
	out := make([]doctree.Vector, len(texts))
	for i, t := range texts {
		out[i] = modeltest.Embed(t)
	}
	return out, nil
}

func TestIngest_EmbedsInBatches(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.EmbedBatchSize = 2 })
	h.writeCorpus(t)
	rec := &batchRecorder{}
	in := NewIngest(h.cfg, rec, discard)

	report, err := in.Run(context.Background())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.Chunks != 5 {
		t.Fatalf("expected 5 chunks, got %d", report.Chunks)
	}
	want := []int{2, 2, 1}
	if len(rec.sizes) != len(want) {
		t.Fatalf("expected batches %v, got %v", want, rec.sizes)
	}
	for i := range want {
		if rec.sizes[i] != want[i] {
			t.Fatalf("expected batches %v, got %v", want, rec.sizes)
		}
	}
}

func TestOrchestrator_RunsSubmittedJob(t *testing.T) {
	h := newHarness(t)
	h.writeCorpus(t)
	o := NewOrchestrator(h.ingest, time.Hour, 2, discard)
	o.Start(context.Background())
	defer o.Stop()

	job := NewJob()
	if err := o.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for !job.Snapshot().Status.Done() {
		if time.Now().After(deadline) {
			t.Fatalf("job did not finish, last state %+v", job.Snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap := o.GetJob(job.ID).Snapshot()
	if snap.Status != StatusCompleted {
		t.Fatalf("expected completed, got %q (%v)", snap.Status, snap.Progress.Errors)
	}
	if snap.Progress.Documents != 5 || snap.Progress.ChunksEmbedded != snap.Progress.Chunks {
		t.Errorf("unexpected progress %+v", snap.Progress)
	}
}

func TestOrchestrator_FailedJobRecordsPhase(t *testing.T) {
	h := newHarness(t)
	o := NewOrchestrator(h.ingest, time.Hour, 2, discard)
	o.Start(context.Background())
	defer o.Stop()

	job := NewJob()
	if err := o.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for !job.Snapshot().Status.Done() {
		if time.Now().After(deadline) {
			t.Fatal("job did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap := job.Snapshot()
	if snap.Status != StatusFailed || snap.Phase != "no_documents" {
		t.Fatalf("expected failed/no_documents, got %s/%s", snap.Status, snap.Phase)
	}
	if len(snap.Progress.Errors) == 0 {
		t.Error("expected the failure recorded in errors")
	}
}

func TestOrchestrator_QueueFull(t *testing.T) {
	h := newHarness(t)
	o := NewOrchestrator(h.ingest, time.Hour, 1, discard)
	defer o.Stop()

	if err := o.Submit(NewJob()); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	job := NewJob()
	if err := o.Submit(job); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if job.Snapshot().Status != StatusFailed {
		t.Error("expected rejected job marked failed")
	}
	if o.QueueDepth() != 1 {
		t.Errorf("expected depth 1, got %d", o.QueueDepth())
	}
}

func TestOrchestrator_SubmitAfterStop(t *testing.T) {
	h := newHarness(t)
	o := NewOrchestrator(h.ingest, time.Hour, 2, discard)
	o.Start(context.Background())
	o.Stop()
	o.Stop()

	job := NewJob()
	if err := o.Submit(job); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	snap := job.Snapshot()
	if snap.Status != StatusFailed || snap.Phase != "stopped" {
		t.Errorf("expected failed/stopped, got %s/%s", snap.Status, snap.Phase)
	}
	if o.GetJob(job.ID) == nil {
		t.Error("expected rejected job to stay pollable")
	}
}

func TestQuery_WarnsOnEmbedModelMismatch(t *testing.T) {
	h := newHarness(t)
	h.writeCorpus(t)
	if _, err := h.ingest.Run(context.Background()); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	tests := []struct {
		name     string
		model    string
		wantWarn bool
	}{
		{"same model", modeltest.EmbedModel, false},
		{"switched model", "test.embed-v2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := slog.New(slog.NewTextHandler(&buf, nil))
			cfg := h.cfg
			cfg.EmbedModel = tt.model
			q := NewQuery(cfg, h.query.embedder, h.query.generator, log)

			if _, err := q.Run(context.Background(), "revenue?"); err != nil {
				t.Fatalf("query: %v", err)
			}
			warned := strings.Contains(buf.String(), "index embedding model differs")
			if warned != tt.wantWarn {
				t.Fatalf("expected warning=%v, log:\n%s", tt.wantWarn, buf.String())
			}
			if warned && !strings.Contains(buf.String(), "index_model="+modeltest.EmbedModel) {
				t.Errorf("expected index model in warning, got %s", buf.String())
			}
		})
	}
}

func TestQuery_TopK(t *testing.T) {
	tests := []struct {
		name string
		topK int
		want int
	}{
		{"default", TopK, 3},
		{"configured", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *config.Config) { c.TopK = tt.topK })
			h.writeCorpus(t)
			if _, err := h.ingest.Run(context.Background()); err != nil {
				t.Fatalf("ingest: %v", err)
			}
			resp, err := h.query.Run(context.Background(), "What was the revenue increase?")
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(resp.Sources) != tt.want {
				t.Fatalf("expected %d sources, got %d", tt.want, len(resp.Sources))
			}
			if filepath.Base(resp.Sources[0].Source) != "finance.txt" {
				t.Errorf("expected finance.txt first, got %+v", resp.Sources)
			}
		})
	}
}
