// Package querylog appends one JSON line per answered question.
package querylog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgallion1/docrag/internal/doctree"
	"github.com/google/uuid"
)

// Metrics are the per-query measurements. Nil fields encode as null.
type Metrics struct {
	ResponseTimeSeconds float64 `json:"response_time_seconds"`
	InputTokens         *int    `json:"input_tokens"`
	OutputTokens        *int    `json:"output_tokens"`
	LatencyMs           *int    `json:"latency_ms"`
}

// Record is one line of the log.
type Record struct {
	ID        string           `json:"id"`
	Timestamp string           `json:"timestamp"`
	Question  string           `json:"question"`
	Answer    string           `json:"answer"`
	Sources   []doctree.Source `json:"sources"`
	Metrics   Metrics          `json:"metrics"`
}

// NewRecord stamps a response with a fresh id and the current UTC time.
func NewRecord(question string, resp doctree.Response, elapsed time.Duration) Record {
	sources := resp.Sources
	if sources == nil {
		sources = []doctree.Source{}
	}
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Question:  question,
		Answer:    resp.Answer,
		Sources:   sources,
		Metrics: Metrics{
			ResponseTimeSeconds: elapsed.Seconds(),
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			LatencyMs:           resp.Usage.LatencyMs,
		},
	}
}

// Writer appends records to a JSONL file. It is safe for concurrent use.
type Writer struct {
	path string
	mu   sync.Mutex
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

func (w *Writer) Path() string { return w.path }

// Append writes rec as a single line, creating the file and its parent
// directories on first use.
func (w *Writer) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode query record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open query log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write query log: %w", err)
	}
	return f.Close()
}
