package querylog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgallion1/docrag/internal/doctree"
	"github.com/google/uuid"
)

func TestAppend_WritesOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "queries.jsonl")
	w := NewWriter(path)

	in, out := 12, 3
	resp := doctree.NewResponse("12%.", []doctree.Chunk{
		{Text: "t", Metadata: doctree.Metadata{Source: "r.pdf", Page: doctree.PageOf(2)}},
	}, doctree.UsageMetrics{InputTokens: &in, OutputTokens: &out})

	if err := w.Append(NewRecord("What was the revenue increase?", resp, 1500*time.Millisecond)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Append(NewRecord("second", doctree.Response{Answer: "No relevant documents found."}, 0)); err != nil {
		t.Fatalf("append: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("line 1 is not JSON: %v", err)
	}
	if _, err := uuid.Parse(first["id"].(string)); err != nil {
		t.Errorf("expected uuid id, got %v", first["id"])
	}
	if _, err := time.Parse(time.RFC3339, first["timestamp"].(string)); err != nil {
		t.Errorf("expected RFC3339 timestamp, got %v", first["timestamp"])
	}
	metrics := first["metrics"].(map[string]any)
	if metrics["response_time_seconds"] != 1.5 || metrics["input_tokens"] != float64(12) {
		t.Errorf("unexpected metrics %v", metrics)
	}
	if v, ok := metrics["latency_ms"]; !ok || v != nil {
		t.Errorf("expected latency_ms null, got %v (present=%v)", v, ok)
	}
	sources := first["sources"].([]any)
	if len(sources) != 1 || sources[0].(map[string]any)["page"] != float64(2) {
		t.Errorf("unexpected sources %v", sources)
	}

	if !strings.Contains(lines[1], `"sources":[]`) {
		t.Errorf("expected empty sources array, got %s", lines[1])
	}
}

func TestAppend_UnwritablePath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	w := NewWriter(filepath.Join(blocker, "queries.jsonl"))
	if err := w.Append(NewRecord("q", doctree.Response{}, 0)); err == nil {
		t.Fatal("expected error when parent is a file")
	}
}
