package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dgallion1/docrag/internal/doctree"
	"github.com/dgallion1/docrag/internal/pipeline"
)

const snippetRunes = 200

func printIngestReport(w io.Writer, r pipeline.IngestReport) {
	fmt.Fprintln(w, "Ingestion completed.")
	fmt.Fprintf(w, "Documents: %d, chunks: %d, skipped files: %d\n", r.Documents, r.Chunks, len(r.Skipped))
	for _, s := range r.Skipped {
		fmt.Fprintf(w, "  skipped %s: %s\n", s.Path, s.Reason)
	}
}

func printResponse(w io.Writer, resp doctree.Response, elapsed time.Duration) {
	fmt.Fprint(w, "\n--- Answer ---\n\n")
	fmt.Fprintln(w, resp.Answer)

	fmt.Fprint(w, "\n--- Sources ---\n\n")
	if len(resp.Chunks) == 0 {
		fmt.Fprintln(w, "No relevant sources found.")
	}
	for i, c := range resp.Chunks {
		if p := c.Metadata.Page; p != nil && *p != 0 {
			fmt.Fprintf(w, "[%d] %s (page %d)\n", i+1, c.Metadata.Source, *p)
		} else {
			fmt.Fprintf(w, "[%d] %s\n", i+1, c.Metadata.Source)
		}
		fmt.Fprintf(w, "     %s...\n", snippet(c.Text))
	}

	fmt.Fprint(w, "\n--- Metrics ---\n\n")
	fmt.Fprintf(w, "Response time: %.2f seconds\n", elapsed.Seconds())
	if u := resp.Usage; !u.Empty() {
		fmt.Fprintf(w, "Input tokens:  %s\n", optInt(u.InputTokens))
		fmt.Fprintf(w, "Output tokens: %s\n", optInt(u.OutputTokens))
		fmt.Fprintf(w, "Latency:       %s ms\n", optInt(u.LatencyMs))
	}
	fmt.Fprintln(w)
}

func snippet(text string) string {
	r := []rune(text)
	if len(r) > snippetRunes {
		r = r[:snippetRunes]
	}
	return strings.ReplaceAll(string(r), "\n", " ")
}

func optInt(v *int) string {
	if v == nil {
		return "None"
	}
	return strconv.Itoa(*v)
}
