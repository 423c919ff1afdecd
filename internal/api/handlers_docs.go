package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgallion1/docrag/internal/index"
	"github.com/dgallion1/docrag/internal/parser"
)

const maxUploadBytes = 64 << 20

type indexedDocument struct {
	Source string `json:"source"`
	Chunks int    `json:"chunks"`
	Pages  int    `json:"pages,omitempty"`
}

// handleListDocuments lists the sources held in the persisted index.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ix, err := index.Load(s.cfg.IndexPath)
	if errors.Is(err, index.ErrNotFound) {
		jsonError(w, "index not found; run an ingest first", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("load index", "error", err)
		jsonError(w, "failed to read index", http.StatusInternalServerError)
		return
	}

	var docs []indexedDocument
	bySource := map[string]int{}
	pages := map[string]map[int]bool{}
	for _, e := range ix.Entries() {
		src := e.Chunk.Metadata.Source
		i, ok := bySource[src]
		if !ok {
			i = len(docs)
			bySource[src] = i
			docs = append(docs, indexedDocument{Source: src})
		}
		docs[i].Chunks++
		if p := e.Chunk.Metadata.Page; p != nil {
			if pages[src] == nil {
				pages[src] = map[int]bool{}
			}
			pages[src][*p] = true
		}
	}
	for i := range docs {
		docs[i].Pages = len(pages[docs[i].Source])
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"index":     ix.Meta(),
		"documents": docs,
	})
}

// handleUploadDocument stores a file in the document directory. With
// reindex=true an ingest job is queued afterwards.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	// Extra 1MB for form overhead.
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+1<<20)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	opts := parser.Options{Extended: s.cfg.ExtendedFormats}
	if !parser.IsSupportedExtension(filename, opts) {
		jsonError(w, fmt.Sprintf("unsupported file type: %s", filepath.Ext(filename)), http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		jsonError(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	if len(data) > maxUploadBytes {
		jsonError(w, fmt.Sprintf("file exceeds max size (%d bytes)", maxUploadBytes), http.StatusRequestEntityTooLarge)
		return
	}

	if err := os.MkdirAll(s.cfg.DocumentPath, 0o755); err != nil {
		s.log.Error("create document dir", "error", err)
		jsonError(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	dest := filepath.Join(s.cfg.DocumentPath, filename)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		s.log.Error("write upload", "path", dest, "error", err)
		jsonError(w, "failed to store file", http.StatusInternalServerError)
		return
	}
	s.log.Info("document uploaded", "path", dest, "bytes", len(data))

	out := map[string]any{"path": dest, "bytes": len(data)}
	if r.FormValue("reindex") == "true" {
		job, err := s.submitIngest()
		if err != nil {
			out["ingest_error"] = err.Error()
		} else {
			out["job_id"] = job.ID
			out["poll_url"] = pollURL(job.ID)
		}
	}
	writeJSON(w, http.StatusCreated, out)
}

func sanitizeFilename(name string) string {
	// Strip path components, keep only the base name.
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.ReplaceAll(name, "..", "_")
	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}
	return name
}
