package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dgallion1/docrag/internal/doctree"
	"github.com/dgallion1/docrag/internal/embedding"
)

const maxQueryBytes = 64 << 10

type queryRequest struct {
	Question string `json:"question"`
}

type queryResponse struct {
	Answer              string               `json:"answer"`
	Sources             []doctree.Source     `json:"sources"`
	Usage               doctree.UsageMetrics `json:"usage"`
	ResponseTimeSeconds float64              `json:"response_time_seconds"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxQueryBytes)

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		jsonError(w, "question is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.QueryTimeout())
	defer cancel()

	start := time.Now()
	resp, err := s.query.Run(ctx, question)
	if err != nil {
		var embErr *embedding.Error
		if errors.As(err, &embErr) {
			jsonError(w, err.Error(), http.StatusBadGateway)
			return
		}
		s.log.Error("query failed", "error", err)
		jsonError(w, "query failed", http.StatusInternalServerError)
		return
	}

	sources := resp.Sources
	if sources == nil {
		sources = []doctree.Source{}
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Answer:              resp.Answer,
		Sources:             sources,
		Usage:               resp.Usage,
		ResponseTimeSeconds: time.Since(start).Seconds(),
	})
}
