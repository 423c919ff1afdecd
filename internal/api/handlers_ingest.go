package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dgallion1/docrag/internal/pipeline"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	job, err := s.submitIngest()
	if err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) || errors.Is(err, pipeline.ErrStopped) {
			jsonError(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	snap := job.Snapshot()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   snap.ID,
		"status":   snap.Status,
		"poll_url": pollURL(snap.ID),
	})
}

func (s *Server) submitIngest() (*pipeline.Job, error) {
	job := pipeline.NewJob()
	if err := s.orchestrator.Submit(job); err != nil {
		return job, err
	}
	return job, nil
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job := s.orchestrator.GetJob(jobID)
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	snap := job.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":     snap.ID,
		"status":     snap.Status,
		"phase":      snap.Phase,
		"progress":   snap.Progress,
		"updated_at": snap.UpdatedAt,
	})
}

func pollURL(jobID string) string {
	return fmt.Sprintf("/api/ingest/%s/status", jobID)
}
