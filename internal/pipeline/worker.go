package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dgallion1/docrag/internal/embedding"
	"github.com/dgallion1/docrag/internal/loader"
)

// Worker runs queued ingest jobs.
type Worker struct {
	ingest *Ingest
	log    *slog.Logger
}

func NewWorker(ingest *Ingest, log *slog.Logger) *Worker {
	return &Worker{ingest: ingest, log: log}
}

// Process runs the ingest for a job and records its final state.
func (w *Worker) Process(ctx context.Context, job *Job) {
	log := w.log.With("job_id", job.ID)
	log.Info("ingest job started")

	report, err := w.ingest.RunJob(ctx, job)
	for _, s := range report.Skipped {
		job.AddError(s.Path + ": " + s.Reason)
	}
	if err != nil {
		log.Error("ingest job failed", "error", err, "phase", job.Snapshot().Phase)
		job.AddError(err.Error())
		job.SetStatus(StatusFailed, failurePhase(err))
		return
	}

	log.Info("ingest job completed",
		"documents", report.Documents,
		"chunks", report.Chunks,
		"skipped", len(report.Skipped),
		"elapsed_ms", report.Duration.Milliseconds(),
	)
	job.SetStatus(StatusCompleted, "done")
}

// failurePhase names the stage an ingest error came from.
func failurePhase(err error) string {
	var embErr *embedding.Error
	switch {
	case errors.Is(err, loader.ErrNoDocuments):
		return "no_documents"
	case errors.Is(err, ErrNoChunks):
		return "no_chunks"
	case errors.As(err, &embErr):
		return "embedding"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "indexing"
}
