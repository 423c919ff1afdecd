package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgallion1/docrag/internal/api"
	"github.com/dgallion1/docrag/internal/config"
	"github.com/dgallion1/docrag/internal/embedding"
	"github.com/dgallion1/docrag/internal/generation"
	"github.com/dgallion1/docrag/internal/loader"
	"github.com/dgallion1/docrag/internal/pipeline"
	"github.com/dgallion1/docrag/internal/transport"
)

const usage = `Usage: docrag <command> [arguments]

Commands:
  ingest             load documents, embed them and rebuild the index
  query <question>   answer a question from the indexed documents
  serve              start the HTTP API
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type app struct {
	cfg    config.Config
	log    *slog.Logger
	tc     *transport.Client
	stats  *generation.Stats
	ingest *pipeline.Ingest
	query  *pipeline.Query
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "ingest", "query", "serve":
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	question := strings.TrimSpace(strings.Join(rest, " "))
	if cmd == "query" && question == "" {
		fmt.Fprint(stderr, usage)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	log := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return 1
	}

	a := newApp(cfg, log)
	defer a.tc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "ingest":
		return a.runIngest(ctx, stdout)
	case "query":
		return a.runQuery(ctx, question, stdout)
	default:
		return a.runServe(ctx)
	}
}

func newApp(cfg config.Config, log *slog.Logger) *app {
	tc := transport.New(cfg.ModelEndpoint, transport.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		APIKey:         cfg.ModelAPIKey,
	}, log)
	stats := generation.NewStats(time.Hour)
	emb := embedding.NewClient(tc, cfg.EmbedModel, log)
	gen := generation.NewClient(tc, cfg.LLMModel, stats, log)

	return &app{
		cfg:    cfg,
		log:    log,
		tc:     tc,
		stats:  stats,
		ingest: pipeline.NewIngest(cfg, emb, log),
		query:  pipeline.NewQuery(cfg, emb, gen, log),
	}
}

func (a *app) runIngest(ctx context.Context, stdout io.Writer) int {
	report, err := a.ingest.Run(ctx)
	if errors.Is(err, loader.ErrNoDocuments) || errors.Is(err, pipeline.ErrNoChunks) {
		fmt.Fprintln(stdout, "No documents found to ingest.")
		return 1
	}
	if err != nil {
		a.log.Error("ingest failed", "error", err)
		return 1
	}
	printIngestReport(stdout, report)
	return 0
}

func (a *app) runQuery(ctx context.Context, question string, stdout io.Writer) int {
	start := time.Now()
	resp, err := a.query.Run(ctx, question)
	if err != nil {
		a.log.Error("query failed", "error", err)
		return 1
	}
	printResponse(stdout, resp, time.Since(start))
	return 0
}

func (a *app) runServe(ctx context.Context) int {
	orch := pipeline.NewOrchestrator(a.ingest, a.cfg.JobTTL, a.cfg.QueueSize, a.log)
	orch.Start(ctx)

	srv := api.NewServer(orch, a.query, a.stats, a.log, a.cfg)
	httpServer := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      srv,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout(a.cfg),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		a.log.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
		orch.Stop()
	}()

	a.log.Info("starting docrag", "port", a.cfg.Port, "index", a.cfg.IndexPath)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.log.Error("server error", "error", err)
		return 1
	}
	return 0
}

// writeTimeout leaves room for a query to run out its deadline and still
// write the error or degraded response.
func writeTimeout(cfg config.Config) time.Duration {
	return cfg.QueryTimeout() + 30*time.Second
}
