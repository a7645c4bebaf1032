package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/medsummary/internal/bootstrap"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/export"
	"github.com/joseph-ayodele/medsummary/internal/ingest"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		inmem = flag.Bool("inmem", false, "use the in-memory visit store")
		dir   = flag.String("dir", "", "directory of scanned visit documents (required)")
		out   = flag.String("out", "", "output XLSX file path (optional, defaults to parent directory)")
	)
	flag.Parse()

	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Join(filepath.Dir(*dir), "visits.xlsx")
	}

	cfg := common.LoadConfig()
	if *inmem {
		cfg.Database.Driver = "memory"
	}
	logger := bootstrap.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		printError("Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open visit store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	docs, err := ingest.NewStore(cfg.Upload.Dir, cfg.Upload.MaxBytes, logger)
	if err != nil {
		logger.Error("failed to open document store", "error", err)
		os.Exit(1)
	}
	completer, err := bootstrap.NewCompleter(cfg.LLM, logger)
	if err != nil {
		logger.Error("failed to build llm client", "error", err)
		os.Exit(1)
	}
	ctrl := bootstrap.NewController(cfg, store.Visits, docs, completer, logger)

	logger.Info("starting ingestion", "dir", *dir)
	results, stats, err := ingest.NewUsecase(docs, store.Visits, logger).IngestDirectory(ctx, *dir, true)
	if err != nil {
		logger.Error("failed to ingest directory", "error", err)
		os.Exit(1)
	}
	logger.Info("ingestion complete",
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
	)

	processed, failures := 0, 0
	for _, r := range results {
		if r.Err != "" {
			continue
		}
		start := time.Now()
		v, err := ctrl.Run(ctx, r.VisitID)
		if err != nil {
			logger.Error("visit failed", "visit_id", r.VisitID, "path", r.SourcePath, "error", err)
			failures++
			continue
		}
		logger.Info("visit summarized", "visit_id", v.ID, "path", r.SourcePath, "elapsed_ms", time.Since(start).Milliseconds())
		processed++
	}

	xlsx, err := export.NewService(store.Visits, logger).ExportVisitsXLSX(ctx, export.Window{}, len(results))
	if err != nil {
		logger.Error("failed to export visits", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsx, 0o644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Batch processing complete!\n")
	fmt.Printf("- Visits created: %d\n", stats.Succeeded)
	fmt.Printf("- Visits summarized: %d\n", processed)
	fmt.Printf("- Failures: %d\n", failures+int(stats.Failed))
	fmt.Printf("- Output: %s\n", *out)
}
