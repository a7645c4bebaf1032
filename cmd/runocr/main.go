package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joseph-ayodele/medsummary/internal/bootstrap"
	"github.com/joseph-ayodele/medsummary/internal/common"
)

// runocr runs the OCR stage on a local file and prints the text.
func main() {
	cfg := common.LoadConfig()
	logger := bootstrap.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if len(os.Args) != 2 {
		logger.Error("usage", "cmd", "runocr <path-to-pdf-or-image>")
		os.Exit(2)
	}
	path := os.Args[1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	start := time.Now()
	res, err := bootstrap.NewOCR(cfg.OCR, logger).Extract(ctx, path)
	if err != nil {
		logger.Error("text extraction failed", "path", path, "error", err, "duration_ms", time.Since(start).Milliseconds())
		os.Exit(1)
	}

	logger.Info("text extraction OK",
		"method", res.Method,
		"pages", res.Pages,
		"confidence", res.Confidence,
		"warnings", len(res.Warnings),
		"bytes", len(res.Text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	fmt.Println(res.Text)
}
