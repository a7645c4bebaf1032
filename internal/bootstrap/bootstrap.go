// Package bootstrap wires configuration into the concrete store, OCR, LLM
// and pipeline components shared by the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/llm"
	"github.com/joseph-ayodele/medsummary/internal/llm/anthropic"
	"github.com/joseph-ayodele/medsummary/internal/llm/openai"
	"github.com/joseph-ayodele/medsummary/internal/ocr"
	"github.com/joseph-ayodele/medsummary/internal/pipeline"
	repo "github.com/joseph-ayodele/medsummary/internal/repository"
)

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg common.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Store is an opened visit store plus its lifecycle hooks.
type Store struct {
	Visits repo.VisitRepository
	Health func(ctx context.Context) error
	Close  func()
}

// OpenStore opens the configured driver and migrates the schema.
func OpenStore(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*Store, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory visit store; data is lost on exit")
		return &Store{
			Visits: repo.NewMemoryVisitRepository(logger),
			Health: func(context.Context) error { return nil },
			Close:  func() {},
		}, nil

	case "sqlite":
		drv, err := repo.OpenSQLite(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.Migrate(ctx, drv, logger); err != nil {
			repo.Close(drv, nil, logger)
			return nil, err
		}
		return &Store{
			Visits: repo.NewVisitRepository(drv, logger),
			Health: func(ctx context.Context) error { return repo.HealthCheck(ctx, drv, nil, 0, logger) },
			Close:  func() { repo.Close(drv, nil, logger) },
		}, nil

	case "postgres":
		drv, pool, err := repo.Open(ctx, repo.Config{
			DSN:              cfg.DSN,
			MaxConns:         cfg.MaxConns,
			MinConns:         cfg.MinConns,
			MaxConnLifetime:  cfg.MaxConnLifetime,
			MaxConnIdleTime:  cfg.MaxConnIdleTime,
			DialTimeout:      cfg.DialTimeout,
			StatementTimeout: cfg.StatementTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := repo.HealthCheck(ctx, drv, pool, cfg.DialTimeout, logger); err != nil {
			repo.Close(drv, pool, logger)
			return nil, err
		}
		if err := repo.Migrate(ctx, drv, logger); err != nil {
			repo.Close(drv, pool, logger)
			return nil, err
		}
		return &Store{
			Visits: repo.NewVisitRepository(drv, logger),
			Health: func(ctx context.Context) error { return repo.HealthCheck(ctx, drv, pool, 0, logger) },
			Close:  func() { repo.Close(drv, pool, logger) },
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown store driver %q", common.ErrInvalidInput, cfg.Driver)
}

// NewCompleter returns the configured LLM provider behind a rate limiter.
func NewCompleter(cfg common.LLMConfig, logger *slog.Logger) (llm.Completer, error) {
	var c llm.Completer
	switch cfg.Provider {
	case "openai":
		c = openai.NewClient(openai.Config{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			Timeout:    cfg.Timeout,
			MaxRetries: 2,
		}, logger)
	case "anthropic":
		c = anthropic.NewClient(anthropic.Config{
			APIKey:     cfg.AnthropicAPIKey,
			Model:      cfg.AnthropicModel,
			Timeout:    cfg.Timeout,
			MaxRetries: 2,
		}, logger)
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q", common.ErrInvalidInput, cfg.Provider)
	}
	logger.Info("llm provider selected", "provider", cfg.Provider, "rate_per_sec", cfg.RatePerSec, "burst", cfg.Burst)
	return llm.NewRateLimited(c, cfg.RatePerSec, cfg.Burst), nil
}

// NewOCR builds the tesseract/poppler extractor from config.
func NewOCR(cfg common.OCRConfig, logger *slog.Logger) *ocr.Extractor {
	return ocr.NewExtractor(ocr.Config{
		TessdataDir:   cfg.TessdataDir,
		TesseractLang: cfg.TesseractLang,
		DPI:           cfg.DPI,
		MaxPages:      cfg.MaxPages,
	}, logger)
}

// NewController wires the three stage executors to the store.
func NewController(cfg *common.Config, visits repo.VisitRepository, docs pipeline.DocumentResolver, completer llm.Completer, logger *slog.Logger) *pipeline.Controller {
	svc := llm.NewService(completer, llm.ServiceConfig{Temperature: float64(cfg.LLM.Temperature)}, logger)
	return pipeline.NewController(
		visits,
		pipeline.NewOCRExtractor(docs, NewOCR(cfg.OCR, logger), logger),
		pipeline.NewLLMCleaner(svc),
		pipeline.NewLLMSummarizer(svc),
		pipeline.Config{
			AdvanceTimeout: cfg.Pipeline.AdvanceTimeout,
			LockTimeout:    cfg.Pipeline.LockTimeout,
			StageTimeout:   cfg.Pipeline.StageTimeout,
		},
		logger,
	)
}
