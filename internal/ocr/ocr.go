package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/joseph-ayodele/medsummary/constants"
)

var (
	ErrDocumentMissing   = errors.New("document not found")
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrEmptyText         = errors.New("no text recognized")
	ErrNoConfidence      = errors.New("ocr confidence unavailable")
)

type Config struct {
	Pdftotext string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm  string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract string // binary name or absolute path; if empty -> "tesseract"

	TesseractLang string // default "eng"
	DPI           int    // rasterization DPI for scanned PDFs, default 300
	MaxPages      int    // 0 = no limit

	TessdataDir string

	PSM int // e.g., 6 is good for uniform block of text
	OEM int // 1 = LSTM; leave 0 to use default

	// MinDirectTextChars is the length above which a PDF's embedded text is
	// trusted without rasterizing. Default 100.
	MinDirectTextChars int
}

type ExtractionResult struct {
	Text       string
	Pages      int
	SourceType string // constants.PDF | constants.IMAGE
	Method     string // "pdf-text" | "pdf-ocr" | "image-ocr"
	Language   string
	Duration   time.Duration
	Warnings   []string
	Confidence float64 // 0..1, two decimals
}

type Extractor struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

type Option func(*Extractor)

// WithRunner replaces the exec-backed command runner.
func WithRunner(r Runner) Option {
	return func(e *Extractor) {
		if r != nil {
			e.runner = r
		}
	}
}

func NewExtractor(cfg Config, logger *slog.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pdftotext == "" {
		cfg.Pdftotext = "pdftotext"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.TesseractLang == "" {
		cfg.TesseractLang = "eng"
	}
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.MinDirectTextChars <= 0 {
		cfg.MinDirectTextChars = 100
	}
	e := &Extractor{cfg: cfg, runner: execRunner{logger: logger}, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract picks a strategy based on file extension.
func (e *Extractor) Extract(ctx context.Context, path string) (ExtractionResult, error) {
	start := time.Now()
	ext := constants.NormalizeExt(filepath.Ext(path))
	e.logger.Debug("ocr.extract.start", "path", path, "ext", ext)

	format := constants.MapExtToFormat(ext)
	if format == "" {
		e.logger.Error("unsupported ocr extension", "extension", ext)
		return ExtractionResult{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if _, err := os.Stat(path); err != nil {
		return ExtractionResult{SourceType: format}, fmt.Errorf("%w: %v", ErrDocumentMissing, err)
	}

	var (
		res ExtractionResult
		err error
	)
	if format == constants.PDF {
		res, err = e.extractPDF(ctx, path)
	} else {
		res, err = e.extractImage(ctx, path)
	}
	res.Duration = time.Since(start)
	if err != nil {
		e.logger.Warn("ocr.extract.failed", "path", path, "method", res.Method, "error", err)
		return res, err
	}
	if res.Text == "" {
		return res, ErrEmptyText
	}
	res.Confidence = round2(res.Confidence)
	e.logger.Info("ocr.extract.ok",
		"path", path,
		"method", res.Method,
		"pages", res.Pages,
		"chars", len(res.Text),
		"confidence", res.Confidence,
		"elapsed_ms", res.Duration.Milliseconds(),
	)
	return res, nil
}

func round2(v float64) float64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return math.Round(v*100) / 100
}
