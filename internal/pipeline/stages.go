package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joseph-ayodele/medsummary/internal/entity"
	"github.com/joseph-ayodele/medsummary/internal/llm"
	"github.com/joseph-ayodele/medsummary/internal/ocr"
)

type ExtractInput struct {
	VisitID  string
	Document entity.DocumentRef
}

type ExtractOutput struct {
	Text       string
	Confidence float64
}

type CleanInput struct {
	VisitID string
	OCRText string
}

type CleanOutput struct {
	CleanedText string
}

type SummarizeInput struct {
	VisitID     string
	CleanedText string
	Patient     *entity.PatientMeta
}

type SummarizeOutput struct {
	Summary       string
	KeyFindings   string
	ExtractedData *entity.ExtractedData
}

// Extractor turns a stored document into text. Executors never retry and
// never touch the store; the controller owns both.
type Extractor interface {
	Extract(ctx context.Context, in ExtractInput) (ExtractOutput, error)
}

type Cleaner interface {
	Clean(ctx context.Context, in CleanInput) (CleanOutput, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, in SummarizeInput) (SummarizeOutput, error)
}

// DocumentResolver maps a document reference to a readable local path.
type DocumentResolver interface {
	Resolve(ctx context.Context, doc entity.DocumentRef) (string, error)
}

// TextExtractor is the OCR capability used by the extractor stage.
type TextExtractor interface {
	Extract(ctx context.Context, path string) (ocr.ExtractionResult, error)
}

type ocrExtractor struct {
	docs DocumentResolver
	tx   TextExtractor
	log  *slog.Logger
}

// NewOCRExtractor wires OCR to the document store.
func NewOCRExtractor(docs DocumentResolver, tx TextExtractor, logger *slog.Logger) Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ocrExtractor{docs: docs, tx: tx, log: logger}
}

func (e *ocrExtractor) Extract(ctx context.Context, in ExtractInput) (ExtractOutput, error) {
	path, err := e.docs.Resolve(ctx, in.Document)
	if err != nil {
		return ExtractOutput{}, fmt.Errorf("document %q unavailable: %w", in.Document.Filename, err)
	}
	res, err := e.tx.Extract(ctx, path)
	if err != nil {
		switch {
		case errors.Is(err, ocr.ErrUnsupportedFormat):
			return ExtractOutput{}, fmt.Errorf("unsupported document type %q", in.Document.Ext)
		case errors.Is(err, ocr.ErrEmptyText):
			return ExtractOutput{}, errors.New("no text could be recognized in the document")
		case errors.Is(err, ocr.ErrNoConfidence):
			return ExtractOutput{}, fmt.Errorf("recognition confidence could not be computed: %w", err)
		}
		return ExtractOutput{}, fmt.Errorf("document unreadable: %w", err)
	}
	if strings.TrimSpace(res.Text) == "" {
		return ExtractOutput{}, errors.New("no text could be recognized in the document")
	}
	e.log.Info("pipeline.ocr.extracted",
		"visit_id", in.VisitID,
		"method", res.Method,
		"pages", res.Pages,
		"confidence", res.Confidence,
		"warnings", len(res.Warnings),
	)
	return ExtractOutput{Text: res.Text, Confidence: res.Confidence}, nil
}

// TextCleaner is the LLM capability used by the cleaner stage.
type TextCleaner interface {
	CleanText(ctx context.Context, ocrText string) (string, error)
}

type llmCleaner struct {
	svc TextCleaner
}

// NewLLMCleaner applies the deterministic OCR normalization and then the LLM cleanup.
func NewLLMCleaner(svc TextCleaner) Cleaner {
	return &llmCleaner{svc: svc}
}

func (c *llmCleaner) Clean(ctx context.Context, in CleanInput) (CleanOutput, error) {
	text := ocr.Normalize(in.OCRText)
	if text == "" {
		return CleanOutput{}, errors.New("no OCR text to clean")
	}
	out, err := c.svc.CleanText(ctx, text)
	if err != nil {
		return CleanOutput{}, err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return CleanOutput{}, errors.New("cleaner returned empty text")
	}
	return CleanOutput{CleanedText: out}, nil
}

// TextSummarizer is the LLM capability used by the summarizer stage.
type TextSummarizer interface {
	Summarize(ctx context.Context, req llm.SummarizeRequest) (llm.SummaryResult, error)
}

type llmSummarizer struct {
	svc TextSummarizer
}

func NewLLMSummarizer(svc TextSummarizer) Summarizer {
	return &llmSummarizer{svc: svc}
}

func (s *llmSummarizer) Summarize(ctx context.Context, in SummarizeInput) (SummarizeOutput, error) {
	if strings.TrimSpace(in.CleanedText) == "" {
		return SummarizeOutput{}, errors.New("no cleaned text to summarize")
	}
	res, err := s.svc.Summarize(ctx, llm.SummarizeRequest{Text: in.CleanedText, Patient: in.Patient})
	if err != nil {
		return SummarizeOutput{}, err
	}
	if strings.TrimSpace(res.Summary) == "" {
		return SummarizeOutput{}, errors.New("summarizer returned empty summary")
	}
	ed := res.Extracted
	if ed == nil {
		ed = &entity.ExtractedData{Symptoms: []string{}, Medications: []string{}, TestResults: []string{}}
	}
	return SummarizeOutput{Summary: res.Summary, KeyFindings: llm.FormatKeyFindings(res.KeyFindings), ExtractedData: ed}, nil
}
