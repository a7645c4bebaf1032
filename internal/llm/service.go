package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/medsummary/internal/entity"
)

// ServiceConfig tunes the prompts sent by Service.
type ServiceConfig struct {
	Temperature        float64 // cleaning and summary; default 0.3
	ExtractTemperature float64 // structured extraction; default 0.2
	CleanMaxTokens     int     // default 2048
	ExtractMaxTokens   int     // default 1024
	SummaryMaxTokens   int     // default 1024
	FindingsMaxTokens  int     // default 256
}

// Service runs the medical cleaning and summarization prompts against a Completer.
type Service struct {
	c   Completer
	cfg ServiceConfig
	log *slog.Logger
}

func NewService(c Completer, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	if cfg.ExtractTemperature <= 0 {
		cfg.ExtractTemperature = 0.2
	}
	if cfg.CleanMaxTokens <= 0 {
		cfg.CleanMaxTokens = 2048
	}
	if cfg.ExtractMaxTokens <= 0 {
		cfg.ExtractMaxTokens = 1024
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 1024
	}
	if cfg.FindingsMaxTokens <= 0 {
		cfg.FindingsMaxTokens = 256
	}
	return &Service{c: c, cfg: cfg, log: logger}
}

// CleanText returns the model's corrected rendition of OCR text.
func (s *Service) CleanText(ctx context.Context, ocrText string) (string, error) {
	if strings.TrimSpace(ocrText) == "" {
		return "", ErrEmptyInput
	}
	rid := uuid.New().String()
	start := time.Now()
	s.log.Info("llm.clean.start", "req_id", rid, "text_len", len(ocrText))

	resp, err := s.c.Complete(ctx, UserPrompt("clean", cleanSystem, BuildCleanPrompt(ocrText), s.cfg.Temperature, s.cfg.CleanMaxTokens))
	if err != nil {
		s.log.Error("llm.clean.error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return "", fmt.Errorf("clean text: %w", err)
	}
	out := strings.TrimSpace(StripCodeFences(resp.Content))
	if out == "" {
		s.log.Error("llm.clean.empty", "req_id", rid, "elapsed_ms", time.Since(start).Milliseconds())
		return "", fmt.Errorf("clean text: %w", ErrEmptyResponse)
	}
	s.log.Info("llm.clean.ok",
		"req_id", rid,
		"model", resp.Model,
		"in_len", len(ocrText),
		"out_len", len(out),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

type SummarizeRequest struct {
	Text    string
	Patient *entity.PatientMeta
}

type SummaryResult struct {
	Summary     string
	KeyFindings []string
	Extracted   *entity.ExtractedData
	RawJSON     []byte
}

// Summarize runs structured extraction and the narrative summary concurrently,
// then pulls key findings out of the summary. Any failed call fails the whole result.
func (s *Service) Summarize(ctx context.Context, req SummarizeRequest) (SummaryResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return SummaryResult{}, ErrEmptyInput
	}
	start := time.Now()
	var (
		res       SummaryResult
		extracted *entity.ExtractedData
		raw       []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		extracted, raw, err = s.ExtractStructured(gctx, req.Text, req.Patient)
		return err
	})
	g.Go(func() error {
		summary, err := s.generateSummary(gctx, req.Text, req.Patient)
		if err != nil {
			return err
		}
		findings, err := s.KeyFindings(gctx, summary)
		if err != nil {
			return err
		}
		res.Summary = summary
		res.KeyFindings = findings
		return nil
	})
	if err := g.Wait(); err != nil {
		return SummaryResult{}, err
	}
	fillFromPatient(extracted, req.Patient)
	res.Extracted = extracted
	res.RawJSON = raw
	s.log.Info("llm.summarize.ok",
		"summary_len", len(res.Summary),
		"key_findings", len(res.KeyFindings),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// ExtractStructured asks for the extraction JSON, validates it strictly and
// falls back to a sanitize pass before giving up.
func (s *Service) ExtractStructured(ctx context.Context, text string, patient *entity.PatientMeta) (*entity.ExtractedData, []byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil, ErrEmptyInput
	}
	rid := uuid.New().String()
	start := time.Now()
	s.log.Info("llm.extract.start", "req_id", rid, "text_len", len(text))

	req := UserPrompt("extract", extractSystem, BuildExtractionPrompt(text, patient), s.cfg.ExtractTemperature, s.cfg.ExtractMaxTokens)
	req.JSON = true
	resp, err := s.c.Complete(ctx, req)
	if err != nil {
		s.log.Error("llm.extract.error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, nil, fmt.Errorf("extract structured data: %w", err)
	}
	content := []byte(StripCodeFences(resp.Content))
	if len(content) == 0 {
		return nil, nil, fmt.Errorf("extract structured data: %w", ErrEmptyResponse)
	}

	schema := BuildExtractionJSONSchema()
	if err := ValidateJSONAgainstSchema(schema, content); err != nil {
		cleaned, dropped, sErr := NormalizeAndSanitizeJSON(content, s.log)
		if sErr != nil {
			s.log.Error("llm.extract.sanitize_failed",
				"req_id", rid, "error", sErr,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return nil, content, fmt.Errorf("sanitize failed: %w", sErr)
		}
		if vErr := ValidateJSONAgainstSchema(schema, cleaned); vErr != nil {
			s.log.Error("llm.extract.schema_validation_failed",
				"req_id", rid, "error", vErr, "content", string(content),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return nil, content, fmt.Errorf("schema validation failed: %w", vErr)
		}
		s.log.Warn("llm.extract.lenient_sanitize_applied",
			"req_id", rid, "dropped", dropped,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		content = cleaned
	}

	var out entity.ExtractedData
	if err := json.Unmarshal(content, &out); err != nil {
		s.log.Error("llm.extract.unmarshal_failed", "req_id", rid, "error", err)
		return nil, content, fmt.Errorf("unmarshal extracted data: %w", err)
	}
	if out.Symptoms == nil {
		out.Symptoms = []string{}
	}
	if out.Medications == nil {
		out.Medications = []string{}
	}
	if out.TestResults == nil {
		out.TestResults = []string{}
	}
	s.log.Info("llm.extract.ok",
		"req_id", rid,
		"model", resp.Model,
		"symptoms", len(out.Symptoms),
		"medications", len(out.Medications),
		"has_diagnosis", out.Diagnosis != nil,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &out, content, nil
}

func (s *Service) generateSummary(ctx context.Context, text string, patient *entity.PatientMeta) (string, error) {
	rid := uuid.New().String()
	start := time.Now()
	resp, err := s.c.Complete(ctx, UserPrompt("summary", summarySystem, BuildSummaryPrompt(text, patient), s.cfg.Temperature, s.cfg.SummaryMaxTokens))
	if err != nil {
		s.log.Error("llm.summary.error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return "", fmt.Errorf("generate summary: %w", err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", fmt.Errorf("generate summary: %w", ErrEmptyResponse)
	}
	s.log.Info("llm.summary.ok", "req_id", rid, "summary_len", len(out), "elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

// KeyFindings asks for 3-5 bullets and parses them; at most 5 are kept.
func (s *Service) KeyFindings(ctx context.Context, summary string) ([]string, error) {
	if strings.TrimSpace(summary) == "" {
		return nil, ErrEmptyInput
	}
	resp, err := s.c.Complete(ctx, UserPrompt("findings", findingsSystem, BuildKeyFindingsPrompt(summary), s.cfg.Temperature, s.cfg.FindingsMaxTokens))
	if err != nil {
		s.log.Error("llm.findings.error", "error", err)
		return nil, fmt.Errorf("key findings: %w", err)
	}
	findings := ParseKeyFindings(resp.Content)
	if len(findings) == 0 {
		return nil, fmt.Errorf("key findings: %w", ErrEmptyResponse)
	}
	return findings, nil
}

var reBullet = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+`)

const maxKeyFindings = 5

// ParseKeyFindings extracts bullet lines ("-", "*", "•", "1.") from text.
// When the model ignored the bullet format, non-empty lines are used instead.
func ParseKeyFindings(text string) []string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	var bullets, plain []string
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		if loc := reBullet.FindStringIndex(ln); loc != nil {
			if item := strings.TrimSpace(ln[loc[1]:]); item != "" {
				bullets = append(bullets, item)
			}
			continue
		}
		plain = append(plain, strings.TrimSpace(ln))
	}
	out := bullets
	if len(out) == 0 {
		out = plain
	}
	if len(out) > maxKeyFindings {
		out = out[:maxKeyFindings]
	}
	return out
}

// FormatKeyFindings renders findings as the stored text block, one "- " bullet per line.
func FormatKeyFindings(findings []string) string {
	var b strings.Builder
	for _, f := range findings {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(f)
	}
	return b.String()
}

// fillFromPatient copies upload-time patient details into fields the model left empty.
func fillFromPatient(ed *entity.ExtractedData, p *entity.PatientMeta) {
	if ed == nil || p.IsZero() {
		return
	}
	if ed.PatientName == nil && p.Name != nil {
		n := *p.Name
		ed.PatientName = &n
	}
	if ed.Age == nil && p.Age != nil {
		a := strconv.Itoa(*p.Age)
		ed.Age = &a
	}
	if ed.Gender == nil && p.Gender != nil {
		g := *p.Gender
		ed.Gender = &g
	}
}
