package ocr

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/medsummary/constants"
)

func (e *Extractor) extractImage(ctx context.Context, path string) (ExtractionResult, error) {
	res := ExtractionResult{
		Pages:      1,
		SourceType: constants.IMAGE,
		Method:     "image-ocr",
		Language:   e.cfg.TesseractLang,
	}
	txt, warn, err := e.tesseractOCR(ctx, path)
	res.Warnings = warn
	if err != nil {
		return res, err
	}
	res.Text = Normalize(txt)
	if res.Text == "" {
		return res, nil
	}
	conf, err := e.pageConfidence(ctx, path, res.Text)
	if err != nil {
		res.Warnings = append(res.Warnings, err.Error())
		return res, err
	}
	res.Confidence = conf
	return res, nil
}

// pageConfidence blends tesseract's mean word confidence with the text
// heuristic. Without a word confidence from tesseract there is no score.
func (e *Extractor) pageConfidence(ctx context.Context, path, txt string) (float64, error) {
	ocrConf, err := e.tesseractTSVConfidence(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrNoConfidence, err)
	}
	if ocrConf <= 0 {
		return 0, fmt.Errorf("%w: no word confidences in tesseract tsv", ErrNoConfidence)
	}
	conf := 0.7*ocrConf + 0.3*heuristicConfidence(txt)
	if conf > 1.0 {
		conf = 1.0
	}
	return conf, nil
}

func (e *Extractor) tesseractArgs(path string) []string {
	args := []string{path, "stdout", "-l", e.cfg.TesseractLang}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", strconv.Itoa(e.cfg.PSM))
	}
	if e.cfg.OEM > 0 {
		args = append(args, "--oem", strconv.Itoa(e.cfg.OEM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}
	return args
}

func (e *Extractor) tesseractOCR(ctx context.Context, path string) (string, []string, error) {
	// tesseract <file> stdout -l <lang>
	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, e.tesseractArgs(path)...)
	if err != nil {
		return "", stderrWarning(errb), fmt.Errorf("tesseract: %w", err)
	}
	txt := reBoxNoise.ReplaceAllString(string(out), "")
	return txt, nil, nil
}

// tesseractTSVConfidence runs tesseract in TSV mode and returns mean word conf in 0..1.
func (e *Extractor) tesseractTSVConfidence(ctx context.Context, path string) (float64, error) {
	args := append(e.tesseractArgs(path), "tsv")
	out, _, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		return 0, fmt.Errorf("tesseract tsv: %w", err)
	}
	return meanTSVConfidence(string(out)), nil
}

// meanTSVConfidence averages the conf column, skipping the header and
// non-word rows (conf -1).
func meanTSVConfidence(tsv string) float64 {
	var sum, n float64
	for i, ln := range strings.Split(tsv, "\n") {
		if i == 0 || ln == "" {
			continue
		}
		cols := strings.Split(ln, "\t")
		if len(cols) < 12 {
			continue
		}
		confStr := strings.TrimSpace(cols[10])
		if confStr == "" || confStr == "-1" {
			continue
		}
		if v, err := strconv.ParseFloat(confStr, 64); err == nil && v >= 0 {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / n / 100.0
}

func stderrWarning(errb []byte) []string {
	s := strings.TrimSpace(string(errb))
	if s == "" {
		return nil
	}
	return []string{truncate(s, 512)}
}
