package ocr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/medsummary/constants"
)

// extractPDF trusts embedded text when there is enough of it, otherwise
// rasterizes the pages and OCRs each one.
func (e *Extractor) extractPDF(ctx context.Context, path string) (ExtractionResult, error) {
	res := ExtractionResult{SourceType: constants.PDF, Language: e.cfg.TesseractLang}

	text, pages, warn, err := e.pdfToText(ctx, path)
	res.Warnings = append(res.Warnings, warn...)
	if err != nil {
		e.logger.Warn("pdftotext failed, falling back to ocr", "path", path, "error", err)
	}
	text = Normalize(text)
	if err == nil && len(text) > e.cfg.MinDirectTextChars {
		res.Text = text
		res.Pages = pages
		res.Method = "pdf-text"
		res.Confidence = 1.0
		return res, nil
	}

	res.Method = "pdf-ocr"
	text, pages, conf, warn, err := e.pdfToOCR(ctx, path)
	res.Warnings = append(res.Warnings, warn...)
	if err != nil {
		return res, err
	}
	res.Text = Normalize(text)
	res.Pages = pages
	res.Confidence = conf
	return res, nil
}

func (e *Extractor) pdfToText(ctx context.Context, path string) (text string, pages int, warnings []string, err error) {
	// pdftotext -layout -enc UTF-8 -eol unix <path> -
	out, errb, err := e.runner.Run(ctx, e.cfg.Pdftotext, "-layout", "-enc", "UTF-8", "-eol", "unix", path, "-")
	if err != nil {
		return "", 0, stderrWarning(errb), err
	}
	text = string(out)
	// A form-feed \f is used as page separator by default
	pages = 1 + strings.Count(strings.TrimRight(text, "\f\n"), "\f")
	return text, pages, nil, nil
}

// pdfToOCR returns the page texts joined by form feeds and the mean page confidence.
func (e *Extractor) pdfToOCR(ctx context.Context, path string) (text string, pages int, conf float64, warnings []string, err error) {
	tmpDir, err := os.MkdirTemp("", "medsum-pp-*")
	if err != nil {
		return "", 0, 0, nil, err
	}
	defer func() {
		if rerr := os.RemoveAll(tmpDir); rerr != nil {
			e.logger.Warn("failed to remove temp dir", "dir", tmpDir, "error", rerr)
		}
	}()

	prefix := filepath.Join(tmpDir, "page")
	args := []string{"-r", strconv.Itoa(e.cfg.DPI), "-png"}
	if e.cfg.MaxPages > 0 {
		args = append(args, "-l", strconv.Itoa(e.cfg.MaxPages))
	}
	// pdftoppm -r 300 -png <in.pdf> <tmp/page>
	_, errb, err := e.runner.Run(ctx, e.cfg.Pdftoppm, append(args, path, prefix)...)
	if err != nil {
		return "", 0, 0, stderrWarning(errb), fmt.Errorf("pdftoppm: %w", err)
	}

	// prefix-1.png, prefix-2.png, ... (zero padded for large documents)
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if e.cfg.MaxPages > 0 && len(matches) > e.cfg.MaxPages {
		matches = matches[:e.cfg.MaxPages]
	}
	if len(matches) == 0 {
		return "", 0, 0, []string{"pdftoppm produced no images"}, fmt.Errorf("no pages rendered")
	}

	var (
		b       strings.Builder
		sumConf float64
		ok      int
	)
	for _, img := range matches {
		if err := ctx.Err(); err != nil {
			return "", 0, 0, warnings, err
		}
		txt, w, err := e.tesseractOCR(ctx, img)
		warnings = append(warnings, w...)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		txt = Normalize(txt)
		if txt == "" {
			continue
		}
		c, err := e.pageConfidence(ctx, img, txt)
		if err != nil {
			return "", len(matches), 0, append(warnings, err.Error()), err
		}
		sumConf += c
		ok++
		if b.Len() > 0 {
			b.WriteString("\n\f\n")
		}
		b.WriteString(txt)
	}
	if ok == 0 {
		return "", len(matches), 0, warnings, nil
	}
	return b.String(), len(matches), sumConf / float64(ok), warnings, nil
}
