package ocr

import (
	"regexp"
	"strings"
)

var (
	reCRLF       = regexp.MustCompile(`\r\n?`)
	reTabs       = regexp.MustCompile(`\t+`)
	reMultiSpace = regexp.MustCompile(` {2,}`)
	reMultiBlank = regexp.MustCompile(`\n{3,}`)
	reControl    = regexp.MustCompile(`[\x00-\x08\x0b\x0e-\x1f\x7f]`)
	reLonePipe   = regexp.MustCompile(`(?m)^\s*[|¦]\s*$`)
)

var reBoxNoise = regexp.MustCompile(`(?m)^\s*[_\-=~]{3,}\s*$`)

// Normalize collapses noisy whitespace and strips common OCR artifacts.
// Conservative: digits and line breaks are kept (doses and dates must survive);
// form feeds between pages are preserved; more than one blank line collapses to one.
func Normalize(s string) string {
	if s == "" {
		return s
	}
	s = reCRLF.ReplaceAllString(s, "\n")
	s = reControl.ReplaceAllString(s, "")
	s = reTabs.ReplaceAllString(s, " ")
	s = reMultiSpace.ReplaceAllString(s, " ")
	s = reBoxNoise.ReplaceAllString(s, "")
	s = reLonePipe.ReplaceAllString(s, "")
	// trim trailing spaces on lines
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " ")
	}
	s = strings.Join(lines, "\n")
	s = reMultiBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
