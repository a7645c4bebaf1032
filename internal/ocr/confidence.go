package ocr

import (
	"regexp"
	"strings"
)

var (
	reDate  = regexp.MustCompile(`\b\d{1,4}[/\-.]\d{1,2}[/\-.]\d{1,4}\b`)
	reVital = regexp.MustCompile(`\b\d{2,3}\s*/\s*\d{2,3}\b|\b(mmhg|bpm|spo2|°[fc])\b|\d\s*°`)
	reDose  = regexp.MustCompile(`\b\d+(\.\d+)?\s*(mg|mcg|ml|g|iu|units?)\b`)
)

// clinicalTerms are words that show up on almost any visit note or lab sheet.
var clinicalTerms = []string{
	"patient", "diagnosis", "history", "symptom", "prescri", "medication",
	"blood", "pressure", "temperature", "pulse", "dr.", "doctor", "clinic",
	"hospital", "tablet", "dose", "allerg", "follow", "exam", "test",
}

func hasDatePattern(s string) bool  { return reDate.MatchString(s) }
func hasVitalPattern(s string) bool { return reVital.MatchString(s) }
func hasDosePattern(s string) bool  { return reDose.MatchString(s) }

func countClinicalTerms(s string) int {
	n := 0
	for _, t := range clinicalTerms {
		if strings.Contains(s, t) {
			n++
		}
	}
	return n
}

// heuristicConfidence scores decoded text by how much it looks like a medical
// document. It never returns more than 1.
func heuristicConfidence(txt string) float64 {
	txtL := strings.ToLower(txt)
	score := 0.2 // base
	if hasDatePattern(txtL) {
		score += 0.15
	}
	if hasVitalPattern(txtL) {
		score += 0.15
	}
	if hasDosePattern(txtL) {
		score += 0.15
	}
	switch n := countClinicalTerms(txtL); {
	case n >= 4:
		score += 0.2
	case n >= 1:
		score += 0.1
	}
	if len(txt) > 120 {
		score += 0.1
	} // enough content
	if score > 1.0 {
		score = 1.0
	}
	return score
}
