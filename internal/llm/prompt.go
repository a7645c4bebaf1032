package llm

import (
	"strconv"
	"strings"

	"github.com/joseph-ayodele/medsummary/internal/entity"
)

// maxPromptChars bounds the document text embedded in a single prompt.
const maxPromptChars = 12000

const (
	cleanSystem    = "You are a medical text processing expert. Clean and correct OCR text while preserving original medical information."
	extractSystem  = "You are a medical data extraction expert. Extract structured information from medical text and return valid JSON."
	summarySystem  = "You are a medical summarization expert. Generate concise, accurate clinical summaries for healthcare professionals."
	findingsSystem = "You are an assistant helping doctors review medical records."
)

func clip(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > maxPromptChars {
		return text[:maxPromptChars] + "\n…(truncated)"
	}
	return text
}

// BuildCleanPrompt asks for spelling, grammar and terminology fixes only.
func BuildCleanPrompt(ocrText string) string {
	parts := []string{
		"You are a medical language expert.",
		"",
		"Clean the following OCR-extracted medical text:",
		"- Fix spelling and grammar errors",
		"- Correct medical terminology",
		"- Remove OCR artifacts and noise",
		"- Fix formatting issues",
		"- Do NOT add new information",
		"- Do NOT make assumptions",
		"- Preserve clinical meaning exactly",
		"",
		"OCR Text:",
		clip(ocrText),
		"",
		"Provide ONLY the cleaned text without any explanations or additional comments.",
	}
	return strings.Join(parts, "\n")
}

// BuildExtractionPrompt lists the JSON fields to extract and embeds the schema.
func BuildExtractionPrompt(cleanedText string, patient *entity.PatientMeta) string {
	var b strings.Builder
	b.WriteString("Extract the following information from the medical text below.\n")
	b.WriteString("Return ONLY a valid JSON object with these fields. Never output null: if a field is not present, omit it.\n")
	b.WriteString(`{
  "patient_name": "string",
  "age": "string",
  "gender": "string",
  "symptoms": ["list of symptoms"],
  "diagnosis": "string",
  "medications": ["list of medications with dosage"],
  "test_results": ["list of test results"],
  "vital_signs": {"name": "value with unit"},
  "doctor_notes": "string",
  "date_of_visit": "string"
}`)
	b.WriteString("\n\nJSON Schema:\n")
	b.WriteString(mustJSON(BuildExtractionJSONSchema()))
	if ctx := patientContext(patient); ctx != "" {
		b.WriteString("\n\nKnown patient details (use only if the text does not say otherwise): ")
		b.WriteString(ctx)
	}
	b.WriteString("\n\nMedical Text:\n")
	b.WriteString(clip(cleanedText))
	b.WriteString("\n\nReturn ONLY the JSON object, no additional text.")
	return b.String()
}

// BuildSummaryPrompt asks for a doctor-facing narrative summary.
func BuildSummaryPrompt(cleanedText string, patient *entity.PatientMeta) string {
	parts := []string{
		"Generate a concise medical summary from the following clinical text.",
		"",
		"Focus on:",
		"- Key symptoms and complaints",
		"- Diagnosis (if mentioned)",
		"- Medications prescribed",
		"- Important test results and vital signs",
		"- Critical observations",
		"- Follow-up recommendations",
		"",
		"Guidelines:",
		"- Be concise and doctor-friendly",
		"- Use medical terminology appropriately",
		"- Do NOT make assumptions or new diagnoses",
		"- Do NOT add information not present in the text",
		"- Highlight only key medical findings",
		"- Structure the summary clearly",
	}
	if ctx := patientContext(patient); ctx != "" {
		parts = append(parts, "", "Patient: "+ctx)
	}
	parts = append(parts, "", "Clinical Text:", clip(cleanedText), "", "Provide a well-structured medical summary.")
	return strings.Join(parts, "\n")
}

// BuildKeyFindingsPrompt asks for 3-5 dash bullets drawn from a summary.
func BuildKeyFindingsPrompt(summary string) string {
	return "Extract 3-5 key medical findings from this summary as bullet points.\n\nSummary:\n" +
		clip(summary) +
		"\n\nProvide ONLY the bullet points, one per line, starting with a dash (-)."
}

func patientContext(p *entity.PatientMeta) string {
	if p.IsZero() {
		return ""
	}
	var bits []string
	if p.Name != nil && strings.TrimSpace(*p.Name) != "" {
		bits = append(bits, "name "+strings.TrimSpace(*p.Name))
	}
	if p.Age != nil {
		bits = append(bits, "age "+strconv.Itoa(*p.Age))
	}
	if p.Gender != nil && strings.TrimSpace(*p.Gender) != "" {
		bits = append(bits, "gender "+strings.TrimSpace(*p.Gender))
	}
	return strings.Join(bits, ", ")
}
