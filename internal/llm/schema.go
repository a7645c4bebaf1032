package llm

import "encoding/json"

// extractionFields are the keys the extraction prompt may return.
var extractionFields = []string{
	"patient_name", "age", "gender", "symptoms", "diagnosis",
	"medications", "test_results", "vital_signs", "doctor_notes", "date_of_visit",
}

var extractionListFields = []string{"symptoms", "medications", "test_results"}

// BuildExtractionJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a generic map.
// It describes the normalized document: strings, lists of strings, and a
// string-valued vital_signs object. Nothing is required; absent means unknown.
func BuildExtractionJSONSchema() map[string]any {
	str := map[string]any{"type": "string"}
	list := map[string]any{"type": "array", "items": str}
	props := map[string]any{
		"patient_name":  str,
		"age":           str,
		"gender":        str,
		"symptoms":      list,
		"diagnosis":     str,
		"medications":   list,
		"test_results":  list,
		"vital_signs":   map[string]any{"type": "object", "additionalProperties": str},
		"doctor_notes":  str,
		"date_of_visit": str,
	}
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           props,
	}
}

func mustJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
