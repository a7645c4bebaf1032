package entity

import (
	"time"

	"github.com/joseph-ayodele/medsummary/constants"
)

// Visit represents one document moving through the pipeline.
type Visit struct {
	ID            string               `json:"id"`
	State         constants.VisitState `json:"state"`
	Document      DocumentRef          `json:"document"`
	Patient       *PatientMeta         `json:"patient,omitempty"`
	OCRText       *string              `json:"ocr_text,omitempty"`
	OCRConfidence *float64             `json:"ocr_confidence,omitempty"`
	CleanedText   *string              `json:"cleaned_text,omitempty"`
	ExtractedData *ExtractedData       `json:"extracted_data,omitempty"`
	Summary       *string              `json:"summary,omitempty"`
	KeyFindings   *string              `json:"key_findings,omitempty"` // one finding per line
	LastError     *StageFailure        `json:"last_error,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// DocumentRef points at the uploaded bytes held by the document store.
type DocumentRef struct {
	Ref      string `json:"ref"`
	Filename string `json:"filename"`
	Ext      string `json:"ext"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256,omitempty"`
}

// PatientMeta is optional patient context supplied at upload.
type PatientMeta struct {
	Name   *string `json:"name,omitempty"`
	Age    *int    `json:"age,omitempty"`
	Gender *string `json:"gender,omitempty"`
}

// IsZero reports whether no patient field is set.
func (p *PatientMeta) IsZero() bool {
	return p == nil || (p.Name == nil && p.Age == nil && p.Gender == nil)
}

// ExtractedData is the structured record produced by the summarizer.
type ExtractedData struct {
	PatientName *string           `json:"patient_name,omitempty"`
	Age         *string           `json:"age,omitempty"`
	Gender      *string           `json:"gender,omitempty"`
	Diagnosis   *string           `json:"diagnosis,omitempty"`
	Symptoms    []string          `json:"symptoms"`
	Medications []string          `json:"medications"`
	TestResults []string          `json:"test_results"`
	VitalSigns  map[string]string `json:"vital_signs,omitempty"`
	DoctorNotes *string           `json:"doctor_notes,omitempty"`
	DateOfVisit *string           `json:"date_of_visit,omitempty"`
}

// StageFailure records which stage moved a visit to FAILED and why.
type StageFailure struct {
	Stage   constants.Stage `json:"stage"`
	Message string          `json:"message"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (v *Visit) Clone() *Visit {
	if v == nil {
		return nil
	}
	out := *v
	if v.Patient != nil {
		p := *v.Patient
		out.Patient = &p
	}
	out.OCRText = clonePtr(v.OCRText)
	out.OCRConfidence = clonePtr(v.OCRConfidence)
	out.CleanedText = clonePtr(v.CleanedText)
	out.Summary = clonePtr(v.Summary)
	out.KeyFindings = clonePtr(v.KeyFindings)
	if v.ExtractedData != nil {
		ed := *v.ExtractedData
		ed.Symptoms = cloneSlice(v.ExtractedData.Symptoms)
		ed.Medications = cloneSlice(v.ExtractedData.Medications)
		ed.TestResults = cloneSlice(v.ExtractedData.TestResults)
		if v.ExtractedData.VitalSigns != nil {
			ed.VitalSigns = make(map[string]string, len(v.ExtractedData.VitalSigns))
			for k, val := range v.ExtractedData.VitalSigns {
				ed.VitalSigns[k] = val
			}
		}
		out.ExtractedData = &ed
	}
	if v.LastError != nil {
		le := *v.LastError
		out.LastError = &le
	}
	return &out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// cloneSlice keeps nil and empty distinct.
func cloneSlice(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}
