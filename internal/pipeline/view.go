package pipeline

import (
	"math"
	"time"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/entity"
)

// View is the client-facing projection of a visit. Fields that have no value
// yet are omitted rather than rendered as null.
type View struct {
	VisitID       string                `json:"visit_id"`
	Status        constants.VisitState  `json:"status"`
	LastError     *entity.StageFailure  `json:"last_error,omitempty"`
	Patient       *entity.PatientMeta   `json:"patient,omitempty"`
	Summary       *string               `json:"summary,omitempty"`
	KeyFindings   *string               `json:"key_findings,omitempty"`
	ExtractedData *entity.ExtractedData `json:"extracted_data,omitempty"`
	OCRText       *string               `json:"ocr_text,omitempty"`
	OCRConfidence *float64              `json:"ocr_confidence,omitempty"`
	CleanedText   *string               `json:"cleaned_text,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Status is the lock-free progress answer for polling clients.
type Status struct {
	VisitID   string               `json:"visit_id"`
	Status    constants.VisitState `json:"status"`
	LastError *entity.StageFailure `json:"last_error,omitempty"`
}

// Project renders a visit in any state. It never mutates v.
func Project(v *entity.Visit) View {
	if v == nil {
		return View{}
	}
	c := v.Clone()
	out := View{
		VisitID:       c.ID,
		Status:        c.State,
		LastError:     c.LastError,
		Summary:       c.Summary,
		ExtractedData: c.ExtractedData,
		OCRText:       c.OCRText,
		CleanedText:   c.CleanedText,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if !c.Patient.IsZero() {
		out.Patient = c.Patient
	}
	if c.KeyFindings != nil && *c.KeyFindings != "" {
		out.KeyFindings = c.KeyFindings
	}
	if c.OCRConfidence != nil {
		r := math.Round(*c.OCRConfidence*100) / 100
		out.OCRConfidence = &r
	}
	if ed := out.ExtractedData; ed != nil {
		if ed.Symptoms == nil {
			ed.Symptoms = []string{}
		}
		if ed.Medications == nil {
			ed.Medications = []string{}
		}
		if ed.TestResults == nil {
			ed.TestResults = []string{}
		}
	}
	return out
}

// StatusOf is the status subset of a visit.
func StatusOf(v *entity.Visit) Status {
	s := Status{VisitID: v.ID, Status: v.State}
	if v.LastError != nil {
		le := *v.LastError
		s.LastError = &le
	}
	return s
}
