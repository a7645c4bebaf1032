package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/entity"
)

var (
	// ErrNotFound is returned when no visit has the requested id.
	ErrNotFound = fmt.Errorf("visit %w", common.ErrNotFound)
	// ErrConflict is returned when a visit is no longer in the expected state.
	ErrConflict = fmt.Errorf("visit %w", common.ErrConflict)
	// ErrInvalidTransition is returned for a mutation that is not an edge of the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// VisitRepository is the single owner of visit identity and state.
// CompareAndTransition is the only mutation path after Create.
type VisitRepository interface {
	Create(ctx context.Context, doc entity.DocumentRef, patient *entity.PatientMeta) (*entity.Visit, error)
	Get(ctx context.Context, id string) (*entity.Visit, error)
	List(ctx context.Context, limit int) ([]*entity.Visit, error)
	CompareAndTransition(ctx context.Context, id string, expected constants.VisitState, m Mutation) (*entity.Visit, error)
}

// Mutation is the new state plus the stage-owned fields to write with it.
// Nil fields are left untouched.
type Mutation struct {
	State         constants.VisitState
	OCRText       *string
	OCRConfidence *float64
	CleanedText   *string
	ExtractedData *entity.ExtractedData
	Summary       *string
	KeyFindings   *string
	LastError     *entity.StageFailure
}

func (m Mutation) validate(expected constants.VisitState) error {
	if !constants.CanTransition(expected, m.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, m.State)
	}
	if m.State == constants.VisitFailed && m.LastError == nil {
		return fmt.Errorf("%w: FAILED requires last_error", ErrInvalidTransition)
	}
	if m.State != constants.VisitFailed && m.LastError != nil {
		return fmt.Errorf("%w: last_error only allowed with FAILED", ErrInvalidTransition)
	}
	return nil
}

func (m Mutation) apply(v *entity.Visit) {
	v.State = m.State
	if m.OCRText != nil {
		s := *m.OCRText
		v.OCRText = &s
	}
	if m.OCRConfidence != nil {
		c := *m.OCRConfidence
		v.OCRConfidence = &c
	}
	if m.CleanedText != nil {
		s := *m.CleanedText
		v.CleanedText = &s
	}
	if m.ExtractedData != nil {
		v.ExtractedData = (&entity.Visit{ExtractedData: m.ExtractedData}).Clone().ExtractedData
	}
	if m.Summary != nil {
		s := *m.Summary
		v.Summary = &s
	}
	if m.KeyFindings != nil {
		s := *m.KeyFindings
		v.KeyFindings = &s
	}
	if m.LastError != nil {
		le := *m.LastError
		v.LastError = &le
	}
}

// NewVisitID returns a VIS_ prefixed id with 12 upper-case hex characters.
func NewVisitID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "VIS_" + strings.ToUpper(hex[:12])
}
