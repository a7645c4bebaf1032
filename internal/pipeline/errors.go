package pipeline

import (
	"errors"
	"fmt"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/entity"
	"github.com/joseph-ayodele/medsummary/internal/repository"
)

var (
	// ErrNotFound is the store's not-found error, re-exported for callers of the controller.
	ErrNotFound = repository.ErrNotFound

	ErrInvalidStage    = errors.New("invalid stage")
	ErrStageOutOfOrder = errors.New("stage out of order")
	ErrBusy            = errors.New("visit busy")
	ErrTimeout         = errors.New("advance timed out")

	ErrExtractionFailed    = errors.New("extraction failed")
	ErrCleaningFailed      = errors.New("cleaning failed")
	ErrSummarizationFailed = errors.New("summarization failed")
)

// FailureKind maps a stage to the error kind its executor failures carry.
func FailureKind(stage constants.Stage) error {
	switch stage {
	case constants.StageOCR:
		return ErrExtractionFailed
	case constants.StageClean:
		return ErrCleaningFailed
	case constants.StageSummarize:
		return ErrSummarizationFailed
	default:
		return ErrInvalidStage
	}
}

// StageError reports a stage failure committed on a visit (state FAILED).
// Visit carries the committed record so callers can render its status.
type StageError struct {
	VisitID string
	Stage   constants.Stage
	Kind    error
	Message string
	Visit   *entity.Visit
}

func (e *StageError) Error() string {
	return fmt.Sprintf("visit %s: %s: %s", e.VisitID, e.Kind, e.Message)
}

func (e *StageError) Unwrap() error { return e.Kind }

// stageErrorFromVisit rebuilds the StageError recorded on a FAILED visit.
func stageErrorFromVisit(v *entity.Visit) *StageError {
	se := &StageError{VisitID: v.ID, Kind: ErrExtractionFailed, Visit: v}
	if v.LastError != nil {
		se.Stage = v.LastError.Stage
		se.Kind = FailureKind(v.LastError.Stage)
		se.Message = v.LastError.Message
	}
	return se
}
