package constants

import "strings"

// VisitState is the canonical state of a visit row.
type VisitState string

// Stable values (store these exact strings in DB).
const (
	VisitUploaded   VisitState = "UPLOADED"   // document stored, nothing processed yet
	VisitOCRDone    VisitState = "OCR_DONE"   // stage 1 completed (text extracted)
	VisitCleaned    VisitState = "CLEANED"    // stage 2 completed (text cleaned)
	VisitSummarized VisitState = "SUMMARIZED" // stage 3 completed (terminal)
	VisitFailed     VisitState = "FAILED"     // terminal failure, see last_error
)

// Stage names a pipeline step that can be advanced.
type Stage string

const (
	StageOCR       Stage = "OCR"
	StageClean     Stage = "CLEAN"
	StageSummarize Stage = "SUMMARIZE"
)

// Stages lists the pipeline steps in execution order.
var Stages = []Stage{StageOCR, StageClean, StageSummarize}

// progress is the number of completed stages for each non-failed state.
var progress = map[VisitState]int{
	VisitUploaded:   0,
	VisitOCRDone:    1,
	VisitCleaned:    2,
	VisitSummarized: 3,
}

func (s VisitState) String() string { return string(s) }

// Valid reports whether s is one of the known states.
func (s VisitState) Valid() bool {
	_, ok := progress[s]
	return ok || s == VisitFailed
}

// Terminal reports whether no further transition can leave s.
func (s VisitState) Terminal() bool {
	return s == VisitSummarized || s == VisitFailed
}

// Progress returns how many stages have completed in state s.
// FAILED has no intrinsic progress; callers use the failed stage instead.
func (s VisitState) Progress() (int, bool) {
	n, ok := progress[s]
	return n, ok
}

// CanTransition reports whether from -> to is an edge of the visit state machine.
func CanTransition(from, to VisitState) bool {
	if from.Terminal() {
		return false
	}
	if to == VisitFailed {
		return true
	}
	a, okA := progress[from]
	b, okB := progress[to]
	return okA && okB && b == a+1
}

func (s Stage) String() string { return string(s) }

// Index is the zero-based position of s in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is an advanceable stage.
func (s Stage) Valid() bool { return s.Index() >= 0 }

// From is the state a visit must be in for s to run.
func (s Stage) From() VisitState {
	switch s {
	case StageOCR:
		return VisitUploaded
	case StageClean:
		return VisitOCRDone
	case StageSummarize:
		return VisitCleaned
	default:
		return ""
	}
}

// To is the state a visit enters when s succeeds.
func (s Stage) To() VisitState {
	switch s {
	case StageOCR:
		return VisitOCRDone
	case StageClean:
		return VisitCleaned
	case StageSummarize:
		return VisitSummarized
	default:
		return ""
	}
}

// ParseStage accepts the stage names used on the wire ("ocr", "clean", "summarize")
// in any case.
func ParseStage(s string) (Stage, bool) {
	st := Stage(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// NextStage returns the stage that would advance a visit out of state s.
func NextStage(s VisitState) (Stage, bool) {
	for _, st := range Stages {
		if st.From() == s {
			return st, true
		}
	}
	return "", false
}
