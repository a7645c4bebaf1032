package constants

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to VisitState
		want     bool
	}{
		{VisitUploaded, VisitOCRDone, true},
		{VisitOCRDone, VisitCleaned, true},
		{VisitCleaned, VisitSummarized, true},
		{VisitUploaded, VisitCleaned, false},
		{VisitOCRDone, VisitUploaded, false},
		{VisitUploaded, VisitFailed, true},
		{VisitCleaned, VisitFailed, true},
		{VisitSummarized, VisitFailed, false},
		{VisitFailed, VisitOCRDone, false},
		{VisitFailed, VisitFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStageEdges(t *testing.T) {
	assert.Equal(t, VisitUploaded, StageOCR.From())
	assert.Equal(t, VisitOCRDone, StageOCR.To())
	assert.Equal(t, VisitOCRDone, StageClean.From())
	assert.Equal(t, VisitCleaned, StageClean.To())
	assert.Equal(t, VisitCleaned, StageSummarize.From())
	assert.Equal(t, VisitSummarized, StageSummarize.To())

	for _, st := range Stages {
		assert.True(t, CanTransition(st.From(), st.To()), st)
	}
}

func TestParseStage(t *testing.T) {
	st, ok := ParseStage("ocr")
	assert.True(t, ok)
	assert.Equal(t, StageOCR, st)

	st, ok = ParseStage(" Summarize ")
	assert.True(t, ok)
	assert.Equal(t, StageSummarize, st)

	_, ok = ParseStage("upload")
	assert.False(t, ok)
}

func TestNextStage(t *testing.T) {
	st, ok := NextStage(VisitOCRDone)
	assert.True(t, ok)
	assert.Equal(t, StageClean, st)

	_, ok = NextStage(VisitSummarized)
	assert.False(t, ok)
	_, ok = NextStage(VisitFailed)
	assert.False(t, ok)
}

func TestMapExtToFormat(t *testing.T) {
	assert.Equal(t, PDF, MapExtToFormat(".PDF"))
	assert.Equal(t, IMAGE, MapExtToFormat("jpeg"))
	assert.Equal(t, IMAGE, MapExtToFormat(".png"))
	assert.Equal(t, "", MapExtToFormat("heic"))
	assert.True(t, AllowedExt(".JPG"))
	assert.False(t, AllowedExt("txt"))
}
