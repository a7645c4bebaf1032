package export

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/entity"
	"github.com/joseph-ayodele/medsummary/internal/repository"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestExportVisitsXLSX(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryVisitRepository(quiet())

	name, age := "Ada", 41
	v, err := repo.Create(ctx, entity.DocumentRef{Ref: "ab/x.pdf", Filename: "note.pdf", Ext: "pdf", Size: 3}, &entity.PatientMeta{Name: &name, Age: &age})
	require.NoError(t, err)

	text, conf := "raw", 0.91
	_, err = repo.CompareAndTransition(ctx, v.ID, constants.VisitUploaded, repository.Mutation{State: constants.VisitOCRDone, OCRText: &text, OCRConfidence: &conf})
	require.NoError(t, err)
	clean := "clean"
	_, err = repo.CompareAndTransition(ctx, v.ID, constants.VisitOCRDone, repository.Mutation{State: constants.VisitCleaned, CleanedText: &clean})
	require.NoError(t, err)
	dx, summary := "Hypertension", "BP elevated on two readings."
	findings := "- BP 150/95\n- No chest pain"
	_, err = repo.CompareAndTransition(ctx, v.ID, constants.VisitCleaned, repository.Mutation{
		State:         constants.VisitSummarized,
		Summary:       &summary,
		KeyFindings:   &findings,
		ExtractedData: &entity.ExtractedData{Diagnosis: &dx},
	})
	require.NoError(t, err)

	failed, err := repo.Create(ctx, entity.DocumentRef{Ref: "cd/y.png", Filename: "scan.png", Ext: "png", Size: 3}, nil)
	require.NoError(t, err)
	_, err = repo.CompareAndTransition(ctx, failed.ID, constants.VisitUploaded, repository.Mutation{
		State:     constants.VisitFailed,
		LastError: &entity.StageFailure{Stage: constants.StageOCR, Message: "no text could be recognized"},
	})
	require.NoError(t, err)

	b, err := NewService(repo, quiet()).ExportVisitsXLSX(ctx, Window{}, 0)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Visits")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, headers, rows[0])

	byID := map[string][]string{}
	for _, r := range rows[1:] {
		byID[r[0]] = r
	}
	got := byID[v.ID]
	require.NotNil(t, got)
	assert.Equal(t, "SUMMARIZED", got[2])
	assert.Equal(t, "note.pdf", got[3])
	assert.Equal(t, "Ada, 41y", got[4])
	assert.Equal(t, "Hypertension", got[5])
	assert.Equal(t, "- BP 150/95\n- No chest pain", got[6])
	assert.Equal(t, summary, got[7])
	assert.Equal(t, "0.91", got[8])

	bad := byID[failed.ID]
	require.Len(t, bad, 10)
	assert.Equal(t, "FAILED", bad[2])
	assert.Equal(t, "OCR: no text could be recognized", bad[9])
}

func TestExportVisitsXLSX_Window(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryVisitRepository(quiet())
	_, err := repo.Create(ctx, entity.DocumentRef{Ref: "ab/x.pdf", Filename: "x.pdf", Ext: "pdf", Size: 1}, nil)
	require.NoError(t, err)

	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	b, err := NewService(repo, quiet()).ExportVisitsXLSX(ctx, Window{From: &tomorrow}, 10)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Visits")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "header only")
}

func TestWindowNormalize(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	from := time.Date(2025, 3, 1, 22, 30, 0, 0, time.UTC)

	f, to := Window{From: &from}.normalize(now)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), *f)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), *to)

	w := Window{}
	assert.True(t, w.contains(now, f, to), "to day is inclusive")
	assert.False(t, w.contains(now.AddDate(0, 0, 1), f, to))

	f, to = Window{}.normalize(now)
	assert.Nil(t, f)
	assert.Nil(t, to)
}
