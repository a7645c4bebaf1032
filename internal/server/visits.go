package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/async"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/entity"
	"github.com/joseph-ayodele/medsummary/internal/export"
	"github.com/joseph-ayodele/medsummary/internal/ingest"
	"github.com/joseph-ayodele/medsummary/internal/pipeline"
)

// multipart memory beyond this spills to temp files
const maxMultipartMemory = 8 << 20

type uploadResponse struct {
	VisitID  string               `json:"visit_id"`
	Status   constants.VisitState `json:"status"`
	Filename string               `json:"filename"`
	FileSize int64                `json:"file_size"`
}

func (a *API) upload(w http.ResponseWriter, r *http.Request) {
	if a.deps.Ingest == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{Code: "unavailable", Message: "uploads are disabled"}})
		return
	}
	limit := a.deps.Ingest.Docs.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+maxMultipartMemory)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			a.writeError(w, r, "", fmt.Errorf("%w: request body over %d bytes", ingest.ErrTooLarge, mbe.Limit))
			return
		}
		a.writeError(w, r, "", fmt.Errorf("%w: expected multipart form: %v", common.ErrInvalidInput, err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		a.writeError(w, r, "", fmt.Errorf("%w: file field is required", common.ErrInvalidInput))
		return
	}
	defer file.Close()

	patient, err := patientFromForm(r)
	if err != nil {
		a.writeError(w, r, "", err)
		return
	}

	v, err := a.deps.Ingest.Upload(r.Context(), hdr.Filename, file, patient)
	if err != nil {
		a.writeError(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		VisitID:  v.ID,
		Status:   v.State,
		Filename: v.Document.Filename,
		FileSize: v.Document.Size,
	})
}

func patientFromForm(r *http.Request) (*entity.PatientMeta, error) {
	var p entity.PatientMeta
	if s := strings.TrimSpace(r.FormValue("patient_name")); s != "" {
		p.Name = &s
	}
	if s := strings.TrimSpace(r.FormValue("patient_gender")); s != "" {
		p.Gender = &s
	}
	if s := strings.TrimSpace(r.FormValue("patient_age")); s != "" {
		age, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: patient_age must be an integer", common.ErrInvalidInput)
		}
		p.Age = &age
	}
	v := common.NewValidator().
		Field("patient_name", p.Name, common.MaxLength(200)).
		Field("patient_gender", p.Gender, common.MaxLength(32)).
		Field("patient_age", p.Age, common.IntRange(0, 150))
	if err := v.Error(); err != nil {
		return nil, err
	}
	if p.IsZero() {
		return nil, nil
	}
	return &p, nil
}

func (a *API) advance(w http.ResponseWriter, r *http.Request) {
	visitID := chi.URLParam(r, "visitId")
	stage, ok := constants.ParseStage(chi.URLParam(r, "stage"))
	if !ok {
		a.writeError(w, r, visitID, fmt.Errorf("%w: %q", pipeline.ErrInvalidStage, chi.URLParam(r, "stage")))
		return
	}

	ctx := r.Context()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			a.writeError(w, r, visitID, fmt.Errorf("%w: timeout must be a positive duration like 30s", common.ErrInvalidInput))
			return
		}
		if d > a.opts.MaxAdvanceWait {
			d = a.opts.MaxAdvanceWait
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	v, err := a.deps.Controller.Advance(ctx, visitID, stage)
	if err != nil {
		a.writeError(w, r, visitID, err)
		return
	}
	writeJSON(w, http.StatusOK, pipeline.Project(v))
}

func (a *API) result(w http.ResponseWriter, r *http.Request) {
	visitID := chi.URLParam(r, "visitId")
	view, err := a.deps.Controller.Result(r.Context(), visitID)
	if err != nil {
		a.writeError(w, r, visitID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	visitID := chi.URLParam(r, "visitId")
	st, err := a.deps.Controller.Status(r.Context(), visitID)
	if err != nil {
		a.writeError(w, r, visitID, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type processResponse struct {
	pipeline.Status
	Queued bool `json:"queued"`
}

// process queues a full OCR -> CLEAN -> SUMMARIZE run and returns at once.
func (a *API) process(w http.ResponseWriter, r *http.Request) {
	visitID := chi.URLParam(r, "visitId")
	if a.deps.Queue == nil {
		a.writeError(w, r, visitID, async.ErrQueueClosed)
		return
	}
	st, err := a.deps.Controller.Status(r.Context(), visitID)
	if err != nil {
		a.writeError(w, r, visitID, err)
		return
	}
	if st.Status.Terminal() {
		writeJSON(w, http.StatusOK, processResponse{Status: st})
		return
	}
	job := async.Job{VisitID: visitID, SubmittedAt: time.Now(), TraceID: common.RequestIDFromContext(r.Context())}
	if err := a.deps.Queue.Enqueue(r.Context(), job); err != nil {
		a.writeError(w, r, visitID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, processResponse{Status: st, Queued: true})
}

type visitItem struct {
	VisitID   string               `json:"visit_id"`
	Status    constants.VisitState `json:"status"`
	Filename  string               `json:"filename"`
	Patient   *entity.PatientMeta  `json:"patient,omitempty"`
	LastError *entity.StageFailure `json:"last_error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (a *API) listVisits(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 50, 1, 500)
	if err != nil {
		a.writeError(w, r, "", err)
		return
	}
	visits, err := a.deps.Visits.List(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, "", err)
		return
	}
	out := make([]visitItem, 0, len(visits))
	for _, v := range visits {
		item := visitItem{
			VisitID:   v.ID,
			Status:    v.State,
			Filename:  v.Document.Filename,
			LastError: v.LastError,
			CreatedAt: v.CreatedAt,
			UpdatedAt: v.UpdatedAt,
		}
		if !v.Patient.IsZero() {
			item.Patient = v.Patient
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"visits": out})
}

func (a *API) exportVisits(w http.ResponseWriter, r *http.Request) {
	if a.deps.Export == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{Code: "unavailable", Message: "export is disabled"}})
		return
	}
	var win export.Window
	for key, dst := range map[string]**time.Time{"from": &win.From, "to": &win.To} {
		raw := strings.TrimSpace(r.URL.Query().Get(key))
		if raw == "" {
			continue
		}
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			a.writeError(w, r, "", fmt.Errorf("%w: %s must be YYYY-MM-DD", common.ErrInvalidInput, key))
			return
		}
		*dst = &t
	}
	limit, err := intQuery(r, "limit", export.DefaultLimit, 1, 10000)
	if err != nil {
		a.writeError(w, r, "", err)
		return
	}

	b, err := a.deps.Export.ExportVisitsXLSX(r.Context(), win, limit)
	if err != nil {
		a.writeError(w, r, "", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="visits.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func intQuery(r *http.Request, key string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%w: %s must be an integer between %d and %d", common.ErrInvalidInput, key, min, max)
	}
	return n, nil
}
