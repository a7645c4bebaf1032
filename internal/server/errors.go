package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/async"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/entity"
	"github.com/joseph-ayodele/medsummary/internal/ingest"
	"github.com/joseph-ayodele/medsummary/internal/pipeline"
)

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error     errorDetail          `json:"error"`
	VisitID   string               `json:"visit_id,omitempty"`
	Status    constants.VisitState `json:"status,omitempty"`
	LastError *entity.StageFailure `json:"last_error,omitempty"`
}

// busyRetryAfter is the Retry-After hint, in seconds, sent with 503 Busy.
const busyRetryAfter = 2

// classify maps an error to its HTTP status and error code.
func classify(err error) (int, string) {
	var se *pipeline.StageError
	switch {
	case errors.As(err, &se):
		switch {
		case errors.Is(se.Kind, pipeline.ErrExtractionFailed):
			return http.StatusUnprocessableEntity, "extraction_failed"
		case errors.Is(se.Kind, pipeline.ErrCleaningFailed):
			return http.StatusUnprocessableEntity, "cleaning_failed"
		default:
			return http.StatusUnprocessableEntity, "summarization_failed"
		}
	case errors.Is(err, pipeline.ErrNotFound), errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, pipeline.ErrStageOutOfOrder):
		return http.StatusConflict, "stage_out_of_order"
	case errors.Is(err, pipeline.ErrInvalidStage):
		return http.StatusBadRequest, "invalid_stage"
	case errors.Is(err, ingest.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, common.ErrInvalidInput), errors.Is(err, common.ErrValidation):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, pipeline.ErrBusy):
		return http.StatusServiceUnavailable, "busy"
	case errors.Is(err, async.ErrQueueClosed):
		return http.StatusServiceUnavailable, "queue_closed"
	case errors.Is(err, pipeline.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	}
	return http.StatusInternalServerError, "internal"
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, visitID string, err error) {
	status, code := classify(err)
	body := errorBody{Error: errorDetail{Code: code, Message: err.Error()}, VisitID: visitID}

	var se *pipeline.StageError
	if errors.As(err, &se) && se.Visit != nil {
		st := pipeline.StatusOf(se.Visit)
		body.VisitID, body.Status, body.LastError = st.VisitID, st.Status, st.LastError
	}
	if status == http.StatusServiceUnavailable && code == "busy" {
		w.Header().Set("Retry-After", strconv.Itoa(busyRetryAfter))
	}
	if status == http.StatusInternalServerError {
		body.Error.Message = "internal error"
	}

	level := slog.LevelInfo
	if status >= 500 {
		level = slog.LevelError
	}
	a.logger(r.Context()).Log(r.Context(), level, "http.error",
		"path", r.URL.Path,
		"visit_id", visitID,
		"status", status,
		"code", code,
		"error", err,
	)
	writeJSON(w, status, body)
}
