package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/telhawk-systems/studyhawk/common/httputil"
	"github.com/telhawk-systems/studyhawk/common/logging"
	"github.com/telhawk-systems/studyhawk/ingest/internal/datacheck"
	"github.com/telhawk-systems/studyhawk/ingest/internal/operatorauth"
)

type DataChecker interface {
	Check(ctx context.Context, q datacheck.Query) (datacheck.Result, error)
}

type DataCheckHandler struct {
	checker DataChecker
	logger  *logging.Logger
}

func NewDataCheckHandler(checker DataChecker, logger *logging.Logger) *DataCheckHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &DataCheckHandler{checker: checker, logger: logger}
}

// Check handles GET /api/v1/data-check?study_id=&patient_id=&data_type=&since=
func (h *DataCheckHandler) Check(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := httputil.ParseDateParam(q.Get("since"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "since must be RFC3339 or YYYY-MM-DD")
		return
	}

	if claims := operatorauth.ClaimsFrom(r.Context()); claims != nil && !claims.AllowsStudy(q.Get("study_id")) {
		httputil.WriteError(w, http.StatusForbidden, "study not permitted for this operator")
		return
	}

	res, err := h.checker.Check(r.Context(), datacheck.Query{
		StudyID:   q.Get("study_id"),
		PatientID: q.Get("patient_id"),
		DataType:  q.Get("data_type"),
		Since:     since,
	})
	if errors.Is(err, datacheck.ErrInvalidQuery) {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.WithContext(r.Context()).ErrorContext(r.Context(), "data check failed", logging.Error(err))
		httputil.WriteError(w, http.StatusInternalServerError, "data check failed")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}
