package api

import (
	"net/http"

	"github.com/septivank/climax-ledger/internal/logging"
	"github.com/septivank/climax-ledger/internal/repository"
	"github.com/septivank/climax-ledger/internal/retention"
	"go.uber.org/zap"
)

type retentionResponse struct {
	Policies []retention.Policy `json:"policies"`
	Note     string             `json:"note"`
}

func (h *Handler) retentionSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, retentionResponse{
		Policies: h.retention.Settings(),
		Note:     "0 = keep forever",
	})
}

type cleanupResponse struct {
	Success bool `json:"success"`
	*retention.Report
}

// cleanup answers 500 when any unit failed; the report lists every unit either way
func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	report := h.retention.Run(r.Context())
	status := http.StatusOK
	if report.Failed() {
		status = http.StatusInternalServerError
		logging.FromContext(r.Context(), h.logger).Error("cleanup finished with failures",
			zap.Int("failures", report.Failures))
	}
	writeJSON(w, status, cleanupResponse{Success: !report.Failed(), Report: report})
}

type statsResponse struct {
	Driver string                 `json:"driver"`
	Tables []repository.TableStat `json:"tables"`
}

func (h *Handler) tableStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queries.TableStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Driver: h.queries.Driver(), Tables: stats})
}
