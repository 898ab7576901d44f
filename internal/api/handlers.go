package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/logging"
	"github.com/septivank/climax-ledger/internal/query"
	"github.com/septivank/climax-ledger/internal/repository"
	"github.com/septivank/climax-ledger/internal/service"
	"go.uber.org/zap"
)

// MaxBodyBytes bounds an ingestion request body
const MaxBodyBytes = 1 << 20

type ingestResponse struct {
	Success bool `json:"success"`
	*service.Result
}

func (h *Handler) ingest(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.writeError(w, r, apperr.Validationf("body", "exceeds %d bytes", MaxBodyBytes))
				return
			}
			h.writeError(w, r, apperr.Validation("body", "unreadable request body"))
			return
		}

		result, err := h.ingestor.IngestRaw(r.Context(), kind, body)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, ingestResponse{Success: true, Result: result})
	}
}

func (h *Handler) eventFilter(r *http.Request) (repository.EventFilter, error) {
	q := r.URL.Query()
	f := repository.EventFilter{
		Sensor:    strings.TrimSpace(q.Get("sensor")),
		Room:      strings.TrimSpace(q.Get("room")),
		Category:  q.Get("category"),
		EventType: strings.TrimSpace(q.Get("event_type")),
	}

	if q.Get("severity") != "" {
		sev, err := intParam(r, "severity")
		if err != nil {
			return f, err
		}
		f.MinSeverity = &sev
	}

	var err error
	if f.From, err = h.queries.ParseBound("from", q.Get("from"), false); err != nil {
		return f, err
	}
	if f.To, err = h.queries.ParseBound("to", q.Get("to"), true); err != nil {
		return f, err
	}
	if f.Limit, err = intParam(r, "limit"); err != nil {
		return f, err
	}
	if f.Offset, err = intParam(r, "offset"); err != nil {
		return f, err
	}
	return f, nil
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	f, err := h.eventFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.queries.Events(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) climateHistory(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	readings, err := h.queries.ClimateHistory(r.Context(), chi.URLParam(r, "mac"), hours)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (h *Handler) batteryHistory(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	readings, err := h.queries.BatteryHistory(r.Context(), chi.URLParam(r, "mac"), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (h *Handler) alarms(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	alarms, err := h.queries.Alarms(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alarms)
}

func (h *Handler) sensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := h.queries.Sensors(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sensors)
}

func (h *Handler) sensor(w http.ResponseWriter, r *http.Request) {
	detail, err := h.queries.Sensor(r.Context(), chi.URLParam(r, "mac"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) bridges(w http.ResponseWriter, r *http.Request) {
	bridges, err := h.queries.Bridges(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bridges)
}

func (h *Handler) dailyStats(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	stats, err := h.queries.DailyStats(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// csvResponse sets the download headers on the first write so that a
// failure before any row still gets a JSON error
type csvResponse struct {
	w        http.ResponseWriter
	filename string
	started  bool
}

func (c *csvResponse) Write(p []byte) (int, error) {
	if !c.started {
		c.started = true
		c.w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		c.w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", c.filename))
		c.w.WriteHeader(http.StatusOK)
	}
	return c.w.Write(p)
}

func (h *Handler) exportEvents(w http.ResponseWriter, r *http.Request) {
	f, err := h.eventFilter(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	loc := h.queries.Location()
	to := h.queries.Now()
	if f.To != nil {
		to = f.To.In(loc)
	}
	from := "all"
	if f.From != nil {
		from = f.From.In(loc).Format(time.DateOnly)
	} else if f.To == nil {
		from = to.Add(-query.DefaultExportWindow).Format(time.DateOnly)
	}

	out := &csvResponse{w: w, filename: fmt.Sprintf("events_%s_%s.csv", from, to.Format(time.DateOnly))}
	n, err := h.queries.ExportEventsCSV(r.Context(), out, f)
	if err != nil {
		if !out.started {
			h.writeError(w, r, err)
			return
		}
		logging.FromContext(r.Context(), h.logger).Error("export aborted", zap.Int("rows", n), zap.Error(err))
		return
	}
	logging.FromContext(r.Context(), h.logger).Info("exported events", zap.Int("rows", n))
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.queries.Summary(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) recentActivity(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	events, err := h.queries.RecentActivity(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) currentClimate(w http.ResponseWriter, r *http.Request) {
	readings, err := h.queries.CurrentClimate(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	status := h.queries.Health(r.Context())
	code := http.StatusOK
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *Handler) serverTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queries.ServerTime())
}
