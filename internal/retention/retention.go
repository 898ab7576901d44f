package retention

import (
	"context"
	"encoding/json"
	"time"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
	"go.uber.org/zap"
)

// Category groups tables that share one retention horizon
type Category string

const (
	SensorData     Category = "sensor_data"
	SecurityEvents Category = "security_events"
	AuditLog       Category = "audit_log"
	RequestLog     Category = "request_log"
)

// AuditAction is the audit log action written after every run
const AuditAction = "retention.cleanup"

// Horizons are retention periods in days. Zero or less disables a horizon.
type Horizons struct {
	DataDays     int
	SecurityDays int
	AuditDays    int
}

// Policy binds a category and its tables to a horizon
type Policy struct {
	Category Category `json:"category"`
	Tables   []string `json:"tables"`
	Days     int      `json:"days"`
}

// Enabled reports whether the policy prunes anything
func (p Policy) Enabled() bool {
	return p.Days > 0
}

// Policies returns the category table. Audit and request logs share the
// audit horizon.
func Policies(h Horizons) []Policy {
	return []Policy{
		{Category: SensorData, Tables: []string{"climate_readings", "battery_readings", "system_metrics", "state_snapshots"}, Days: h.DataDays},
		{Category: SecurityEvents, Tables: []string{"event_log", "alarm_events"}, Days: h.SecurityDays},
		{Category: AuditLog, Tables: []string{"audit_log"}, Days: h.AuditDays},
		{Category: RequestLog, Tables: []string{"request_log"}, Days: h.AuditDays},
	}
}

// Store is the storage retention deletes from
type Store interface {
	DeleteBefore(ctx context.Context, table string, cutoff time.Time) (int64, error)
	InsertAudit(ctx context.Context, entry *db.AuditEntry) error
}

// UnitResult is the outcome of pruning one table
type UnitResult struct {
	Category Category   `json:"category"`
	Table    string     `json:"table"`
	Days     int        `json:"days"`
	Cutoff   *time.Time `json:"cutoff,omitempty"`
	Deleted  int64      `json:"deleted"`
	Skipped  bool       `json:"skipped,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Report summarises one run
type Report struct {
	RanAt        time.Time    `json:"ran_at"`
	Units        []UnitResult `json:"units"`
	TotalDeleted int64        `json:"total_deleted"`
	Failures     int          `json:"failures"`
}

// Failed reports whether any unit failed
func (r *Report) Failed() bool {
	return r.Failures > 0
}

// Engine prunes ledger tables past their horizon. It never schedules itself.
type Engine struct {
	store    Store
	policies []Policy
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates a new retention engine
func NewEngine(store Store, h Horizons, logger *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		policies: Policies(h),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the clock cutoffs are computed from
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Settings returns the configured policies
func (e *Engine) Settings() []Policy {
	out := make([]Policy, len(e.policies))
	copy(out, e.policies)
	return out
}

// Run deletes rows whose created_at is before now minus the horizon of their
// category. Each table is an independent unit; a failure is recorded and the
// remaining units still run.
func (e *Engine) Run(ctx context.Context) *Report {
	ranAt := e.now().UTC()
	report := &Report{RanAt: ranAt}

	for _, p := range e.policies {
		for _, table := range p.Tables {
			unit := UnitResult{Category: p.Category, Table: table, Days: p.Days}
			log := e.logger.With(zap.String("category", string(p.Category)), zap.String("table", table))

			if !p.Enabled() {
				unit.Skipped = true
				log.Info("retention disabled, skipping")
				report.Units = append(report.Units, unit)
				continue
			}

			cutoff := ranAt.Add(-time.Duration(p.Days) * 24 * time.Hour)
			unit.Cutoff = &cutoff

			deleted, err := e.store.DeleteBefore(ctx, table, cutoff)
			if err != nil {
				unit.Error = apperr.PublicMessage(err)
				report.Failures++
				log.Error("retention cleanup failed", zap.Time("cutoff", cutoff), zap.Error(err))
			} else {
				unit.Deleted = deleted
				report.TotalDeleted += deleted
				log.Info("retention cleanup done", zap.Time("cutoff", cutoff), zap.Int64("deleted", deleted))
			}
			report.Units = append(report.Units, unit)
		}
	}

	e.audit(ctx, report)
	return report
}

func (e *Engine) audit(ctx context.Context, report *Report) {
	detail, err := json.Marshal(report)
	if err != nil {
		e.logger.Error("failed to encode retention report", zap.Error(err))
		return
	}
	if err := e.store.InsertAudit(ctx, &db.AuditEntry{CreatedAt: report.RanAt, Action: AuditAction, Detail: detail}); err != nil {
		e.logger.Error("failed to write retention audit entry", zap.Error(err))
	}
}
