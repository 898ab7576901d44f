package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
)

// Tables governed by retention, in the order stats are reported
var retainedTables = []string{
	"event_log", "climate_readings", "battery_readings", "alarm_events",
	"state_snapshots", "system_metrics", "audit_log", "request_log",
}

var countableTables = map[string]bool{"sensors": true, "bridges": true}

func init() {
	for _, t := range retainedTables {
		countableTables[t] = true
	}
}

// TableStat is the row count and oldest created_at of a retained table
type TableStat struct {
	Table  string     `json:"table"`
	Rows   int64      `json:"row_count"`
	Oldest *time.Time `json:"oldest_created_at"`
}

// DeleteBefore removes rows of a retained table whose created_at is strictly
// before cutoff and returns how many were deleted
func (r *Repository) DeleteBefore(ctx context.Context, tableName string, cutoff time.Time) (int64, error) {
	if !isRetained(tableName) {
		return 0, apperr.Validationf("table", "table %q is not governed by retention", tableName)
	}
	n, err := r.exec(ctx, "DELETE FROM "+tableName+" WHERE created_at < ?", r.d.ts(cutoff))
	if err != nil {
		return 0, apperr.Storage("delete "+tableName, fmt.Errorf("failed to delete from %s: %w", tableName, err))
	}
	return n, nil
}

// InsertAudit appends an administrative action to the audit log
func (r *Repository) InsertAudit(ctx context.Context, entry *db.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	err := r.queryRow(ctx, `INSERT INTO audit_log (created_at, action, detail) VALUES (?, ?, ?) RETURNING id`,
		r.d.ts(entry.CreatedAt), entry.Action, jsonArg(entry.Detail)).Scan(&entry.ID)
	if err != nil {
		return apperr.Storage("insert audit", fmt.Errorf("failed to insert audit entry: %w", err))
	}
	return nil
}

// InsertRequestLog appends one served request to the request log
func (r *Repository) InsertRequestLog(ctx context.Context, entry *db.RequestLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now().UTC()
	}
	err := r.queryRow(ctx, `INSERT INTO request_log (created_at, request_id, method, path, status, duration_ms, remote_addr)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		r.d.ts(entry.CreatedAt), entry.RequestID, entry.Method, entry.Path, entry.Status, entry.DurationMS, entry.RemoteAddr,
	).Scan(&entry.ID)
	if err != nil {
		return apperr.Storage("insert request log", fmt.Errorf("failed to insert request log: %w", err))
	}
	return nil
}

// CountRows counts all rows of a known table
func (r *Repository) CountRows(ctx context.Context, tableName string) (int64, error) {
	if !countableTables[tableName] {
		return 0, apperr.Validationf("table", "unknown table %q", tableName)
	}
	var n int64
	if err := r.queryRow(ctx, "SELECT COUNT(*) FROM "+tableName).Scan(&n); err != nil {
		return 0, apperr.Storage("count "+tableName, fmt.Errorf("failed to count %s: %w", tableName, err))
	}
	return n, nil
}

// TableStats reports size and age of every retained table
func (r *Repository) TableStats(ctx context.Context) ([]TableStat, error) {
	stats := make([]TableStat, 0, len(retainedTables))
	for _, t := range retainedTables {
		st := TableStat{Table: t}
		err := r.queryRow(ctx, "SELECT COUNT(*), MIN(created_at) FROM "+t).Scan(&st.Rows, r.d.nullTimeDest(&st.Oldest))
		if err != nil {
			return nil, apperr.Storage("table stats", fmt.Errorf("failed to stat %s: %w", t, err))
		}
		stats = append(stats, st)
	}
	return stats, nil
}

func isRetained(tableName string) bool {
	for _, t := range retainedTables {
		if t == tableName {
			return true
		}
	}
	return false
}
