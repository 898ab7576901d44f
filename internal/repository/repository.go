package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/validator"
)

// Repository is the record store. It keeps the append-only ledger tables,
// the sensor and bridge projections and the maintenance tables.
type Repository struct {
	db     conn
	d      dialect
	schema string
	now    func() time.Time
}

// NewPostgres creates a repository on a pgx pool. schema is created by Init.
func NewPostgres(pool *pgxpool.Pool, schema string) *Repository {
	return &Repository{db: pgxConn{pool: pool}, d: postgresDialect, schema: schema, now: time.Now}
}

// NewSQLite creates a repository on an embedded SQLite database
func NewSQLite(sqlDB *sql.DB) *Repository {
	return &Repository{db: sqlConn{db: sqlDB}, d: sqliteDialect, now: time.Now}
}

// SetClock replaces the clock used for server-assigned timestamps
func (r *Repository) SetClock(now func() time.Time) {
	r.now = now
}

// Driver names the backing database
func (r *Repository) Driver() string {
	return r.d.name
}

// Ping checks storage reachability
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return apperr.Storage("ping", err)
	}
	return nil
}

func (r *Repository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	return r.db.Exec(ctx, r.d.rebind(query), args...)
}

func (r *Repository) queryRow(ctx context.Context, query string, args ...any) row {
	return r.db.QueryRow(ctx, r.d.rebind(query), args...)
}

func (r *Repository) query(ctx context.Context, query string, args ...any) (rows, error) {
	return r.db.Query(ctx, r.d.rebind(query), args...)
}

// ledgerTable describes how one record kind maps onto its table.
// Every ledger table starts with id, created_at, device_time, local_time.
type ledgerTable struct {
	table   string
	columns []string
	values  func(db.Record) []any
}

func table[T db.Record](name string, columns []string, values func(T) []any) ledgerTable {
	return ledgerTable{
		table:   name,
		columns: columns,
		values: func(rec db.Record) []any {
			return values(rec.(T))
		},
	}
}

var ledger = map[db.Kind]ledgerTable{
	db.KindEvent: table("event_log",
		[]string{"bridge_mac", "sensor_mac", "sensor_name", "room", "category", "event_type", "severity",
			"old_value", "new_value", "message", "esp_millis", "state_snapshot", "metadata"},
		func(e *db.Event) []any {
			return []any{e.BridgeMAC, e.SensorMAC, e.SensorName, e.Room, e.Category, e.EventType, e.Severity,
				e.OldValue, e.NewValue, e.Message, e.ESPMillis, jsonArg(e.StateSnapshot), jsonArg(e.Metadata)}
		}),
	db.KindClimate: table("climate_readings",
		[]string{"sensor_mac", "sensor_name", "room", "temperature", "humidity", "pressure", "dew_point",
			"heat_index", "mold_risk_score", "contact_open", "alert_level"},
		func(c *db.ClimateReading) []any {
			return []any{c.SensorMAC, c.SensorName, c.Room, c.Temperature, c.Humidity, c.Pressure, c.DewPoint,
				c.HeatIndex, c.MoldRiskScore, c.ContactOpen, c.AlertLevel}
		}),
	db.KindBattery: table("battery_readings",
		[]string{"device_type", "device_mac", "device_name", "battery_level", "battery_voltage", "is_charging",
			"level_change", "time_delta_sec"},
		func(b *db.BatteryReading) []any {
			return []any{b.DeviceType, b.DeviceMAC, b.DeviceName, b.BatteryLevel, b.BatteryVoltage, b.IsCharging,
				b.LevelChange, b.TimeDeltaSec}
		}),
	db.KindAlarm: table("alarm_events",
		[]string{"bridge_mac", "event_type", "alarm_mode", "previous_mode", "trigger_sensor", "trigger_name",
			"trigger_room", "duration_seconds", "was_silenced", "was_entry_delay", "was_exit_delay", "message"},
		func(a *db.AlarmEvent) []any {
			return []any{a.BridgeMAC, a.EventType, a.AlarmMode, a.PreviousMode, a.TriggerSensor, a.TriggerName,
				a.TriggerRoom, a.DurationSeconds, a.WasSilenced, a.WasEntryDelay, a.WasExitDelay, a.Message}
		}),
	db.KindState: table("state_snapshots",
		[]string{"bridge_mac", "alarm_mode", "alarm_mode_name", "is_armed", "in_exit_delay", "in_entry_delay",
			"sensors_online", "sensors_total", "bridge_battery", "uptime_seconds"},
		func(s *db.StateSnapshot) []any {
			return []any{s.BridgeMAC, s.AlarmMode, s.AlarmModeName, s.IsArmed, s.InExitDelay, s.InEntryDelay,
				s.SensorsOnline, s.SensorsTotal, s.BridgeBattery, s.UptimeSeconds}
		}),
	db.KindMetrics: table("system_metrics",
		[]string{"bridge_mac", "free_heap", "min_free_heap", "heap_fragmentation", "wifi_rssi", "wifi_channel",
			"uptime_seconds", "loop_time_us", "sensors_online", "sensors_total", "events_queued"},
		func(m *db.Metrics) []any {
			return []any{m.BridgeMAC, m.FreeHeap, m.MinFreeHeap, m.HeapFragmentation, m.WifiRSSI, m.WifiChannel,
				m.UptimeSeconds, m.LoopTimeUS, m.SensorsOnline, m.SensorsTotal, m.EventsQueued}
		}),
}

func (t ledgerTable) insertSQL() string {
	cols := append([]string{"created_at", "device_time", "local_time"}, t.columns...)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		t.table, strings.Join(cols, ", "), placeholders(len(cols)))
}

// Append validates and inserts one ledger record. Existing rows are never
// touched. The generated id is written back into the record, and a zero
// CreatedAt is filled from the repository clock.
func (r *Repository) Append(ctx context.Context, rec db.Record) error {
	if err := validator.Record(rec); err != nil {
		return err
	}
	t := ledger[rec.Kind()]

	st := rec.Stamps()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = r.now().UTC()
	}
	if st.LocalTime.IsZero() {
		st.LocalTime = st.CreatedAt
	}

	args := append([]any{r.d.ts(st.CreatedAt), r.d.tsPtr(st.DeviceTime), r.d.ts(st.LocalTime)}, t.values(rec)...)

	var id int64
	if err := r.queryRow(ctx, t.insertSQL(), args...).Scan(&id); err != nil {
		return apperr.Storage("append "+string(rec.Kind()), fmt.Errorf("failed to insert into %s: %w", t.table, err))
	}
	st.ID = id
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, errNoRows)
}
