package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS event_log (
		id {{id}},
		created_at {{ts}} NOT NULL,
		device_time {{ts}},
		local_time {{ts}} NOT NULL,
		bridge_mac TEXT,
		sensor_mac TEXT,
		sensor_name TEXT,
		room TEXT,
		category TEXT NOT NULL,
		event_type TEXT NOT NULL,
		severity INTEGER NOT NULL DEFAULT 0 CHECK (severity BETWEEN 0 AND 3),
		old_value TEXT,
		new_value TEXT,
		message TEXT,
		esp_millis BIGINT,
		state_snapshot TEXT,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_log_local_time ON event_log(local_time)`,
	`CREATE INDEX IF NOT EXISTS idx_event_log_created_at ON event_log(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_event_log_sensor ON event_log(sensor_mac, local_time)`,
	`CREATE TABLE IF NOT EXISTS climate_readings (
		id {{id}},
		created_at {{ts}} NOT NULL,
		device_time {{ts}},
		local_time {{ts}} NOT NULL,
		sensor_mac TEXT NOT NULL,
		sensor_name TEXT,
		room TEXT,
		temperature {{real}},
		humidity {{real}},
		pressure {{real}},
		dew_point {{real}},
		heat_index {{real}},
		mold_risk_score INTEGER,
		contact_open BOOLEAN,
		alert_level TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_climate_sensor_time ON climate_readings(sensor_mac, local_time)`,
	`CREATE INDEX IF NOT EXISTS idx_climate_created_at ON climate_readings(created_at)`,
	`CREATE TABLE IF NOT EXISTS battery_readings (
		id {{id}},
		created_at {{ts}} NOT NULL,
		device_time {{ts}},
		local_time {{ts}} NOT NULL,
		device_type TEXT NOT NULL,
		device_mac TEXT NOT NULL,
		device_name TEXT,
		battery_level INTEGER NOT NULL,
		battery_voltage {{real}},
		is_charging BOOLEAN,
		level_change INTEGER,
		time_delta_sec BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_battery_device_time ON battery_readings(device_mac, local_time)`,
	`CREATE INDEX IF NOT EXISTS idx_battery_created_at ON battery_readings(created_at)`,
	`CREATE TABLE IF NOT EXISTS alarm_events (
		id {{id}},
		created_at {{ts}} NOT NULL,
		device_time {{ts}},
		local_time {{ts}} NOT NULL,
		bridge_mac TEXT NOT NULL,
		event_type TEXT NOT NULL,
		alarm_mode TEXT,
		previous_mode TEXT,
		trigger_sensor TEXT,
		trigger_name TEXT,
		trigger_room TEXT,
		duration_seconds INTEGER,
		was_silenced BOOLEAN NOT NULL DEFAULT FALSE,
		was_entry_delay BOOLEAN NOT NULL DEFAULT FALSE,
		was_exit_delay BOOLEAN NOT NULL DEFAULT FALSE,
		message TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alarm_local_time ON alarm_events(local_time)`,
	`CREATE INDEX IF NOT EXISTS idx_alarm_created_at ON alarm_events(created_at)`,
	`CREATE TABLE IF NOT EXISTS state_snapshots (
		id {{id}},
		created_at {{ts}} NOT NULL,
		device_time {{ts}},
		local_time {{ts}} NOT NULL,
		bridge_mac TEXT NOT NULL,
		alarm_mode INTEGER,
		alarm_mode_name TEXT,
		is_armed BOOLEAN NOT NULL DEFAULT FALSE,
		in_exit_delay BOOLEAN NOT NULL DEFAULT FALSE,
		in_entry_delay BOOLEAN NOT NULL DEFAULT FALSE,
		sensors_online INTEGER,
		sensors_total INTEGER,
		bridge_battery INTEGER,
		uptime_seconds BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_state_created_at ON state_snapshots(created_at)`,
	`CREATE TABLE IF NOT EXISTS system_metrics (
		id {{id}},
		created_at {{ts}} NOT NULL,
		device_time {{ts}},
		local_time {{ts}} NOT NULL,
		bridge_mac TEXT NOT NULL,
		free_heap BIGINT,
		min_free_heap BIGINT,
		heap_fragmentation INTEGER NOT NULL DEFAULT 0,
		wifi_rssi INTEGER,
		wifi_channel INTEGER,
		uptime_seconds BIGINT,
		loop_time_us BIGINT NOT NULL DEFAULT 0,
		sensors_online INTEGER,
		sensors_total INTEGER,
		events_queued INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_bridge_time ON system_metrics(bridge_mac, local_time)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_created_at ON system_metrics(created_at)`,
	`CREATE TABLE IF NOT EXISTS sensors (
		mac_address TEXT PRIMARY KEY,
		bridge_mac TEXT,
		name TEXT,
		room TEXT,
		is_entry_exit BOOLEAN,
		is_active BOOLEAN,
		contact_open BOOLEAN,
		temperature {{real}},
		humidity {{real}},
		pressure {{real}},
		dew_point {{real}},
		battery_level INTEGER,
		is_charging BOOLEAN,
		is_online BOOLEAN,
		operational_mode TEXT,
		bypass_active BOOLEAN,
		night_bypass BOOLEAN,
		climate_alert TEXT,
		last_update {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bridges (
		mac_address TEXT PRIMARY KEY,
		alarm_mode TEXT,
		is_armed BOOLEAN,
		battery_level INTEGER,
		battery_voltage {{real}},
		uptime_seconds BIGINT,
		free_heap BIGINT,
		wifi_rssi INTEGER,
		last_update {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id {{id}},
		created_at {{ts}} NOT NULL,
		action TEXT NOT NULL,
		detail TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created_at ON audit_log(created_at)`,
	`CREATE TABLE IF NOT EXISTS request_log (
		id {{id}},
		created_at {{ts}} NOT NULL,
		request_id TEXT,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		status INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL,
		remote_addr TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_request_created_at ON request_log(created_at)`,
}

// Read-only views for dashboard users connecting straight to PostgreSQL.
// {{liveness}} is the sensor online threshold.
var postgresViews = []string{
	`CREATE OR REPLACE VIEW v_sensor_current_state AS
		SELECT mac_address, name, room, contact_open, temperature, humidity,
		       battery_level, is_charging, last_update,
		       (NOW() - last_update) < {{liveness}} AS is_online
		FROM sensors
		ORDER BY room, name`,
	`CREATE OR REPLACE VIEW v_recent_activity AS
		SELECT id, local_time, category, event_type, severity, sensor_name, room, message
		FROM event_log
		WHERE local_time > NOW() - INTERVAL '24 hours'
		ORDER BY local_time DESC`,
	`CREATE OR REPLACE VIEW v_daily_events AS
		SELECT date_trunc('day', local_time) AS day, category, COUNT(*) AS events,
		       COUNT(*) FILTER (WHERE severity >= 2) AS errors
		FROM event_log
		GROUP BY 1, 2`,
	`CREATE OR REPLACE VIEW v_alarm_history AS
		SELECT id, local_time, bridge_mac, event_type, alarm_mode, previous_mode,
		       trigger_name, trigger_room, duration_seconds, message
		FROM alarm_events
		ORDER BY local_time DESC`,
	`CREATE OR REPLACE VIEW v_battery_trend AS
		SELECT device_mac, device_type, date_trunc('day', local_time) AS day,
		       AVG(battery_level) AS avg_level, MIN(battery_level) AS min_level
		FROM battery_readings
		GROUP BY 1, 2, 3`,
	`CREATE OR REPLACE VIEW v_system_health AS
		SELECT DISTINCT ON (bridge_mac)
		       bridge_mac, local_time, free_heap, min_free_heap, wifi_rssi,
		       uptime_seconds, sensors_online, sensors_total, events_queued
		FROM system_metrics
		ORDER BY bridge_mac, local_time DESC`,
	`CREATE OR REPLACE VIEW v_dashboard_summary AS
		SELECT
			(SELECT COUNT(*) FROM sensors) AS sensors_total,
			(SELECT COUNT(*) FROM sensors WHERE (NOW() - last_update) < {{liveness}}) AS sensors_online,
			(SELECT COUNT(*) FROM event_log WHERE local_time > NOW() - INTERVAL '24 hours') AS events_24h,
			(SELECT COUNT(*) FROM event_log WHERE local_time > NOW() - INTERVAL '24 hours' AND severity >= 2) AS errors_24h,
			(SELECT alarm_mode FROM bridges WHERE alarm_mode IS NOT NULL ORDER BY last_update DESC LIMIT 1) AS alarm_mode,
			(SELECT MAX(local_time) FROM event_log) AS last_event,
			(SELECT AVG(temperature) FROM climate_readings WHERE local_time > NOW() - INTERVAL '1 hour') AS avg_temperature_1h,
			(SELECT AVG(humidity) FROM climate_readings WHERE local_time > NOW() - INTERVAL '1 hour') AS avg_humidity_1h`,
}

func (d dialect) ddl(stmt string) string {
	var r *strings.Replacer
	if d.postgres {
		r = strings.NewReplacer("{{id}}", "BIGSERIAL PRIMARY KEY", "{{ts}}", "TIMESTAMPTZ", "{{real}}", "DOUBLE PRECISION")
	} else {
		r = strings.NewReplacer("{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{ts}}", "TEXT", "{{real}}", "REAL")
	}
	return r.Replace(stmt)
}

// viewStatements renders the dashboard views with the given liveness
func viewStatements(liveness time.Duration) []string {
	interval := fmt.Sprintf("INTERVAL '%d milliseconds'", liveness.Milliseconds())
	stmts := make([]string, len(postgresViews))
	for i, stmt := range postgresViews {
		stmts[i] = strings.ReplaceAll(stmt, "{{liveness}}", interval)
	}
	return stmts
}

// Init creates the schema, tables, indexes and (PostgreSQL only) dashboard
// views. liveness must match the threshold the query engine uses.
func (r *Repository) Init(ctx context.Context, liveness time.Duration) error {
	if liveness <= 0 {
		return fmt.Errorf("failed to initialize schema: liveness must be positive, got %v", liveness)
	}
	var stmts []string
	if r.d.postgres && r.schema != "" {
		stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{r.schema}.Sanitize())
	}
	for _, stmt := range tableStatements {
		stmts = append(stmts, r.d.ddl(stmt))
	}
	if r.d.postgres {
		stmts = append(stmts, viewStatements(liveness)...)
	}

	for _, stmt := range stmts {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}
