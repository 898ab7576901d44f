package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/validator"
)

var sensorPatchColumns = []string{
	"bridge_mac", "name", "room", "is_entry_exit", "is_active", "contact_open",
	"temperature", "humidity", "pressure", "dew_point", "battery_level", "is_charging",
	"is_online", "operational_mode", "bypass_active", "night_bypass", "climate_alert",
}

var bridgePatchColumns = []string{
	"alarm_mode", "is_armed", "battery_level", "battery_voltage", "uptime_seconds", "free_heap", "wifi_rssi",
}

const sensorSelect = `SELECT mac_address, bridge_mac, name, room,
	COALESCE(is_entry_exit, FALSE), COALESCE(is_active, TRUE), contact_open,
	temperature, humidity, pressure, dew_point, battery_level, is_charging,
	COALESCE(is_online, FALSE), COALESCE(operational_mode, 'normal'),
	COALESCE(bypass_active, FALSE), COALESCE(night_bypass, FALSE),
	COALESCE(climate_alert, 'ok'), last_update
	FROM sensors`

const bridgeSelect = `SELECT mac_address, alarm_mode, is_armed, battery_level, battery_voltage,
	uptime_seconds, free_heap, wifi_rssi, last_update
	FROM bridges`

// upsertSQL merges supplied columns into an existing row. NULL arguments keep
// the stored value, so a patch never erases fields it does not carry.
func upsertSQL(tableName string, columns []string) string {
	cols := append([]string{"mac_address"}, columns...)
	cols = append(cols, "last_update")

	sets := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		sets = append(sets, fmt.Sprintf("%s = COALESCE(excluded.%s, %s.%s)", c, c, tableName, c))
	}
	sets = append(sets, "last_update = excluded.last_update")

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (mac_address) DO UPDATE SET %s",
		tableName, strings.Join(cols, ", "), placeholders(len(cols)), strings.Join(sets, ", "))
}

// UpsertSensor merges a partial state into the sensor projection, creating
// the row for unseen sensors. Only a malformed id is rejected.
func (r *Repository) UpsertSensor(ctx context.Context, mac string, p db.SensorPatch, at time.Time) error {
	mac = validator.NormalizeMAC(mac)
	if !validator.IsValidMAC(mac) {
		return apperr.NotFound("sensor", mac)
	}

	args := []any{mac,
		p.BridgeMAC, p.Name, p.Room, p.IsEntryExit, p.IsActive, p.ContactOpen,
		p.Temperature, p.Humidity, p.Pressure, p.DewPoint, p.BatteryLevel, p.IsCharging,
		p.IsOnline, p.OperationalMode, p.BypassActive, p.NightBypass, p.ClimateAlert,
		r.d.ts(at),
	}
	if _, err := r.exec(ctx, upsertSQL("sensors", sensorPatchColumns), args...); err != nil {
		return apperr.Storage("upsert sensor", fmt.Errorf("failed to upsert sensor %s: %w", mac, err))
	}
	return nil
}

// UpsertBridge merges a partial state into the bridge projection
func (r *Repository) UpsertBridge(ctx context.Context, mac string, p db.BridgePatch, at time.Time) error {
	mac = validator.NormalizeMAC(mac)
	if !validator.IsValidMAC(mac) {
		return apperr.NotFound("bridge", mac)
	}

	args := []any{mac,
		p.AlarmMode, p.IsArmed, p.BatteryLevel, p.BatteryVoltage, p.UptimeSeconds, p.FreeHeap, p.WifiRSSI,
		r.d.ts(at),
	}
	if _, err := r.exec(ctx, upsertSQL("bridges", bridgePatchColumns), args...); err != nil {
		return apperr.Storage("upsert bridge", fmt.Errorf("failed to upsert bridge %s: %w", mac, err))
	}
	return nil
}

func (r *Repository) scanSensor(s row) (db.SensorState, error) {
	var st db.SensorState
	err := s.Scan(
		&st.MACAddress, &st.BridgeMAC, &st.Name, &st.Room,
		&st.IsEntryExit, &st.IsActive, &st.ContactOpen,
		&st.Temperature, &st.Humidity, &st.Pressure, &st.DewPoint, &st.BatteryLevel, &st.IsCharging,
		&st.IsOnline, &st.OperationalMode,
		&st.BypassActive, &st.NightBypass,
		&st.ClimateAlert, r.d.timeDest(&st.LastUpdate),
	)
	return st, err
}

// ListSensors returns every sensor projection ordered by hardware id
func (r *Repository) ListSensors(ctx context.Context) ([]db.SensorState, error) {
	rs, err := r.query(ctx, sensorSelect+" ORDER BY mac_address")
	if err != nil {
		return nil, apperr.Storage("list sensors", fmt.Errorf("failed to query sensors: %w", err))
	}
	defer rs.Close()

	var sensors []db.SensorState
	for rs.Next() {
		st, err := r.scanSensor(rs)
		if err != nil {
			return nil, apperr.Storage("list sensors", fmt.Errorf("failed to scan sensor: %w", err))
		}
		sensors = append(sensors, st)
	}
	if err := rs.Err(); err != nil {
		return nil, apperr.Storage("list sensors", fmt.Errorf("rows iteration error: %w", err))
	}
	return sensors, nil
}

// GetSensor returns one sensor projection or a NotFound error
func (r *Repository) GetSensor(ctx context.Context, mac string) (*db.SensorState, error) {
	mac = validator.NormalizeMAC(mac)
	if !validator.IsValidMAC(mac) {
		return nil, apperr.NotFound("sensor", mac)
	}

	st, err := r.scanSensor(r.queryRow(ctx, sensorSelect+" WHERE mac_address = ?", mac))
	if isNoRows(err) {
		return nil, apperr.NotFound("sensor", mac)
	}
	if err != nil {
		return nil, apperr.Storage("get sensor", fmt.Errorf("failed to query sensor: %w", err))
	}
	return &st, nil
}

// ListBridges returns every bridge projection ordered by hardware id
func (r *Repository) ListBridges(ctx context.Context) ([]db.BridgeState, error) {
	rs, err := r.query(ctx, bridgeSelect+" ORDER BY mac_address")
	if err != nil {
		return nil, apperr.Storage("list bridges", fmt.Errorf("failed to query bridges: %w", err))
	}
	defer rs.Close()

	var bridges []db.BridgeState
	for rs.Next() {
		var b db.BridgeState
		if err := rs.Scan(&b.MACAddress, &b.AlarmMode, &b.IsArmed, &b.BatteryLevel, &b.BatteryVoltage,
			&b.UptimeSeconds, &b.FreeHeap, &b.WifiRSSI, r.d.timeDest(&b.LastUpdate)); err != nil {
			return nil, apperr.Storage("list bridges", fmt.Errorf("failed to scan bridge: %w", err))
		}
		bridges = append(bridges, b)
	}
	if err := rs.Err(); err != nil {
		return nil, apperr.Storage("list bridges", fmt.Errorf("rows iteration error: %w", err))
	}
	return bridges, nil
}

// LatestAlarmMode returns the alarm mode of the most recently updated bridge
func (r *Repository) LatestAlarmMode(ctx context.Context) (*string, error) {
	var mode string
	err := r.queryRow(ctx,
		`SELECT alarm_mode FROM bridges WHERE alarm_mode IS NOT NULL ORDER BY last_update DESC LIMIT 1`).Scan(&mode)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("latest alarm mode", fmt.Errorf("failed to query alarm mode: %w", err))
	}
	return &mode, nil
}
