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

const eventColumns = `id, created_at, device_time, local_time, bridge_mac, sensor_mac, sensor_name, room,
	category, event_type, severity, old_value, new_value, message, esp_millis, state_snapshot, metadata`

const climateColumns = `id, created_at, device_time, local_time, sensor_mac, sensor_name, room,
	temperature, humidity, pressure, dew_point, heat_index, mold_risk_score, contact_open, alert_level`

const batteryColumns = `id, created_at, device_time, local_time, device_type, device_mac, device_name,
	battery_level, battery_voltage, is_charging, level_change, time_delta_sec`

const alarmColumns = `id, created_at, device_time, local_time, bridge_mac, event_type, alarm_mode, previous_mode,
	trigger_sensor, trigger_name, trigger_room, duration_seconds, was_silenced, was_entry_delay, was_exit_delay, message`

const metricsColumns = `id, created_at, device_time, local_time, bridge_mac, free_heap, min_free_heap,
	heap_fragmentation, wifi_rssi, wifi_channel, uptime_seconds, loop_time_us, sensors_online, sensors_total, events_queued`

// EventFilter selects rows of the event log. Zero fields are unconstrained.
// From and To are inclusive bounds on local_time.
type EventFilter struct {
	Sensor      string
	Room        string
	Category    string
	EventType   string
	MinSeverity *int
	From        *time.Time
	To          *time.Time
	Limit       int
	Offset      int
}

// SlotSeconds is the width of the aggregation slots behind daily
// statistics. Every real zone offset is a multiple of it, so slots never
// straddle a local midnight.
const SlotSeconds = 15 * 60

// EventSlot counts the events of one category within one slot
type EventSlot struct {
	Start    time.Time
	Category string
	Count    int64
	Errors   int64
}

// ClimateSlot sums the climate readings of one room within one slot
type ClimateSlot struct {
	Start          time.Time
	Room           *string
	TemperatureSum float64
	TemperatureN   int64
	HumiditySum    float64
	HumidityN      int64
	Samples        int64
}

func (r *Repository) scanEvent(s row) (db.Event, error) {
	var e db.Event
	var snapshot, metadata *string
	err := s.Scan(&e.ID, r.d.timeDest(&e.CreatedAt), r.d.nullTimeDest(&e.DeviceTime), r.d.timeDest(&e.LocalTime),
		&e.BridgeMAC, &e.SensorMAC, &e.SensorName, &e.Room,
		&e.Category, &e.EventType, &e.Severity, &e.OldValue, &e.NewValue, &e.Message, &e.ESPMillis,
		&snapshot, &metadata)
	e.StateSnapshot = rawJSON(snapshot)
	e.Metadata = rawJSON(metadata)
	return e, err
}

func (r *Repository) scanClimate(s row) (db.ClimateReading, error) {
	var c db.ClimateReading
	err := s.Scan(&c.ID, r.d.timeDest(&c.CreatedAt), r.d.nullTimeDest(&c.DeviceTime), r.d.timeDest(&c.LocalTime),
		&c.SensorMAC, &c.SensorName, &c.Room,
		&c.Temperature, &c.Humidity, &c.Pressure, &c.DewPoint, &c.HeatIndex, &c.MoldRiskScore, &c.ContactOpen, &c.AlertLevel)
	return c, err
}

func (r *Repository) scanBattery(s row) (db.BatteryReading, error) {
	var b db.BatteryReading
	err := s.Scan(&b.ID, r.d.timeDest(&b.CreatedAt), r.d.nullTimeDest(&b.DeviceTime), r.d.timeDest(&b.LocalTime),
		&b.DeviceType, &b.DeviceMAC, &b.DeviceName,
		&b.BatteryLevel, &b.BatteryVoltage, &b.IsCharging, &b.LevelChange, &b.TimeDeltaSec)
	return b, err
}

func (r *Repository) scanAlarm(s row) (db.AlarmEvent, error) {
	var a db.AlarmEvent
	err := s.Scan(&a.ID, r.d.timeDest(&a.CreatedAt), r.d.nullTimeDest(&a.DeviceTime), r.d.timeDest(&a.LocalTime),
		&a.BridgeMAC, &a.EventType, &a.AlarmMode, &a.PreviousMode,
		&a.TriggerSensor, &a.TriggerName, &a.TriggerRoom, &a.DurationSeconds,
		&a.WasSilenced, &a.WasEntryDelay, &a.WasExitDelay, &a.Message)
	return a, err
}

func (r *Repository) scanMetrics(s row) (db.Metrics, error) {
	var m db.Metrics
	err := s.Scan(&m.ID, r.d.timeDest(&m.CreatedAt), r.d.nullTimeDest(&m.DeviceTime), r.d.timeDest(&m.LocalTime),
		&m.BridgeMAC, &m.FreeHeap, &m.MinFreeHeap,
		&m.HeapFragmentation, &m.WifiRSSI, &m.WifiChannel, &m.UptimeSeconds, &m.LoopTimeUS,
		&m.SensorsOnline, &m.SensorsTotal, &m.EventsQueued)
	return m, err
}

// collect runs a query and scans every row with scan
func collect[T any](ctx context.Context, r *Repository, op string, scan func(row) (T, error), query string, args ...any) ([]T, error) {
	rs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("failed to query: %w", err))
	}
	defer rs.Close()

	var out []T
	for rs.Next() {
		item, err := scan(rs)
		if err != nil {
			return nil, apperr.Storage(op, fmt.Errorf("failed to scan row: %w", err))
		}
		out = append(out, item)
	}
	if err := rs.Err(); err != nil {
		return nil, apperr.Storage(op, fmt.Errorf("rows iteration error: %w", err))
	}
	return out, nil
}

func (r *Repository) eventWhere(f EventFilter) (string, []any) {
	var conds []string
	var args []any

	if f.Sensor != "" {
		conds = append(conds, fmt.Sprintf("(sensor_mac = ? OR sensor_name %s ?)", r.d.ilike()))
		args = append(args, validator.NormalizeMAC(f.Sensor), "%"+f.Sensor+"%")
	}
	if f.Room != "" {
		conds = append(conds, fmt.Sprintf("room %s ?", r.d.ilike()))
		args = append(args, "%"+f.Room+"%")
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, f.Category)
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.MinSeverity != nil {
		conds = append(conds, "severity >= ?")
		args = append(args, *f.MinSeverity)
	}
	if f.From != nil {
		conds = append(conds, "local_time >= ?")
		args = append(args, r.d.ts(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "local_time <= ?")
		args = append(args, r.d.ts(*f.To))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *Repository) page(limit, offset int, args []any) (string, []any) {
	switch {
	case limit > 0:
		return " LIMIT ? OFFSET ?", append(args, limit, offset)
	case offset > 0 && r.d.postgres:
		return " OFFSET ?", append(args, offset)
	case offset > 0:
		return " LIMIT -1 OFFSET ?", append(args, offset)
	default:
		return "", args
	}
}

// QueryEvents returns one page of matching events, newest local_time first,
// together with the total number of matches
func (r *Repository) QueryEvents(ctx context.Context, f EventFilter) ([]db.Event, int64, error) {
	where, args := r.eventWhere(f)

	var total int64
	if err := r.queryRow(ctx, "SELECT COUNT(*) FROM event_log"+where, args...).Scan(&total); err != nil {
		return nil, 0, apperr.Storage("count events", fmt.Errorf("failed to count events: %w", err))
	}

	pageSQL, pageArgs := r.page(f.Limit, f.Offset, append([]any(nil), args...))
	events, err := collect(ctx, r, "query events", r.scanEvent,
		"SELECT "+eventColumns+" FROM event_log"+where+" ORDER BY local_time DESC, id DESC"+pageSQL, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// StreamEvents calls fn for every matching event without buffering the
// result set. It stops at the first error from fn or when ctx is done.
func (r *Repository) StreamEvents(ctx context.Context, f EventFilter, fn func(db.Event) error) error {
	where, args := r.eventWhere(f)
	pageSQL, args := r.page(f.Limit, f.Offset, args)

	rs, err := r.query(ctx, "SELECT "+eventColumns+" FROM event_log"+where+" ORDER BY local_time DESC, id DESC"+pageSQL, args...)
	if err != nil {
		return apperr.Storage("stream events", fmt.Errorf("failed to query events: %w", err))
	}
	defer rs.Close()

	for rs.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := r.scanEvent(rs)
		if err != nil {
			return apperr.Storage("stream events", fmt.Errorf("failed to scan event: %w", err))
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rs.Err(); err != nil {
		return apperr.Storage("stream events", fmt.Errorf("rows iteration error: %w", err))
	}
	return nil
}

func (r *Repository) historyQuery(columns, tableName, idColumn, mac string, since time.Time, limit int) (string, []any) {
	q := "SELECT " + columns + " FROM " + tableName + " WHERE " + idColumn + " = ?"
	args := []any{validator.NormalizeMAC(mac)}
	if !since.IsZero() {
		q += " AND local_time > ?"
		args = append(args, r.d.ts(since))
	}
	q += " ORDER BY local_time DESC, id DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return q, args
}

// ClimateHistory returns readings of one sensor newer than since.
// A zero since or limit leaves that bound open.
func (r *Repository) ClimateHistory(ctx context.Context, mac string, since time.Time, limit int) ([]db.ClimateReading, error) {
	q, args := r.historyQuery(climateColumns, "climate_readings", "sensor_mac", mac, since, limit)
	return collect(ctx, r, "climate history", r.scanClimate, q, args...)
}

// BatteryHistory returns readings of one device newer than since
func (r *Repository) BatteryHistory(ctx context.Context, mac string, since time.Time, limit int) ([]db.BatteryReading, error) {
	q, args := r.historyQuery(batteryColumns, "battery_readings", "device_mac", mac, since, limit)
	return collect(ctx, r, "battery history", r.scanBattery, q, args...)
}

// SensorEvents returns the newest events that name a sensor
func (r *Repository) SensorEvents(ctx context.Context, mac string, limit int) ([]db.Event, error) {
	q, args := r.historyQuery(eventColumns, "event_log", "sensor_mac", mac, time.Time{}, limit)
	return collect(ctx, r, "sensor events", r.scanEvent, q, args...)
}

// AlarmHistory returns the newest alarm events
func (r *Repository) AlarmHistory(ctx context.Context, limit int) ([]db.AlarmEvent, error) {
	return collect(ctx, r, "alarm history", r.scanAlarm,
		"SELECT "+alarmColumns+" FROM alarm_events ORDER BY local_time DESC, id DESC LIMIT ?", limit)
}

// LatestBattery returns the newest battery reading of a device, or nil
func (r *Repository) LatestBattery(ctx context.Context, mac string) (*db.BatteryReading, error) {
	q, args := r.historyQuery(batteryColumns, "battery_readings", "device_mac", mac, time.Time{}, 1)
	b, err := r.scanBattery(r.queryRow(ctx, q, args...))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("latest battery", fmt.Errorf("failed to query previous battery reading: %w", err))
	}
	return &b, nil
}

var climateMetricColumns = map[string]bool{"temperature": true, "humidity": true, "pressure": true, "dew_point": true}

// RecentClimateValues returns the newest non-null values of one climate
// metric for a sensor
func (r *Repository) RecentClimateValues(ctx context.Context, mac, metric string, limit int) ([]float64, error) {
	if !climateMetricColumns[metric] {
		return nil, apperr.Validationf("metric", "unknown climate metric %q", metric)
	}
	q := fmt.Sprintf(`SELECT %s FROM climate_readings
		WHERE sensor_mac = ? AND %s IS NOT NULL
		ORDER BY local_time DESC, id DESC
		LIMIT ?`, metric, metric)

	return collect(ctx, r, "recent climate values", func(s row) (float64, error) {
		var v float64
		err := s.Scan(&v)
		return v, err
	}, q, validator.NormalizeMAC(mac), limit)
}

// LatestClimatePerSensor returns the newest reading of every sensor
func (r *Repository) LatestClimatePerSensor(ctx context.Context) ([]db.ClimateReading, error) {
	q := `SELECT ` + climateColumns + ` FROM (
		SELECT ` + climateColumns + `,
			ROW_NUMBER() OVER (PARTITION BY sensor_mac ORDER BY local_time DESC, id DESC) AS rn
		FROM climate_readings
	) latest WHERE rn = 1 ORDER BY sensor_mac`
	return collect(ctx, r, "current climate", r.scanClimate, q)
}

// LatestMetricsPerBridge returns the newest health metrics of every bridge
func (r *Repository) LatestMetricsPerBridge(ctx context.Context) ([]db.Metrics, error) {
	q := `SELECT ` + metricsColumns + ` FROM (
		SELECT ` + metricsColumns + `,
			ROW_NUMBER() OVER (PARTITION BY bridge_mac ORDER BY local_time DESC, id DESC) AS rn
		FROM system_metrics
	) latest WHERE rn = 1 ORDER BY bridge_mac`
	return collect(ctx, r, "system health", r.scanMetrics, q)
}

// CountEvents counts events with local_time at or after since and at least minSeverity
func (r *Repository) CountEvents(ctx context.Context, since time.Time, minSeverity int) (int64, error) {
	var n int64
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM event_log WHERE local_time >= ? AND severity >= ?`,
		r.d.ts(since), minSeverity).Scan(&n)
	if err != nil {
		return 0, apperr.Storage("count events", fmt.Errorf("failed to count events: %w", err))
	}
	return n, nil
}

// LatestEventTime returns the newest event local_time, or nil when the log is empty
func (r *Repository) LatestEventTime(ctx context.Context) (*time.Time, error) {
	var latest *time.Time
	if err := r.queryRow(ctx, `SELECT MAX(local_time) FROM event_log`).Scan(r.d.nullTimeDest(&latest)); err != nil {
		return nil, apperr.Storage("latest event", fmt.Errorf("failed to query latest event: %w", err))
	}
	return latest, nil
}

// ClimateAverages averages temperature and humidity over readings since the given instant
func (r *Repository) ClimateAverages(ctx context.Context, since time.Time) (temperature, humidity *float64, err error) {
	err = r.queryRow(ctx, `SELECT AVG(temperature), AVG(humidity) FROM climate_readings WHERE local_time >= ?`,
		r.d.ts(since)).Scan(&temperature, &humidity)
	if err != nil {
		return nil, nil, apperr.Storage("climate averages", fmt.Errorf("failed to average climate: %w", err))
	}
	return temperature, humidity, nil
}

// EventSlots aggregates events since the given instant per slot and
// category. Errors counts events with at least errorSeverity.
func (r *Repository) EventSlots(ctx context.Context, since time.Time, errorSeverity int) ([]EventSlot, error) {
	q := `SELECT ` + r.d.slotStart("local_time", SlotSeconds) + ` AS slot, category, COUNT(*),
			SUM(CASE WHEN severity >= ? THEN 1 ELSE 0 END)
		FROM event_log WHERE local_time >= ?
		GROUP BY 1, 2 ORDER BY 1, 2`
	return collect(ctx, r, "event slots", func(s row) (EventSlot, error) {
		var e EventSlot
		var start int64
		err := s.Scan(&start, &e.Category, &e.Count, &e.Errors)
		e.Start = time.Unix(start, 0).UTC()
		return e, err
	}, q, errorSeverity, r.d.ts(since))
}

// ClimateSlots aggregates climate readings since the given instant per slot and room
func (r *Repository) ClimateSlots(ctx context.Context, since time.Time) ([]ClimateSlot, error) {
	q := `SELECT ` + r.d.slotStart("local_time", SlotSeconds) + ` AS slot, room,
			COALESCE(SUM(temperature), 0), COUNT(temperature),
			COALESCE(SUM(humidity), 0), COUNT(humidity), COUNT(*)
		FROM climate_readings WHERE local_time >= ?
		GROUP BY 1, 2 ORDER BY 1`
	return collect(ctx, r, "climate slots", func(s row) (ClimateSlot, error) {
		var c ClimateSlot
		var start int64
		err := s.Scan(&start, &c.Room, &c.TemperatureSum, &c.TemperatureN, &c.HumiditySum, &c.HumidityN, &c.Samples)
		c.Start = time.Unix(start, 0).UTC()
		return c, err
	}, q, r.d.ts(since))
}
