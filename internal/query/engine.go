package query

import (
	"context"
	"time"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/repository"
	"github.com/septivank/climax-ledger/internal/validator"
	"github.com/septivank/climax-ledger/tools/timeparser"
)

// Page size limits
const (
	DefaultEventLimit    = 100
	MaxEventLimit        = 1000
	DefaultAlarmLimit    = 50
	MaxAlarmLimit        = 500
	DefaultActivityLimit = 50
	MaxActivityLimit     = 200

	DefaultClimateHours = 24
	MaxClimateHours     = 24 * 365
	DefaultBatteryDays  = 7
	MaxBatteryDays      = 365
	DefaultStatsDays    = 7
	MaxStatsDays        = 90

	sensorDetailEvents  = 50
	sensorDetailClimate = 24
	sensorDetailBattery = 100
)

// Store is the read side of the ledger
type Store interface {
	Ping(ctx context.Context) error
	Driver() string
	QueryEvents(ctx context.Context, f repository.EventFilter) ([]db.Event, int64, error)
	StreamEvents(ctx context.Context, f repository.EventFilter, fn func(db.Event) error) error
	ClimateHistory(ctx context.Context, mac string, since time.Time, limit int) ([]db.ClimateReading, error)
	BatteryHistory(ctx context.Context, mac string, since time.Time, limit int) ([]db.BatteryReading, error)
	SensorEvents(ctx context.Context, mac string, limit int) ([]db.Event, error)
	AlarmHistory(ctx context.Context, limit int) ([]db.AlarmEvent, error)
	ListSensors(ctx context.Context) ([]db.SensorState, error)
	GetSensor(ctx context.Context, mac string) (*db.SensorState, error)
	ListBridges(ctx context.Context) ([]db.BridgeState, error)
	LatestAlarmMode(ctx context.Context) (*string, error)
	LatestClimatePerSensor(ctx context.Context) ([]db.ClimateReading, error)
	LatestMetricsPerBridge(ctx context.Context) ([]db.Metrics, error)
	CountEvents(ctx context.Context, since time.Time, minSeverity int) (int64, error)
	CountRows(ctx context.Context, table string) (int64, error)
	LatestEventTime(ctx context.Context) (*time.Time, error)
	ClimateAverages(ctx context.Context, since time.Time) (temperature, humidity *float64, err error)
	EventSlots(ctx context.Context, since time.Time, errorSeverity int) ([]repository.EventSlot, error)
	ClimateSlots(ctx context.Context, since time.Time) ([]repository.ClimateSlot, error)
	TableStats(ctx context.Context) ([]repository.TableStat, error)
}

// Engine answers read queries. Instants are returned in the configured
// location; filtering and ordering use absolute time.
type Engine struct {
	store    Store
	resolver *timeparser.Resolver
	liveness time.Duration
	now      func() time.Time
}

// NewEngine creates a new query engine. liveness is how recent a projection
// update must be for its device to count as online.
func NewEngine(store Store, resolver *timeparser.Resolver, liveness time.Duration) *Engine {
	return &Engine{
		store:    store,
		resolver: resolver,
		liveness: liveness,
		now:      time.Now,
	}
}

// SetClock replaces the clock used for windows and liveness
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Location returns the display location
func (e *Engine) Location() *time.Location {
	return e.resolver.Location()
}

// Now returns the engine clock in the display location
func (e *Engine) Now() time.Time {
	return e.resolver.Display(e.now())
}

// Driver names the backing database
func (e *Engine) Driver() string {
	return e.store.Driver()
}

// EventPage is one page of the filtered event log
type EventPage struct {
	Events []db.Event `json:"events"`
	Total  int64      `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// Events returns events matching f, newest local_time first
func (e *Engine) Events(ctx context.Context, f repository.EventFilter) (*EventPage, error) {
	if err := e.checkFilter(&f); err != nil {
		return nil, err
	}
	f.Limit = clamp(f.Limit, DefaultEventLimit, MaxEventLimit)
	if f.Offset < 0 {
		return nil, apperr.Validation("offset", "must not be negative")
	}

	events, total, err := e.store.QueryEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range events {
		e.localize(&events[i].Stamp)
	}
	return &EventPage{Events: nonNil(events), Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// RecentActivity returns the newest events for the dashboard feed
func (e *Engine) RecentActivity(ctx context.Context, limit int) ([]db.Event, error) {
	events, _, err := e.store.QueryEvents(ctx, repository.EventFilter{Limit: clamp(limit, DefaultActivityLimit, MaxActivityLimit)})
	if err != nil {
		return nil, err
	}
	for i := range events {
		e.localize(&events[i].Stamp)
	}
	return nonNil(events), nil
}

func (e *Engine) checkFilter(f *repository.EventFilter) error {
	if f.Category != "" && !validator.IsEventCategory(f.Category) {
		return apperr.Validationf("category", "unknown category %q", f.Category)
	}
	if f.MinSeverity != nil && (*f.MinSeverity < validator.MinSeverity || *f.MinSeverity > validator.MaxSeverity) {
		return apperr.Validationf("severity", "must be between %d and %d", validator.MinSeverity, validator.MaxSeverity)
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return apperr.Validation("to", "must not be before from")
	}
	return nil
}

// ClimateHistory returns the readings of one sensor over the last hours
func (e *Engine) ClimateHistory(ctx context.Context, mac string, hours int) ([]db.ClimateReading, error) {
	mac, err := requireMAC(mac)
	if err != nil {
		return nil, err
	}
	hours = clamp(hours, DefaultClimateHours, MaxClimateHours)

	readings, err := e.store.ClimateHistory(ctx, mac, e.now().Add(-time.Duration(hours)*time.Hour), 0)
	if err != nil {
		return nil, err
	}
	for i := range readings {
		e.localize(&readings[i].Stamp)
	}
	return nonNil(readings), nil
}

// BatteryHistory returns the readings of one device over the last days
func (e *Engine) BatteryHistory(ctx context.Context, mac string, days int) ([]db.BatteryReading, error) {
	mac, err := requireMAC(mac)
	if err != nil {
		return nil, err
	}
	days = clamp(days, DefaultBatteryDays, MaxBatteryDays)

	readings, err := e.store.BatteryHistory(ctx, mac, e.now().Add(-time.Duration(days)*24*time.Hour), 0)
	if err != nil {
		return nil, err
	}
	for i := range readings {
		e.localize(&readings[i].Stamp)
	}
	return nonNil(readings), nil
}

// Alarms returns the newest alarm transitions
func (e *Engine) Alarms(ctx context.Context, limit int) ([]db.AlarmEvent, error) {
	alarms, err := e.store.AlarmHistory(ctx, clamp(limit, DefaultAlarmLimit, MaxAlarmLimit))
	if err != nil {
		return nil, err
	}
	for i := range alarms {
		e.localize(&alarms[i].Stamp)
	}
	return nonNil(alarms), nil
}

// Sensors returns every sensor with liveness recomputed from its last update
func (e *Engine) Sensors(ctx context.Context) ([]db.SensorState, error) {
	sensors, err := e.store.ListSensors(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for i := range sensors {
		sensors[i].IsOnline = e.isLive(sensors[i].LastUpdate, now)
		sensors[i].LastUpdate = e.resolver.Display(sensors[i].LastUpdate)
	}
	return nonNil(sensors), nil
}

// SensorDetail is a sensor with its recent history
type SensorDetail struct {
	Sensor  db.SensorState      `json:"sensor"`
	Events  []db.Event          `json:"recent_events"`
	Climate []db.ClimateReading `json:"climate_history"`
	Battery []db.BatteryReading `json:"battery_history"`
}

// Sensor returns one sensor and its recent events, climate and battery readings
func (e *Engine) Sensor(ctx context.Context, mac string) (*SensorDetail, error) {
	sensor, err := e.store.GetSensor(ctx, mac)
	if err != nil {
		return nil, err
	}
	sensor.IsOnline = e.isLive(sensor.LastUpdate, e.now())
	sensor.LastUpdate = e.resolver.Display(sensor.LastUpdate)

	events, err := e.store.SensorEvents(ctx, sensor.MACAddress, sensorDetailEvents)
	if err != nil {
		return nil, err
	}
	climate, err := e.store.ClimateHistory(ctx, sensor.MACAddress, time.Time{}, sensorDetailClimate)
	if err != nil {
		return nil, err
	}
	battery, err := e.store.BatteryHistory(ctx, sensor.MACAddress, time.Time{}, sensorDetailBattery)
	if err != nil {
		return nil, err
	}

	for i := range events {
		e.localize(&events[i].Stamp)
	}
	for i := range climate {
		e.localize(&climate[i].Stamp)
	}
	for i := range battery {
		e.localize(&battery[i].Stamp)
	}
	return &SensorDetail{Sensor: *sensor, Events: nonNil(events), Climate: nonNil(climate), Battery: nonNil(battery)}, nil
}

// BridgeView is a bridge projection with its newest health metrics
type BridgeView struct {
	db.BridgeState
	Online  bool        `json:"is_online"`
	Metrics *db.Metrics `json:"latest_metrics"`
}

// Bridges returns every bridge with liveness and newest metrics
func (e *Engine) Bridges(ctx context.Context) ([]BridgeView, error) {
	bridges, err := e.store.ListBridges(ctx)
	if err != nil {
		return nil, err
	}
	metrics, err := e.store.LatestMetricsPerBridge(ctx)
	if err != nil {
		return nil, err
	}
	byBridge := make(map[string]*db.Metrics, len(metrics))
	for i := range metrics {
		e.localize(&metrics[i].Stamp)
		byBridge[metrics[i].BridgeMAC] = &metrics[i]
	}

	now := e.now()
	views := make([]BridgeView, 0, len(bridges))
	for _, b := range bridges {
		v := BridgeView{BridgeState: b, Online: e.isLive(b.LastUpdate, now), Metrics: byBridge[b.MACAddress]}
		v.LastUpdate = e.resolver.Display(v.LastUpdate)
		views = append(views, v)
	}
	return views, nil
}

// CurrentClimate returns the newest reading of every sensor
func (e *Engine) CurrentClimate(ctx context.Context) ([]db.ClimateReading, error) {
	readings, err := e.store.LatestClimatePerSensor(ctx)
	if err != nil {
		return nil, err
	}
	for i := range readings {
		e.localize(&readings[i].Stamp)
	}
	return nonNil(readings), nil
}

// TableStats returns row counts and oldest rows of the retained tables
func (e *Engine) TableStats(ctx context.Context) ([]repository.TableStat, error) {
	stats, err := e.store.TableStats(ctx)
	if err != nil {
		return nil, err
	}
	for i := range stats {
		stats[i].Oldest = e.resolver.DisplayPtr(stats[i].Oldest)
	}
	return stats, nil
}

func (e *Engine) isLive(lastUpdate, now time.Time) bool {
	return now.Sub(lastUpdate) < e.liveness
}

func (e *Engine) localize(st *db.Stamp) {
	st.CreatedAt = e.resolver.Display(st.CreatedAt)
	st.DeviceTime = e.resolver.DisplayPtr(st.DeviceTime)
	st.LocalTime = e.resolver.Display(st.LocalTime)
}

func requireMAC(mac string) (string, error) {
	mac = validator.NormalizeMAC(mac)
	if !validator.IsValidMAC(mac) {
		return "", apperr.Validationf("mac", "invalid hardware id %q", mac)
	}
	return mac, nil
}

// clamp applies a default to non-positive values and caps at max
func clamp(v, def, upper int) int {
	if v <= 0 {
		return def
	}
	if v > upper {
		return upper
	}
	return v
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
