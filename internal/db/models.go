package db

import (
	"encoding/json"
	"time"
)

// Kind tags an append-only record category
type Kind string

const (
	KindEvent   Kind = "event"
	KindClimate Kind = "climate"
	KindBattery Kind = "battery"
	KindAlarm   Kind = "alarm"
	KindState   Kind = "state"
	KindMetrics Kind = "metrics"
)

// Kinds lists every append-only category
var Kinds = []Kind{KindEvent, KindClimate, KindBattery, KindAlarm, KindState, KindMetrics}

// Stamp carries the identifier and the three timestamps every ledger row has.
// LocalTime is DeviceTime when the device supplied a parsable one, otherwise CreatedAt.
type Stamp struct {
	ID         int64      `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	DeviceTime *time.Time `json:"device_time"`
	LocalTime  time.Time  `json:"local_time"`
}

// Stamps exposes the embedded stamp for generic ledger code
func (s *Stamp) Stamps() *Stamp {
	return s
}

// Record is implemented by every append-only record type
type Record interface {
	Kind() Kind
	Stamps() *Stamp
	DeviceID() string
}

// Event represents a general event in the event log
type Event struct {
	Stamp
	BridgeMAC     *string         `json:"bridge_mac"`
	SensorMAC     *string         `json:"sensor_mac"`
	SensorName    *string         `json:"sensor_name"`
	Room          *string         `json:"room"`
	Category      string          `json:"category"`
	EventType     string          `json:"event_type"`
	Severity      int             `json:"severity"`
	OldValue      *string         `json:"old_value"`
	NewValue      *string         `json:"new_value"`
	Message       *string         `json:"message"`
	ESPMillis     *int64          `json:"esp_millis"`
	StateSnapshot json.RawMessage `json:"state_snapshot,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

func (e *Event) Kind() Kind { return KindEvent }

func (e *Event) DeviceID() string {
	if e.SensorMAC != nil && *e.SensorMAC != "" {
		return *e.SensorMAC
	}
	if e.BridgeMAC != nil {
		return *e.BridgeMAC
	}
	return ""
}

// ClimateReading represents one climate sample of a sensor
type ClimateReading struct {
	Stamp
	SensorMAC     string   `json:"sensor_mac"`
	SensorName    *string  `json:"sensor_name"`
	Room          *string  `json:"room"`
	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
	Pressure      *float64 `json:"pressure"`
	DewPoint      *float64 `json:"dew_point"`
	HeatIndex     *float64 `json:"heat_index"`
	MoldRiskScore *int     `json:"mold_risk_score"`
	ContactOpen   *bool    `json:"contact_open"`
	AlertLevel    *string  `json:"alert_level"`
}

func (c *ClimateReading) Kind() Kind       { return KindClimate }
func (c *ClimateReading) DeviceID() string { return c.SensorMAC }

// BatteryReading represents a battery sample of a sensor or bridge
type BatteryReading struct {
	Stamp
	DeviceType     string   `json:"device_type"`
	DeviceMAC      string   `json:"device_mac"`
	DeviceName     *string  `json:"device_name"`
	BatteryLevel   int      `json:"battery_level"`
	BatteryVoltage *float64 `json:"battery_voltage"`
	IsCharging     *bool    `json:"is_charging"`
	LevelChange    *int     `json:"level_change"`
	TimeDeltaSec   *int64   `json:"time_delta_sec"`
}

func (b *BatteryReading) Kind() Kind       { return KindBattery }
func (b *BatteryReading) DeviceID() string { return b.DeviceMAC }

// AlarmEvent represents an alarm transition reported by a bridge
type AlarmEvent struct {
	Stamp
	BridgeMAC       string  `json:"bridge_mac"`
	EventType       string  `json:"event_type"`
	AlarmMode       *string `json:"alarm_mode"`
	PreviousMode    *string `json:"previous_mode"`
	TriggerSensor   *string `json:"trigger_sensor"`
	TriggerName     *string `json:"trigger_name"`
	TriggerRoom     *string `json:"trigger_room"`
	DurationSeconds *int    `json:"duration_seconds"`
	WasSilenced     bool    `json:"was_silenced"`
	WasEntryDelay   bool    `json:"was_entry_delay"`
	WasExitDelay    bool    `json:"was_exit_delay"`
	Message         *string `json:"message"`
}

func (a *AlarmEvent) Kind() Kind       { return KindAlarm }
func (a *AlarmEvent) DeviceID() string { return a.BridgeMAC }

// StateSnapshot is an immutable audit copy of a bridge's alarm state
type StateSnapshot struct {
	Stamp
	BridgeMAC     string  `json:"bridge_mac"`
	AlarmMode     *int    `json:"alarm_mode"`
	AlarmModeName *string `json:"alarm_mode_name"`
	IsArmed       bool    `json:"is_armed"`
	InExitDelay   bool    `json:"in_exit_delay"`
	InEntryDelay  bool    `json:"in_entry_delay"`
	SensorsOnline *int    `json:"sensors_online"`
	SensorsTotal  *int    `json:"sensors_total"`
	BridgeBattery *int    `json:"bridge_battery"`
	UptimeSeconds *int64  `json:"uptime_seconds"`
}

func (s *StateSnapshot) Kind() Kind       { return KindState }
func (s *StateSnapshot) DeviceID() string { return s.BridgeMAC }

// Metrics represents bridge health metrics
type Metrics struct {
	Stamp
	BridgeMAC         string `json:"bridge_mac"`
	FreeHeap          *int64 `json:"free_heap"`
	MinFreeHeap       *int64 `json:"min_free_heap"`
	HeapFragmentation int    `json:"heap_fragmentation"`
	WifiRSSI          *int   `json:"wifi_rssi"`
	WifiChannel       *int   `json:"wifi_channel"`
	UptimeSeconds     *int64 `json:"uptime_seconds"`
	LoopTimeUS        int64  `json:"loop_time_us"`
	SensorsOnline     *int   `json:"sensors_online"`
	SensorsTotal      *int   `json:"sensors_total"`
	EventsQueued      int    `json:"events_queued"`
}

func (m *Metrics) Kind() Kind       { return KindMetrics }
func (m *Metrics) DeviceID() string { return m.BridgeMAC }

// SensorState is the current-state projection of a sensor.
// IsOnline is a cached hint; readers recompute liveness from LastUpdate.
type SensorState struct {
	MACAddress      string    `json:"mac_address"`
	BridgeMAC       *string   `json:"bridge_mac"`
	Name            *string   `json:"name"`
	Room            *string   `json:"room"`
	IsEntryExit     bool      `json:"is_entry_exit"`
	IsActive        bool      `json:"is_active"`
	ContactOpen     *bool     `json:"contact_open"`
	Temperature     *float64  `json:"temperature"`
	Humidity        *float64  `json:"humidity"`
	Pressure        *float64  `json:"pressure"`
	DewPoint        *float64  `json:"dew_point"`
	BatteryLevel    *int      `json:"battery_level"`
	IsCharging      *bool     `json:"is_charging"`
	IsOnline        bool      `json:"is_online"`
	OperationalMode string    `json:"operational_mode"`
	BypassActive    bool      `json:"bypass_active"`
	NightBypass     bool      `json:"night_bypass"`
	ClimateAlert    string    `json:"climate_alert"`
	LastUpdate      time.Time `json:"last_update"`
}

// SensorPatch holds the fields of a partial sensor upsert. Nil fields keep
// the stored value.
type SensorPatch struct {
	BridgeMAC       *string
	Name            *string
	Room            *string
	IsEntryExit     *bool
	IsActive        *bool
	ContactOpen     *bool
	Temperature     *float64
	Humidity        *float64
	Pressure        *float64
	DewPoint        *float64
	BatteryLevel    *int
	IsCharging      *bool
	IsOnline        *bool
	OperationalMode *string
	BypassActive    *bool
	NightBypass     *bool
	ClimateAlert    *string
}

// BridgeState is the current-state projection of a bridge
type BridgeState struct {
	MACAddress     string    `json:"mac_address"`
	AlarmMode      *string   `json:"alarm_mode"`
	IsArmed        *bool     `json:"is_armed"`
	BatteryLevel   *int      `json:"battery_level"`
	BatteryVoltage *float64  `json:"battery_voltage"`
	UptimeSeconds  *int64    `json:"uptime_seconds"`
	FreeHeap       *int64    `json:"free_heap"`
	WifiRSSI       *int      `json:"wifi_rssi"`
	LastUpdate     time.Time `json:"last_update"`
}

// BridgePatch holds the fields of a partial bridge upsert
type BridgePatch struct {
	AlarmMode      *string
	IsArmed        *bool
	BatteryLevel   *int
	BatteryVoltage *float64
	UptimeSeconds  *int64
	FreeHeap       *int64
	WifiRSSI       *int
}

// AuditEntry records an administrative action such as a retention run
type AuditEntry struct {
	ID        int64           `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// RequestLogEntry records one served API request
type RequestLogEntry struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr"`
}
