package service

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/validator"
)

// Raw kinds accepted by IngestRaw. They match the /api/log/<kind> paths.
const (
	RawEvent       = "event"
	RawClimate     = "climate"
	RawBattery     = "battery"
	RawAlarm       = "alarm"
	RawState       = "state"
	RawMetrics     = "metrics"
	RawSensorState = "sensor-state"
)

// RawKinds lists every kind IngestRaw dispatches
var RawKinds = []string{RawEvent, RawClimate, RawBattery, RawAlarm, RawState, RawMetrics, RawSensorState}

// DeviceClock carries the device supplied time under any of its accepted names
type DeviceClock struct {
	DeviceTime any `json:"device_time"`
	Timestamp  any `json:"timestamp"`
	EventTime  any `json:"event_time"`
}

// Raw returns the first non-empty device time field
func (c DeviceClock) Raw() any {
	for _, v := range []any{c.DeviceTime, c.Timestamp, c.EventTime} {
		switch x := v.(type) {
		case nil:
			continue
		case string:
			if strings.TrimSpace(x) == "" {
				continue
			}
		}
		return v
	}
	return nil
}

// Text accepts any JSON scalar and keeps its text form
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	*t = Text(data)
	return nil
}

func (t *Text) ptr() *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

// EventPayload is a general event submission
type EventPayload struct {
	DeviceClock
	BridgeMAC     *string         `json:"bridge_mac"`
	SensorMAC     *string         `json:"sensor_mac"`
	SensorName    *string         `json:"sensor_name"`
	Room          *string         `json:"room"`
	Category      string          `json:"category"`
	EventType     string          `json:"event_type"`
	Severity      *int            `json:"severity"`
	OldValue      *Text           `json:"old_value"`
	NewValue      *Text           `json:"new_value"`
	Message       *string         `json:"message"`
	ESPMillis     *int64          `json:"esp_millis"`
	StateSnapshot json.RawMessage `json:"state_snapshot"`
	Metadata      json.RawMessage `json:"metadata"`
}

// ClimatePayload is a climate sample submission
type ClimatePayload struct {
	DeviceClock
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

// BatteryPayload is a battery sample submission
type BatteryPayload struct {
	DeviceClock
	DeviceType     string   `json:"device_type"`
	DeviceMAC      string   `json:"device_mac"`
	DeviceName     *string  `json:"device_name"`
	BatteryLevel   *int     `json:"battery_level"`
	BatteryVoltage *float64 `json:"battery_voltage"`
	IsCharging     *bool    `json:"is_charging"`
}

// AlarmPayload is an alarm transition submission
type AlarmPayload struct {
	DeviceClock
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

// StatePayload is a bridge state snapshot submission
type StatePayload struct {
	DeviceClock
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

// MetricsPayload is a bridge health submission
type MetricsPayload struct {
	DeviceClock
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

// SensorStatePayload is a partial sensor projection update. Absent fields
// keep their stored value.
type SensorStatePayload struct {
	DeviceClock
	MACAddress      string   `json:"mac_address"`
	BridgeMAC       *string  `json:"bridge_mac"`
	Name            *string  `json:"name"`
	Room            *string  `json:"room"`
	IsEntryExit     *bool    `json:"is_entry_exit"`
	IsActive        *bool    `json:"is_active"`
	ContactOpen     *bool    `json:"contact_open"`
	Temperature     *float64 `json:"temperature"`
	Humidity        *float64 `json:"humidity"`
	Pressure        *float64 `json:"pressure"`
	DewPoint        *float64 `json:"dew_point"`
	BatteryLevel    *int     `json:"battery_level"`
	IsCharging      *bool    `json:"is_charging"`
	IsOnline        *bool    `json:"is_online"`
	OperationalMode *string  `json:"operational_mode"`
	BypassActive    *bool    `json:"bypass_active"`
	NightBypass     *bool    `json:"night_bypass"`
	ClimateAlert    *string  `json:"climate_alert"`
}

// Envelope wraps a payload travelling over a message transport
type Envelope struct {
	RequestID string          `json:"request_id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// decode parses a JSON body keeping numbers exact for device time parsing
func decode(body []byte, dst any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return apperr.Validation("body", "request body is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return apperr.Validationf("body", "invalid JSON payload: %v", err)
	}
	return nil
}

func normalizedPtr(mac *string) *string {
	if mac == nil {
		return nil
	}
	n := validator.NormalizeMAC(*mac)
	if n == "" {
		return nil
	}
	return &n
}
