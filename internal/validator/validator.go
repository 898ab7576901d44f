package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
)

// Closed enums. Unknown values are rejected, never coerced.
var (
	EventCategories = []string{"sensor", "alarm", "climate", "system", "power", "config", "communication"}
	AlarmEventTypes = []string{"armed", "disarmed", "triggered", "silenced", "cleared"}
	DeviceTypes     = []string{"sensor", "bridge"}
)

const (
	MinSeverity = 0
	MaxSeverity = 3
)

var macPattern = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)

// NormalizeMAC upper-cases a hardware id and accepts '-' separators
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
}

// IsValidMAC checks the canonical AA:BB:CC:DD:EE:FF form
func IsValidMAC(mac string) bool {
	return macPattern.MatchString(mac)
}

// IsEventCategory reports whether category belongs to the closed enum
func IsEventCategory(category string) bool {
	return contains(EventCategories, category)
}

type rule interface {
	check(rec db.Record) error
}

type ruleFunc[T db.Record] func(T) error

func (f ruleFunc[T]) check(rec db.Record) error {
	typed, ok := rec.(T)
	if !ok {
		return apperr.Validationf("kind", "record type %T does not match kind %s", rec, rec.Kind())
	}
	return f(typed)
}

var rules = map[db.Kind]rule{
	db.KindEvent:   ruleFunc[*db.Event](validateEvent),
	db.KindClimate: ruleFunc[*db.ClimateReading](validateClimate),
	db.KindBattery: ruleFunc[*db.BatteryReading](validateBattery),
	db.KindAlarm:   ruleFunc[*db.AlarmEvent](validateAlarm),
	db.KindState:   ruleFunc[*db.StateSnapshot](validateState),
	db.KindMetrics: ruleFunc[*db.Metrics](validateMetrics),
}

// Record validates a ledger record against the rules of its kind
func Record(rec db.Record) error {
	if rec == nil {
		return apperr.Validation("record", "is required")
	}
	r, ok := rules[rec.Kind()]
	if !ok {
		return apperr.Validationf("kind", "unknown record kind %q", rec.Kind())
	}
	return r.check(rec)
}

func validateEvent(e *db.Event) error {
	if e.Category == "" {
		return apperr.Validation("category", "is required")
	}
	if !IsEventCategory(e.Category) {
		return apperr.Validationf("category", "must be one of %s, got %q", strings.Join(EventCategories, "|"), e.Category)
	}
	if strings.TrimSpace(e.EventType) == "" {
		return apperr.Validation("event_type", "is required")
	}
	if e.Severity < MinSeverity || e.Severity > MaxSeverity {
		return apperr.Validationf("severity", "must be between %d and %d, got %d", MinSeverity, MaxSeverity, e.Severity)
	}
	if err := optionalMAC("bridge_mac", e.BridgeMAC); err != nil {
		return err
	}
	return optionalMAC("sensor_mac", e.SensorMAC)
}

func validateClimate(c *db.ClimateReading) error {
	if err := requiredMAC("sensor_mac", c.SensorMAC); err != nil {
		return err
	}
	if c.Temperature == nil && c.Humidity == nil && c.Pressure == nil && c.DewPoint == nil &&
		c.HeatIndex == nil && c.MoldRiskScore == nil && c.ContactOpen == nil {
		return apperr.Validation("temperature", "at least one climate metric is required")
	}
	if c.Humidity != nil && (*c.Humidity < 0 || *c.Humidity > 100) {
		return apperr.Validationf("humidity", "must be between 0 and 100, got %.2f", *c.Humidity)
	}
	if c.MoldRiskScore != nil && (*c.MoldRiskScore < 0 || *c.MoldRiskScore > 100) {
		return apperr.Validationf("mold_risk_score", "must be between 0 and 100, got %d", *c.MoldRiskScore)
	}
	return nil
}

func validateBattery(b *db.BatteryReading) error {
	if !contains(DeviceTypes, b.DeviceType) {
		return apperr.Validationf("device_type", "must be one of %s, got %q", strings.Join(DeviceTypes, "|"), b.DeviceType)
	}
	if err := requiredMAC("device_mac", b.DeviceMAC); err != nil {
		return err
	}
	if b.BatteryLevel < 0 || b.BatteryLevel > 100 {
		return apperr.Validationf("battery_level", "must be between 0 and 100, got %d", b.BatteryLevel)
	}
	return nil
}

func validateAlarm(a *db.AlarmEvent) error {
	if err := requiredMAC("bridge_mac", a.BridgeMAC); err != nil {
		return err
	}
	if !contains(AlarmEventTypes, a.EventType) {
		return apperr.Validationf("event_type", "must be one of %s, got %q", strings.Join(AlarmEventTypes, "|"), a.EventType)
	}
	if a.DurationSeconds != nil && *a.DurationSeconds < 0 {
		return apperr.Validation("duration_seconds", "must not be negative")
	}
	return optionalMAC("trigger_sensor", a.TriggerSensor)
}

func validateState(s *db.StateSnapshot) error {
	if err := requiredMAC("bridge_mac", s.BridgeMAC); err != nil {
		return err
	}
	if s.SensorsOnline != nil && s.SensorsTotal != nil && *s.SensorsOnline > *s.SensorsTotal {
		return apperr.Validationf("sensors_online", "exceeds sensors_total (%d > %d)", *s.SensorsOnline, *s.SensorsTotal)
	}
	if s.BridgeBattery != nil && (*s.BridgeBattery < 0 || *s.BridgeBattery > 100) {
		return apperr.Validationf("bridge_battery", "must be between 0 and 100, got %d", *s.BridgeBattery)
	}
	return nil
}

func validateMetrics(m *db.Metrics) error {
	return requiredMAC("bridge_mac", m.BridgeMAC)
}

func requiredMAC(field, mac string) error {
	if mac == "" {
		return apperr.Validation(field, "is required")
	}
	if !IsValidMAC(mac) {
		return apperr.Validation(field, fmt.Sprintf("invalid hardware id %q", mac))
	}
	return nil
}

func optionalMAC(field string, mac *string) error {
	if mac == nil || *mac == "" {
		return nil
	}
	return requiredMAC(field, *mac)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
