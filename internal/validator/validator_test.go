package validator_test

import (
	"testing"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/validator"
)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func TestNormalizeMAC(t *testing.T) {
	got := validator.NormalizeMAC(" aa-bb-cc-dd-ee-01 ")
	if got != "AA:BB:CC:DD:EE:01" {
		t.Errorf("Expected AA:BB:CC:DD:EE:01, got %s", got)
	}
}

func TestIsValidMAC(t *testing.T) {
	valid := []string{"AA:BB:CC:DD:EE:01", "00:11:22:33:44:55"}
	invalid := []string{"", "aa:bb:cc:dd:ee:01", "AA:BB:CC:DD:EE", "AA:BB:CC:DD:EE:0G", "AABBCCDDEE01"}

	for _, mac := range valid {
		if !validator.IsValidMAC(mac) {
			t.Errorf("Expected %q to be valid", mac)
		}
	}
	for _, mac := range invalid {
		if validator.IsValidMAC(mac) {
			t.Errorf("Expected %q to be invalid", mac)
		}
	}
}

func TestRecord_ValidEvent(t *testing.T) {
	ev := &db.Event{
		BridgeMAC: strPtr("AA:BB:CC:DD:EE:FF"),
		SensorMAC: strPtr("11:22:33:44:55:66"),
		Category:  "sensor",
		EventType: "contact_opened",
		Severity:  1,
	}

	if err := validator.Record(ev); err != nil {
		t.Errorf("Expected valid event, got %v", err)
	}
}

func TestRecord_EventSeverityOutOfRange(t *testing.T) {
	for _, severity := range []int{-1, 4} {
		ev := &db.Event{Category: "system", EventType: "boot", Severity: severity}

		err := validator.Record(ev)
		if !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("Expected validation error for severity %d, got %v", severity, err)
		}
	}
}

func TestRecord_EventUnknownCategory(t *testing.T) {
	ev := &db.Event{Category: "weather", EventType: "rain"}

	err := validator.Record(ev)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if msg := apperr.PublicMessage(err); msg == "" {
		t.Error("Expected a precise reason")
	}
}

func TestRecord_EventMissingType(t *testing.T) {
	err := validator.Record(&db.Event{Category: "sensor"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestRecord_ClimateRequiresMetric(t *testing.T) {
	err := validator.Record(&db.ClimateReading{SensorMAC: "AA:BB:CC:DD:EE:01"})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error without metrics, got %v", err)
	}

	err = validator.Record(&db.ClimateReading{SensorMAC: "AA:BB:CC:DD:EE:01", Temperature: floatPtr(21.5)})
	if err != nil {
		t.Errorf("Expected valid climate reading, got %v", err)
	}
}

func TestRecord_ClimateHumidityRange(t *testing.T) {
	err := validator.Record(&db.ClimateReading{SensorMAC: "AA:BB:CC:DD:EE:01", Humidity: floatPtr(120)})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error for humidity, got %v", err)
	}
}

func TestRecord_ClimateInvalidMAC(t *testing.T) {
	err := validator.Record(&db.ClimateReading{SensorMAC: "not-a-mac", Temperature: floatPtr(20)})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error for sensor_mac, got %v", err)
	}
}

func TestRecord_Battery(t *testing.T) {
	ok := &db.BatteryReading{DeviceType: "sensor", DeviceMAC: "AA:BB:CC:DD:EE:01", BatteryLevel: 85}
	if err := validator.Record(ok); err != nil {
		t.Errorf("Expected valid battery reading, got %v", err)
	}

	badType := &db.BatteryReading{DeviceType: "phone", DeviceMAC: "AA:BB:CC:DD:EE:01", BatteryLevel: 85}
	if !apperr.Is(validator.Record(badType), apperr.KindValidation) {
		t.Error("Expected validation error for device_type")
	}

	badLevel := &db.BatteryReading{DeviceType: "bridge", DeviceMAC: "AA:BB:CC:DD:EE:01", BatteryLevel: 101}
	if !apperr.Is(validator.Record(badLevel), apperr.KindValidation) {
		t.Error("Expected validation error for battery_level")
	}
}

func TestRecord_Alarm(t *testing.T) {
	ok := &db.AlarmEvent{BridgeMAC: "AA:BB:CC:DD:EE:FF", EventType: "triggered", TriggerSensor: strPtr("AA:BB:CC:DD:EE:01")}
	if err := validator.Record(ok); err != nil {
		t.Errorf("Expected valid alarm, got %v", err)
	}

	bad := &db.AlarmEvent{BridgeMAC: "AA:BB:CC:DD:EE:FF", EventType: "exploded"}
	if !apperr.Is(validator.Record(bad), apperr.KindValidation) {
		t.Error("Expected validation error for alarm event_type")
	}
}

func TestRecord_StateAndMetricsRequireBridge(t *testing.T) {
	if !apperr.Is(validator.Record(&db.StateSnapshot{}), apperr.KindValidation) {
		t.Error("Expected validation error for state without bridge_mac")
	}
	if !apperr.Is(validator.Record(&db.Metrics{}), apperr.KindValidation) {
		t.Error("Expected validation error for metrics without bridge_mac")
	}

	state := &db.StateSnapshot{BridgeMAC: "AA:BB:CC:DD:EE:FF", SensorsOnline: intPtr(5), SensorsTotal: intPtr(4)}
	if !apperr.Is(validator.Record(state), apperr.KindValidation) {
		t.Error("Expected validation error for sensors_online > sensors_total")
	}
}

func TestRecord_Nil(t *testing.T) {
	if !apperr.Is(validator.Record(nil), apperr.KindValidation) {
		t.Error("Expected validation error for nil record")
	}
}
