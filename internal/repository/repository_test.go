package repository_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/repository"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRepository(t *testing.T) *repository.Repository {
	t.Helper()

	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	repo := repository.NewSQLite(sqlDB)
	repo.SetClock(func() time.Time { return testNow })
	if err := repo.Init(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}
	return repo
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
func boolPtr(b bool) *bool        { return &b }

func newEvent(category, eventType string, severity int, localTime time.Time) *db.Event {
	return &db.Event{
		Stamp:     db.Stamp{CreatedAt: localTime, LocalTime: localTime},
		Category:  category,
		EventType: eventType,
		Severity:  severity,
	}
}

func TestAppend_FillsStampsFromClock(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	reading := &db.ClimateReading{
		SensorMAC:   "AA:BB:CC:DD:EE:01",
		Temperature: floatPtr(21.5),
		Humidity:    floatPtr(55.0),
	}
	if err := repo.Append(ctx, reading); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if reading.ID == 0 {
		t.Error("Expected generated id")
	}

	history, err := repo.ClimateHistory(ctx, "AA:BB:CC:DD:EE:01", time.Time{}, 0)
	if err != nil {
		t.Fatalf("Failed to read history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 reading, got %d", len(history))
	}

	stored := history[0]
	if stored.DeviceTime != nil {
		t.Errorf("Expected nil device_time, got %v", stored.DeviceTime)
	}
	if !stored.CreatedAt.Equal(testNow) || !stored.LocalTime.Equal(stored.CreatedAt) {
		t.Errorf("Expected created_at and local_time %v, got %v / %v", testNow, stored.CreatedAt, stored.LocalTime)
	}
	if stored.Temperature == nil || *stored.Temperature != 21.5 {
		t.Errorf("Expected temperature 21.5, got %v", stored.Temperature)
	}
}

func TestAppend_DuplicatePayloadsAreNotDeduplicated(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	first := newEvent("sensor", "contact_opened", 0, testNow)
	second := newEvent("sensor", "contact_opened", 0, testNow)

	if err := repo.Append(ctx, first); err != nil {
		t.Fatalf("Failed to append first: %v", err)
	}
	if err := repo.Append(ctx, second); err != nil {
		t.Fatalf("Failed to append second: %v", err)
	}

	if first.ID == second.ID {
		t.Errorf("Expected distinct ids, both are %d", first.ID)
	}
	if n, _ := repo.CountRows(ctx, "event_log"); n != 2 {
		t.Errorf("Expected 2 rows, got %d", n)
	}
}

func TestAppend_RejectsInvalidRecord(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	err := repo.Append(ctx, newEvent("sensor", "contact_opened", 9, testNow))
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if n, _ := repo.CountRows(ctx, "event_log"); n != 0 {
		t.Errorf("Expected no rows after rejected append, got %d", n)
	}
}

func TestAppend_KeepsPastDeviceTime(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	deviceTime := testNow.Add(-72 * time.Hour)
	ev := newEvent("sensor", "contact_closed", 0, deviceTime)
	ev.CreatedAt = testNow
	ev.DeviceTime = &deviceTime
	ev.SensorMAC = strPtr("AA:BB:CC:DD:EE:01")
	if err := repo.Append(ctx, ev); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	newer := newEvent("sensor", "contact_opened", 0, testNow.Add(-time.Hour))
	newer.SensorMAC = strPtr("AA:BB:CC:DD:EE:01")
	if err := repo.Append(ctx, newer); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	events, err := repo.SensorEvents(ctx, "AA:BB:CC:DD:EE:01", 10)
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	last := events[1]
	if last.ID != ev.ID {
		t.Fatalf("Expected back-dated event to sort last, got id %d", last.ID)
	}
	if last.DeviceTime == nil || !last.DeviceTime.Equal(deviceTime) {
		t.Errorf("Expected device_time %v preserved, got %v", deviceTime, last.DeviceTime)
	}
	if !last.LocalTime.Equal(deviceTime) {
		t.Errorf("Expected local_time %v, got %v", deviceTime, last.LocalTime)
	}
}

func TestUpsertSensor_MergesPartialState(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	err := repo.UpsertSensor(ctx, "aa-bb-cc-dd-ee-01", db.SensorPatch{
		Name:        strPtr("Balcony door"),
		Room:        strPtr("Living room"),
		Temperature: floatPtr(21.5),
		IsOnline:    boolPtr(true),
	}, testNow)
	if err != nil {
		t.Fatalf("Failed to create sensor: %v", err)
	}

	later := testNow.Add(time.Minute)
	if err := repo.UpsertSensor(ctx, "AA:BB:CC:DD:EE:01", db.SensorPatch{Humidity: floatPtr(55)}, later); err != nil {
		t.Fatalf("Failed to patch sensor: %v", err)
	}

	sensor, err := repo.GetSensor(ctx, "AA:BB:CC:DD:EE:01")
	if err != nil {
		t.Fatalf("Failed to get sensor: %v", err)
	}
	if sensor.Name == nil || *sensor.Name != "Balcony door" {
		t.Errorf("Expected name kept, got %v", sensor.Name)
	}
	if sensor.Temperature == nil || *sensor.Temperature != 21.5 {
		t.Errorf("Expected temperature kept, got %v", sensor.Temperature)
	}
	if sensor.Humidity == nil || *sensor.Humidity != 55 {
		t.Errorf("Expected humidity 55, got %v", sensor.Humidity)
	}
	if !sensor.LastUpdate.Equal(later) {
		t.Errorf("Expected last_update %v, got %v", later, sensor.LastUpdate)
	}
	if !sensor.IsActive || sensor.OperationalMode != "normal" || sensor.ClimateAlert != "ok" {
		t.Errorf("Expected defaults for unset fields, got active=%v mode=%s alert=%s",
			sensor.IsActive, sensor.OperationalMode, sensor.ClimateAlert)
	}
}

func TestUpsertSensor_InvalidMAC(t *testing.T) {
	repo := newTestRepository(t)

	err := repo.UpsertSensor(context.Background(), "kitchen", db.SensorPatch{}, testNow)
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestGetSensor_Unknown(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetSensor(context.Background(), "AA:BB:CC:DD:EE:99")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected not found error, got %v", err)
	}
}

func TestUpsertBridge_AndLatestAlarmMode(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if mode, err := repo.LatestAlarmMode(ctx); err != nil || mode != nil {
		t.Fatalf("Expected no alarm mode, got %v / %v", mode, err)
	}

	if err := repo.UpsertBridge(ctx, "AA:BB:CC:DD:EE:FF", db.BridgePatch{AlarmMode: strPtr("away"), IsArmed: boolPtr(true)}, testNow); err != nil {
		t.Fatalf("Failed to upsert bridge: %v", err)
	}
	if err := repo.UpsertBridge(ctx, "AA:BB:CC:DD:EE:FF", db.BridgePatch{BatteryLevel: intPtr(80)}, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("Failed to patch bridge: %v", err)
	}

	bridges, err := repo.ListBridges(ctx)
	if err != nil {
		t.Fatalf("Failed to list bridges: %v", err)
	}
	if len(bridges) != 1 || bridges[0].AlarmMode == nil || *bridges[0].AlarmMode != "away" {
		t.Fatalf("Expected one bridge in away mode, got %+v", bridges)
	}
	if bridges[0].BatteryLevel == nil || *bridges[0].BatteryLevel != 80 {
		t.Errorf("Expected battery 80, got %v", bridges[0].BatteryLevel)
	}

	mode, err := repo.LatestAlarmMode(ctx)
	if err != nil || mode == nil || *mode != "away" {
		t.Errorf("Expected latest alarm mode away, got %v / %v", mode, err)
	}
}

func TestQueryEvents_Filters(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	base := testNow.Add(-10 * time.Hour)
	door := newEvent("sensor", "contact_opened", 0, base)
	door.SensorName = strPtr("Balcony Door")
	door.Room = strPtr("Living room")
	alarm := newEvent("alarm", "triggered", 3, base.Add(time.Hour))
	system := newEvent("system", "low_heap", 2, base.Add(2*time.Hour))
	system.Room = strPtr("Hallway")

	for _, ev := range []*db.Event{door, alarm, system} {
		if err := repo.Append(ctx, ev); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	all, total, err := repo.QueryEvents(ctx, repository.EventFilter{Limit: 100})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Fatalf("Expected 3 events, got total=%d len=%d", total, len(all))
	}
	if all[0].ID != system.ID || all[2].ID != door.ID {
		t.Errorf("Expected newest local_time first, got ids %d,%d,%d", all[0].ID, all[1].ID, all[2].ID)
	}

	severe, _, err := repo.QueryEvents(ctx, repository.EventFilter{MinSeverity: intPtr(2), Limit: 100})
	if err != nil || len(severe) != 2 {
		t.Errorf("Expected 2 events with severity >= 2, got %d (%v)", len(severe), err)
	}

	byName, _, err := repo.QueryEvents(ctx, repository.EventFilter{Sensor: "balcony", Limit: 100})
	if err != nil || len(byName) != 1 || byName[0].ID != door.ID {
		t.Errorf("Expected case-insensitive sensor name match, got %d (%v)", len(byName), err)
	}

	byRoom, _, err := repo.QueryEvents(ctx, repository.EventFilter{Room: "hall", Limit: 100})
	if err != nil || len(byRoom) != 1 || byRoom[0].ID != system.ID {
		t.Errorf("Expected room match, got %d (%v)", len(byRoom), err)
	}

	from := base
	to := base.Add(time.Hour)
	ranged, total, err := repo.QueryEvents(ctx, repository.EventFilter{From: &from, To: &to, Limit: 100})
	if err != nil || total != 2 || len(ranged) != 2 {
		t.Errorf("Expected inclusive range to match 2 events, got %d (%v)", total, err)
	}

	paged, total, err := repo.QueryEvents(ctx, repository.EventFilter{Limit: 1, Offset: 1})
	if err != nil || total != 3 || len(paged) != 1 || paged[0].ID != alarm.ID {
		t.Errorf("Expected second page to hold the alarm event, got %+v (%v)", paged, err)
	}
}

func TestStreamEvents_StopsOnCallbackError(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := repo.Append(ctx, newEvent("system", "tick", 0, testNow.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	stop := errors.New("consumer went away")
	seen := 0
	err := repo.StreamEvents(ctx, repository.EventFilter{}, func(db.Event) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Errorf("Expected callback error, got %v", err)
	}
	if seen != 2 {
		t.Errorf("Expected streaming to stop after 2 rows, saw %d", seen)
	}
}

func TestDeleteBefore_UsesCreatedAt(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	for _, age := range []int{100, 10, 1} {
		created := testNow.Add(-time.Duration(age) * 24 * time.Hour)
		reading := &db.ClimateReading{
			Stamp:       db.Stamp{CreatedAt: created, LocalTime: testNow},
			SensorMAC:   "AA:BB:CC:DD:EE:01",
			Temperature: floatPtr(20),
		}
		if err := repo.Append(ctx, reading); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	cutoff := testNow.Add(-30 * 24 * time.Hour)
	deleted, err := repo.DeleteBefore(ctx, "climate_readings", cutoff)
	if err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted row, got %d", deleted)
	}

	deleted, err = repo.DeleteBefore(ctx, "climate_readings", cutoff)
	if err != nil || deleted != 0 {
		t.Errorf("Expected idempotent re-run to delete 0 rows, got %d (%v)", deleted, err)
	}
}

func TestDeleteBefore_RejectsUnknownTable(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.DeleteBefore(context.Background(), "sensors", testNow)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error for projection table, got %v", err)
	}
}

func TestLatestClimatePerSensor(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	samples := []struct {
		mac  string
		temp float64
		at   time.Time
	}{
		{"AA:BB:CC:DD:EE:01", 20, testNow.Add(-2 * time.Hour)},
		{"AA:BB:CC:DD:EE:01", 22, testNow.Add(-time.Hour)},
		{"AA:BB:CC:DD:EE:02", 18, testNow.Add(-3 * time.Hour)},
	}
	for _, s := range samples {
		reading := &db.ClimateReading{Stamp: db.Stamp{LocalTime: s.at}, SensorMAC: s.mac, Temperature: floatPtr(s.temp)}
		if err := repo.Append(ctx, reading); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	latest, err := repo.LatestClimatePerSensor(ctx)
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("Expected 2 sensors, got %d", len(latest))
	}
	if *latest[0].Temperature != 22 || *latest[1].Temperature != 18 {
		t.Errorf("Expected newest readings 22 and 18, got %v and %v", *latest[0].Temperature, *latest[1].Temperature)
	}

	values, err := repo.RecentClimateValues(ctx, "AA:BB:CC:DD:EE:01", "temperature", 10)
	if err != nil || len(values) != 2 || values[0] != 22 {
		t.Errorf("Expected recent temperatures [22 20], got %v (%v)", values, err)
	}

	if _, err := repo.RecentClimateValues(ctx, "AA:BB:CC:DD:EE:01", "id; DROP TABLE sensors", 10); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error for unknown metric, got %v", err)
	}
}

func TestLatestBattery(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	prev, err := repo.LatestBattery(ctx, "AA:BB:CC:DD:EE:01")
	if err != nil || prev != nil {
		t.Fatalf("Expected no previous reading, got %v / %v", prev, err)
	}

	reading := &db.BatteryReading{DeviceType: "sensor", DeviceMAC: "AA:BB:CC:DD:EE:01", BatteryLevel: 90}
	if err := repo.Append(ctx, reading); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	prev, err = repo.LatestBattery(ctx, "AA:BB:CC:DD:EE:01")
	if err != nil || prev == nil || prev.BatteryLevel != 90 {
		t.Errorf("Expected previous reading with level 90, got %+v / %v", prev, err)
	}
}

func TestAuditAndTableStats(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	entry := &db.AuditEntry{Action: "retention.cleanup", Detail: []byte(`{"total_deleted":0}`)}
	if err := repo.InsertAudit(ctx, entry); err != nil {
		t.Fatalf("Failed to insert audit: %v", err)
	}
	if err := repo.InsertRequestLog(ctx, &db.RequestLogEntry{Method: "GET", Path: "/api/health", Status: 200}); err != nil {
		t.Fatalf("Failed to insert request log: %v", err)
	}

	stats, err := repo.TableStats(ctx)
	if err != nil {
		t.Fatalf("Failed to read stats: %v", err)
	}

	byTable := map[string]repository.TableStat{}
	for _, s := range stats {
		byTable[s.Table] = s
	}
	if byTable["audit_log"].Rows != 1 || byTable["request_log"].Rows != 1 {
		t.Errorf("Expected one audit and one request row, got %+v", stats)
	}
	if byTable["audit_log"].Oldest == nil || !byTable["audit_log"].Oldest.Equal(testNow) {
		t.Errorf("Expected oldest audit row at %v, got %v", testNow, byTable["audit_log"].Oldest)
	}
	if byTable["event_log"].Oldest != nil {
		t.Errorf("Expected empty event log to report no oldest row, got %v", byTable["event_log"].Oldest)
	}
}

func TestDailySlotsAndAverages(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	if err := repo.Append(ctx, newEvent("alarm", "triggered", 3, testNow.Add(-time.Hour))); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	for _, temp := range []float64{20, 22} {
		reading := &db.ClimateReading{Stamp: db.Stamp{LocalTime: testNow.Add(-30 * time.Minute)}, SensorMAC: "AA:BB:CC:DD:EE:01",
			Room: strPtr("Kitchen"), Temperature: floatPtr(temp), Humidity: floatPtr(50)}
		if err := repo.Append(ctx, reading); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	if err := repo.Append(ctx, newEvent("alarm", "disarmed", 0, testNow.Add(-50*time.Minute))); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := repo.Append(ctx, newEvent("alarm", "armed", 0, testNow.Add(-40*time.Minute))); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	slots, err := repo.EventSlots(ctx, testNow.Add(-24*time.Hour), 2)
	if err != nil {
		t.Fatalf("Failed to aggregate events: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("Expected 2 event slots, got %+v", slots)
	}
	if !slots[0].Start.Equal(testNow.Add(-time.Hour)) || slots[0].Count != 2 || slots[0].Errors != 1 {
		t.Errorf("Expected 2 events (1 error) in the 11:00 slot, got %+v", slots[0])
	}
	if !slots[1].Start.Equal(testNow.Add(-45*time.Minute)) || slots[1].Count != 1 || slots[1].Errors != 0 {
		t.Errorf("Expected 1 event in the 11:15 slot, got %+v", slots[1])
	}

	climate, err := repo.ClimateSlots(ctx, testNow.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Failed to aggregate climate: %v", err)
	}
	if len(climate) != 1 || climate[0].Room == nil || *climate[0].Room != "Kitchen" {
		t.Fatalf("Expected one kitchen slot, got %+v", climate)
	}
	if climate[0].TemperatureSum != 42 || climate[0].TemperatureN != 2 || climate[0].HumidityN != 2 || climate[0].Samples != 2 {
		t.Errorf("Expected sums 42 over 2 samples, got %+v", climate[0])
	}

	temp, hum, err := repo.ClimateAverages(ctx, testNow.Add(-time.Hour))
	if err != nil || temp == nil || *temp != 21 || hum == nil || *hum != 50 {
		t.Errorf("Expected averages 21/50, got %v/%v (%v)", temp, hum, err)
	}

	empty, _, err := repo.ClimateAverages(ctx, testNow.Add(time.Hour))
	if err != nil || empty != nil {
		t.Errorf("Expected nil average over empty window, got %v (%v)", empty, err)
	}

	n, err := repo.CountEvents(ctx, testNow.Add(-24*time.Hour), 2)
	if err != nil || n != 1 {
		t.Errorf("Expected 1 error event, got %d (%v)", n, err)
	}

	latest, err := repo.LatestEventTime(ctx)
	if err != nil || latest == nil || !latest.Equal(testNow.Add(-40*time.Minute)) {
		t.Errorf("Expected latest event time, got %v (%v)", latest, err)
	}
}
