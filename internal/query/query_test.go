package query_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/query"
	"github.com/septivank/climax-ledger/internal/repository"
	"github.com/septivank/climax-ledger/tools/timeparser"
)

var now = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*repository.Repository, *query.Engine) {
	t.Helper()
	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	repo := repository.NewSQLite(sqlDB)
	repo.SetClock(func() time.Time { return now })
	if err := repo.Init(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	resolver, err := timeparser.LoadResolver("Europe/Berlin")
	if err != nil {
		t.Fatalf("Failed to load zone: %v", err)
	}
	engine := query.NewEngine(repo, resolver, 5*time.Minute)
	engine.SetClock(func() time.Time { return now })
	return repo, engine
}

func appendEvent(t *testing.T, repo *repository.Repository, category string, severity int, at time.Time) *db.Event {
	t.Helper()
	ev := &db.Event{Stamp: db.Stamp{CreatedAt: at, LocalTime: at}, Category: category, EventType: "test", Severity: severity}
	if err := repo.Append(context.Background(), ev); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	return ev
}

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }

func TestSummary_OnlineUsesLastUpdate(t *testing.T) {
	repo, engine := setup(t)
	ctx := context.Background()

	fresh := db.SensorPatch{IsOnline: boolPtr(true)}
	if err := repo.UpsertSensor(ctx, "AA:BB:CC:DD:EE:01", fresh, now.Add(-time.Minute)); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if err := repo.UpsertSensor(ctx, "AA:BB:CC:DD:EE:02", fresh, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}

	appendEvent(t, repo, "sensor", 0, now.Add(-2*time.Hour))
	appendEvent(t, repo, "system", 2, now.Add(-3*time.Hour))
	appendEvent(t, repo, "alarm", 3, now.Add(-48*time.Hour))

	if err := repo.UpsertBridge(ctx, "AA:BB:CC:DD:EE:FF", db.BridgePatch{AlarmMode: strPtr("home")}, now); err != nil {
		t.Fatalf("Failed to upsert bridge: %v", err)
	}
	reading := &db.ClimateReading{Stamp: db.Stamp{LocalTime: now.Add(-10 * time.Minute)}, SensorMAC: "AA:BB:CC:DD:EE:01",
		Temperature: floatPtr(22), Humidity: floatPtr(40)}
	if err := repo.Append(ctx, reading); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	s, err := engine.Summary(ctx)
	if err != nil {
		t.Fatalf("Failed to summarise: %v", err)
	}
	if s.SensorsTotal != 2 || s.SensorsOnline != 1 {
		t.Errorf("Expected 1 of 2 sensors online, got %d of %d", s.SensorsOnline, s.SensorsTotal)
	}
	if s.Events24h != 2 || s.Errors24h != 1 {
		t.Errorf("Expected 2 events and 1 error in 24h, got %d and %d", s.Events24h, s.Errors24h)
	}
	if s.AlarmMode == nil || *s.AlarmMode != "home" {
		t.Errorf("Expected alarm mode home, got %v", s.AlarmMode)
	}
	if s.LastEvent == nil || !s.LastEvent.Equal(now.Add(-2*time.Hour)) {
		t.Fatalf("Expected last event two hours ago, got %v", s.LastEvent)
	}
	if s.LastEvent.Location().String() != "Europe/Berlin" {
		t.Errorf("Expected display location Europe/Berlin, got %s", s.LastEvent.Location())
	}
	if s.AvgTemperature == nil || *s.AvgTemperature != 22 {
		t.Errorf("Expected 1h average temperature 22, got %v", s.AvgTemperature)
	}

	sensors, err := engine.Sensors(ctx)
	if err != nil {
		t.Fatalf("Failed to list sensors: %v", err)
	}
	if !sensors[0].IsOnline || sensors[1].IsOnline {
		t.Errorf("Expected only the fresh sensor online, got %v and %v", sensors[0].IsOnline, sensors[1].IsOnline)
	}
}

func TestEvents_ValidatesAndClampsFilter(t *testing.T) {
	repo, engine := setup(t)
	ctx := context.Background()
	appendEvent(t, repo, "sensor", 0, now)

	for _, category := range []string{"weather", "SENSOR"} {
		if _, err := engine.Events(ctx, repository.EventFilter{Category: category}); !apperr.Is(err, apperr.KindValidation) {
			t.Errorf("Expected validation error for category %q, got %v", category, err)
		}
	}

	sev := 5
	if _, err := engine.Events(ctx, repository.EventFilter{MinSeverity: &sev}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error for severity, got %v", err)
	}

	page, err := engine.Events(ctx, repository.EventFilter{Category: "sensor", Limit: 5000})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if page.Limit != query.MaxEventLimit || page.Total != 1 || len(page.Events) != 1 {
		t.Errorf("Expected clamped limit and 1 event, got limit=%d total=%d", page.Limit, page.Total)
	}

	page, err = engine.Events(ctx, repository.EventFilter{Category: "alarm"})
	if err != nil || page.Events == nil || len(page.Events) != 0 || page.Limit != query.DefaultEventLimit {
		t.Errorf("Expected empty non-nil page with default limit, got %+v (%v)", page, err)
	}
}

func TestSensor_UnknownIsNotFound(t *testing.T) {
	_, engine := setup(t)

	if _, err := engine.Sensor(context.Background(), "AA:BB:CC:DD:EE:09"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := engine.ClimateHistory(context.Background(), "nope", 24); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error for malformed id, got %v", err)
	}
}

func TestClimateHistory_Window(t *testing.T) {
	repo, engine := setup(t)
	ctx := context.Background()

	for _, age := range []time.Duration{time.Hour, 30 * time.Hour} {
		r := &db.ClimateReading{Stamp: db.Stamp{LocalTime: now.Add(-age)}, SensorMAC: "AA:BB:CC:DD:EE:01", Temperature: floatPtr(20)}
		if err := repo.Append(ctx, r); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	day, err := engine.ClimateHistory(ctx, "aa:bb:cc:dd:ee:01", 24)
	if err != nil || len(day) != 1 {
		t.Errorf("Expected 1 reading in 24h, got %d (%v)", len(day), err)
	}
	twoDays, err := engine.ClimateHistory(ctx, "AA:BB:CC:DD:EE:01", 48)
	if err != nil || len(twoDays) != 2 {
		t.Errorf("Expected 2 readings in 48h, got %d (%v)", len(twoDays), err)
	}
}

func TestDailyStats_BucketsInConfiguredZone(t *testing.T) {
	repo, engine := setup(t)
	ctx := context.Background()

	// 23:30 UTC on the 14th is already the 15th in Berlin
	appendEvent(t, repo, "sensor", 0, time.Date(2025, 1, 14, 23, 30, 0, 0, time.UTC))
	appendEvent(t, repo, "sensor", 2, time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC))
	appendEvent(t, repo, "sensor", 0, time.Date(2025, 1, 14, 12, 0, 0, 0, time.UTC))

	for _, temp := range []float64{20, 24} {
		r := &db.ClimateReading{Stamp: db.Stamp{LocalTime: time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)},
			SensorMAC: "AA:BB:CC:DD:EE:01", Room: strPtr("Kitchen"), Temperature: floatPtr(temp)}
		if err := repo.Append(ctx, r); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	stats, err := engine.DailyStats(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to compute stats: %v", err)
	}
	if len(stats.Events) != 2 {
		t.Fatalf("Expected 2 day buckets, got %+v", stats.Events)
	}
	if stats.Events[0].Date != "2025-01-15" || stats.Events[0].Count != 2 || stats.Events[0].Errors != 1 {
		t.Errorf("Expected 2 events (1 error) on 2025-01-15, got %+v", stats.Events[0])
	}
	if stats.Events[1].Date != "2025-01-14" || stats.Events[1].Count != 1 {
		t.Errorf("Expected 1 event on 2025-01-14, got %+v", stats.Events[1])
	}
	if len(stats.Climate) != 1 || *stats.Climate[0].AvgTemperature != 22 || stats.Climate[0].AvgHumidity != nil {
		t.Errorf("Expected kitchen average 22 without humidity, got %+v", stats.Climate)
	}
}

func TestDailyStats_HalfHourZoneSplitsSlotsAtMidnight(t *testing.T) {
	repo, _ := setup(t)
	ctx := context.Background()

	resolver, err := timeparser.LoadResolver("Asia/Kolkata")
	if err != nil {
		t.Fatalf("Failed to load zone: %v", err)
	}
	engine := query.NewEngine(repo, resolver, 5*time.Minute)
	engine.SetClock(func() time.Time { return now })

	// Same UTC hour, different calendar days at +05:30
	appendEvent(t, repo, "system", 0, time.Date(2025, 1, 14, 18, 15, 0, 0, time.UTC))
	appendEvent(t, repo, "system", 0, time.Date(2025, 1, 14, 18, 45, 0, 0, time.UTC))
	appendEvent(t, repo, "system", 3, time.Date(2025, 1, 14, 18, 50, 0, 0, time.UTC))

	stats, err := engine.DailyStats(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to compute stats: %v", err)
	}
	if stats.Timezone != "Asia/Kolkata" {
		t.Errorf("Expected Asia/Kolkata, got %s", stats.Timezone)
	}
	if len(stats.Events) != 2 {
		t.Fatalf("Expected 2 day buckets, got %+v", stats.Events)
	}
	if stats.Events[0].Date != "2025-01-15" || stats.Events[0].Count != 2 || stats.Events[0].Errors != 1 {
		t.Errorf("Expected 2 events (1 error) on 2025-01-15, got %+v", stats.Events[0])
	}
	if stats.Events[1].Date != "2025-01-14" || stats.Events[1].Count != 1 || stats.Events[1].Errors != 0 {
		t.Errorf("Expected 1 event on 2025-01-14, got %+v", stats.Events[1])
	}
}

func TestExportEventsCSV(t *testing.T) {
	repo, engine := setup(t)
	ctx := context.Background()

	appendEvent(t, repo, "sensor", 0, now.Add(-time.Hour))
	appendEvent(t, repo, "alarm", 3, now.Add(-2*time.Hour))
	appendEvent(t, repo, "sensor", 0, now.Add(-10*24*time.Hour))

	var buf bytes.Buffer
	n, err := engine.ExportEventsCSV(ctx, &buf, repository.EventFilter{Limit: 1})
	if err != nil {
		t.Fatalf("Failed to export: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 rows in the default window ignoring limit, got %d", n)
	}

	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse csv: %v", err)
	}
	if len(records) != 3 || records[0][0] != "id" {
		t.Fatalf("Expected header plus 2 rows, got %v", records)
	}
	if records[1][8] != "sensor" || records[2][8] != "alarm" {
		t.Errorf("Expected newest first, got %s then %s", records[1][8], records[2][8])
	}
	if !strings.HasSuffix(records[1][3], "+01:00") {
		t.Errorf("Expected local_time in Berlin offset, got %s", records[1][3])
	}

	from := now.Add(-30 * 24 * time.Hour)
	buf.Reset()
	if n, err := engine.ExportEventsCSV(ctx, &buf, repository.EventFilter{From: &from}); err != nil || n != 3 {
		t.Errorf("Expected explicit range to include all 3 rows, got %d (%v)", n, err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client went away") }

func TestExportEventsCSV_StopsOnWriterFailure(t *testing.T) {
	repo, engine := setup(t)
	for i := 0; i < 250; i++ {
		appendEvent(t, repo, "system", 0, now.Add(-time.Duration(i)*time.Minute))
	}

	n, err := engine.ExportEventsCSV(context.Background(), failingWriter{}, repository.EventFilter{})
	if err == nil {
		t.Fatal("Expected export to fail")
	}
	if n >= 250 {
		t.Errorf("Expected export to stop early, got %d rows", n)
	}
}

func TestExportEventsCSV_StopsOnCancel(t *testing.T) {
	repo, engine := setup(t)
	appendEvent(t, repo, "system", 0, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	if _, err := engine.ExportEventsCSV(ctx, &buf, repository.EventFilter{}); err == nil {
		t.Error("Expected cancelled export to fail")
	}
}

func TestParseBound(t *testing.T) {
	_, engine := setup(t)

	to, err := engine.ParseBound("to", "2025-01-15", true)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	expected := time.Date(2025, 1, 15, 22, 59, 59, 999999999, time.UTC)
	if !to.Equal(expected) {
		t.Errorf("Expected end of Berlin day %v, got %v", expected, to.UTC())
	}

	from, err := engine.ParseBound("from", "1736899200", false)
	if err != nil || !from.Equal(time.Unix(1736899200, 0)) {
		t.Errorf("Expected epoch seconds bound, got %v (%v)", from, err)
	}

	if b, err := engine.ParseBound("from", "", false); err != nil || b != nil {
		t.Errorf("Expected open bound, got %v (%v)", b, err)
	}
	if _, err := engine.ParseBound("from", "yesterday", false); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestHealthAndServerTime(t *testing.T) {
	repo, engine := setup(t)
	appendEvent(t, repo, "system", 0, now)

	h := engine.Health(context.Background())
	if !h.Healthy() || h.TotalEvents != 1 || h.Driver != "sqlite" || h.Timezone != "Europe/Berlin" {
		t.Errorf("Unexpected health %+v", h)
	}

	st := engine.ServerTime()
	if st.Unix != now.Unix() || st.Timezone != "Europe/Berlin" || st.UTCOffset != 3600 {
		t.Errorf("Unexpected server time %+v", st)
	}
	if st.ISO != "2025-01-15T13:00:00+01:00" {
		t.Errorf("Expected ISO in Berlin time, got %s", st.ISO)
	}
}
