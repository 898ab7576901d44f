package query

import (
	"context"
	"sort"
	"time"
)

// Summary is the fixed dashboard aggregation
type Summary struct {
	SensorsOnline   int        `json:"sensors_online"`
	SensorsTotal    int        `json:"sensors_total"`
	Events24h       int64      `json:"events_24h"`
	Errors24h       int64      `json:"errors_24h"`
	AlarmMode       *string    `json:"alarm_mode"`
	LastEvent       *time.Time `json:"last_event"`
	AvgTemperature  *float64   `json:"avg_temperature_1h"`
	AvgHumidity     *float64   `json:"avg_humidity_1h"`
	GeneratedAt     time.Time  `json:"generated_at"`
	LivenessSeconds int        `json:"liveness_seconds"`
}

// ErrorSeverity is the lowest severity counted as an error
const ErrorSeverity = 2

// Summary computes the dashboard summary. Online counts come from projection
// last updates, not from the cached online flag.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	now := e.now()
	s := &Summary{
		GeneratedAt:     e.resolver.Display(now),
		LivenessSeconds: int(e.liveness / time.Second),
	}

	sensors, err := e.store.ListSensors(ctx)
	if err != nil {
		return nil, err
	}
	s.SensorsTotal = len(sensors)
	for _, sensor := range sensors {
		if e.isLive(sensor.LastUpdate, now) {
			s.SensorsOnline++
		}
	}

	dayAgo := now.Add(-24 * time.Hour)
	if s.Events24h, err = e.store.CountEvents(ctx, dayAgo, 0); err != nil {
		return nil, err
	}
	if s.Errors24h, err = e.store.CountEvents(ctx, dayAgo, ErrorSeverity); err != nil {
		return nil, err
	}
	if s.AlarmMode, err = e.store.LatestAlarmMode(ctx); err != nil {
		return nil, err
	}

	last, err := e.store.LatestEventTime(ctx)
	if err != nil {
		return nil, err
	}
	s.LastEvent = e.resolver.DisplayPtr(last)

	if s.AvgTemperature, s.AvgHumidity, err = e.store.ClimateAverages(ctx, now.Add(-time.Hour)); err != nil {
		return nil, err
	}
	return s, nil
}

// DailyEventCount is the number of events of one category on one day
type DailyEventCount struct {
	Date     string `json:"date"`
	Category string `json:"category"`
	Count    int    `json:"count"`
	Errors   int    `json:"errors"`
}

// DailyClimate is the climate average of one room on one day
type DailyClimate struct {
	Date           string   `json:"date"`
	Room           string   `json:"room"`
	AvgTemperature *float64 `json:"avg_temperature"`
	AvgHumidity    *float64 `json:"avg_humidity"`
	Samples        int      `json:"samples"`
}

// DailyStats holds per day aggregates in the configured location
type DailyStats struct {
	Days     int               `json:"days"`
	Timezone string            `json:"timezone"`
	Events   []DailyEventCount `json:"events"`
	Climate  []DailyClimate    `json:"climate"`
}

// UnknownRoom labels readings without a room
const UnknownRoom = "unknown"

type mean struct {
	sum float64
	n   int64
}

func (m mean) value() *float64 {
	if m.n == 0 {
		return nil
	}
	v := m.sum / float64(m.n)
	return &v
}

// DailyStats folds the SQL slot aggregates of the last days into calendar
// days of the configured location, newest day first
func (e *Engine) DailyStats(ctx context.Context, days int) (*DailyStats, error) {
	days = clamp(days, DefaultStatsDays, MaxStatsDays)
	loc := e.resolver.Location()

	today := e.now().In(loc)
	start := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -(days - 1))

	eventSlots, err := e.store.EventSlots(ctx, start, ErrorSeverity)
	if err != nil {
		return nil, err
	}
	type eventKey struct{ date, category string }
	events := map[eventKey]*DailyEventCount{}
	for _, slot := range eventSlots {
		k := eventKey{slot.Start.In(loc).Format(time.DateOnly), slot.Category}
		c, ok := events[k]
		if !ok {
			c = &DailyEventCount{Date: k.date, Category: k.category}
			events[k] = c
		}
		c.Count += int(slot.Count)
		c.Errors += int(slot.Errors)
	}

	climateSlots, err := e.store.ClimateSlots(ctx, start)
	if err != nil {
		return nil, err
	}
	type climateKey struct{ date, room string }
	type climateAcc struct {
		temp, hum mean
		samples   int64
	}
	climate := map[climateKey]*climateAcc{}
	for _, slot := range climateSlots {
		room := UnknownRoom
		if slot.Room != nil && *slot.Room != "" {
			room = *slot.Room
		}
		k := climateKey{slot.Start.In(loc).Format(time.DateOnly), room}
		acc, ok := climate[k]
		if !ok {
			acc = &climateAcc{}
			climate[k] = acc
		}
		acc.temp.sum += slot.TemperatureSum
		acc.temp.n += slot.TemperatureN
		acc.hum.sum += slot.HumiditySum
		acc.hum.n += slot.HumidityN
		acc.samples += slot.Samples
	}

	out := &DailyStats{
		Days:     days,
		Timezone: loc.String(),
		Events:   make([]DailyEventCount, 0, len(events)),
		Climate:  make([]DailyClimate, 0, len(climate)),
	}
	for _, c := range events {
		out.Events = append(out.Events, *c)
	}
	for k, acc := range climate {
		out.Climate = append(out.Climate, DailyClimate{
			Date:           k.date,
			Room:           k.room,
			AvgTemperature: acc.temp.value(),
			AvgHumidity:    acc.hum.value(),
			Samples:        int(acc.samples),
		})
	}

	sort.Slice(out.Events, func(i, j int) bool {
		if out.Events[i].Date != out.Events[j].Date {
			return out.Events[i].Date > out.Events[j].Date
		}
		return out.Events[i].Category < out.Events[j].Category
	})
	sort.Slice(out.Climate, func(i, j int) bool {
		if out.Climate[i].Date != out.Climate[j].Date {
			return out.Climate[i].Date > out.Climate[j].Date
		}
		return out.Climate[i].Room < out.Climate[j].Room
	})
	return out, nil
}

// Health reports storage reachability and coarse counts
type Health struct {
	Status        string    `json:"status"`
	Database      string    `json:"database"`
	Driver        string    `json:"driver"`
	Timezone      string    `json:"timezone"`
	ServerTime    time.Time `json:"server_time"`
	TotalEvents   int64     `json:"total_events"`
	SensorsTotal  int       `json:"sensors_total"`
	SensorsOnline int       `json:"sensors_online"`
	Error         string    `json:"error,omitempty"`
}

// Healthy reports whether the service can serve requests
func (h *Health) Healthy() bool {
	return h.Status == "healthy"
}

// Health checks the storage and gathers counts. It never fails; problems
// are reported in the result.
func (e *Engine) Health(ctx context.Context) *Health {
	now := e.now()
	h := &Health{
		Status:     "healthy",
		Database:   "connected",
		Driver:     e.store.Driver(),
		Timezone:   e.resolver.Location().String(),
		ServerTime: e.resolver.Display(now),
	}

	if err := e.store.Ping(ctx); err != nil {
		h.Status = "unhealthy"
		h.Database = "unreachable"
		h.Error = "storage unreachable"
		return h
	}

	total, err := e.store.CountRows(ctx, "event_log")
	if err != nil {
		h.Status = "degraded"
		h.Error = "failed to count events"
		return h
	}
	h.TotalEvents = total

	sensors, err := e.store.ListSensors(ctx)
	if err != nil {
		h.Status = "degraded"
		h.Error = "failed to list sensors"
		return h
	}
	h.SensorsTotal = len(sensors)
	for _, s := range sensors {
		if e.isLive(s.LastUpdate, now) {
			h.SensorsOnline++
		}
	}
	return h
}

// ServerTime is the time sync answer for devices
type ServerTime struct {
	ISO       string `json:"iso"`
	Unix      int64  `json:"unix"`
	UnixMS    int64  `json:"unix_ms"`
	Timezone  string `json:"timezone"`
	UTCOffset int    `json:"utc_offset_seconds"`
}

// ServerTime returns the current instant for device clock alignment
func (e *Engine) ServerTime() ServerTime {
	now := e.resolver.Display(e.now())
	_, offset := now.Zone()
	return ServerTime{
		ISO:       now.Format(time.RFC3339),
		Unix:      now.Unix(),
		UnixMS:    now.UnixMilli(),
		Timezone:  e.resolver.Location().String(),
		UTCOffset: offset,
	}
}
