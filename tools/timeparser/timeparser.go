package timeparser

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// MillisecondThreshold separates epoch seconds from epoch milliseconds.
// Numeric device times at or above it are milliseconds.
const MillisecondThreshold = 1_000_000_000_000

// Device times outside this range cannot be stored by either backend.
const (
	minYear = 1
	maxYear = 9999
)

// ErrAbsent is returned when the payload carries no device time at all.
var ErrAbsent = errors.New("device time absent")

// Layouts carrying an explicit offset.
var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
}

// Layouts without an offset, interpreted in the configured location.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseDeviceTime converts a raw device timestamp into an absolute instant.
// Strings are parsed as ISO-8601; numbers are epoch seconds or, from
// MillisecondThreshold upwards, epoch milliseconds.
func ParseDeviceTime(raw any, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch v := raw.(type) {
	case nil:
		return time.Time{}, ErrAbsent
	case string:
		return parseISO(v, loc)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return fromEpoch(float64(n), n)
		}
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid numeric device time %q: %w", v.String(), err)
		}
		return fromEpoch(f, 0)
	case float64:
		return fromEpoch(v, 0)
	case float32:
		return fromEpoch(float64(v), 0)
	case int:
		return fromEpoch(float64(v), int64(v))
	case int64:
		return fromEpoch(float64(v), v)
	case int32:
		return fromEpoch(float64(v), int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return time.Time{}, fmt.Errorf("device time %d out of range", v)
		}
		return fromEpoch(float64(v), int64(v))
	default:
		return time.Time{}, fmt.Errorf("unsupported device time type %T", raw)
	}
}

func parseISO(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, ErrAbsent
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return checkRange(t)
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return checkRange(t)
		}
	}
	return time.Time{}, fmt.Errorf("unsupported device time format %q", value)
}

// checkRange rejects instants whose UTC year falls outside 1..9999.
func checkRange(t time.Time) (time.Time, error) {
	if y := t.UTC().Year(); y < minYear || y > maxYear {
		return time.Time{}, fmt.Errorf("device time %s out of range", t.Format(time.RFC3339))
	}
	return t, nil
}

// fromEpoch keeps the integral path exact; f is only used for fractional input.
func fromEpoch(f float64, whole int64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("device time %v is not finite", f)
	}
	if f == 0 {
		return time.Time{}, ErrAbsent
	}
	if f >= math.MaxInt64 || f < math.MinInt64 {
		return time.Time{}, fmt.Errorf("device time %v out of range", f)
	}
	if whole != 0 || f == math.Trunc(f) {
		if whole == 0 {
			whole = int64(f)
		}
		if whole >= MillisecondThreshold {
			return checkRange(time.UnixMilli(whole).UTC())
		}
		return checkRange(time.Unix(whole, 0).UTC())
	}
	if f >= MillisecondThreshold {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return checkRange(time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC())
}

// IsWithinTolerance checks if the device time is within tolerance of the receipt time
func IsWithinTolerance(deviceTime, receivedTime time.Time, tolerance time.Duration) bool {
	diff := deviceTime.Sub(receivedTime)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}
