package query

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/septivank/climax-ledger/internal/db"
	"github.com/septivank/climax-ledger/internal/repository"
	"github.com/septivank/climax-ledger/tools/timeparser"
)

// DefaultExportWindow bounds an export that names no date range
const DefaultExportWindow = 7 * 24 * time.Hour

const flushEvery = 100

var csvHeader = []string{
	"id", "created_at", "device_time", "local_time", "bridge_mac", "sensor_mac", "sensor_name", "room",
	"category", "event_type", "severity", "old_value", "new_value", "message",
}

// ExportEventsCSV streams matching events as CSV. Paging fields of f are
// ignored; the date range is the only bound. The export stops early when
// ctx is cancelled or w fails.
func (e *Engine) ExportEventsCSV(ctx context.Context, w io.Writer, f repository.EventFilter) (int, error) {
	if err := e.checkFilter(&f); err != nil {
		return 0, err
	}
	if f.From == nil && f.To == nil {
		from := e.now().Add(-DefaultExportWindow)
		f.From = &from
	}
	f.Limit, f.Offset = 0, 0

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return 0, fmt.Errorf("failed to write csv header: %w", err)
	}

	n := 0
	err := e.store.StreamEvents(ctx, f, func(ev db.Event) error {
		if err := cw.Write(e.csvRow(ev)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
		n++
		if n%flushEvery == 0 {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return fmt.Errorf("failed to flush csv: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return n, err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return n, fmt.Errorf("failed to flush csv: %w", err)
	}
	return n, nil
}

func (e *Engine) csvRow(ev db.Event) []string {
	return []string{
		strconv.FormatInt(ev.ID, 10),
		e.resolver.Display(ev.CreatedAt).Format(time.RFC3339),
		formatOptionalTime(e.resolver, ev.DeviceTime),
		e.resolver.Display(ev.LocalTime).Format(time.RFC3339),
		deref(ev.BridgeMAC),
		deref(ev.SensorMAC),
		deref(ev.SensorName),
		deref(ev.Room),
		ev.Category,
		ev.EventType,
		strconv.Itoa(ev.Severity),
		deref(ev.OldValue),
		deref(ev.NewValue),
		deref(ev.Message),
	}
}

func formatOptionalTime(r *timeparser.Resolver, t *time.Time) string {
	if t == nil {
		return ""
	}
	return r.Display(*t).Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
