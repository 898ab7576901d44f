package query

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/septivank/climax-ledger/internal/apperr"
	"github.com/septivank/climax-ledger/tools/timeparser"
)

// ParseBound parses a date range bound given as ISO date, ISO timestamp or
// epoch number. A bare date used as an upper bound covers the whole day.
func (e *Engine) ParseBound(field, raw string, upper bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	numeric := isNumeric(raw)
	var value any = raw
	if numeric {
		value = json.Number(raw)
	}
	t, err := timeparser.ParseDeviceTime(value, e.resolver.Location())
	if err != nil {
		return nil, apperr.Validationf(field, "invalid date %q", raw)
	}
	if upper && !numeric && len(raw) == len(time.DateOnly) {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

func isNumeric(s string) bool {
	for i, r := range s {
		if (r < '0' || r > '9') && !(r == '.' && i > 0) {
			return false
		}
	}
	return true
}
