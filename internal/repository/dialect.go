package repository

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// sqliteTimeLayout is fixed width so that text comparison orders instants
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect struct {
	name     string
	postgres bool
}

var (
	postgresDialect = dialect{name: "postgres", postgres: true}
	sqliteDialect   = dialect{name: "sqlite"}
)

// rebind turns '?' placeholders into $n for PostgreSQL
func (d dialect) rebind(query string) string {
	if !d.postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d dialect) ilike() string {
	if d.postgres {
		return "ILIKE"
	}
	// LIKE is case-insensitive for ASCII in SQLite
	return "LIKE"
}

// slotStart returns an expression for the unix second that starts the
// width-second slot containing col
func (d dialect) slotStart(col string, width int) string {
	if d.postgres {
		return fmt.Sprintf("(FLOOR(EXTRACT(EPOCH FROM %s) / %d) * %d)::BIGINT", col, width, width)
	}
	return fmt.Sprintf("(CAST(strftime('%%s', substr(%s, 1, 19)) AS INTEGER) / %d) * %d", col, width, width)
}

// ts converts an instant into a query argument
func (d dialect) ts(t time.Time) any {
	if d.postgres {
		return t.UTC()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func (d dialect) tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.ts(*t)
}

// timeDest returns a scan destination filling t
func (d dialect) timeDest(t *time.Time) any {
	if d.postgres {
		return t
	}
	return &textTime{dst: t}
}

// nullTimeDest is timeDest for nullable columns
func (d dialect) nullTimeDest(t **time.Time) any {
	if d.postgres {
		return t
	}
	return &textTime{nullable: t}
}

// textTime scans the text timestamps SQLite stores
type textTime struct {
	dst      *time.Time
	nullable **time.Time
}

func (t *textTime) Scan(src any) error {
	var parsed time.Time
	switch v := src.(type) {
	case nil:
		if t.nullable != nil {
			*t.nullable = nil
			return nil
		}
		return fmt.Errorf("unexpected NULL timestamp")
	case time.Time:
		parsed = v
	case string:
		p, err := parseStoredTime(v)
		if err != nil {
			return err
		}
		parsed = p
	case []byte:
		p, err := parseStoredTime(string(v))
		if err != nil {
			return err
		}
		parsed = p
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}

	parsed = parsed.UTC()
	if t.nullable != nil {
		*t.nullable = &parsed
		return nil
	}
	*t.dst = parsed
	return nil
}

func parseStoredTime(s string) (time.Time, error) {
	if t, err := time.Parse(sqliteTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func jsonArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawJSON(s *string) []byte {
	if s == nil || *s == "" {
		return nil
	}
	return []byte(*s)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
