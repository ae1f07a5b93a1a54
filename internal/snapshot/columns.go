package snapshot

import (
	"database/sql"
	"strconv"
	"strings"
	"time"

	"novelsync/internal/domain"
)

// record is one scanned snapshot row addressed by lower-cased column name.
type record struct {
	index  map[string]int
	values []any
}

func newRecord(columns []string) *record {
	index := make(map[string]int, len(columns))
	for i, name := range columns {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, dup := index[key]; !dup {
			index[key] = i
		}
	}
	return &record{index: index, values: make([]any, len(columns))}
}

func (r *record) scan(rows *sql.Rows) error {
	ptrs := make([]any, len(r.values))
	for i := range r.values {
		r.values[i] = nil
		ptrs[i] = &r.values[i]
	}
	return rows.Scan(ptrs...)
}

func (r *record) has(name string) bool {
	_, ok := r.index[strings.ToLower(name)]
	return ok
}

func (r *record) lookup(names ...string) (any, bool) {
	for _, name := range names {
		if name == "" {
			continue
		}
		if i, ok := r.index[strings.ToLower(name)]; ok && r.values[i] != nil {
			return r.values[i], true
		}
	}
	return nil, false
}

// column maps a snapshot field onto a typed value: the preferred name is
// tried first, then the alternative, and the default is used when neither
// column exists, the value is NULL or it does not convert.
type column[T any] struct {
	name    string
	alt     string
	convert func(any) (T, bool)
	def     func() T
}

func (c column[T]) from(r *record) T {
	raw, ok := r.lookup(c.name, c.alt)
	if !ok {
		return c.def()
	}
	v, ok := c.convert(raw)
	if !ok {
		return c.def()
	}
	return v
}

func (c column[T]) present(r *record) bool {
	return r.has(c.name) || (c.alt != "" && r.has(c.alt))
}

func textColumn(name, alt string) column[string] {
	return column[string]{name: name, alt: alt, convert: toText, def: func() string { return "" }}
}

func intColumn(name, alt string) column[int] {
	return column[int]{name: name, alt: alt, convert: toInt, def: func() int { return 0 }}
}

func floatColumn(name, alt string) column[float64] {
	return column[float64]{name: name, alt: alt, convert: toFloat, def: func() float64 { return 0 }}
}

func boolColumn(name, alt string) column[bool] {
	return column[bool]{name: name, alt: alt, convert: toBool, def: func() bool { return false }}
}

// timeColumn yields the zero time when the value is missing; the store stamps
// such rows with the import time only when it inserts them.
func timeColumn(name, alt string) column[time.Time] {
	return column[time.Time]{name: name, alt: alt, convert: toTime, def: func() time.Time { return time.Time{} }}
}

func toText(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case time.Time:
		return t.Format(domain.TimestampLayout), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string, []byte:
		s, _ := toText(t)
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case string, []byte:
		s, _ := toText(t)
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string, []byte:
		s, _ := toText(t)
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "true", "yes":
			return true, true
		case "0", "false", "no", "":
			return false, true
		}
		return false, false
	}
	n, ok := toInt(v)
	return n != 0, ok
}

var timeLayouts = []string{
	domain.TimestampLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
}

// toTime accepts native times, unix seconds or milliseconds, and the common
// text layouts.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case int64:
		if t > 1e12 {
			return time.UnixMilli(t), true
		}
		return time.Unix(t, 0), true
	case float64:
		return toTime(int64(t))
	case string, []byte:
		s, _ := toText(t)
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return toTime(n)
		}
		for _, layout := range timeLayouts {
			if parsed, err := time.ParseInLocation(layout, s, time.Local); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
