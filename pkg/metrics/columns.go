package metrics

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/schema"
)

// ColumnType is the declared storage type of a metric column.
type ColumnType string

const (
	Integer  ColumnType = "integer"
	Float    ColumnType = "float"
	String   ColumnType = "string"
	Datetime ColumnType = "datetime"
	Boolean  ColumnType = "boolean"
)

// ParseColumnType parses the textual form of a ColumnType.
func ParseColumnType(s string) (ColumnType, error) {
	switch t := ColumnType(strings.ToLower(strings.TrimSpace(s))); t {
	case Integer, Float, String, Datetime, Boolean:
		return t, nil
	case "int", "bigint":
		return Integer, nil
	case "decimal", "double", "real":
		return Float, nil
	case "text":
		return String, nil
	case "time", "timestamp":
		return Datetime, nil
	case "bool":
		return Boolean, nil
	}
	return "", fmt.Errorf("unknown column type %q", s)
}

func (t ColumnType) dataType() schema.DataType {
	switch t {
	case Float:
		return schema.Float
	case String:
		return schema.String
	case Datetime:
		return schema.Time
	case Boolean:
		return schema.Bool
	default:
		return schema.Int
	}
}

// TimestampColumn returns the name of the column holding the last
// computation time of metric.
func TimestampColumn(metric string) string {
	return "updated__" + metric + "__at"
}

// reservedColumns are never treated as metric-derived.
var reservedColumns = map[string]struct{}{
	"id":         {},
	"created_at": {},
	"updated_at": {},
}

type intervalMode int

const (
	intervalDefault intervalMode = iota
	intervalEvery
	intervalAlways
	intervalOnce
)

// Interval is a metric's recompute policy.
type Interval struct {
	mode     intervalMode
	duration time.Duration
}

// Duration returns the explicit interval, if one was configured.
func (i Interval) Duration() (time.Duration, bool) {
	return i.duration, i.mode == intervalEvery
}

// IsAlways reports whether cached values are never reused.
func (i Interval) IsAlways() bool { return i.mode == intervalAlways }

// IsOnce reports whether the first non-nil value is kept forever.
func (i Interval) IsOnce() bool { return i.mode == intervalOnce }

func (i Interval) String() string {
	switch i.mode {
	case intervalEvery:
		return i.duration.String()
	case intervalAlways:
		return "always"
	case intervalOnce:
		return "once"
	}
	return "default"
}

// ParseInterval parses "always", "once", "" (default) or a Go duration.
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return Interval{}, nil
	case "always":
		return Interval{mode: intervalAlways}, nil
	case "once":
		return Interval{mode: intervalOnce}, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return Interval{}, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	if d <= 0 {
		return Interval{}, fmt.Errorf("invalid interval %q: must be positive", s)
	}
	return Interval{mode: intervalEvery, duration: d}, nil
}
