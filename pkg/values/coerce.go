package values

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/context-sync/pkg/errors"
	"github.com/google/uuid"
)

// Coerce converts a loosely typed raw value into the declared type.
//
// Rules are applied in order: nil stays Null, enums map ordinals or member
// names, offset-naive times get a zero offset, textual durations are parsed,
// and everything else goes through a generic numeric/string conversion.
func Coerce(raw any, declared Type) (Value, error) {
	if v, ok := raw.(Value); ok {
		if v.kind == declared.Kind && (v.kind != KindTime || !declared.OffsetAware) {
			return v, nil
		}
		raw = v.Any()
	}

	if raw == nil {
		return Null, nil
	}

	var (
		v   Value
		err error
	)

	switch declared.Kind {
	case KindEnum:
		v, err = toEnum(raw, declared.Members)
	case KindTime:
		v, err = toTime(raw, declared.OffsetAware)
	case KindDuration:
		v, err = toDuration(raw)
	case KindBool:
		v, err = toBool(raw)
	case KindInt:
		v, err = toInt(raw)
	case KindFloat:
		v, err = toFloat(raw)
	case KindString:
		v, err = toString(raw)
	case KindUUID:
		v, err = toUUID(raw)
	case KindNull:
		err = fmt.Errorf("no value can be assigned to a null type")
	default:
		err = fmt.Errorf("unknown kind %s", declared.Kind)
	}

	if err != nil {
		return Null, errors.NewCoercionError(raw, declared.String(), err)
	}

	return v, nil
}

func toEnum(raw any, members []string) (Value, error) {
	if s, ok := raw.(string); ok {
		for idx, m := range members {
			if m == s {
				return Enum(idx, m), nil
			}
		}
		for idx, m := range members {
			if strings.EqualFold(m, s) {
				return Enum(idx, m), nil
			}
		}
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return enumByOrdinal(n, members)
		}
		return Null, fmt.Errorf("%q is not a member", s)
	}

	n, err := integral(raw)
	if err != nil {
		return Null, err
	}

	return enumByOrdinal(n, members)
}

func enumByOrdinal(n int64, members []string) (Value, error) {
	if n < 0 || n >= int64(len(members)) {
		return Null, fmt.Errorf("ordinal %d out of range", n)
	}
	return Enum(int(n), members[n]), nil
}

var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	time.DateOnly,
}

func toTime(raw any, offsetAware bool) (Value, error) {
	var t time.Time

	switch typed := raw.(type) {
	case time.Time:
		t = typed
	case *time.Time:
		if typed == nil {
			return Null, nil
		}
		t = *typed
	case string:
		parsed, err := parseTime(strings.TrimSpace(typed))
		if err != nil {
			return Null, err
		}
		t = parsed
	default:
		return Null, fmt.Errorf("no conversion from %T", raw)
	}

	if !offsetAware {
		t = t.UTC()
	}

	return Time(t), nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	// offset-naive values get a zero offset attached
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised date/time format")
}

func toDuration(raw any) (Value, error) {
	switch typed := raw.(type) {
	case time.Duration:
		return Duration(typed), nil
	case string:
		d, err := parseDuration(strings.TrimSpace(typed))
		if err != nil {
			return Null, err
		}
		return Duration(d), nil
	}

	n, err := integral(raw)
	if err != nil {
		return Null, err
	}

	return Duration(time.Duration(n)), nil
}

// parseDuration accepts Go duration strings as well as [-][d.]hh:mm:ss[.fffffff]
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if !strings.Contains(s, ":") {
		return time.ParseDuration(s)
	}

	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	if strings.ContainsAny(s, "+-") {
		return 0, fmt.Errorf("only the duration as a whole may carry a sign")
	}

	var days int64
	if dot := strings.Index(s, "."); dot >= 0 && dot < strings.Index(s, ":") {
		d, err := strconv.ParseInt(s[:dot], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid day component: %w", err)
		}
		days = d
		s = s[dot+1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("expected hh:mm:ss")
	}

	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hours: %w", err)
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || minutes > 59 {
		return 0, fmt.Errorf("invalid minutes")
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds >= 60 {
		return 0, fmt.Errorf("invalid seconds")
	}

	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(math.Round(seconds*float64(time.Second)))

	if negative {
		d = -d
	}

	return d, nil
}

func toBool(raw any) (Value, error) {
	switch typed := raw.(type) {
	case bool:
		return Bool(typed), nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(typed))
		if err != nil {
			return Null, err
		}
		return Bool(b), nil
	}

	n, err := integral(raw)
	if err != nil {
		return Null, err
	}

	return Bool(n != 0), nil
}

func toInt(raw any) (Value, error) {
	if s, ok := raw.(string); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return Null, err
		}
		return Int(n), nil
	}

	n, err := integral(raw)
	if err != nil {
		return Null, err
	}

	return Int(n), nil
}

func toFloat(raw any) (Value, error) {
	switch typed := raw.(type) {
	case float64:
		return Float(typed), nil
	case float32:
		return Float(float64(typed)), nil
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return Null, err
		}
		return Float(f), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return Null, err
		}
		return Float(f), nil
	}

	n, err := integral(raw)
	if err != nil {
		return Null, err
	}

	return Float(float64(n)), nil
}

func toString(raw any) (Value, error) {
	switch typed := raw.(type) {
	case string:
		return String(typed), nil
	case json.Number:
		return String(typed.String()), nil
	case bool:
		return String(strconv.FormatBool(typed)), nil
	case float64:
		return String(strconv.FormatFloat(typed, 'g', -1, 64)), nil
	case float32:
		return String(strconv.FormatFloat(float64(typed), 'g', -1, 32)), nil
	case uuid.UUID:
		return String(typed.String()), nil
	case time.Time:
		return String(typed.Format(time.RFC3339Nano)), nil
	case time.Duration:
		return String(typed.String()), nil
	case fmt.Stringer:
		return String(typed.String()), nil
	}

	n, err := integral(raw)
	if err != nil {
		return Null, err
	}

	return String(strconv.FormatInt(n, 10)), nil
}

func toUUID(raw any) (Value, error) {
	switch typed := raw.(type) {
	case uuid.UUID:
		return UUID(typed), nil
	case [16]byte:
		return UUID(uuid.UUID(typed)), nil
	case []byte:
		u, err := uuid.FromBytes(typed)
		if err != nil {
			return Null, err
		}
		return UUID(u), nil
	case string:
		u, err := uuid.Parse(strings.TrimSpace(typed))
		if err != nil {
			return Null, err
		}
		return UUID(u), nil
	}

	return Null, fmt.Errorf("no conversion from %T", raw)
}

// integral converts any Go number (or json.Number) without a fractional part to int64
func integral(raw any) (int64, error) {
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt(uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt(n)
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return floatToInt(f)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}

	return 0, fmt.Errorf("no conversion from %T", raw)
}

func uintToInt(n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%d overflows int64", n)
	}
	return int64(n), nil
}

func floatToInt(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not a finite number", f)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%v has a fractional part", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v overflows int64", f)
	}
	return int64(f), nil
}
