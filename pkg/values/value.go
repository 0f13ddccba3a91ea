package values

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
	KindDuration
	KindUUID
	KindEnum
)

var kindNames = map[Kind]string{
	KindNull:     "null",
	KindBool:     "bool",
	KindInt:      "int",
	KindFloat:    "float",
	KindString:   "string",
	KindTime:     "datetime",
	KindDuration: "duration",
	KindUUID:     "uuid",
	KindEnum:     "enum",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is a small tagged union of the scalar kinds an entity property can hold.
// The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	u    uuid.UUID
}

var Null = Value{}

func Bool(b bool) Value                   { return Value{kind: KindBool, b: b} }
func Int(i int64) Value                   { return Value{kind: KindInt, i: i} }
func Float(f float64) Value               { return Value{kind: KindFloat, f: f} }
func String(s string) Value               { return Value{kind: KindString, s: s} }
func Time(t time.Time) Value              { return Value{kind: KindTime, t: t} }
func Duration(d time.Duration) Value      { return Value{kind: KindDuration, i: int64(d)} }
func UUID(u uuid.UUID) Value              { return Value{kind: KindUUID, u: u} }
func Enum(ordinal int, name string) Value { return Value{kind: KindEnum, i: int64(ordinal), s: name} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool              { return v.b }
func (v Value) Int() int64              { return v.i }
func (v Value) Float() float64          { return v.f }
func (v Value) Str() string             { return v.s }
func (v Value) Time() time.Time         { return v.t }
func (v Value) Duration() time.Duration { return time.Duration(v.i) }
func (v Value) UUID() uuid.UUID         { return v.u }
func (v Value) EnumOrdinal() int        { return int(v.i) }
func (v Value) EnumName() string        { return v.s }

// IsZero reports whether v is Null or holds the zero value of its kind.
func (v Value) IsZero() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return !v.b
	case KindInt, KindDuration:
		return v.i == 0
	case KindFloat:
		return v.f == 0
	case KindString:
		return v.s == ""
	case KindTime:
		return v.t.IsZero()
	case KindUUID:
		return v.u == uuid.Nil
	case KindEnum:
		return v.i == 0
	}
	return false
}

// Equal compares kind and contents. Times are compared as instants.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}

	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindInt, KindDuration, KindEnum:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindString:
		return v.s == other.s
	case KindTime:
		return v.t.Equal(other.t)
	case KindUUID:
		return v.u == other.u
	}

	return false
}

// Equivalent is Equal, except that Null and the zero value of a kind are
// considered the same.
func Equivalent(a, b Value) bool {
	if a.Equal(b) {
		return true
	}
	return a.IsZero() && b.IsZero()
}

// Any returns the value as a plain Go value, suitable for JSON encoding.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindDuration:
		return time.Duration(v.i).String()
	case KindUUID:
		return v.u.String()
	case KindEnum:
		return v.s
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	}
	return fmt.Sprintf("%v", v.Any())
}
