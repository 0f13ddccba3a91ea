package values

import (
	"strconv"
	"strings"
	"time"
)

// Key is an ordered tuple of coerced values identifying an entity within its type.
type Key []Value

func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if !k[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// Concat returns a new key holding the components of k followed by those of other.
func (k Key) Concat(other Key) Key {
	out := make(Key, 0, len(k)+len(other))
	out = append(out, k...)
	return append(out, other...)
}

// HasNull reports whether any component of the key is Null.
func (k Key) HasNull() bool {
	for _, v := range k {
		if v.IsNull() {
			return true
		}
	}
	return false
}

// String returns a canonical encoding of the key. Keys that are Equal encode
// to the same string, which makes it usable as a map key.
func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('(')

	for idx, v := range k {
		if idx > 0 {
			sb.WriteByte(',')
		}

		switch v.kind {
		case KindNull:
			sb.WriteString("null")
		case KindBool:
			sb.WriteString("b:" + strconv.FormatBool(v.b))
		case KindInt:
			sb.WriteString("i:" + strconv.FormatInt(v.i, 10))
		case KindFloat:
			sb.WriteString("f:" + strconv.FormatFloat(v.f, 'g', -1, 64))
		case KindString:
			sb.WriteString("s:" + strconv.Quote(v.s))
		case KindTime:
			sb.WriteString("t:" + v.t.UTC().Format(time.RFC3339Nano))
		case KindDuration:
			sb.WriteString("d:" + strconv.FormatInt(v.i, 10))
		case KindUUID:
			sb.WriteString("u:" + v.u.String())
		case KindEnum:
			sb.WriteString("e:" + strconv.FormatInt(v.i, 10))
		}
	}

	sb.WriteByte(')')
	return sb.String()
}

// Raw returns the key components as plain Go values.
func (k Key) Raw() []any {
	out := make([]any, len(k))
	for i, v := range k {
		out[i] = v.Any()
	}
	return out
}
