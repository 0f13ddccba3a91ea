package values

import (
	"fmt"
	"strings"
)

// Type is the statically declared type of an entity property.
type Type struct {
	Kind     Kind
	Nullable bool
	// OffsetAware is only meaningful for KindTime
	OffsetAware bool
	// Members lists the enum members, the index of a member is its ordinal
	Members []string
}

func (t Type) String() string {
	name := t.Kind.String()
	if t.Kind == KindTime && t.OffsetAware {
		name = "datetimeoffset"
	}
	if t.Kind == KindEnum && len(t.Members) > 0 {
		name = fmt.Sprintf("enum(%s)", strings.Join(t.Members, "|"))
	}
	if t.Nullable {
		name += "?"
	}
	return name
}

// ParseType understands the type names used in model configuration files.
// A trailing question mark marks the type as nullable.
func ParseType(name string, members []string) (Type, error) {
	t := Type{}

	name = strings.TrimSpace(name)
	if strings.HasSuffix(name, "?") {
		t.Nullable = true
		name = strings.TrimSuffix(name, "?")
	}

	switch strings.ToLower(name) {
	case "bool", "boolean":
		t.Kind = KindBool
	case "int", "integer", "long":
		t.Kind = KindInt
	case "float", "double", "decimal", "number":
		t.Kind = KindFloat
	case "string", "text":
		t.Kind = KindString
	case "datetime", "timestamp":
		t.Kind = KindTime
	case "datetimeoffset", "timestamptz":
		t.Kind = KindTime
		t.OffsetAware = true
	case "duration", "timespan", "interval":
		t.Kind = KindDuration
	case "uuid", "guid":
		t.Kind = KindUUID
	case "enum":
		if len(members) == 0 {
			return Type{}, fmt.Errorf("enum type declared without members")
		}
		t.Kind = KindEnum
		t.Members = append([]string(nil), members...)
	default:
		return Type{}, fmt.Errorf("unsupported property type %q", name)
	}

	return t, nil
}

// Name returns the configuration name of t, the inverse of ParseType.
func (t Type) Name() string {
	name := t.Kind.String()
	if t.Kind == KindTime && t.OffsetAware {
		name = "datetimeoffset"
	}
	if t.Nullable {
		name += "?"
	}
	return name
}
