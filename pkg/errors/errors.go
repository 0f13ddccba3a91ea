package errors

import (
	"fmt"
)

var ErrUnknownEntityType = fmt.Errorf("unknown entity type")
var ErrMissingPrimaryKey = fmt.Errorf("missing primary key")
var ErrCoercion = fmt.Errorf("coercion error")
var ErrMissingIdentity = fmt.Errorf("missing identity")
var ErrUnsupportedChangeShape = fmt.Errorf("unsupported change shape")
var ErrNotConstructible = fmt.Errorf("not constructible")
var ErrNotFound = fmt.Errorf("not found")

type myError struct {
	msg    string
	target error
	cause  error
}

func (m myError) Error() string        { return m.msg }
func (m myError) Is(target error) bool { return target == m.target }
func (m myError) Unwrap() error        { return m.cause }

func newError(target error, cause error, format string, args ...any) error {
	return &myError{
		msg:    fmt.Sprintf(format, args...),
		target: target,
		cause:  cause,
	}
}

// NewUnknownEntityTypeError is returned when the metadata provider cannot resolve a type name
func NewUnknownEntityTypeError(typeName string) error {
	return newError(ErrUnknownEntityType, nil, "unknown entity type %q", typeName)
}

// NewMissingPrimaryKeyError signals a configuration error: a type without the key properties it needs to be identified
func NewMissingPrimaryKeyError(typeName string) error {
	return newError(ErrMissingPrimaryKey, nil, "entity type %q declares no primary key", typeName)
}

func NewCoercionError(raw any, declared string, cause error) error {
	if cause != nil {
		return newError(ErrCoercion, cause, "unable to convert %v (%T) to %s: %s", raw, raw, declared, cause.Error())
	}
	return newError(ErrCoercion, nil, "unable to convert %v (%T) to %s", raw, raw, declared)
}

// NewPropertyCoercionError decorates a coercion failure with the property it was meant for
func NewPropertyCoercionError(typeName, property string, cause error) error {
	return newError(ErrCoercion, cause, "%s.%s: %s", typeName, property, cause.Error())
}

func NewMissingIdentityError(msg string) error {
	return newError(ErrMissingIdentity, nil, "%s", msg)
}

func NewUnsupportedChangeShapeError(msg string) error {
	return newError(ErrUnsupportedChangeShape, nil, "%s", msg)
}

func NewNotConstructibleError(typeName string) error {
	return newError(ErrNotConstructible, nil, "entity type %q can not be default constructed", typeName)
}

func NewNotFoundError(msg string) error {
	return newError(ErrNotFound, nil, "%s", msg)
}
