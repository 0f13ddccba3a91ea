package changes

import (
	"encoding/json"
	"fmt"
)

type Kind int

const (
	CreateOrUpdate Kind = iota
	Delete
)

func (k Kind) String() string {
	switch k {
	case CreateOrUpdate:
		return "CreateOrUpdate"
	case Delete:
		return "Delete"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// Change is the notification emitted for an entity affected by an applied batch
type Change[T any] struct {
	Kind   Kind
	Entity T
}

// Map projects a change onto another entity representation, dropping it when
// project reports false. It is how typed per-type streams are built.
func Map[T, U any](c Change[T], project func(T) (U, bool)) (Change[U], bool) {
	u, ok := project(c.Entity)
	if !ok {
		return Change[U]{}, false
	}
	return Change[U]{Kind: c.Kind, Entity: u}, true
}
