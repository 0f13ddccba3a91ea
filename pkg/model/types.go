package model

import (
	"fmt"
	"strings"

	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/context-sync/pkg/values"
)

type NavigationKind int

const (
	Reference NavigationKind = iota
	Collection
	OwnedReference
	OwnedCollection
)

var navigationKindNames = map[NavigationKind]string{
	Reference:       "reference",
	Collection:      "collection",
	OwnedReference:  "ownedReference",
	OwnedCollection: "ownedCollection",
}

func (k NavigationKind) String() string {
	if name, ok := navigationKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("NavigationKind(%d)", int(k))
}

func (k NavigationKind) IsCollection() bool { return k == Collection || k == OwnedCollection }
func (k NavigationKind) IsOwned() bool      { return k == OwnedReference || k == OwnedCollection }

func ParseNavigationKind(name string) (NavigationKind, error) {
	for k, n := range navigationKindNames {
		if strings.EqualFold(n, name) {
			return k, nil
		}
	}
	return Reference, fmt.Errorf("unknown navigation kind %q", name)
}

type PropertyDescriptor struct {
	Name string
	Type values.Type
}

type NavigationDescriptor struct {
	Name   string
	Kind   NavigationKind
	Target string
}

// JoinEndpoint names one side of a join type and the properties on the join
// type that hold that side's key.
type JoinEndpoint struct {
	Type string
	Key  []string
}

type JoinDescriptor struct {
	Declaring JoinEndpoint
	Target    JoinEndpoint
}

// EntityType describes the shape of an entity type. It is immutable once
// registered with a Registry.
type EntityType struct {
	Name        string
	Key         []string
	Properties  []PropertyDescriptor
	Navigations []NavigationDescriptor
	Join        *JoinDescriptor

	// Owner is set for owned types, whose identity is derived from the owner
	Owner string
	// Abstract types can not be default constructed
	Abstract bool
}

func (et *EntityType) IsOwned() bool { return et.Owner != "" }

func (et *EntityType) Property(name string) (PropertyDescriptor, bool) {
	for _, p := range et.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDescriptor{}, false
}

func (et *EntityType) Navigation(name string) (NavigationDescriptor, bool) {
	for _, n := range et.Navigations {
		if n.Name == name {
			return n, true
		}
	}
	return NavigationDescriptor{}, false
}

func (et *EntityType) IsKey(name string) bool {
	for _, k := range et.Key {
		if k == name {
			return true
		}
	}
	return false
}

// KeyShape is the effective key of a type: components inherited from the
// owner chain come first, followed by the type's own key properties.
type KeyShape struct {
	OwnerComponents int
	Types           []values.Type
	Local           []PropertyDescriptor
}

func (ks KeyShape) Len() int { return len(ks.Types) }

// Provider resolves entity metadata by type name
type Provider interface {
	ResolveType(name string) (*EntityType, error)
	FindJoin(typeName string) (*JoinDescriptor, bool)
	KeyShape(typeName string) (KeyShape, error)
	NewInstance(typeName string) (*entities.Entity, error)
}
