package entities

import (
	"slices"
	"sort"
	"time"

	"github.com/diwise/context-sync/pkg/values"
	"github.com/google/uuid"
)

type EntityDecoratorFunc func(e *Entity)

// Entity is a dynamic, identity carrying object. Scalar properties are held as
// tagged values, relationships as plain pointers so that graphs may be cyclic.
type Entity struct {
	entityType string

	properties  map[string]values.Value
	references  map[string]*Entity
	collections map[string][]*Entity
}

func New(entityType string, decorators ...EntityDecoratorFunc) *Entity {
	e := &Entity{
		entityType:  entityType,
		properties:  map[string]values.Value{},
		references:  map[string]*Entity{},
		collections: map[string][]*Entity{},
	}

	for _, decorator := range decorators {
		decorator(e)
	}

	return e
}

func (e *Entity) Type() string {
	return e.entityType
}

// Get returns the value of a property and whether it has been set at all
func (e *Entity) Get(name string) (values.Value, bool) {
	v, ok := e.properties[name]
	return v, ok
}

func (e *Entity) Set(name string, value values.Value) {
	e.properties[name] = value
}

func (e *Entity) Unset(name string) {
	delete(e.properties, name)
}

func (e *Entity) Reference(name string) *Entity {
	return e.references[name]
}

func (e *Entity) SetReference(name string, target *Entity) {
	if target == nil {
		delete(e.references, name)
		return
	}
	e.references[name] = target
}

// Collection returns the members of a collection navigation. The boolean is
// false when the collection has never been created.
func (e *Entity) Collection(name string) ([]*Entity, bool) {
	c, ok := e.collections[name]
	return c, ok
}

// EnsureCollection creates an empty collection unless one already exists
func (e *Entity) EnsureCollection(name string) []*Entity {
	c, ok := e.collections[name]
	if !ok {
		c = []*Entity{}
		e.collections[name] = c
	}
	return c
}

func (e *Entity) SetCollection(name string, members []*Entity) {
	e.collections[name] = members
}

// Contains reports whether the named collection holds exactly this instance
func (e *Entity) Contains(name string, member *Entity) bool {
	return slices.Contains(e.collections[name], member)
}

// AppendUnique appends member to the named collection unless the same
// instance is already present. It returns true if the collection changed.
func (e *Entity) AppendUnique(name string, member *Entity) bool {
	c := e.EnsureCollection(name)
	if slices.Contains(c, member) {
		return false
	}
	e.collections[name] = append(c, member)
	return true
}

// ForEachProperty visits properties in name order
func (e *Entity) ForEachProperty(callback func(name string, value values.Value)) {
	for _, name := range sortedKeys(e.properties) {
		callback(name, e.properties[name])
	}
}

// ForEachNavigation visits references and collections in name order. For
// references the members slice has exactly one element.
func (e *Entity) ForEachNavigation(callback func(name string, members []*Entity, isCollection bool)) {
	for _, name := range sortedKeys(e.references) {
		callback(name, []*Entity{e.references[name]}, false)
	}
	for _, name := range sortedKeys(e.collections) {
		callback(name, e.collections[name], true)
	}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func V(name string, value values.Value) EntityDecoratorFunc {
	return func(e *Entity) { e.properties[name] = value }
}

func Int(name string, value int64) EntityDecoratorFunc {
	return V(name, values.Int(value))
}

func Number(name string, value float64) EntityDecoratorFunc {
	return V(name, values.Float(value))
}

func Text(name string, value string) EntityDecoratorFunc {
	return V(name, values.String(value))
}

func Bool(name string, value bool) EntityDecoratorFunc {
	return V(name, values.Bool(value))
}

func DateTime(name string, value time.Time) EntityDecoratorFunc {
	return V(name, values.Time(value))
}

func UUID(name string, value uuid.UUID) EntityDecoratorFunc {
	return V(name, values.UUID(value))
}

func Null(name string) EntityDecoratorFunc {
	return V(name, values.Null)
}

func Ref(name string, target *Entity) EntityDecoratorFunc {
	return func(e *Entity) { e.SetReference(name, target) }
}

func Items(name string, members ...*Entity) EntityDecoratorFunc {
	return func(e *Entity) {
		e.collections[name] = append(e.EnsureCollection(name), members...)
	}
}
