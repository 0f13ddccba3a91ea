package model

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/context-sync/pkg/errors"
	"github.com/diwise/context-sync/pkg/values"
)

// Registry is an in-memory Provider. Lookup structures for each type are
// built lazily on first use and cached for the lifetime of the process.
type Registry struct {
	types map[string]*EntityType

	mu    sync.RWMutex
	infos map[string]*typeInfo
}

type typeInfo struct {
	et          *EntityType
	properties  map[string]values.Type
	navigations map[string]NavigationDescriptor
	shape       KeyShape
}

func NewRegistry(types ...EntityType) (*Registry, error) {
	r := &Registry{
		types: map[string]*EntityType{},
		infos: map[string]*typeInfo{},
	}

	for _, et := range types {
		if err := r.register(et); err != nil {
			return nil, err
		}
	}

	if err := r.validate(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) register(et EntityType) error {
	if et.Name == "" {
		return fmt.Errorf("entity type without a name")
	}
	if _, exists := r.types[et.Name]; exists {
		return fmt.Errorf("entity type %s registered twice", et.Name)
	}

	if et.Join != nil {
		derived := append(slices.Clone(et.Join.Declaring.Key), et.Join.Target.Key...)
		if len(et.Key) == 0 {
			et.Key = derived
		} else if !slices.Equal(et.Key, derived) {
			return fmt.Errorf("join type %s: key must be the declaring key followed by the target key", et.Name)
		}
	}

	if len(et.Key) == 0 && !et.IsOwned() {
		return errors.NewMissingPrimaryKeyError(et.Name)
	}

	for _, k := range et.Key {
		if _, ok := et.Property(k); !ok {
			return fmt.Errorf("entity type %s: key property %s is not declared", et.Name, k)
		}
	}

	cloned := et
	cloned.Key = slices.Clone(et.Key)
	cloned.Properties = slices.Clone(et.Properties)
	cloned.Navigations = slices.Clone(et.Navigations)
	if et.Join != nil {
		join := *et.Join
		cloned.Join = &join
	}

	r.types[et.Name] = &cloned
	return nil
}

func (r *Registry) validate() error {
	for _, name := range r.Names() {
		et := r.types[name]

		for _, n := range et.Navigations {
			target, ok := r.types[n.Target]
			if !ok {
				return fmt.Errorf("%s.%s: unknown target type %s", et.Name, n.Name, n.Target)
			}
			if n.Kind.IsOwned() && target.Owner != et.Name {
				return fmt.Errorf("%s.%s: %s is not owned by %s", et.Name, n.Name, target.Name, et.Name)
			}
			// items of an owned collection share the owner key and need local
			// key properties to tell them apart
			if n.Kind == OwnedCollection && len(target.Key) == 0 {
				return fmt.Errorf("%s.%s: %w", et.Name, n.Name, errors.NewMissingPrimaryKeyError(target.Name))
			}
		}

		if et.IsOwned() {
			if _, ok := r.types[et.Owner]; !ok {
				return fmt.Errorf("%s: unknown owner type %s", et.Name, et.Owner)
			}
			if _, err := r.KeyShape(et.Name); err != nil {
				return err
			}
		}

		if et.Join != nil {
			for _, side := range []JoinEndpoint{et.Join.Declaring, et.Join.Target} {
				endpoint, ok := r.types[side.Type]
				if !ok {
					return fmt.Errorf("join type %s: unknown endpoint type %s", et.Name, side.Type)
				}
				if len(endpoint.Key) != len(side.Key) {
					return fmt.Errorf("join type %s: key of %s has %d components, not %d", et.Name, side.Type, len(endpoint.Key), len(side.Key))
				}
			}
		}
	}

	return nil
}

// Names returns the registered type names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) ResolveType(name string) (*EntityType, error) {
	et, ok := r.types[name]
	if !ok {
		return nil, errors.NewUnknownEntityTypeError(name)
	}
	return et, nil
}

func (r *Registry) FindJoin(typeName string) (*JoinDescriptor, bool) {
	et, ok := r.types[typeName]
	if !ok || et.Join == nil {
		return nil, false
	}
	return et.Join, true
}

func (r *Registry) KeyShape(typeName string) (KeyShape, error) {
	info, err := r.info(typeName)
	if err != nil {
		return KeyShape{}, err
	}
	return info.shape, nil
}

// NewInstance constructs an empty entity of the named type
func (r *Registry) NewInstance(typeName string) (*entities.Entity, error) {
	info, err := r.info(typeName)
	if err != nil {
		return nil, err
	}

	if info.et.Abstract {
		return nil, errors.NewNotConstructibleError(typeName)
	}

	return entities.New(typeName), nil
}

func (r *Registry) PropertyType(entityType, name string) (values.Type, bool) {
	info, err := r.info(entityType)
	if err != nil {
		return values.Type{}, false
	}
	t, ok := info.properties[name]
	return t, ok
}

func (r *Registry) IsNavigation(entityType, name string) (bool, bool) {
	info, err := r.info(entityType)
	if err != nil {
		return false, false
	}
	n, ok := info.navigations[name]
	return ok, ok && n.Kind.IsCollection()
}

func (r *Registry) info(typeName string) (*typeInfo, error) {
	r.mu.RLock()
	info, ok := r.infos[typeName]
	r.mu.RUnlock()

	if ok {
		return info, nil
	}

	et, err := r.ResolveType(typeName)
	if err != nil {
		return nil, err
	}

	shape, err := r.shapeOf(et, map[string]bool{})
	if err != nil {
		return nil, err
	}

	info = &typeInfo{
		et:          et,
		properties:  make(map[string]values.Type, len(et.Properties)),
		navigations: make(map[string]NavigationDescriptor, len(et.Navigations)),
		shape:       shape,
	}

	for _, p := range et.Properties {
		info.properties[p.Name] = p.Type
	}
	for _, n := range et.Navigations {
		info.navigations[n.Name] = n
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.infos[typeName]; ok {
		return existing, nil
	}
	r.infos[typeName] = info

	return info, nil
}

func (r *Registry) shapeOf(et *EntityType, seen map[string]bool) (KeyShape, error) {
	if seen[et.Name] {
		return KeyShape{}, fmt.Errorf("ownership cycle through %s", et.Name)
	}
	seen[et.Name] = true

	shape := KeyShape{}

	if et.IsOwned() {
		owner, err := r.ResolveType(et.Owner)
		if err != nil {
			return KeyShape{}, err
		}
		ownerShape, err := r.shapeOf(owner, seen)
		if err != nil {
			return KeyShape{}, err
		}
		shape.OwnerComponents = ownerShape.Len()
		shape.Types = slices.Clone(ownerShape.Types)
	}

	for _, k := range et.Key {
		p, _ := et.Property(k)
		shape.Local = append(shape.Local, p)
		shape.Types = append(shape.Types, p.Type)
	}

	return shape, nil
}

// CoerceKey converts raw key values into a key of the given shape
func CoerceKey(typeName string, shape KeyShape, raw []any) (values.Key, error) {
	if len(raw) != shape.Len() {
		return nil, errors.NewUnsupportedChangeShapeError(
			fmt.Sprintf("key for %s has %d components, expected %d", typeName, len(raw), shape.Len()),
		)
	}

	key := make(values.Key, len(raw))
	for idx, rv := range raw {
		v, err := values.Coerce(rv, shape.Types[idx])
		if err != nil {
			return nil, err
		}
		key[idx] = v
	}

	return key, nil
}
