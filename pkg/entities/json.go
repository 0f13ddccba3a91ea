package entities

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/diwise/context-sync/pkg/values"
)

const (
	typeMember string = "$type"
	idMember   string = "$id"
	refMember  string = "$ref"
)

// Schema tells the JSON codec which members of a type are navigations and
// what type the scalar properties are declared as.
type Schema interface {
	PropertyType(entityType, name string) (values.Type, bool)
	IsNavigation(entityType, name string) (isNavigation, isCollection bool)
}

// NewFromJSON decodes a graph document. Every object carries its type in a
// "$type" member. Objects that are referenced more than once are written once
// with an "$id" member and elsewhere as {"$ref": "<id>"}, which is how cycles
// are expressed.
func NewFromJSON(body []byte, schema Schema) (*Entity, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}

	d := &decoder{schema: schema, ids: map[string]*Entity{}}

	e, err := d.object(doc)
	if err != nil {
		return nil, err
	}

	if len(d.unresolved) > 0 {
		return nil, fmt.Errorf("unresolved $ref %q", d.unresolved[0].id)
	}

	return e, nil
}

type pendingRef struct {
	id    string
	apply func(*Entity)
}

type decoder struct {
	schema     Schema
	ids        map[string]*Entity
	unresolved []pendingRef
}

func (d *decoder) object(obj map[string]any) (*Entity, error) {
	entityType, ok := obj[typeMember].(string)
	if !ok || entityType == "" {
		return nil, fmt.Errorf("object without a %s member", typeMember)
	}

	e := New(entityType)

	if id, ok := obj[idMember].(string); ok {
		d.ids[id] = e
		d.resolve(id, e)
	}

	for name, raw := range obj {
		if name == typeMember || name == idMember {
			continue
		}

		isNavigation, isCollection := d.schema.IsNavigation(entityType, name)
		if !isNavigation {
			declared, ok := d.schema.PropertyType(entityType, name)
			if !ok {
				return nil, fmt.Errorf("%s has no property named %s", entityType, name)
			}
			v, err := values.Coerce(raw, declared)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", entityType, name, err)
			}
			e.Set(name, v)
			continue
		}

		if raw == nil {
			continue
		}

		if !isCollection {
			err := d.member(raw, func(target *Entity) { e.SetReference(name, target) })
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", entityType, name, err)
			}
			continue
		}

		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%s.%s: expected an array", entityType, name)
		}

		members := make([]*Entity, len(items))
		e.SetCollection(name, members)

		for idx, item := range items {
			err := d.member(item, func(target *Entity) { members[idx] = target })
			if err != nil {
				return nil, fmt.Errorf("%s.%s[%d]: %w", entityType, name, idx, err)
			}
		}
	}

	return e, nil
}

// member decodes a navigation target, deferring $ref resolution until the
// referenced object has been seen
func (d *decoder) member(raw any, assign func(*Entity)) error {
	obj, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("expected an object")
	}

	if ref, ok := obj[refMember].(string); ok {
		if target, found := d.ids[ref]; found {
			assign(target)
		} else {
			d.unresolved = append(d.unresolved, pendingRef{id: ref, apply: assign})
		}
		return nil
	}

	target, err := d.object(obj)
	if err != nil {
		return err
	}

	assign(target)
	return nil
}

func (d *decoder) resolve(id string, e *Entity) {
	remaining := d.unresolved[:0]
	for _, p := range d.unresolved {
		if p.id == id {
			p.apply(e)
			continue
		}
		remaining = append(remaining, p)
	}
	d.unresolved = remaining
}

// MarshalGraph encodes the graph rooted at e. Instances reached more than once
// are emitted a single time and referenced with "$ref" afterwards.
func MarshalGraph(e *Entity) ([]byte, error) {
	counts := map[*Entity]int{}
	countReferences(e, counts)

	enc := &encoder{counts: counts, ids: map[*Entity]string{}}
	return json.Marshal(enc.object(e))
}

func countReferences(e *Entity, counts map[*Entity]int) {
	counts[e]++
	if counts[e] > 1 {
		return
	}

	e.ForEachNavigation(func(_ string, members []*Entity, _ bool) {
		for _, m := range members {
			if m != nil {
				countReferences(m, counts)
			}
		}
	})
}

type encoder struct {
	counts map[*Entity]int
	ids    map[*Entity]string
}

func (enc *encoder) object(e *Entity) map[string]any {
	if id, seen := enc.ids[e]; seen {
		return map[string]any{refMember: id}
	}

	contents := map[string]any{typeMember: e.Type()}

	if enc.counts[e] > 1 {
		id := strconv.Itoa(len(enc.ids) + 1)
		enc.ids[e] = id
		contents[idMember] = id
	}

	e.ForEachProperty(func(name string, v values.Value) {
		contents[name] = v.Any()
	})

	e.ForEachNavigation(func(name string, members []*Entity, isCollection bool) {
		if !isCollection {
			contents[name] = enc.object(members[0])
			return
		}

		items := make([]any, 0, len(members))
		for _, m := range members {
			if m != nil {
				items = append(items, enc.object(m))
			}
		}
		contents[name] = items
	})

	return contents
}
