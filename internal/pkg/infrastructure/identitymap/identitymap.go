package identitymap

import (
	"fmt"
	"sort"

	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/context-sync/pkg/errors"
	"github.com/diwise/context-sync/pkg/values"
)

// Handle is a stable reference to a tracked entity. A handle outlives the
// entry it points to but is never reused for another entry.
type Handle struct {
	slot int
	gen  uint32
}

func (h Handle) IsValid() bool {
	return h.gen != 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d/%d", h.slot, h.gen)
}

type Entry struct {
	Handle Handle
	Type   string
	Key    values.Key
	State  entities.State
	Entity *entities.Entity
}

// Store tracks at most one live entity per (type name, key)
type Store interface {
	FindByKey(typeName string, key values.Key) (Handle, bool)
	Add(typeName string, key values.Key, entity *entities.Entity, state entities.State) (Handle, error)
	Remove(h Handle) error

	State(h Handle) entities.State
	SetState(h Handle, state entities.State) error

	Entity(h Handle) (*entities.Entity, bool)
	Key(h Handle) (values.Key, bool)
	HandleOf(entity *entities.Entity) (Handle, bool)

	CurrentValue(h Handle, property string) (values.Value, bool)
	SetValue(h Handle, property string, value values.Value) error

	Len() int
	Entries() []Entry
}

type slot struct {
	gen   uint32
	used  bool
	entry Entry
}

type identityMap struct {
	slots []slot
	free  []int

	byKey    map[string]int
	byEntity map[*entities.Entity]int
}

// New returns an empty Store. It is not safe for concurrent use.
func New() Store {
	return &identityMap{
		byKey:    map[string]int{},
		byEntity: map[*entities.Entity]int{},
	}
}

func indexKey(typeName string, key values.Key) string {
	return typeName + "\x00" + key.String()
}

func (m *identityMap) FindByKey(typeName string, key values.Key) (Handle, bool) {
	idx, ok := m.byKey[indexKey(typeName, key)]
	if !ok {
		return Handle{}, false
	}
	return m.slots[idx].entry.Handle, true
}

func (m *identityMap) Add(typeName string, key values.Key, entity *entities.Entity, state entities.State) (Handle, error) {
	if entity == nil {
		return Handle{}, fmt.Errorf("refusing to track a nil %s", typeName)
	}

	ik := indexKey(typeName, key)
	if _, exists := m.byKey[ik]; exists {
		return Handle{}, fmt.Errorf("%s%s is already tracked", typeName, key.String())
	}
	if _, exists := m.byEntity[entity]; exists {
		return Handle{}, fmt.Errorf("instance of %s is already tracked under another key", typeName)
	}

	if state == entities.Detached {
		state = entities.Unchanged
	}

	var idx int
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		m.slots = append(m.slots, slot{})
		idx = len(m.slots) - 1
	}

	s := &m.slots[idx]
	s.gen++
	s.used = true
	s.entry = Entry{
		Handle: Handle{slot: idx, gen: s.gen},
		Type:   typeName,
		Key:    key,
		State:  state,
		Entity: entity,
	}

	m.byKey[ik] = idx
	m.byEntity[entity] = idx

	return s.entry.Handle, nil
}

func (m *identityMap) lookup(h Handle) (*slot, error) {
	if h.slot < 0 || h.slot >= len(m.slots) {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no tracked entity for handle %s", h))
	}

	s := &m.slots[h.slot]
	if !s.used || s.gen != h.gen {
		return nil, errors.NewNotFoundError(fmt.Sprintf("handle %s is stale", h))
	}

	return s, nil
}

func (m *identityMap) Remove(h Handle) error {
	s, err := m.lookup(h)
	if err != nil {
		return err
	}

	delete(m.byKey, indexKey(s.entry.Type, s.entry.Key))
	delete(m.byEntity, s.entry.Entity)

	s.used = false
	s.entry = Entry{}
	m.free = append(m.free, h.slot)

	return nil
}

// State returns Detached for handles that are no longer tracked
func (m *identityMap) State(h Handle) entities.State {
	s, err := m.lookup(h)
	if err != nil {
		return entities.Detached
	}
	return s.entry.State
}

func (m *identityMap) SetState(h Handle, state entities.State) error {
	if state == entities.Detached {
		return m.Remove(h)
	}

	s, err := m.lookup(h)
	if err != nil {
		return err
	}

	s.entry.State = state
	return nil
}

func (m *identityMap) Entity(h Handle) (*entities.Entity, bool) {
	s, err := m.lookup(h)
	if err != nil {
		return nil, false
	}
	return s.entry.Entity, true
}

func (m *identityMap) Key(h Handle) (values.Key, bool) {
	s, err := m.lookup(h)
	if err != nil {
		return nil, false
	}
	return s.entry.Key, true
}

func (m *identityMap) HandleOf(entity *entities.Entity) (Handle, bool) {
	idx, ok := m.byEntity[entity]
	if !ok {
		return Handle{}, false
	}
	return m.slots[idx].entry.Handle, true
}

func (m *identityMap) CurrentValue(h Handle, property string) (values.Value, bool) {
	s, err := m.lookup(h)
	if err != nil {
		return values.Null, false
	}
	return s.entry.Entity.Get(property)
}

func (m *identityMap) SetValue(h Handle, property string, value values.Value) error {
	s, err := m.lookup(h)
	if err != nil {
		return err
	}

	s.entry.Entity.Set(property, value)
	return nil
}

func (m *identityMap) Len() int {
	return len(m.byKey)
}

// Entries returns a snapshot of every tracked entity ordered by type and key
func (m *identityMap) Entries() []Entry {
	entries := make([]Entry, 0, len(m.byKey))
	for idx := range m.slots {
		if m.slots[idx].used {
			entries = append(entries, m.slots[idx].entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Type != entries[j].Type {
			return entries[i].Type < entries[j].Type
		}
		return entries[i].Key.String() < entries[j].Key.String()
	})

	return entries
}
