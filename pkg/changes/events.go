package changes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diwise/context-sync/pkg/entities"
	"github.com/google/uuid"
)

const (
	KindProperties     string = "properties"
	KindSkipNavigation string = "skipNavigation"
)

// Event describes one mutation of the shared entity graph. It is either a
// PropertiesChange or a SkipNavigationChange.
type Event interface {
	EntityType() string
	KeyValues() []any
	State() entities.State

	kind() string
}

// PropertiesChange carries the full property set on Added, the modified
// subset on Modified and nothing on Deleted.
type PropertiesChange struct {
	Type       string         `json:"entityType"`
	Key        []any          `json:"key"`
	Lifecycle  entities.State `json:"state"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (pc PropertiesChange) EntityType() string    { return pc.Type }
func (pc PropertiesChange) KeyValues() []any      { return pc.Key }
func (pc PropertiesChange) State() entities.State { return pc.Lifecycle }
func (pc PropertiesChange) kind() string          { return KindProperties }

// SkipNavigationChange describes a row of a join type that links a declaring
// entity to a target entity through a collection navigation.
type SkipNavigationChange struct {
	Type          string         `json:"entityType"`
	Key           []any          `json:"key"`
	Lifecycle     entities.State `json:"state"`
	DeclaringType string         `json:"declaringType,omitempty"`
	DeclaringKey  []any          `json:"declaringKey,omitempty"`
	TargetType    string         `json:"targetType,omitempty"`
	TargetKey     []any          `json:"targetKey,omitempty"`
	Navigation    string         `json:"navigation,omitempty"`
}

func (sc SkipNavigationChange) EntityType() string    { return sc.Type }
func (sc SkipNavigationChange) KeyValues() []any      { return sc.Key }
func (sc SkipNavigationChange) State() entities.State { return sc.Lifecycle }
func (sc SkipNavigationChange) kind() string          { return KindSkipNavigation }

// Added, Modified and Deleted build property changes from key values followed
// by the changed properties.
func Added(entityType string, key []any, properties map[string]any) PropertiesChange {
	return PropertiesChange{Type: entityType, Key: key, Lifecycle: entities.Added, Properties: properties}
}

func Modified(entityType string, key []any, properties map[string]any) PropertiesChange {
	return PropertiesChange{Type: entityType, Key: key, Lifecycle: entities.Modified, Properties: properties}
}

func Deleted(entityType string, key []any) PropertiesChange {
	return PropertiesChange{Type: entityType, Key: key, Lifecycle: entities.Deleted}
}

// Batch is the set of events produced by one upstream commit
type Batch struct {
	ID          uuid.UUID
	CommittedAt time.Time
	Events      []Event
}

func NewBatch(events ...Event) Batch {
	return Batch{
		ID:          uuid.New(),
		CommittedAt: time.Now().UTC(),
		Events:      events,
	}
}

type wireEvent struct {
	Kind string `json:"kind"`
	SkipNavigationChange
	Properties map[string]any `json:"properties,omitempty"`
}

func (b Batch) MarshalJSON() ([]byte, error) {
	events := make([]wireEvent, 0, len(b.Events))

	for _, e := range b.Events {
		switch typed := e.(type) {
		case PropertiesChange:
			events = append(events, wireEvent{
				Kind: KindProperties,
				SkipNavigationChange: SkipNavigationChange{
					Type: typed.Type, Key: typed.Key, Lifecycle: typed.Lifecycle,
				},
				Properties: typed.Properties,
			})
		case SkipNavigationChange:
			events = append(events, wireEvent{Kind: KindSkipNavigation, SkipNavigationChange: typed})
		default:
			return nil, fmt.Errorf("unsupported event type %T", e)
		}
	}

	return json.Marshal(struct {
		ID          uuid.UUID   `json:"id"`
		CommittedAt time.Time   `json:"committedAt"`
		Events      []wireEvent `json:"events"`
	}{
		ID:          b.ID,
		CommittedAt: b.CommittedAt,
		Events:      events,
	})
}

func (b *Batch) UnmarshalJSON(data []byte) error {
	base := struct {
		ID          uuid.UUID         `json:"id"`
		CommittedAt time.Time         `json:"committedAt"`
		Events      []json.RawMessage `json:"events"`
	}{}

	err := json.Unmarshal(data, &base)
	if err != nil {
		return err
	}

	b.ID = base.ID
	b.CommittedAt = base.CommittedAt
	b.Events = make([]Event, 0, len(base.Events))

	for idx, raw := range base.Events {
		// numbers are kept as json.Number so that large integer keys survive
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()

		we := wireEvent{}
		if err := dec.Decode(&we); err != nil {
			return fmt.Errorf("event %d: %w", idx, err)
		}

		switch we.Kind {
		case KindProperties, "":
			b.Events = append(b.Events, PropertiesChange{
				Type:       we.Type,
				Key:        we.Key,
				Lifecycle:  we.Lifecycle,
				Properties: we.Properties,
			})
		case KindSkipNavigation:
			b.Events = append(b.Events, we.SkipNavigationChange)
		default:
			return fmt.Errorf("event %d: unknown event kind %q", idx, we.Kind)
		}
	}

	return nil
}

func NewBatchFromJSON(body []byte) (Batch, error) {
	b := Batch{}
	err := json.Unmarshal(body, &b)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to unmarshal batch: %w", err)
	}

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}

	return b, nil
}
