package changes

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/diwise/context-sync/pkg/entities"
	"github.com/google/uuid"
	"github.com/matryer/is"
)

func TestBatchFromJSON(t *testing.T) {
	is := is.New(t)

	b, err := NewBatchFromJSON([]byte(batchJSON))
	is.NoErr(err)

	is.True(b.ID != uuid.Nil) // should generate an id when none is given
	is.Equal(len(b.Events), 2)

	pc, ok := b.Events[0].(PropertiesChange)
	is.True(ok)
	is.Equal(pc.State(), entities.Added)
	is.Equal(pc.KeyValues()[0], json.Number("9007199254740993")) // large keys should survive decoding

	sc, ok := b.Events[1].(SkipNavigationChange)
	is.True(ok)
	is.Equal(sc.Navigation, "Tags")
	is.Equal(sc.TargetType, "Tag")
}

func TestBatchWithUnknownEventKindIsRejected(t *testing.T) {
	is := is.New(t)

	_, err := NewBatchFromJSON([]byte(`{"events":[{"kind":"rename","entityType":"Blog","key":[1],"state":"Added"}]}`))
	is.True(err != nil)
	is.True(strings.Contains(err.Error(), "rename"))
}

func TestMarshalledBatchCarriesEventKinds(t *testing.T) {
	is := is.New(t)

	b := NewBatch(
		Added("Blog", []any{1}, map[string]any{"Title": "x"}),
		SkipNavigationChange{Type: "BlogTag", Lifecycle: entities.Added, DeclaringType: "Blog", TargetType: "Tag", Navigation: "Tags"},
	)

	body, err := json.Marshal(b)
	is.NoErr(err)

	is.True(strings.Contains(string(body), `"kind":"properties"`))
	is.True(strings.Contains(string(body), `"kind":"skipNavigation"`))
	is.True(strings.Contains(string(body), `"state":"Added"`))
}

func TestMapDropsRejectedChanges(t *testing.T) {
	is := is.New(t)

	c := Change[*entities.Entity]{Kind: Delete, Entity: entities.New("Blog")}

	typeName := func(e *entities.Entity) (string, bool) { return e.Type(), e.Type() == "Blog" }

	projected, ok := Map(c, typeName)
	is.True(ok)
	is.Equal(projected.Kind, Delete)
	is.Equal(projected.Entity, "Blog")

	_, ok = Map(Change[*entities.Entity]{Entity: entities.New("Tag")}, typeName)
	is.True(!ok) // should drop what the projection rejects
}

const batchJSON string = `{
	"committedAt": "2024-05-01T10:00:00Z",
	"events": [
		{"kind": "properties", "entityType": "Blog", "key": [9007199254740993], "state": "Added", "properties": {"Title": "hello"}},
		{"kind": "skipNavigation", "entityType": "BlogTag", "key": [1, 2], "state": "Added",
		 "declaringType": "Blog", "declaringKey": [1], "targetType": "Tag", "targetKey": [2], "navigation": "Tags"}
	]
}`
