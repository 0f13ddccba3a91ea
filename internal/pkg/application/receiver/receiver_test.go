package receiver

import (
	"context"
	"errors"
	"testing"

	"github.com/diwise/context-sync/internal/pkg/infrastructure/identitymap"
	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	cserrors "github.com/diwise/context-sync/pkg/errors"
	"github.com/diwise/context-sync/pkg/model"
	"github.com/diwise/context-sync/pkg/values"
	"github.com/matryer/is"
)

func TestAddedCreatesTrackedEntity(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	notes, err := r.Apply(ctx, changes.NewBatch(
		changes.Added("Blog", []any{1}, map[string]any{"Id": 1, "Title": "Hello", "Status": "published"}),
	))
	is.NoErr(err)
	is.Equal(len(notes), 1)
	is.Equal(notes[0].Kind, changes.CreateOrUpdate)

	h, ok := store.FindByKey("Blog", values.Key{values.Int(1)})
	is.True(ok) // should track the new blog
	is.Equal(store.State(h), entities.Unchanged)

	blog, _ := store.Entity(h)
	is.True(blog == notes[0].Entity) // should notify with the tracked instance

	status, _ := blog.Get("Status")
	is.Equal(status.EnumName(), "Published") // should map the enum member by name
}

func TestAddedTwiceIsIdempotent(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	batch := changes.NewBatch(changes.Added("Blog", []any{1}, map[string]any{"Title": "Hello"}))

	first, err := r.Apply(ctx, batch)
	is.NoErr(err)

	batch.Events[0] = changes.Added("Blog", []any{1}, map[string]any{"Title": "Changed"})

	second, err := r.Apply(ctx, batch)
	is.NoErr(err)

	is.Equal(store.Len(), 1)                     // should not track two blogs with the same key
	is.True(first[0].Entity == second[0].Entity) // should re-notify the already tracked instance
	is.Equal(second[0].Kind, changes.CreateOrUpdate)

	title, _ := second[0].Entity.Get("Title")
	is.Equal(title.Str(), "Hello") // should not overwrite the tracked instance
}

func TestModifiedUpdatesTrackedEntity(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	_, err := r.Apply(ctx, changes.NewBatch(changes.Added("Blog", []any{1}, map[string]any{"Title": "Hello"})))
	is.NoErr(err)

	notes, err := r.Apply(ctx, changes.NewBatch(changes.Modified("Blog", []any{"1"}, map[string]any{"Title": "Bye"})))
	is.NoErr(err)
	is.Equal(len(notes), 1)

	h, _ := store.FindByKey("Blog", values.Key{values.Int(1)})
	title, _ := store.CurrentValue(h, "Title")
	is.Equal(title.Str(), "Bye")
	is.Equal(store.State(h), entities.Unchanged)
}

func TestModifiedOfUntrackedEntityIsDropped(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	notes, err := r.Apply(ctx, changes.NewBatch(changes.Modified("Blog", []any{1}, map[string]any{"Title": "Bye"})))
	is.NoErr(err)
	is.Equal(len(notes), 0)
	is.Equal(store.Len(), 0)
}

func TestDeletedRemovesTrackedEntity(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	r.Apply(ctx, changes.NewBatch(changes.Added("Blog", []any{1}, nil)))

	notes, err := r.Apply(ctx, changes.NewBatch(changes.Deleted("Blog", []any{1})))
	is.NoErr(err)
	is.Equal(len(notes), 1)
	is.Equal(notes[0].Kind, changes.Delete)
	is.Equal(store.Len(), 0) // should no longer track the blog
}

func TestDeletedOfUntrackedKeyProducesNothing(t *testing.T) {
	is, ctx, r, _ := testSetup(t)

	notes, err := r.Apply(ctx, changes.NewBatch(changes.Deleted("Blog", []any{42})))
	is.NoErr(err)
	is.Equal(len(notes), 0) // should neither notify nor fail
}

func TestSkipNavigationAddedLinksTrackedEndpoints(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	_, err := r.Apply(ctx, changes.NewBatch(
		changes.Added("Blog", []any{1}, nil),
		changes.Added("Tag", []any{"go"}, nil),
	))
	is.NoErr(err)

	notes, err := r.Apply(ctx, changes.NewBatch(blogTag(1, "go")))
	is.NoErr(err)
	is.Equal(len(notes), 1)
	is.Equal(notes[0].Entity.Type(), "BlogTag")

	bh, _ := store.FindByKey("Blog", values.Key{values.Int(1)})
	blog, _ := store.Entity(bh)
	tags, ok := blog.Collection("Tags")
	is.True(ok)
	is.Equal(len(tags), 1) // should have appended the tag

	_, ok = store.FindByKey("BlogTag", values.Key{values.Int(1), values.String("go")})
	is.True(ok) // should track the join entity under the composite key

	_, err = r.Apply(ctx, changes.NewBatch(blogTag(1, "go")))
	is.NoErr(err)

	tags, _ = blog.Collection("Tags")
	is.Equal(len(tags), 1) // should not append the same tag twice
}

func TestDeletedEntityStaysInOtherCollections(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	_, err := r.Apply(ctx, changes.NewBatch(
		changes.Added("Blog", []any{1}, nil),
		changes.Added("Tag", []any{"go"}, nil),
		blogTag(1, "go"),
	))
	is.NoErr(err)

	th, _ := store.FindByKey("Tag", values.Key{values.String("go")})
	tag, _ := store.Entity(th)

	_, err = r.Apply(ctx, changes.NewBatch(changes.Deleted("Tag", []any{"go"})))
	is.NoErr(err)

	_, tracked := store.HandleOf(tag)
	is.True(!tracked) // the tag itself should be detached

	bh, _ := store.FindByKey("Blog", values.Key{values.Int(1)})
	blog, _ := store.Entity(bh)
	is.True(blog.Contains("Tags", tag)) // relationships of other entities are left as they are
}

func TestSkipNavigationWithUntrackedEndpointIsDropped(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	r.Apply(ctx, changes.NewBatch(changes.Added("Blog", []any{1}, nil)))

	notes, err := r.Apply(ctx, changes.NewBatch(blogTag(1, "go")))
	is.NoErr(err)
	is.Equal(len(notes), 0) // should neither notify nor fail

	r.Apply(ctx, changes.NewBatch(changes.Added("Tag", []any{"go"}, nil)))

	_, ok := store.FindByKey("BlogTag", values.Key{values.Int(1), values.String("go")})
	is.True(!ok) // should not have retried the dropped change
}

func TestPendingJoinsAreRetriedAfterLaterBatches(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	store := identitymap.New()
	r := New(testRegistry(t), store, WithPendingJoins(2))

	r.Apply(ctx, changes.NewBatch(changes.Added("Blog", []any{1}, nil)))

	notes, err := r.Apply(ctx, changes.NewBatch(blogTag(1, "go")))
	is.NoErr(err)
	is.Equal(len(notes), 0)
	is.Equal(r.Pending(), 1) // should have buffered the change

	notes, err = r.Apply(ctx, changes.NewBatch(changes.Added("Tag", []any{"go"}, nil)))
	is.NoErr(err)
	is.Equal(len(notes), 2) // should notify both the tag and the join entity
	is.Equal(r.Pending(), 0)

	_, ok := store.FindByKey("BlogTag", values.Key{values.Int(1), values.String("go")})
	is.True(ok)
}

func TestPendingJoinsEvictOldest(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()
	r := New(testRegistry(t), identitymap.New(), WithPendingJoins(1))

	_, err := r.Apply(ctx, changes.NewBatch(blogTag(1, "a"), blogTag(1, "b")))
	is.NoErr(err)
	is.Equal(r.Pending(), 1) // should keep only the newest change
}

func TestSkipNavigationModifiedIsUnsupported(t *testing.T) {
	is, ctx, r, _ := testSetup(t)

	evt := blogTag(1, "go")
	evt.Lifecycle = entities.Deleted

	_, err := r.Apply(ctx, changes.NewBatch(evt))
	is.True(errors.Is(err, cserrors.ErrUnsupportedChangeShape)) // should fail loudly
}

func TestUnknownTypeAbortsRemainingEvents(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	notes, err := r.Apply(ctx, changes.NewBatch(
		changes.Added("Blog", []any{1}, nil),
		changes.Added("Nope", []any{1}, nil),
		changes.Added("Blog", []any{2}, nil),
	))

	is.True(errors.Is(err, cserrors.ErrUnknownEntityType)) // should report the unknown type
	is.Equal(len(notes), 1)                                // should still report the applied event
	is.Equal(store.Len(), 1)                               // should not apply events after the failure
}

func TestCoercionFailureIsSurfaced(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	_, err := r.Apply(ctx, changes.NewBatch(changes.Added("Blog", []any{1}, map[string]any{"Status": "unheard of"})))
	is.True(errors.Is(err, cserrors.ErrCoercion)) // should not swallow the coercion error
	is.Equal(store.Len(), 0)
}

func TestWrongKeyArityIsUnsupported(t *testing.T) {
	is, ctx, r, _ := testSetup(t)

	_, err := r.Apply(ctx, changes.NewBatch(changes.Added("Blog", []any{1, 2}, nil)))
	is.True(errors.Is(err, cserrors.ErrUnsupportedChangeShape))
}

func TestAddedAbstractTypeIsNotConstructible(t *testing.T) {
	is, ctx, r, _ := testSetup(t)

	_, err := r.Apply(ctx, changes.NewBatch(changes.Added("Post", []any{1}, nil)))
	is.True(errors.Is(err, cserrors.ErrNotConstructible))
}

func TestNotificationsAreDedupedWithinBatch(t *testing.T) {
	is, ctx, r, _ := testSetup(t)

	notes, err := r.Apply(ctx, changes.NewBatch(
		changes.Added("Blog", []any{1}, nil),
		changes.Modified("Blog", []any{1}, map[string]any{"Title": "x"}),
		changes.Added("Tag", []any{"go"}, nil),
		changes.Deleted("Blog", []any{1}),
	))
	is.NoErr(err)
	is.Equal(len(notes), 2)                  // should report each entity once
	is.Equal(notes[0].Entity.Type(), "Blog") // in order of first appearance
	is.Equal(notes[0].Kind, changes.Delete)  // with the kind of the last change
}

func TestAddedOwnedEntityUsesOwnerKey(t *testing.T) {
	is, ctx, r, store := testSetup(t)

	_, err := r.Apply(ctx, changes.NewBatch(
		changes.Added("Blog", []any{1}, nil),
		changes.Added("Address", []any{1}, map[string]any{"Street": "Main"}),
	))
	is.NoErr(err)

	_, ok := store.FindByKey("Address", values.Key{values.Int(1)})
	is.True(ok) // should track the owned entity under its owner's key
}

func blogTag(blogID int, tag string) changes.SkipNavigationChange {
	return changes.SkipNavigationChange{
		Type:          "BlogTag",
		Key:           []any{blogID, tag},
		Lifecycle:     entities.Added,
		DeclaringType: "Blog",
		DeclaringKey:  []any{blogID},
		TargetType:    "Tag",
		TargetKey:     []any{tag},
		Navigation:    "Tags",
	}
}

func testSetup(t *testing.T) (*is.I, context.Context, *Receiver, identitymap.Store) {
	is := is.New(t)
	store := identitymap.New()
	return is, context.Background(), New(testRegistry(t), store), store
}

func testRegistry(t *testing.T) *model.Registry {
	intType := values.Type{Kind: values.KindInt}
	stringType := values.Type{Kind: values.KindString}

	r, err := model.NewRegistry(
		model.EntityType{
			Name: "Blog",
			Key:  []string{"Id"},
			Properties: []model.PropertyDescriptor{
				{Name: "Id", Type: intType},
				{Name: "Title", Type: stringType},
				{Name: "Status", Type: values.Type{Kind: values.KindEnum, Members: []string{"Draft", "Published"}}},
			},
			Navigations: []model.NavigationDescriptor{
				{Name: "Tags", Kind: model.Collection, Target: "Tag"},
				{Name: "Address", Kind: model.OwnedReference, Target: "Address"},
			},
		},
		model.EntityType{
			Name:       "Address",
			Owner:      "Blog",
			Properties: []model.PropertyDescriptor{{Name: "Street", Type: stringType}},
		},
		model.EntityType{
			Name:       "Tag",
			Key:        []string{"Name"},
			Properties: []model.PropertyDescriptor{{Name: "Name", Type: stringType}},
		},
		model.EntityType{
			Name: "BlogTag",
			Properties: []model.PropertyDescriptor{
				{Name: "BlogId", Type: intType},
				{Name: "TagName", Type: stringType},
			},
			Join: &model.JoinDescriptor{
				Declaring: model.JoinEndpoint{Type: "Blog", Key: []string{"BlogId"}},
				Target:    model.JoinEndpoint{Type: "Tag", Key: []string{"TagName"}},
			},
		},
		model.EntityType{
			Name:       "Post",
			Key:        []string{"Id"},
			Abstract:   true,
			Properties: []model.PropertyDescriptor{{Name: "Id", Type: intType}},
		},
	)
	if err != nil {
		t.Fatalf("failed to build registry: %s", err.Error())
	}

	return r
}
