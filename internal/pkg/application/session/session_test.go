package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/diwise/context-sync/internal/pkg/application/broadcast"
	"github.com/diwise/context-sync/internal/pkg/infrastructure/identitymap"
	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	cserrors "github.com/diwise/context-sync/pkg/errors"
	"github.com/matryer/is"
)

func TestLoadConfig(t *testing.T) {
	is, cfg := setupConfigTest(t)

	is.Equal(len(cfg.Model.EntityTypes), 2) // should load two entity types
	is.Equal(len(cfg.Sessions), 2)          // should load two sessions
	is.Equal(cfg.Sessions[0].PendingJoins, 8)
	is.True(cfg.Sessions[1].Detached) // the second session should not be attached
}

func TestApplyAndFind(t *testing.T) {
	is, ctx, s := setupSessionTest(t)
	defer s.Stop()

	notes, err := s.Apply(ctx, changes.NewBatch(changes.Added("Parent", []any{1}, map[string]any{"Name": "first"})))
	is.NoErr(err)
	is.Equal(len(notes), 1)

	e, state, err := s.Find(ctx, "Parent", []any{"1"})
	is.NoErr(err)
	is.Equal(state, entities.Unchanged)
	is.True(e == notes[0].Entity) // should find the tracked instance

	_, _, err = s.Find(ctx, "Parent", []any{2})
	is.True(errors.Is(err, cserrors.ErrNotFound)) // should not find an untracked key
}

func TestMergeThroughSession(t *testing.T) {
	is, ctx, s := setupSessionTest(t)
	defer s.Stop()

	_, err := s.Apply(ctx, changes.NewBatch(changes.Added("Parent", []any{1}, map[string]any{"Name": "Old"})))
	is.NoErr(err)

	tracked, _, _ := s.Find(ctx, "Parent", []any{1})

	merged, err := s.Merge(ctx, entities.New("Parent", entities.Int("Id", 1), entities.Text("Name", "New")))
	is.NoErr(err)
	is.True(merged == tracked) // should keep the identity of the tracked parent

	err = s.View(ctx, func(store identitymap.Store) error {
		h, _ := store.HandleOf(tracked)
		is.Equal(store.State(h), entities.Modified)
		return nil
	})
	is.NoErr(err)
}

func TestConcurrentCallersAreSerialized(t *testing.T) {
	is, ctx, s := setupSessionTest(t)
	defer s.Stop()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Apply(ctx, changes.NewBatch(changes.Added("Parent", []any{i % 5}, nil)))
		}()
	}
	wg.Wait()

	count := 0
	s.View(ctx, func(store identitymap.Store) error {
		count = store.Len()
		return nil
	})

	is.Equal(count, 5) // should track exactly one parent per key
}

func TestAttachedSessionAppliesBroadcastBatches(t *testing.T) {
	is, ctx, s := setupSessionTest(t)
	defer s.Stop()

	channel := broadcast.New()
	is.NoErr(s.Attach(ctx, channel))

	sub := s.Subscribe("Parent")
	defer sub.Close()

	is.NoErr(channel.Publish(ctx, changes.NewBatch(changes.Added("Parent", []any{1}, nil))))

	select {
	case n := <-sub.Changes():
		is.Equal(n.Kind, changes.CreateOrUpdate)
		is.Equal(n.Entity.Type(), "Parent")
	case <-time.After(2 * time.Second):
		t.Fatal("should have received a notification")
	}
}

func TestStoppedSessionRefusesWork(t *testing.T) {
	is, ctx, s := setupSessionTest(t)

	channel := broadcast.New()
	is.NoErr(s.Attach(ctx, channel))
	is.NoErr(s.Stop())

	_, err := s.Apply(ctx, changes.NewBatch())
	is.Equal(err, ErrNotRunning)
	is.Equal(channel.Subscribers(), 0) // should have closed its subscription
}

func TestManagerStartsConfiguredSessions(t *testing.T) {
	is, cfg := setupConfigTest(t)
	ctx := context.Background()

	channel := broadcast.New()
	m, err := NewManager(ctx, *cfg, channel, nil)
	is.NoErr(err)
	defer m.Stop()

	is.Equal(len(m.Sessions()), 2)
	is.Equal(channel.Subscribers(), 1) // should only attach the session that is not detached

	s, err := m.Session("reporting")
	is.NoErr(err)
	is.Equal(s.Name(), "reporting")

	_, err = m.Session(s.ID().String())
	is.NoErr(err)

	_, err = m.Session("nope")
	is.True(errors.Is(err, cserrors.ErrNotFound))
}

func setupConfigTest(t *testing.T) (*is.I, *Config) {
	is := is.New(t)
	cfgData := bytes.NewBuffer([]byte(configFile))
	config, err := LoadConfiguration(cfgData)
	is.NoErr(err)

	return is, config
}

func setupSessionTest(t *testing.T) (*is.I, context.Context, *Session) {
	is, cfg := setupConfigTest(t)

	registry, err := cfg.Model.Build()
	is.NoErr(err)

	s := New(registry, WithName(fmt.Sprintf("test-%s", t.Name())))
	is.NoErr(s.Start())

	return is, context.Background(), s
}

var configFile string = `
model:
  entityTypes:
    - name: Parent
      key: [Id]
      properties:
        - name: Id
          type: int
        - name: Name
          type: string?
      navigations:
        - name: Children
          kind: collection
          target: Entity
    - name: Entity
      key: [Id]
      properties:
        - name: Id
          type: int
        - name: Name
          type: string?
sessions:
  - name: reporting
    pendingJoins: 8
  - name: editor
    detached: true
`
