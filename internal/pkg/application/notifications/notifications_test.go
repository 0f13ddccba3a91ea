package notifications

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"
	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns

var method = expects.RequestMethod
var bodyContaining = expects.RequestBodyContaining

func TestSingleNotificationPerApplyCall(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodPost),
			bodyContaining(`"entityType": "Lifebuoy"`),
		),
		Returns(
			response.Code(http.StatusOK),
		),
	)
	defer s.Close()

	ctx := context.Background()
	n, err := NewNotifier(ctx, s.URL())
	is.NoErr(err)

	n.Start()

	n.Notify(ctx, "session", []Notification{
		{Kind: changes.CreateOrUpdate, Entity: entities.New("Lifebuoy", entities.Text("Status", "off"))},
		{Kind: changes.Delete, Entity: entities.New("Lifebuoy", entities.Text("Status", "on"))},
	})

	n.Stop()

	is.Equal(s.RequestCount(), 1) // should post both notifications in a single request
}

func TestNothingIsPostedBeforeStart(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is),
		Returns(response.Code(http.StatusOK)),
	)
	defer s.Close()

	ctx := context.Background()
	n, _ := NewNotifier(ctx, s.URL())

	n.Notify(ctx, "session", []Notification{{Kind: changes.CreateOrUpdate, Entity: entities.New("Lifebuoy")}})
	n.Stop()

	is.Equal(s.RequestCount(), 0)
}

func TestHubFiltersByType(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	hub := NewHub(4)
	all := hub.Subscribe("")
	blogs := hub.Subscribe("Blog")

	hub.Publish(ctx, []Notification{
		{Kind: changes.CreateOrUpdate, Entity: entities.New("Blog")},
		{Kind: changes.Delete, Entity: entities.New("Tag")},
	})

	is.Equal(len(all.Changes()), 2)   // should deliver every notification to the unfiltered subscriber
	is.Equal(len(blogs.Changes()), 1) // should only deliver blogs to the blog subscriber

	n := <-blogs.Changes()
	is.Equal(n.Entity.Type(), "Blog")
}

func TestHubDoesNotReplay(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	hub := NewHub(4)
	hub.Publish(ctx, []Notification{{Kind: changes.CreateOrUpdate, Entity: entities.New("Blog")}})

	s := hub.Subscribe("")
	is.Equal(len(s.Changes()), 0) // should not see notifications published before subscribing
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	hub := NewHub(1)
	s := hub.Subscribe("")

	hub.Publish(ctx, []Notification{
		{Kind: changes.CreateOrUpdate, Entity: entities.New("Blog")},
		{Kind: changes.CreateOrUpdate, Entity: entities.New("Blog")},
	})

	is.Equal(len(s.Changes()), 1)
	is.Equal(s.Dropped(), int64(1)) // should count the dropped notification
}

func TestProjectToTypedStream(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	hub := NewHub(4)
	s := hub.Subscribe("Blog")

	titles := Project(ctx, s, func(e *entities.Entity) (string, bool) {
		v, ok := e.Get("Title")
		return v.Str(), ok
	})

	hub.Publish(ctx, []Notification{
		{Kind: changes.CreateOrUpdate, Entity: entities.New("Blog")},
		{Kind: changes.CreateOrUpdate, Entity: entities.New("Blog", entities.Text("Title", "hello"))},
	})
	s.Close()

	received := []changes.Change[string]{}
	for c := range titles {
		received = append(received, c)
	}

	is.Equal(len(received), 1) // should skip the blog without a title
	is.Equal(received[0].Entity, "hello")
}

func TestProjectEndsWhenContextIsDone(t *testing.T) {
	is := is.New(t)
	ctx, cancel := context.WithCancel(context.Background())

	hub := NewHub(1)
	s := hub.Subscribe("")
	defer s.Close()

	stream := Project(ctx, s, func(e *entities.Entity) (string, bool) {
		return e.Type(), true
	})

	hub.Publish(ctx, []Notification{{Kind: changes.CreateOrUpdate, Entity: entities.New("Blog")}})
	cancel()

	closed := make(chan struct{})
	go func() {
		for range stream {
		}
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		is.Fail() // the stream should end once the context is done
	}
}
