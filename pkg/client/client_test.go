package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	cserrors "github.com/diwise/context-sync/pkg/errors"
	"github.com/diwise/context-sync/pkg/model"
	testutils "github.com/diwise/service-chassis/pkg/test/http"
	"github.com/diwise/service-chassis/pkg/test/http/expects"
	"github.com/diwise/service-chassis/pkg/test/http/response"

	"github.com/matryer/is"
)

var Expects = testutils.Expects
var Returns = testutils.Returns
var anyInput = expects.AnyInput
var method = expects.RequestMethod
var path = expects.RequestPath
var bodyContaining = expects.RequestBodyContaining

func TestPublishBatch(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodPost),
			path("/api/v1/batches"),
			bodyContaining(`"entityType":"Road"`),
		),
		Returns(
			response.Code(http.StatusAccepted),
		),
	)
	defer s.Close()

	c := NewContextSyncClient(s.URL(), testSchema(is))

	err := c.PublishBatch(context.Background(), changes.NewBatch(changes.Added("Road", []any{1}, nil)))
	is.NoErr(err)
}

func TestMergeGraph(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodPost),
			path("/api/v1/sessions/editor/merge"),
			bodyContaining(`"$type":"Road"`),
		),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`{"$type":"Road","Id":1,"Name":"E4"}`)),
		),
	)
	defer s.Close()

	c := NewContextSyncClient(s.URL(), testSchema(is))

	merged, err := c.MergeGraph(context.Background(), "editor", entities.New("Road", entities.Int("Id", 1)))
	is.NoErr(err)

	name, _ := merged.Get("Name")
	is.Equal(name.Any(), "E4") // should decode the merged graph
}

func TestFindEntity(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(
			is,
			method(http.MethodGet),
			path("/api/v1/sessions/editor/entities/Road"),
			expects.QueryParamEquals("key", "1"),
		),
		Returns(
			response.ContentType("application/json"),
			response.Code(http.StatusOK),
			response.Body([]byte(`{"state":"Modified","entity":{"$type":"Road","Id":1}}`)),
		),
	)
	defer s.Close()

	c := NewContextSyncClient(s.URL(), testSchema(is))

	e, state, err := c.FindEntity(context.Background(), "editor", "Road", 1)
	is.NoErr(err)
	is.Equal(e.Type(), "Road")
	is.Equal(state, entities.Modified)
}

func TestFindEntityThatDoesNotExist(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.ContentType("application/problem+json"),
			response.Code(http.StatusNotFound),
			response.Body([]byte(`{"type":"https://diwise.io/context-sync/errors/ResourceNotFound","title":"Not Found","detail":"no Road with key 2 is tracked"}`)),
		),
	)
	defer s.Close()

	c := NewContextSyncClient(s.URL(), testSchema(is))

	_, _, err := c.FindEntity(context.Background(), "editor", "Road", 2)
	is.True(errors.Is(err, cserrors.ErrNotFound)) // should map the problem report to a not found error
}

func TestMergeGraphWithoutIdentity(t *testing.T) {
	is := is.New(t)

	s := testutils.NewMockServiceThat(
		Expects(is, anyInput()),
		Returns(
			response.ContentType("application/problem+json"),
			response.Code(http.StatusUnprocessableEntity),
			response.Body([]byte(`{"type":"https://diwise.io/context-sync/errors/MissingIdentity","title":"Missing Identity","detail":"Road has no key"}`)),
		),
	)
	defer s.Close()

	c := NewContextSyncClient(s.URL(), testSchema(is))

	_, err := c.MergeGraph(context.Background(), "editor", entities.New("Road"))
	is.True(errors.Is(err, cserrors.ErrMissingIdentity))
}

func testSchema(is *is.I) entities.Schema {
	cfg, err := model.LoadConfiguration(bytes.NewBufferString(modelYAML))
	is.NoErr(err)

	registry, err := cfg.Build()
	is.NoErr(err)

	return registry
}

const modelYAML string = `
entityTypes:
  - name: Road
    key: [Id]
    properties:
      - name: Id
        type: int
      - name: Name
        type: string?
`
