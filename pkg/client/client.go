package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/context-sync/pkg/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ContextSyncClient talks to the api of a remote context-sync service
type ContextSyncClient interface {
	PublishBatch(ctx context.Context, batch changes.Batch) error
	MergeGraph(ctx context.Context, session string, root *entities.Entity) (*entities.Entity, error)
	FindEntity(ctx context.Context, session, entityType string, key ...any) (*entities.Entity, entities.State, error)
}

func Debug(enabled string) func(*csClient) {
	return func(c *csClient) {
		c.debug = (enabled == "true")
	}
}

// Token adds a bearer token to every request
func Token(token string) func(*csClient) {
	return func(c *csClient) {
		c.token = token
	}
}

// NewContextSyncClient returns a client for the service at baseURL. The schema
// is used to decode the entity graphs that the service responds with.
func NewContextSyncClient(baseURL string, schema entities.Schema, options ...func(*csClient)) ContextSyncClient {
	c := &csClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		schema:  schema,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	for _, option := range options {
		option(c)
	}

	return c
}

const (
	TraceAttributeSession    string = "session"
	TraceAttributeEntityType string = "entity-type"
)

var tracer = otel.Tracer("context-sync-client")

type csClient struct {
	baseURL    string
	schema     entities.Schema
	token      string
	debug      bool
	httpClient http.Client
}

func (c *csClient) PublishBatch(ctx context.Context, batch changes.Batch) error {
	var err error

	ctx, span := tracer.Start(ctx, "publish-batch",
		trace.WithAttributes(attribute.String("batch-id", batch.ID.String())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	resp, respBody, err := c.call(ctx, http.MethodPost, c.baseURL+"/api/v1/batches", bytes.NewBuffer(body))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusAccepted {
		err = newErrorFromProblemReport(resp.StatusCode, respBody)
		return err
	}

	return nil
}

func (c *csClient) MergeGraph(ctx context.Context, session string, root *entities.Entity) (*entities.Entity, error) {
	var err error

	ctx, span := tracer.Start(ctx, "merge-graph",
		trace.WithAttributes(attribute.String(TraceAttributeSession, session)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, root.Type())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	body, err := entities.MarshalGraph(root)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/api/v1/sessions/" + url.PathEscape(session) + "/merge"

	resp, respBody, err := c.call(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		err = newErrorFromProblemReport(resp.StatusCode, respBody)
		return nil, err
	}

	merged, err := entities.NewFromJSON(respBody, c.schema)
	return merged, err
}

func (c *csClient) FindEntity(ctx context.Context, session, entityType string, key ...any) (*entities.Entity, entities.State, error) {
	var err error

	ctx, span := tracer.Start(ctx, "find-entity",
		trace.WithAttributes(attribute.String(TraceAttributeSession, session)),
		trace.WithAttributes(attribute.String(TraceAttributeEntityType, entityType)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	params := url.Values{}
	for _, k := range key {
		params.Add("key", fmt.Sprintf("%v", k))
	}

	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/entities/%s?%s",
		c.baseURL, url.PathEscape(session), url.PathEscape(entityType), params.Encode(),
	)

	resp, respBody, err := c.call(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, entities.Detached, err
	}

	if resp.StatusCode != http.StatusOK {
		err = newErrorFromProblemReport(resp.StatusCode, respBody)
		return nil, entities.Detached, err
	}

	found := struct {
		State  entities.State  `json:"state"`
		Entity json.RawMessage `json:"entity"`
	}{}

	err = json.Unmarshal(respBody, &found)
	if err != nil {
		return nil, entities.Detached, err
	}

	e, err := entities.NewFromJSON(found.Entity, c.schema)
	if err != nil {
		return nil, entities.Detached, err
	}

	return e, found.State, nil
}

func (c *csClient) call(ctx context.Context, method, endpoint string, body io.Reader) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Add("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %w", err)
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if c.debug && resp.StatusCode >= http.StatusBadRequest {
		reqbytes, _ := httputil.DumpRequest(req, false)
		respbytes, _ := httputil.DumpResponse(resp, false)

		logging.GetFromContext(ctx).Error("request failed", "request", string(reqbytes), "response", string(respbytes))
	}

	return resp, respBody, nil
}

func newErrorFromProblemReport(code int, body []byte) error {
	report := &struct {
		Type   string `json:"type"`
		Detail string `json:"detail"`
	}{}

	err := json.Unmarshal(body, report)
	if err != nil {
		return fmt.Errorf("unexpected response code %d", code)
	}

	name := report.Type[strings.LastIndex(report.Type, "/")+1:]

	switch name {
	case "ResourceNotFound":
		return errors.NewNotFoundError(report.Detail)
	case "MissingIdentity":
		return errors.NewMissingIdentityError(report.Detail)
	case "UnsupportedChangeShape":
		return errors.NewUnsupportedChangeShapeError(report.Detail)
	case "UnknownEntityType":
		return errors.NewUnknownEntityTypeError(report.Detail)
	}

	return fmt.Errorf("[code: %d] problem report of type %q with detail %q received", code, report.Type, report.Detail)
}
