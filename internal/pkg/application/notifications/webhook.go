package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Notifier interface {
	Start() error
	Stop() error

	Notify(ctx context.Context, sessionID string, notifications []Notification)
}

var tracer = otel.Tracer("context-sync/notifier")

type action func()

type notifier struct {
	started  bool
	endpoint string

	httpClient http.Client
	queue      chan action
}

func NewNotifier(ctx context.Context, endpoint string) (Notifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("a notification endpoint is required")
	}

	return &notifier{
		endpoint: endpoint,
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
		queue: make(chan action, 32),
	}, nil
}

func (n *notifier) Start() error {
	if n.started {
		return fmt.Errorf("already started")
	}

	n.started = true

	go n.run()

	return nil
}

func (n *notifier) Stop() error {
	if n.started {
		// Create a result channel so that we can wait for completion
		resultChan := make(chan bool)

		n.queue <- func() {
			resultChan <- true
		}

		// blocking read until every queued notification has been posted
		<-resultChan

		n.queue <- nil
		n.started = false
	}
	return nil
}

func (n *notifier) Notify(ctx context.Context, sessionID string, notifications []Notification) {
	if !n.started || len(notifications) == 0 {
		return
	}

	var err error

	logger := logging.GetFromContext(ctx)

	body, err := newMessage(sessionID, notifications)
	if err != nil {
		logger.Error("failed to create notification", "err", err.Error())
		return
	}

	ctx, span := tracer.Start(
		tracing.ExtractHeaders(context.Background(), tracing.InjectHeaders(ctx)),
		"post",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)

	n.queue <- func() {
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = n.post(ctx, body)
		if err != nil {
			logger.Error("failed to post notification", "err", err.Error())
		}
	}
}

type message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SessionID  string    `json:"sessionId"`
	NotifiedAt time.Time `json:"notifiedAt"`
	Data       []item    `json:"data"`
}

type item struct {
	Kind       string          `json:"kind"`
	EntityType string          `json:"entityType"`
	Entity     json.RawMessage `json:"entity"`
}

func newMessage(sessionID string, notifications []Notification) ([]byte, error) {
	m := message{
		ID:         fmt.Sprintf("urn:ngsi-ld:Notification:%s", uuid.NewString()),
		Type:       "Notification",
		SessionID:  sessionID,
		NotifiedAt: time.Now().UTC(),
		Data:       make([]item, 0, len(notifications)),
	}

	for _, n := range notifications {
		graph, err := entities.MarshalGraph(n.Entity)
		if err != nil {
			return nil, fmt.Errorf("marshalling error (%w)", err)
		}

		m.Data = append(m.Data, item{
			Kind:       n.Kind.String(),
			EntityType: n.Entity.Type(),
			Entity:     graph,
		})
	}

	return json.MarshalIndent(m, "", " ")
}

func (n *notifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("unable to create new request (%w)", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request (%w)", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected response code %d", resp.StatusCode)
	}

	return nil
}

func (n *notifier) run() {
	// repeat until we receive the nil action
	for action := range n.queue {
		if action == nil {
			return
		}

		action()
	}
}
