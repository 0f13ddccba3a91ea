package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/diwise/context-sync/internal/pkg/application/session"
	"github.com/diwise/context-sync/internal/pkg/infrastructure/identitymap"
	"github.com/diwise/context-sync/internal/pkg/presentation/api/auth"
	"github.com/diwise/context-sync/internal/pkg/presentation/api/problems"
	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("context-sync/api")

// NewPublishBatchHandler accepts a change batch and broadcasts it to every
// attached session
func NewPublishBatchHandler(app session.Manager, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "publish-batch")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			problems.NewInvalidRequest("unable to read request body").WriteResponse(w)
			return
		}

		batch, err := changes.NewBatchFromJSON(body)
		if err != nil {
			problems.NewInvalidRequest(fmt.Sprintf("unable to decode change batch: %s", err.Error())).WriteResponse(w)
			return
		}

		types := []string{}
		for _, evt := range batch.Events {
			if !slices.Contains(types, evt.EntityType()) {
				types = append(types, evt.EntityType())
			}
		}

		err = authenticator.CheckAccess(ctx, r, "", types)
		if err != nil {
			problems.NewUnauthorizedRequest(err.Error()).WriteResponse(w)
			return
		}

		span.SetAttributes(attribute.String("batch.id", batch.ID.String()))

		err = app.Publish(ctx, batch)
		if err != nil {
			problems.NewInternalError(err.Error()).WriteResponse(w)
			return
		}

		logging.GetFromContext(ctx).Debug("batch published", "batch", batch.ID.String(), "events", len(batch.Events))

		w.Header().Add("Location", "/api/v1/batches/"+batch.ID.String())
		w.WriteHeader(http.StatusAccepted)
	}
}

type sessionInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Tracked int    `json:"tracked"`
}

// NewListSessionsHandler lists the running sessions and how many entities each
// one is tracking
func NewListSessionsHandler(app session.Manager, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "list-sessions")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = authenticator.CheckAccess(ctx, r, "", nil)
		if err != nil {
			problems.NewUnauthorizedRequest(err.Error()).WriteResponse(w)
			return
		}

		result := []sessionInfo{}

		for _, s := range app.Sessions() {
			info := sessionInfo{ID: s.ID().String(), Name: s.Name()}

			err = s.View(ctx, func(store identitymap.Store) error {
				info.Tracked = store.Len()
				return nil
			})
			if errors.Is(err, session.ErrNotRunning) {
				err = nil
				continue
			}
			if err != nil {
				problems.ReportError(w, err)
				return
			}

			result = append(result, info)
		}

		writeJSON(w, http.StatusOK, result)
	}
}

// NewMergeGraphHandler folds the posted entity graph into a session and
// responds with the tracked graph
func NewMergeGraphHandler(app session.Manager, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		sessionID := chi.URLParam(r, "sessionId")

		ctx, span := tracer.Start(r.Context(), "merge-graph", trace.WithAttributes(attribute.String("session", sessionID)))
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		s, err := app.Session(sessionID)
		if err != nil {
			problems.ReportError(w, err)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			problems.NewInvalidRequest("unable to read request body").WriteResponse(w)
			return
		}

		root, err := entities.NewFromJSON(body, app.Schema())
		if err != nil {
			problems.NewInvalidRequest(err.Error()).WriteResponse(w)
			return
		}

		err = authenticator.CheckAccess(ctx, r, s.Name(), []string{root.Type()})
		if err != nil {
			problems.NewUnauthorizedRequest(err.Error()).WriteResponse(w)
			return
		}

		tracked, err := s.Merge(ctx, root)
		if err != nil {
			reportSessionError(w, err)
			return
		}

		var response []byte
		err = s.View(ctx, func(identitymap.Store) error {
			response, err = entities.MarshalGraph(tracked)
			return err
		})
		if err != nil {
			reportSessionError(w, err)
			return
		}

		w.Header().Add("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(response)
	}
}

type foundEntity struct {
	State  entities.State  `json:"state"`
	Entity json.RawMessage `json:"entity"`
}

// NewFindEntityHandler looks up a tracked entity by type and the values of
// one or more key query parameters, in key order
func NewFindEntityHandler(app session.Manager, authenticator auth.Enticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		sessionID := chi.URLParam(r, "sessionId")
		entityType := chi.URLParam(r, "entityType")

		ctx, span := tracer.Start(r.Context(), "find-entity", trace.WithAttributes(
			attribute.String("session", sessionID),
			attribute.String("entity.type", entityType),
		))
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		s, err := app.Session(sessionID)
		if err != nil {
			problems.ReportError(w, err)
			return
		}

		err = authenticator.CheckAccess(ctx, r, s.Name(), []string{entityType})
		if err != nil {
			problems.NewUnauthorizedRequest(err.Error()).WriteResponse(w)
			return
		}

		keyValues := r.URL.Query()["key"]
		if len(keyValues) == 0 {
			err = errors.New("at least one key value must be present in a request for an entity")
			problems.NewBadRequestData(err.Error()).WriteResponse(w)
			return
		}

		key := make([]any, 0, len(keyValues))
		for _, v := range keyValues {
			key = append(key, v)
		}

		entity, state, err := s.Find(ctx, entityType, key)
		if err != nil {
			reportSessionError(w, err)
			return
		}

		result := foundEntity{State: state}
		err = s.View(ctx, func(identitymap.Store) error {
			result.Entity, err = entities.MarshalGraph(entity)
			return err
		})
		if err != nil {
			reportSessionError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func reportSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotRunning) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	problems.ReportError(w, err)
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		problems.NewInternalError(err.Error()).WriteResponse(w)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
