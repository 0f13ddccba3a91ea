package receiver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/diwise/context-sync/internal/pkg/infrastructure/identitymap"
	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/context-sync/pkg/errors"
	"github.com/diwise/context-sync/pkg/model"
	"github.com/diwise/context-sync/pkg/values"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("context-sync/receiver")

type Notification = changes.Change[*entities.Entity]

// Receiver applies change batches to an identity map. It is not safe for
// concurrent use, callers serialize Apply with any other use of the store.
type Receiver struct {
	provider model.Provider
	store    identitymap.Store
	pending  *pendingJoins
}

type Option func(*Receiver)

// WithPendingJoins makes the receiver hold on to at most limit skip navigation
// changes whose endpoints are not tracked yet, retrying them after every batch.
// A limit of zero, the default, drops such changes.
func WithPendingJoins(limit int) Option {
	return func(r *Receiver) {
		if limit > 0 {
			r.pending = newPendingJoins(limit)
		} else {
			r.pending = nil
		}
	}
}

func New(provider model.Provider, store identitymap.Store, opts ...Option) *Receiver {
	r := &Receiver{
		provider: provider,
		store:    store,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Apply applies the events of a batch in order and returns one notification per
// affected entity. The first failing event aborts the rest of the batch, the
// notifications for events applied before it are returned along with the error.
func (r *Receiver) Apply(ctx context.Context, batch changes.Batch) (_ []Notification, err error) {
	ctx, span := tracer.Start(ctx, "apply-batch",
		trace.WithAttributes(
			attribute.String("batch.id", batch.ID.String()),
			attribute.Int("batch.events", len(batch.Events)),
		),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	c := newCollector()

	for idx, evt := range batch.Events {
		err = r.applyEvent(ctx, evt, c)
		if err != nil {
			return c.notifications(), fmt.Errorf("event %d of batch %s: %w", idx, batch.ID, err)
		}
	}

	r.retryPending(ctx, c)

	return c.notifications(), nil
}

// Pending returns the number of buffered skip navigation changes
func (r *Receiver) Pending() int {
	if r.pending == nil {
		return 0
	}
	return r.pending.len()
}

func (r *Receiver) applyEvent(ctx context.Context, evt changes.Event, c *collector) error {
	switch e := evt.(type) {
	case changes.PropertiesChange:
		return r.applyProperties(ctx, e, c)
	case changes.SkipNavigationChange:
		return r.applySkipNavigation(ctx, e, c)
	}

	return errors.NewUnsupportedChangeShapeError(fmt.Sprintf("unsupported event %T", evt))
}

func (r *Receiver) applyProperties(ctx context.Context, e changes.PropertiesChange, c *collector) error {
	et, err := r.provider.ResolveType(e.Type)
	if err != nil {
		return err
	}

	shape, err := r.provider.KeyShape(e.Type)
	if err != nil {
		return err
	}

	key, err := model.CoerceKey(e.Type, shape, e.Key)
	if err != nil {
		return err
	}

	h, found := r.store.FindByKey(e.Type, key)

	switch e.Lifecycle {
	case entities.Added:
		if found {
			existing, _ := r.store.Entity(h)
			c.add(existing, changes.CreateOrUpdate)
			return nil
		}

		props, err := coerceProperties(et, e.Properties)
		if err != nil {
			return err
		}

		entity, err := r.provider.NewInstance(e.Type)
		if err != nil {
			return err
		}

		for idx, p := range shape.Local {
			entity.Set(p.Name, key[shape.OwnerComponents+idx])
		}
		for name, v := range props {
			if !et.IsKey(name) {
				entity.Set(name, v)
			}
		}

		if _, err = r.store.Add(e.Type, key, entity, entities.Unchanged); err != nil {
			return err
		}

		c.add(entity, changes.CreateOrUpdate)

	case entities.Modified:
		if !found {
			logging.GetFromContext(ctx).Debug("dropping modification of untracked entity",
				slog.String("type", e.Type), slog.String("key", key.String()))
			return nil
		}

		props, err := coerceProperties(et, e.Properties)
		if err != nil {
			return err
		}

		for name, v := range props {
			if !et.IsKey(name) {
				continue
			}
			if current, _ := r.store.CurrentValue(h, name); !current.Equal(v) {
				return errors.NewUnsupportedChangeShapeError(
					fmt.Sprintf("key property %s.%s can not be modified", e.Type, name),
				)
			}
		}

		for name, v := range props {
			if et.IsKey(name) {
				continue
			}
			if err = r.store.SetValue(h, name, v); err != nil {
				return err
			}
		}

		if err = r.store.SetState(h, entities.Unchanged); err != nil {
			return err
		}

		existing, _ := r.store.Entity(h)
		c.add(existing, changes.CreateOrUpdate)

	case entities.Deleted:
		if !found {
			logging.GetFromContext(ctx).Debug("dropping deletion of untracked entity",
				slog.String("type", e.Type), slog.String("key", key.String()))
			return nil
		}

		// navigations of other tracked entities keep pointing at it
		existing, _ := r.store.Entity(h)
		if err = r.store.Remove(h); err != nil {
			return err
		}

		c.add(existing, changes.Delete)

	default:
		return errors.NewUnsupportedChangeShapeError(
			fmt.Sprintf("%s change for %s is not supported", e.Lifecycle, e.Type),
		)
	}

	return nil
}

func (r *Receiver) applySkipNavigation(ctx context.Context, e changes.SkipNavigationChange, c *collector) error {
	if e.Lifecycle != entities.Added {
		return errors.NewUnsupportedChangeShapeError(
			fmt.Sprintf("%s change for join type %s is not supported", e.Lifecycle, e.Type),
		)
	}

	link, err := r.resolveLink(e)
	if err != nil {
		return err
	}

	dh, declaringFound := r.store.FindByKey(link.declaringType, link.declaringKey)
	th, targetFound := r.store.FindByKey(link.targetType, link.targetKey)

	if !declaringFound || !targetFound {
		logger := logging.GetFromContext(ctx).With(
			slog.String("type", e.Type),
			slog.String("declaring", link.declaringType+link.declaringKey.String()),
			slog.String("target", link.targetType+link.targetKey.String()),
		)

		if r.pending == nil {
			logger.Debug("dropping skip navigation change with untracked endpoints")
			return nil
		}

		if evicted, ok := r.pending.push(e); ok {
			logger.Warn("pending join buffer is full, evicting oldest change",
				slog.String("evicted", evicted.Type),
				slog.Int("limit", r.pending.limit),
			)
		}

		logger.Debug("deferring skip navigation change until its endpoints are tracked")
		return nil
	}

	declaring, _ := r.store.Entity(dh)
	target, _ := r.store.Entity(th)

	declaring.AppendUnique(e.Navigation, target)

	joinEntity, err := r.trackJoin(e.Type, link.joinKey)
	if err != nil {
		return err
	}

	c.add(joinEntity, changes.CreateOrUpdate)

	return nil
}

type link struct {
	declaringType string
	declaringKey  values.Key
	targetType    string
	targetKey     values.Key
	joinKey       values.Key
}

func (r *Receiver) resolveLink(e changes.SkipNavigationChange) (link, error) {
	join, ok := r.provider.FindJoin(e.Type)
	if !ok {
		if _, err := r.provider.ResolveType(e.Type); err != nil {
			return link{}, err
		}
		return link{}, errors.NewUnsupportedChangeShapeError(fmt.Sprintf("%s is not a join type", e.Type))
	}

	l := link{
		declaringType: join.Declaring.Type,
		targetType:    join.Target.Type,
	}

	if e.DeclaringType != "" && e.DeclaringType != l.declaringType {
		return link{}, errors.NewUnsupportedChangeShapeError(
			fmt.Sprintf("join type %s is declared by %s, not %s", e.Type, l.declaringType, e.DeclaringType),
		)
	}
	if e.TargetType != "" && e.TargetType != l.targetType {
		return link{}, errors.NewUnsupportedChangeShapeError(
			fmt.Sprintf("join type %s targets %s, not %s", e.Type, l.targetType, e.TargetType),
		)
	}

	declaringET, err := r.provider.ResolveType(l.declaringType)
	if err != nil {
		return link{}, err
	}

	nav, ok := declaringET.Navigation(e.Navigation)
	if !ok || !nav.Kind.IsCollection() || nav.Target != l.targetType {
		return link{}, errors.NewUnsupportedChangeShapeError(
			fmt.Sprintf("%s has no collection navigation %q to %s", l.declaringType, e.Navigation, l.targetType),
		)
	}

	l.declaringKey, err = r.coerceKey(l.declaringType, e.DeclaringKey)
	if err != nil {
		return link{}, err
	}

	l.targetKey, err = r.coerceKey(l.targetType, e.TargetKey)
	if err != nil {
		return link{}, err
	}

	l.joinKey = l.declaringKey.Concat(l.targetKey)

	if len(e.Key) > 0 {
		rowKey, err := r.coerceKey(e.Type, e.Key)
		if err != nil {
			return link{}, err
		}
		if !rowKey.Equal(l.joinKey) {
			return link{}, errors.NewUnsupportedChangeShapeError(
				fmt.Sprintf("key %s of %s does not match its endpoints %s", rowKey, e.Type, l.joinKey),
			)
		}
	}

	return l, nil
}

func (r *Receiver) coerceKey(typeName string, raw []any) (values.Key, error) {
	shape, err := r.provider.KeyShape(typeName)
	if err != nil {
		return nil, err
	}
	return model.CoerceKey(typeName, shape, raw)
}

func (r *Receiver) trackJoin(typeName string, key values.Key) (*entities.Entity, error) {
	if h, found := r.store.FindByKey(typeName, key); found {
		existing, _ := r.store.Entity(h)
		return existing, nil
	}

	et, err := r.provider.ResolveType(typeName)
	if err != nil {
		return nil, err
	}

	entity, err := r.provider.NewInstance(typeName)
	if err != nil {
		return nil, err
	}

	for idx, name := range et.Key {
		entity.Set(name, key[idx])
	}

	if _, err = r.store.Add(typeName, key, entity, entities.Unchanged); err != nil {
		return nil, err
	}

	return entity, nil
}

func (r *Receiver) retryPending(ctx context.Context, c *collector) {
	if r.pending == nil || r.pending.len() == 0 {
		return
	}

	for _, e := range r.pending.drain() {
		err := r.applySkipNavigation(ctx, e, c)
		if err != nil {
			logging.GetFromContext(ctx).Warn("discarding pending skip navigation change",
				slog.String("type", e.Type), "err", err.Error())
		}
	}
}

func coerceProperties(et *model.EntityType, raw map[string]any) (map[string]values.Value, error) {
	props := make(map[string]values.Value, len(raw))

	for name, rv := range raw {
		p, ok := et.Property(name)
		if !ok {
			return nil, errors.NewUnsupportedChangeShapeError(
				fmt.Sprintf("%s has no property named %s", et.Name, name),
			)
		}

		v, err := values.Coerce(rv, p.Type)
		if err != nil {
			return nil, errors.NewPropertyCoercionError(et.Name, name, err)
		}

		props[name] = v
	}

	return props, nil
}
