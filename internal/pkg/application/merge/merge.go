package merge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/diwise/context-sync/internal/pkg/infrastructure/identitymap"
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

var tracer = otel.Tracer("context-sync/merge")

// Engine folds caller supplied object graphs into an identity map. Like the
// store it works on, it is not safe for concurrent use.
type Engine struct {
	provider model.Provider
	store    identitymap.Store
}

func New(provider model.Provider, store identitymap.Store) *Engine {
	return &Engine{
		provider: provider,
		store:    store,
	}
}

// node is one entity of the incoming graph together with its resolved
// identity and the coerced values of the properties it supplied
type node struct {
	entity *entities.Entity
	et     *model.EntityType
	key    values.Key
	props  map[string]values.Value

	tracked *entities.Entity
	adopted bool
}

// Merge walks the graph rooted at root and returns the tracked counterpart of
// root. Entities not yet tracked are adopted in place with state Added, while
// tracked entities keep their identity and only receive differing values.
// Every node is resolved before the identity map is touched, so a graph that
// can not be identified leaves the map as it was.
func (eng *Engine) Merge(ctx context.Context, root *entities.Entity) (_ *entities.Entity, err error) {
	if root == nil {
		return nil, errors.NewMissingIdentityError("nothing to merge")
	}

	ctx, span := tracer.Start(ctx, "merge-graph",
		trace.WithAttributes(attribute.String("entity.type", root.Type())),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	p := &planner{
		provider: eng.provider,
		store:    eng.store,
		visited:  map[*entities.Entity]*node{},
	}

	if err = p.visit(root, nil, ""); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("merge.nodes", len(p.nodes)))

	adopted, modified := 0, 0

	for _, n := range p.nodes {
		changed, err := eng.reconcile(n)
		if err != nil {
			return nil, err
		}

		if n.adopted {
			adopted++
		} else if changed {
			modified++
		}
	}

	for _, n := range p.nodes {
		eng.fixNavigations(n, p.visited)
	}

	logging.GetFromContext(ctx).Debug("merged graph",
		slog.String("type", root.Type()),
		slog.Int("nodes", len(p.nodes)),
		slog.Int("adopted", adopted),
		slog.Int("modified", modified),
	)

	return p.visited[root].tracked, nil
}

func (eng *Engine) reconcile(n *node) (bool, error) {
	h, found := eng.store.FindByKey(n.et.Name, n.key)

	if !found {
		for name, v := range n.props {
			n.entity.Set(name, v)
		}

		if _, err := eng.store.Add(n.et.Name, n.key, n.entity, entities.Added); err != nil {
			return false, err
		}

		n.tracked = n.entity
		n.adopted = true

		return true, nil
	}

	n.tracked, _ = eng.store.Entity(h)
	if n.tracked == n.entity {
		return false, nil
	}

	changed := false

	for _, name := range sortedNames(n.props) {
		if n.et.IsKey(name) {
			continue
		}

		incoming := n.props[name]
		current, _ := eng.store.CurrentValue(h, name)

		if values.Equivalent(current, incoming) {
			continue
		}

		if err := eng.store.SetValue(h, name, incoming); err != nil {
			return false, err
		}

		changed = true
	}

	if changed && eng.store.State(h) == entities.Unchanged {
		if err := eng.store.SetState(h, entities.Modified); err != nil {
			return false, err
		}
	}

	return changed, nil
}

type navigation struct {
	name         string
	members      []*entities.Entity
	isCollection bool
}

func navigationsOf(e *entities.Entity) []navigation {
	navs := []navigation{}
	e.ForEachNavigation(func(name string, members []*entities.Entity, isCollection bool) {
		navs = append(navs, navigation{name: name, members: members, isCollection: isCollection})
	})
	return navs
}

// fixNavigations points the navigations of a tracked entity at tracked
// counterparts of the incoming targets
func (eng *Engine) fixNavigations(n *node, visited map[*entities.Entity]*node) {
	navs := navigationsOf(n.entity)

	counterpart := func(e *entities.Entity) *entities.Entity {
		if target, ok := visited[e]; ok {
			return target.tracked
		}
		return nil
	}

	for _, nav := range navs {
		if !nav.isCollection {
			incoming := counterpart(nav.members[0])

			if !n.adopted {
				if current := n.tracked.Reference(nav.name); current != nil {
					if _, live := eng.store.HandleOf(current); live {
						continue
					}
				}
			}

			n.tracked.SetReference(nav.name, incoming)
			continue
		}

		if n.adopted || n.tracked == n.entity {
			n.tracked.SetCollection(nav.name, []*entities.Entity{})
		}

		for _, m := range nav.members {
			if cp := counterpart(m); cp != nil {
				n.tracked.AppendUnique(nav.name, cp)
			}
		}
	}
}

type planner struct {
	provider model.Provider
	store    identitymap.Store
	visited  map[*entities.Entity]*node
	nodes    []*node
}

// visit resolves e and everything reachable from it, depth first. owner is
// set when e was reached through an owned navigation of owner.
func (p *planner) visit(e *entities.Entity, owner *node, via string) error {
	if _, seen := p.visited[e]; seen {
		return nil
	}

	et, err := p.provider.ResolveType(e.Type())
	if err != nil {
		return err
	}

	n := &node{
		entity: e,
		et:     et,
		props:  map[string]values.Value{},
	}

	var coercionErr error
	e.ForEachProperty(func(name string, v values.Value) {
		if coercionErr != nil {
			return
		}

		pd, ok := et.Property(name)
		if !ok {
			coercionErr = errors.NewPropertyCoercionError(et.Name, name, fmt.Errorf("property is not declared"))
			return
		}

		cv, err := values.Coerce(v, pd.Type)
		if err != nil {
			coercionErr = errors.NewPropertyCoercionError(et.Name, name, err)
			return
		}

		n.props[name] = cv
	})
	if coercionErr != nil {
		return coercionErr
	}

	n.key, err = p.identify(n, owner, via)
	if err != nil {
		return err
	}

	// a tracked instance can only be merged under the key it is tracked by
	if h, tracked := p.store.HandleOf(e); tracked {
		if found, ok := p.store.FindByKey(et.Name, n.key); !ok || found != h {
			trackedKey, _ := p.store.Key(h)
			return errors.NewMissingIdentityError(
				fmt.Sprintf("%s is tracked as %s but its key properties now read %s", et.Name, trackedKey.String(), n.key.String()),
			)
		}
	}

	p.visited[e] = n
	p.nodes = append(p.nodes, n)

	for _, nav := range navigationsOf(e) {
		nd, ok := et.Navigation(nav.name)
		if !ok {
			return errors.NewUnsupportedChangeShapeError(fmt.Sprintf("%s has no navigation named %s", et.Name, nav.name))
		}

		if nd.Kind.IsCollection() != nav.isCollection {
			return errors.NewUnsupportedChangeShapeError(fmt.Sprintf("%s.%s is a %s navigation", et.Name, nav.name, nd.Kind))
		}

		var memberOwner *node
		if nd.Kind.IsOwned() {
			memberOwner = n
		}

		for _, m := range nav.members {
			if m == nil {
				continue
			}
			if err := p.visit(m, memberOwner, et.Name+"."+nav.name); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *planner) identify(n *node, owner *node, via string) (values.Key, error) {
	shape, err := p.provider.KeyShape(n.et.Name)
	if err != nil {
		return nil, err
	}

	key := make(values.Key, 0, shape.Len())

	if n.et.IsOwned() {
		if owner == nil || owner.et.Name != n.et.Owner {
			return nil, errors.NewMissingIdentityError(
				fmt.Sprintf("owned %s must be reached through its owner %s", n.et.Name, n.et.Owner),
			)
		}
		key = append(key, owner.key...)
	}

	for _, pd := range shape.Local {
		v, ok := n.props[pd.Name]
		if !ok || v.IsNull() {
			msg := fmt.Sprintf("key property %s.%s is not set", n.et.Name, pd.Name)
			if via != "" {
				msg += " (reached through " + via + ")"
			}
			return nil, errors.NewMissingIdentityError(msg)
		}
		key = append(key, v)
	}

	return key, nil
}

func sortedNames(props map[string]values.Value) []string {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
