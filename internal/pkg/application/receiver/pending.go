package receiver

import (
	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
)

// pendingJoins is a bounded FIFO of skip navigation changes waiting for
// their endpoints to be tracked
type pendingJoins struct {
	limit  int
	events []changes.SkipNavigationChange
}

func newPendingJoins(limit int) *pendingJoins {
	return &pendingJoins{limit: limit}
}

// push appends e, evicting and returning the oldest change if the buffer is full
func (p *pendingJoins) push(e changes.SkipNavigationChange) (changes.SkipNavigationChange, bool) {
	var evicted changes.SkipNavigationChange
	full := len(p.events) >= p.limit

	if full {
		evicted = p.events[0]
		p.events = p.events[1:]
	}

	p.events = append(p.events, e)

	return evicted, full
}

func (p *pendingJoins) drain() []changes.SkipNavigationChange {
	drained := p.events
	p.events = nil
	return drained
}

func (p *pendingJoins) len() int {
	return len(p.events)
}

// collector deduplicates notifications so that each entity is reported once
// per batch, in order of first appearance and with the kind of the last change
type collector struct {
	order []*entities.Entity
	kinds map[*entities.Entity]changes.Kind
}

func newCollector() *collector {
	return &collector{kinds: map[*entities.Entity]changes.Kind{}}
}

func (c *collector) add(e *entities.Entity, kind changes.Kind) {
	if _, seen := c.kinds[e]; !seen {
		c.order = append(c.order, e)
	}
	c.kinds[e] = kind
}

func (c *collector) notifications() []Notification {
	result := make([]Notification, 0, len(c.order))
	for _, e := range c.order {
		result = append(result, Notification{Kind: c.kinds[e], Entity: e})
	}
	return result
}
