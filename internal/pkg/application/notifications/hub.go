package notifications

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

type Notification = changes.Change[*entities.Entity]

// Hub multicasts notifications to its subscribers. Subscribers only see
// notifications published after they subscribed.
type Hub struct {
	bufferSize int

	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	return &Hub{
		bufferSize:  bufferSize,
		subscribers: map[*Subscription]struct{}{},
	}
}

type Subscription struct {
	hub      *Hub
	typeName string

	changes chan Notification
	once    sync.Once

	dropped atomic.Int64
}

// Changes delivers the notifications of the subscription until it is closed
func (s *Subscription) Changes() <-chan Notification {
	return s.changes
}

// Dropped returns how many notifications this subscriber has missed
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()

		delete(s.hub.subscribers, s)
		close(s.changes)
	})
}

// Subscribe returns a subscription to the notifications for entities of the
// named type, or for every type if typeName is empty
func (h *Hub) Subscribe(typeName string) *Subscription {
	s := &Subscription{
		hub:      h,
		typeName: typeName,
		changes:  make(chan Notification, h.bufferSize),
	}

	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	h.mu.Unlock()

	return s
}

// Publish never blocks. A subscriber that does not keep up loses the
// notifications that do not fit in its buffer.
func (h *Hub) Publish(ctx context.Context, notifications []Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subscribers {
		for _, n := range notifications {
			if s.typeName != "" && s.typeName != n.Entity.Type() {
				continue
			}

			select {
			case s.changes <- n:
			default:
				dropped := s.dropped.Add(1)
				logging.GetFromContext(ctx).Warn("subscriber is not keeping up, dropping notification",
					slog.String("type", n.Entity.Type()),
					slog.String("kind", n.Kind.String()),
					slog.Int64("dropped", dropped),
				)
			}
		}
	}
}

// Project turns a subscription into a typed stream. Notifications that project
// rejects are skipped. The stream ends when the subscription is closed or ctx
// is done, whichever happens first.
func Project[T any](ctx context.Context, s *Subscription, project func(*entities.Entity) (T, bool)) <-chan changes.Change[T] {
	typed := make(chan changes.Change[T], cap(s.changes))

	go func() {
		defer close(typed)

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-s.changes:
				if !ok {
					return
				}
				c, accepted := changes.Map(n, project)
				if !accepted {
					continue
				}
				select {
				case typed <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return typed
}
