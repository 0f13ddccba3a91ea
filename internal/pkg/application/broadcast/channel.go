package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/diwise/context-sync/pkg/changes"
	"github.com/google/uuid"
)

type SubscriptionState int

const (
	Active SubscriptionState = iota
	Closed
)

func (s SubscriptionState) String() string {
	if s == Active {
		return "Active"
	}
	return "Closed"
}

var ErrChannelClosed = fmt.Errorf("channel closed")

// Channel is an in-process multicast of change batches. Every subscriber sees
// every batch published after it subscribed, in publication order.
type Channel struct {
	bufferSize int

	publishing sync.Mutex

	mu          sync.RWMutex
	closed      bool
	subscribers map[uuid.UUID]*Subscription
}

type Option func(*Channel)

func WithBufferSize(size int) Option {
	return func(c *Channel) {
		c.bufferSize = size
	}
}

func New(opts ...Option) *Channel {
	c := &Channel{
		bufferSize:  16,
		subscribers: map[uuid.UUID]*Subscription{},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type Subscription struct {
	id      uuid.UUID
	channel *Channel

	batches chan changes.Batch
	done    chan struct{}
	once    sync.Once
}

func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Batches is closed once the subscription has been closed
func (s *Subscription) Batches() <-chan changes.Batch {
	return s.batches
}

func (s *Subscription) State() SubscriptionState {
	select {
	case <-s.done:
		return Closed
	default:
		return Active
	}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)

		c := s.channel
		c.mu.Lock()
		defer c.mu.Unlock()

		delete(c.subscribers, s.id)
		close(s.batches)
	})
}

func (c *Channel) Subscribe() (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}

	s := &Subscription{
		id:      uuid.New(),
		channel: c,
		batches: make(chan changes.Batch, c.bufferSize),
		done:    make(chan struct{}),
	}

	c.subscribers[s.id] = s

	return s, nil
}

// Publish hands the batch to every active subscriber. It blocks while a
// subscriber's buffer is full, until the subscriber catches up, closes its
// subscription or ctx is done.
func (c *Channel) Publish(ctx context.Context, batch changes.Batch) error {
	c.publishing.Lock()
	defer c.publishing.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrChannelClosed
	}

	for _, s := range c.subscribers {
		select {
		case s.batches <- batch:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (c *Channel) Subscribers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.subscribers)
}

// Close closes every subscription and refuses further batches
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	subscribers := make([]*Subscription, 0, len(c.subscribers))
	for _, s := range c.subscribers {
		subscribers = append(subscribers, s)
	}
	c.mu.Unlock()

	for _, s := range subscribers {
		s.Close()
	}
}
