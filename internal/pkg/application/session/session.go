package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/diwise/context-sync/internal/pkg/application/broadcast"
	"github.com/diwise/context-sync/internal/pkg/application/merge"
	"github.com/diwise/context-sync/internal/pkg/application/notifications"
	"github.com/diwise/context-sync/internal/pkg/application/receiver"
	"github.com/diwise/context-sync/internal/pkg/infrastructure/identitymap"
	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/context-sync/pkg/errors"
	"github.com/diwise/context-sync/pkg/model"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/google/uuid"
)

var ErrNotRunning = fmt.Errorf("session is not running")

type action func()

// Session owns an identity map and serializes every operation on it through
// a single goroutine
type Session struct {
	id   uuid.UUID
	name string

	provider model.Provider
	store    identitymap.Store
	receiver *receiver.Receiver
	merger   *merge.Engine

	hub      *notifications.Hub
	notifier notifications.Notifier

	mu            sync.RWMutex
	started       bool
	queue         chan action
	stopped       chan struct{}
	subscriptions []*broadcast.Subscription
}

type Option func(*sessionOptions)

type sessionOptions struct {
	name         string
	pendingJoins int
	bufferSize   int
	notifier     notifications.Notifier
}

func WithName(name string) Option {
	return func(o *sessionOptions) { o.name = name }
}

// WithPendingJoins buffers up to limit skip navigation changes with
// untracked endpoints instead of dropping them
func WithPendingJoins(limit int) Option {
	return func(o *sessionOptions) { o.pendingJoins = limit }
}

func WithNotificationBuffer(size int) Option {
	return func(o *sessionOptions) { o.bufferSize = size }
}

func WithNotifier(n notifications.Notifier) Option {
	return func(o *sessionOptions) { o.notifier = n }
}

func New(provider model.Provider, opts ...Option) *Session {
	o := &sessionOptions{}
	for _, opt := range opts {
		opt(o)
	}

	id := uuid.New()
	if o.name == "" {
		o.name = id.String()
	}

	store := identitymap.New()

	return &Session{
		id:       id,
		name:     o.name,
		provider: provider,
		store:    store,
		receiver: receiver.New(provider, store, receiver.WithPendingJoins(o.pendingJoins)),
		merger:   merge.New(provider, store),
		hub:      notifications.NewHub(o.bufferSize),
		notifier: o.notifier,
		queue:    make(chan action, 32),
	}
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("already started")
	}

	s.started = true
	s.stopped = make(chan struct{})

	go s.run()

	return nil
}

// Stop closes every attached subscription and waits for queued operations to complete
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	for _, sub := range s.subscriptions {
		sub.Close()
	}
	s.subscriptions = nil

	s.queue <- nil
	<-s.stopped

	s.started = false

	return nil
}

func (s *Session) run() {
	defer close(s.stopped)

	// repeat until we receive the nil action
	for action := range s.queue {
		if action == nil {
			return
		}

		action()
	}
}

// do runs fn on the session goroutine and waits for it to complete. If ctx
// ends first, fn still runs but its outcome is not reported.
func (s *Session) do(ctx context.Context, fn func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started {
		return ErrNotRunning
	}

	done := make(chan struct{})

	select {
	case s.queue <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) logger(ctx context.Context) (context.Context, *slog.Logger) {
	ctx = logging.NewContextWithLogger(ctx, logging.GetFromContext(ctx), "session", s.name)
	return ctx, logging.GetFromContext(ctx)
}

// Apply applies a change batch and publishes the resulting notifications
func (s *Session) Apply(ctx context.Context, batch changes.Batch) ([]notifications.Notification, error) {
	var (
		result   []notifications.Notification
		applyErr error
	)

	ctx, _ = s.logger(ctx)

	err := s.do(ctx, func() {
		result, applyErr = s.receiver.Apply(ctx, batch)

		if len(result) > 0 {
			s.hub.Publish(ctx, result)

			if s.notifier != nil {
				s.notifier.Notify(ctx, s.id.String(), result)
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return result, applyErr
}

// Merge folds the graph rooted at root into the session and returns the
// tracked counterpart of root
func (s *Session) Merge(ctx context.Context, root *entities.Entity) (*entities.Entity, error) {
	var (
		tracked  *entities.Entity
		mergeErr error
	)

	ctx, _ = s.logger(ctx)

	err := s.do(ctx, func() {
		tracked, mergeErr = s.merger.Merge(ctx, root)
	})
	if err != nil {
		return nil, err
	}

	return tracked, mergeErr
}

// Find looks up a tracked entity by type and raw key values
func (s *Session) Find(ctx context.Context, typeName string, key []any) (*entities.Entity, entities.State, error) {
	var (
		found *entities.Entity
		state entities.State
	)

	err := s.View(ctx, func(store identitymap.Store) error {
		shape, err := s.provider.KeyShape(typeName)
		if err != nil {
			return err
		}

		k, err := model.CoerceKey(typeName, shape, key)
		if err != nil {
			return err
		}

		h, ok := store.FindByKey(typeName, k)
		if !ok {
			return errors.NewNotFoundError(fmt.Sprintf("no %s with key %s is tracked", typeName, k))
		}

		found, _ = store.Entity(h)
		state = store.State(h)

		return nil
	})

	return found, state, err
}

// View runs fn with exclusive access to the identity map. The store and any
// entity reached through it must not be retained after fn returns.
func (s *Session) View(ctx context.Context, fn func(store identitymap.Store) error) error {
	var viewErr error

	err := s.do(ctx, func() {
		viewErr = fn(s.store)
	})
	if err != nil {
		return err
	}

	return viewErr
}

// Subscribe returns a subscription to the notifications of the named entity
// type, or to all notifications if typeName is empty
func (s *Session) Subscribe(typeName string) *notifications.Subscription {
	return s.hub.Subscribe(typeName)
}

// Attach subscribes the session to a broadcast channel and applies every
// received batch until ctx ends or the session is stopped
func (s *Session) Attach(ctx context.Context, channel *broadcast.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotRunning
	}

	sub, err := channel.Subscribe()
	if err != nil {
		return err
	}

	s.subscriptions = append(s.subscriptions, sub)

	_, logger := s.logger(ctx)
	logger.Info("attached to broadcast channel", slog.String("subscription", sub.ID().String()))

	go func() {
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case batch, ok := <-sub.Batches():
				if !ok {
					return
				}

				_, err := s.Apply(ctx, batch)
				if err == ErrNotRunning {
					return
				}
				if err != nil {
					logger.Error("failed to apply batch", slog.String("batch", batch.ID.String()), "err", err.Error())
				}
			}
		}
	}()

	return nil
}
