package session

import (
	"context"
	"fmt"

	"github.com/diwise/context-sync/internal/pkg/application/broadcast"
	"github.com/diwise/context-sync/internal/pkg/application/notifications"
	"github.com/diwise/context-sync/pkg/changes"
	"github.com/diwise/context-sync/pkg/entities"
	"github.com/diwise/context-sync/pkg/errors"
	"github.com/diwise/context-sync/pkg/model"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// Manager owns the configured sessions and the broadcast channel they share
type Manager interface {
	Publish(ctx context.Context, batch changes.Batch) error

	Sessions() []*Session
	Session(idOrName string) (*Session, error)

	Schema() entities.Schema

	Stop() error
}

type manager struct {
	registry *model.Registry
	channel  *broadcast.Channel
	sessions []*Session
}

// NewManager builds the model, then starts every configured session and
// attaches the ones that are not detached to channel
func NewManager(ctx context.Context, cfg Config, channel *broadcast.Channel, notifier notifications.Notifier) (Manager, error) {
	registry, err := cfg.Model.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}

	m := &manager{
		registry: registry,
		channel:  channel,
	}

	logger := logging.GetFromContext(ctx)

	for _, sc := range cfg.Sessions {
		opts := []Option{
			WithName(sc.Name),
			WithPendingJoins(sc.PendingJoins),
			WithNotificationBuffer(sc.NotificationBuffer),
		}
		if notifier != nil {
			opts = append(opts, WithNotifier(notifier))
		}

		s := New(registry, opts...)
		if err := s.Start(); err != nil {
			m.Stop()
			return nil, err
		}

		m.sessions = append(m.sessions, s)

		if !sc.Detached {
			if err := s.Attach(ctx, channel); err != nil {
				m.Stop()
				return nil, fmt.Errorf("failed to attach session %s: %w", s.Name(), err)
			}
		}

		logger.Info("session started", "session", s.Name(), "id", s.ID().String(), "detached", sc.Detached)
	}

	return m, nil
}

func (m *manager) Publish(ctx context.Context, batch changes.Batch) error {
	return m.channel.Publish(ctx, batch)
}

func (m *manager) Sessions() []*Session {
	return m.sessions
}

func (m *manager) Session(idOrName string) (*Session, error) {
	for _, s := range m.sessions {
		if s.ID().String() == idOrName || s.Name() == idOrName {
			return s, nil
		}
	}
	return nil, errors.NewNotFoundError(fmt.Sprintf("no session named %q", idOrName))
}

func (m *manager) Schema() entities.Schema {
	return m.registry
}

func (m *manager) Stop() error {
	for _, s := range m.sessions {
		s.Stop()
	}
	return nil
}
