package main

import (
	"io"

	"github.com/diwise/context-sync/internal/pkg/application/broadcast"
	"github.com/diwise/context-sync/internal/pkg/application/notifications"
	"github.com/diwise/context-sync/internal/pkg/application/session"
	"github.com/go-chi/chi/v5"
)

type FlagType int
type FlagMap map[FlagType]string

const (
	listenAddress FlagType = iota
	servicePort

	configPath
	opaPath
	notifierEndpoint
	broadcastBuffer

	logFormat
)

type AppConfig struct {
	sessionConfig io.Reader
	opaConfig     io.Reader

	router   *chi.Mux
	channel  *broadcast.Channel
	notifier notifications.Notifier
	manager  session.Manager
}
