package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/diwise/context-sync/internal/pkg/application/broadcast"
	"github.com/diwise/context-sync/internal/pkg/application/notifications"
	"github.com/diwise/context-sync/internal/pkg/application/session"
	"github.com/diwise/context-sync/internal/pkg/infrastructure/router"
	"github.com/diwise/context-sync/internal/pkg/presentation/api"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

const serviceName string = "context-sync"

func DefaultFlags() FlagMap {
	return FlagMap{
		listenAddress: "",     // listen on all ipv4 and ipv6 interfaces
		servicePort:   "8080", //

		configPath:       "/opt/diwise/config/context-sync.yaml",
		opaPath:          "/opt/diwise/config/authz.rego",
		notifierEndpoint: "",
		broadcastBuffer:  "16",

		logFormat: "json",
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), DefaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(ctx, serviceName, serviceVersion, flags[logFormat])
	defer cleanup()

	cfgFile, err := os.Open(flags[configPath])
	exitIf(err, logger, "failed to open session configuration file")
	defer cfgFile.Close()

	policies, err := os.Open(flags[opaPath])
	exitIf(err, logger, "unable to open opa policy file")
	defer policies.Close()

	cfg := &AppConfig{
		sessionConfig: cfgFile,
		opaConfig:     policies,
	}

	err = initialize(ctx, flags, cfg)
	exitIf(err, logger, "failed to initialize service")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              net.JoinHostPort(flags[listenAddress], flags[servicePort]),
		Handler:           cfg.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting to listen for connections", "addr", srv.Addr)

		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("failed to listen for connections", "err", err.Error())
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	teardown(cfg)

	logger.Info("shutdown complete")
}

func initialize(ctx context.Context, flags FlagMap, cfg *AppConfig) error {
	sessionCfg, err := session.LoadConfiguration(cfg.sessionConfig)
	if err != nil {
		return fmt.Errorf("failed to load session configuration: %w", err)
	}

	bufferSize, err := strconv.Atoi(flags[broadcastBuffer])
	if err != nil {
		return fmt.Errorf("invalid broadcast buffer size %q: %w", flags[broadcastBuffer], err)
	}

	cfg.channel = broadcast.New(broadcast.WithBufferSize(bufferSize))

	if endpoint := flags[notifierEndpoint]; endpoint != "" {
		cfg.notifier, err = notifications.NewNotifier(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("failed to create notifier: %w", err)
		}

		err = cfg.notifier.Start()
		if err != nil {
			return fmt.Errorf("failed to start notifier: %w", err)
		}
	}

	cfg.manager, err = session.NewManager(ctx, *sessionCfg, cfg.channel, cfg.notifier)
	if err != nil {
		teardown(cfg)
		return err
	}

	cfg.router = router.New(serviceName)

	err = api.RegisterHandlers(ctx, cfg.router, cfg.opaConfig, cfg.manager)
	if err != nil {
		teardown(cfg)
		return err
	}

	logging.GetFromContext(ctx).Info("service initialized", "sessions", len(sessionCfg.Sessions))

	return nil
}

func teardown(cfg *AppConfig) {
	if cfg.manager != nil {
		cfg.manager.Stop()
	}

	if cfg.channel != nil {
		cfg.channel.Close()
	}

	if cfg.notifier != nil {
		cfg.notifier.Stop()
	}
}

func parseExternalConfig(ctx context.Context, flags FlagMap) (context.Context, FlagMap) {

	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])
	flags[configPath] = envOrDef(ctx, "CONFIG_PATH", flags[configPath])
	flags[opaPath] = envOrDef(ctx, "POLICY_PATH", flags[opaPath])
	flags[notifierEndpoint] = envOrDef(ctx, "NOTIFIER_ENDPOINT", flags[notifierEndpoint])
	flags[broadcastBuffer] = envOrDef(ctx, "BROADCAST_BUFFER", flags[broadcastBuffer])

	apply := func(f FlagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("config", "session configuration file", apply(configPath))
	flag.Func("policies", "an authorization policy file", apply(opaPath))
	flag.Func("notify", "endpoint to post change notifications to", apply(notifierEndpoint))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger *slog.Logger, msg string) {
	if err != nil {
		logger.Error(msg, "err", err.Error())
		os.Exit(1)
	}
}
