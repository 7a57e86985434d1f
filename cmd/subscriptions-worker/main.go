// Command subscriptions-worker keeps the subscription read model current.
// It follows the event bus and catches up from the SQLite event store, so the
// view survives restarts and missed messages.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/plaenen/subscriptions/pkg/eventsourcing"
	"github.com/plaenen/subscriptions/pkg/infrastructure/nats"
	natsbus "github.com/plaenen/subscriptions/pkg/messaging/nats"
	"github.com/plaenen/subscriptions/pkg/observability"
	"github.com/plaenen/subscriptions/pkg/runner"
	"github.com/plaenen/subscriptions/pkg/runtime/embeddednats"
	"github.com/plaenen/subscriptions/pkg/runtime/eventbus"
	"github.com/plaenen/subscriptions/pkg/runtime/projections"
	"github.com/plaenen/subscriptions/pkg/security/credentials"
	"github.com/plaenen/subscriptions/pkg/store/sqlite"
	view "github.com/plaenen/subscriptions/pkg/subscription/projections"
	_ "gocloud.dev/secrets/localsecrets"
)

const serviceName = "subscriptions-worker"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, logger *slog.Logger) error {
	tel, err := observability.Init(ctx, observability.Config{
		ServiceName: serviceName,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())

	events, err := openEventStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer events.Close()

	checkpoints, err := sqlite.NewCheckpointStore(ctx, events.DB())
	if err != nil {
		return err
	}
	subscriptions, err := view.NewSubscriptionView(ctx, events.DB(), view.WithLogger(logger))
	if err != nil {
		return err
	}

	creds, err := natsCredentials(ctx, cfg)
	if err != nil {
		return err
	}
	if creds != nil {
		defer creds.Close()
	}

	busConfig := natsbus.DefaultConfig()
	busConfig.Name = serviceName
	busConfig.StreamName = cfg.NATSStream
	busConfig.Credentials = creds

	var services []runner.Service
	busOpts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithTracer(tel.Tracer()),
	}

	if cfg.NATSURL == "" {
		serverOpts, err := embeddedServerOptions(ctx, cfg, creds)
		if err != nil {
			return err
		}
		server := embeddednats.New(
			embeddednats.WithLogger(logger),
			embeddednats.WithTracer(tel.Tracer()),
			embeddednats.WithNATSOptions(serverOpts...),
		)
		services = append(services, server)
		busOpts = append(busOpts, eventbus.WithServer(server))
	} else {
		busConfig.URL = cfg.NATSURL
	}

	bus := eventbus.New(append(busOpts, eventbus.WithConfig(busConfig))...)
	services = append(services, bus,
		projections.New(events, checkpoints,
			func() eventsourcing.EventBus { return bus.EventBus() },
			[]eventsourcing.Projection{subscriptions},
			projections.WithLogger(logger),
			projections.WithTracer(tel.Tracer()),
			projections.WithMetrics(tel.Metrics),
		),
	)

	return runner.New(services,
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(cfg.ShutdownTimeout),
	).Run(ctx)
}

// natsCredentials returns nil when the connection is anonymous.
// openEventStore opens the SQLite store at path, creating its directory first.
func openEventStore(ctx context.Context, path string) (*sqlite.EventStore, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return sqlite.NewEventStore(ctx, sqlite.WithDSN(path))
}

func natsCredentials(ctx context.Context, cfg config) (credentials.Provider, error) {
	switch {
	case cfg.NATSSecretURL != "":
		return credentials.NewSecretProvider(ctx, cfg.NATSSecretURL, cfg.NATSSecretFile)
	case cfg.NATSTokenEnv != "":
		return credentials.NewEnvTokenProvider(cfg.NATSTokenEnv), nil
	default:
		return nil, nil
	}
}

// embeddedServerOptions makes the embedded server require the same
// credentials the bus connects with.
func embeddedServerOptions(ctx context.Context, cfg config, creds credentials.Provider) ([]nats.Option, error) {
	opts := []nats.Option{nats.WithStoreDir(cfg.NATSStoreDir)}
	if creds == nil {
		return opts, nil
	}

	c, err := creds.GetCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("embedded NATS credentials: %w", err)
	}
	switch c.Type {
	case credentials.CredentialTypeToken:
		opts = append(opts, nats.WithToken(c.Token))
	case credentials.CredentialTypeUserPassword:
		opts = append(opts, nats.WithUserPassword(c.User, c.Password))
	}
	return opts, nil
}
