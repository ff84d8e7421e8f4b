// Command txbound runs the member transfer service: HTTP API, outbox relay,
// migrations and operator commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nimburion/txbound/internal/app"
	"github.com/nimburion/txbound/internal/member"
	"github.com/nimburion/txbound/pkg/cli"
	"github.com/nimburion/txbound/pkg/config"
	"github.com/nimburion/txbound/pkg/eventbus"
	"github.com/nimburion/txbound/pkg/migrate"
	"github.com/nimburion/txbound/pkg/observability/logger"
	"github.com/nimburion/txbound/pkg/server"
)

func main() {
	cli.Execute(cli.NewServiceCommand(cli.ServiceCommandOptions{
		Name:                "txbound",
		Description:         "Transaction-bound member transfers",
		EnvPrefix:           config.DefaultEnvPrefix,
		RunServer:           runServer,
		MigrationOperations: migrationOperations,
		CheckDependencies:   checkDependencies,
		CustomCommands:      customCommands,
	}))
}

func withApp(ctx context.Context, cfg *config.Config, log logger.Logger, fn func(a *app.App) error) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("shutdown incomplete", "error", err)
		}
	}()
	return fn(a)
}

// runServer serves the management endpoints and the member API. With a
// broker configured the outbox relay runs alongside.
func runServer(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	return withApp(ctx, cfg, log, func(a *app.App) error {
		srv := server.NewManagementServer(cfg.Management, cfg.Service.Name, log, a.Health, a.Metrics)
		member.NewHandler(a.Members, a.Transfers, log).Register(srv.Router())

		var relay *eventbus.OutboxRelay
		if cfg.EventBus.Type == config.EventBusTypeRabbitMQ {
			producer, err := a.NewProducer()
			if err != nil {
				return err
			}
			defer producer.Close()
			if relay, err = a.NewRelay(producer); err != nil {
				return err
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.Start(gctx) })
		if relay != nil {
			g.Go(func() error { return ignoreCanceled(relay.Run(gctx)) })
		}
		return g.Wait()
	})
}

func migrationOperations(ctx context.Context, cfg *config.Config, log logger.Logger) (migrate.Operations, func() error, error) {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return migrate.Operations{}, nil, err
	}
	m, err := a.Migrator()
	if err != nil {
		_ = a.Close(ctx)
		return migrate.Operations{}, nil, err
	}
	return m.Operations(), func() error { return a.Close(context.WithoutCancel(ctx)) }, nil
}

func checkDependencies(ctx context.Context, cfg *config.Config, log logger.Logger) error {
	return withApp(ctx, cfg, log, func(a *app.App) error {
		if cfg.EventBus.Type == config.EventBusTypeRabbitMQ {
			producer, err := a.NewProducer()
			if err != nil {
				return fmt.Errorf("eventbus: %w", err)
			}
			defer producer.Close()
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		result := a.Health.Check(ctx)
		for _, check := range result.Checks {
			log.Info("dependency check", "name", check.Name, "status", check.Status, "error", check.Error)
		}
		if !result.IsHealthy() {
			return fmt.Errorf("dependencies are %s", result.Status)
		}
		return nil
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
