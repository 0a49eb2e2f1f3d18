package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/flowdeck/flowdeck/pkg/cmd"
	"github.com/flowdeck/flowdeck/pkg/engine/n8n"
	"github.com/flowdeck/flowdeck/pkg/log"
	"github.com/flowdeck/flowdeck/pkg/otelhelper"
	"github.com/flowdeck/flowdeck/pkg/spec"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "flowdeck-api",
		Usage:                 "Create, run and manage automation workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or file://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "engine-url",
				Usage:    "Base URL of the automation engine",
				Required: true,
				Sources:  cli.EnvVars("ENGINE_URL"),
			},
			&cli.StringFlag{
				Name:     "engine-api-key",
				Usage:    "API key for the automation engine",
				Required: true,
				Sources:  cli.EnvVars("ENGINE_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "engine-webhook-url",
				Usage:   "Webhook base URL of the automation engine, when it differs from the engine URL",
				Sources: cli.EnvVars("ENGINE_WEBHOOK_URL"),
			},
			&cli.StringSliceFlag{
				Name:    "allowed-action-hosts",
				Usage:   "Additional hosts http_request actions may call",
				Sources: cli.EnvVars("ALLOWED_ACTION_HOSTS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the idempotency key store; unset uses an in-process store",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing Flowdeck API")

			tracer, err := otelhelper.NewTracer(ctx, "flowdeck-api")
			if err != nil {
				return err
			}

			gateway, err := n8n.NewClient(logger, tracer, n8n.Config{
				BaseURL:        command.String("engine-url"),
				APIKey:         command.String("engine-api-key"),
				WebhookBaseURL: command.String("engine-webhook-url"),
			})
			if err != nil {
				return err
			}

			specValidator, err := spec.NewValidator(logger, command.StringSlice("allowed-action-hosts"))
			if err != nil {
				return err
			}

			persistence := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				err := persistence.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			keys, err := cmd.NewIdempotencyStore(ctx, logger, command.String("redis-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := keys.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close idempotency store", "error", err)
				}
			}()

			api := NewAPI(
				logger,
				persistence,
				gateway,
				specValidator,
				eventBus,
				keys,
			)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
