// Package main provides the Flowdeck API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/flowdeck/flowdeck/pkg/clock"
	"github.com/flowdeck/flowdeck/pkg/engine"
	"github.com/flowdeck/flowdeck/pkg/eventbus"
	"github.com/flowdeck/flowdeck/pkg/idempotency"
	"github.com/flowdeck/flowdeck/pkg/persistence"
	"github.com/flowdeck/flowdeck/pkg/services"
	"github.com/flowdeck/flowdeck/pkg/spec"
	"github.com/flowdeck/flowdeck/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	gateway     engine.Gateway
	validator   *spec.Validator
	eventBus    eventbus.EventBus
	keys        idempotency.Store
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	gateway engine.Gateway,
	specValidator *spec.Validator,
	eventBus eventbus.EventBus,
	keys idempotency.Store,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		gateway:     gateway,
		validator:   specValidator,
		eventBus:    eventBus,
		keys:        keys,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	clk := clock.System{}
	compiler := spec.NewCompiler(a.logger)

	workflowService := services.NewWorkflow(a.persistence, a.gateway, a.validator, compiler, a.eventBus, clk, a.logger)
	executionService := services.NewExecution(a.persistence, a.gateway, a.eventBus, a.keys, clk, a.logger)

	handlers := web.NewAPIHandlers(workflowService, executionService, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowdeck API")
	})

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflowFromSpec)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/activate", handlers.ActivateWorkflow)
	w.Post("/:id/pause", handlers.PauseWorkflow)
	w.Post("/:id/resume", handlers.ResumeWorkflow)
	w.Delete("/:id", handlers.ArchiveWorkflow)
	w.Post("/:id/execute", handlers.ExecuteWorkflow)

	e := app.Group("/executions")
	e.Get("/", handlers.GetExecutions)
	e.Get("/pending-approvals", handlers.GetPendingApprovals)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/approve", handlers.ApproveExecutionStep)

	// Callback surface the engine's flow builder and run hooks talk to.
	system := app.Group("/system")
	system.Post("/specs", handlers.SaveSpec)
	system.Post("/specs/:id/bind", handlers.BindSpec)
	system.Get("/specs/:id/resolve", handlers.ResolveSpec)
	system.Post("/runs", handlers.RegisterRun)
	system.Put("/runs", handlers.UpdateRun)
	system.Get("/runs/idempotency/:key", handlers.CheckRunIdempotency)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
