package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/PayRecon/app/controllers"
	apiv1 "github.com/ManuelReschke/PayRecon/internal/api/v1"
	"github.com/ManuelReschke/PayRecon/internal/pkg/alerting"
	"github.com/ManuelReschke/PayRecon/internal/pkg/bootstrap"
	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/config"
	"github.com/ManuelReschke/PayRecon/internal/pkg/database"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/ManuelReschke/PayRecon/internal/pkg/jobqueue"
	"github.com/ManuelReschke/PayRecon/internal/pkg/router"
)

func main() {
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	app, manager, err := NewApplication(sigCtx)
	if err != nil {
		log.Fatalf("[PayRecon] Startup failed: %v", err)
	}
	manager.Start()

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	}()

	select {
	case <-sigCtx.Done():
		log.Info("[PayRecon] Shutting down")
	case err := <-serverErrCh:
		if err != nil {
			log.Errorf("[PayRecon] Server stopped: %v", err)
		}
	}

	manager.Stop()
	if err := app.ShutdownWithTimeout(15 * time.Second); err != nil {
		log.Errorf("[PayRecon] Shutdown: %v", err)
	}
}

func NewApplication(ctx context.Context) (*fiber.App, *jobqueue.Manager, error) {
	engine, err := bootstrap.Setup(ctx)
	if err != nil {
		return nil, nil, err
	}
	cfg := engine.Config

	queue := jobqueue.NewQueue(cache.GetClient(), engine.Service, cfg.Reconciliation.QueueWorkers)
	manager, err := jobqueue.NewManager(queue, engine.Service, redislock.New(cache.GetClient()), jobqueue.ManagerConfig{
		PendingSyncInterval: cfg.Reconciliation.PendingSyncInterval,
		StuckInterval:       cfg.Reconciliation.StuckDetectionEvery,
		ReconcileRule:       cfg.Reconciliation.ScheduleRRule,
		ReconcileDaysBack:   cfg.Reconciliation.DefaultDaysBack,
		ReconcileAutoFix:    cfg.Reconciliation.AutoFixDefault,
		LockTTL:             cfg.Reconciliation.SchedulerLockTTL,
		ScheduledDisabled:   cfg.Reconciliation.ScheduledRunsDisabled,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: %w", err)
	}

	server := apiv1.NewAPIServer(apiv1.Dependencies{
		Runner:         engine.Service,
		Alerts:         alerting.NewEmitter(engine.Repos.Alert),
		Repos:          engine.Repos,
		Jobs:           queue,
		Scheduler:      manager,
		Counters:       engine.Counters,
		LastRun:        jobqueue.LastRun,
		AutoFixDefault: cfg.Reconciliation.AutoFixDefault,
	})

	webhookProvider := controllers.ProviderGateway
	if cfg.Gateway.Provider == config.GatewayProviderMidtrans {
		webhookProvider = controllers.ProviderMidtrans
	}
	webhooks := controllers.NewWebhookController(engine.Repos.WebhookEvent, engine.Service, engine.Counters, controllers.WebhookConfig{
		Provider:          webhookProvider,
		WebhookSecret:     cfg.Gateway.WebhookSecret,
		MidtransServerKey: cfg.Gateway.MidtransServerKey,
		StatusMap:         engine.StatusMap,
	})

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName:   "PayRecon",
		BodyLimit: 64 * 1024 * 1024, // settlement exports
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "change-me"),
		},
	}), monitor.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: env.GetEnv("OPENAPI_FILE", "public/docs/v1/openapi.yml"),
		Path:     "v1",
	}))

	// ROUTER
	router.InstallRouter(app,
		router.NewApiRouter(server, webhooks, cfg.AdminAPIKeyHash, router.NewLimiterStorage()),
		router.NewHealthRouter(database.GetDB(), cache.GetClient()),
	)

	return app, manager, nil
}
