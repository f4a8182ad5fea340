package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/archive"
	"github.com/ManuelReschke/PayRecon/internal/pkg/auditlog"
	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/config"
	"github.com/ManuelReschke/PayRecon/internal/pkg/database"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/mail"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayRecon/internal/pkg/paymentsync"
)

// Engine bundles the wired collaborators shared by the server and the CLI.
type Engine struct {
	Config    *config.Config
	Repos     *repository.Repositories
	StatusMap *gateway.StatusMap
	Gateway   gateway.Client
	Archive   *archive.Client
	Counters  *counter.Recorder
	Service   *paymentsync.Service
}

// Setup loads the environment, connects the database and the cache and wires
// the reconciliation service.
func Setup(ctx context.Context) (*Engine, error) {
	env.SetupEnvFile()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	if err := database.SetupDatabase(); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	cache.SetupCache()
	repository.InitializeFactory(database.GetDB())

	statusMap, err := gateway.LoadStatusMap(cfg.Gateway.StatusMapFile)
	if err != nil {
		return nil, fmt.Errorf("status map: %w", err)
	}

	client, err := NewGatewayClient(cfg.Gateway, statusMap)
	if err != nil {
		return nil, err
	}

	auditlog.SetLogger(auditlog.New(os.Stdout, env.GetEnv("AUDIT_LOG_LEVEL", "info")))

	engine := &Engine{
		Config:    cfg,
		Repos:     repository.GetGlobalRepositories(),
		StatusMap: statusMap,
		Gateway:   client,
		Counters:  counter.New(cache.GetClient()),
	}

	deps := paymentsync.Dependencies{
		Repos:       engine.Repos,
		Gateway:     client,
		StatusMap:   statusMap,
		Counters:    engine.Counters,
		AuditLogger: auditlog.GetLogger(),
	}
	if mailCfg := mail.LoadConfig(); mailCfg.IsEnabled() {
		deps.Notifier = mail.NewAlertNotifier(mailCfg)
	}
	if cfg.Reconciliation.ReportArchiveEnabled {
		archiveCfg, err := archive.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		engine.Archive, err = archive.NewClient(ctx, archiveCfg)
		if err != nil {
			// Archiving is best effort, runs continue without it.
			log.Warnf("[Bootstrap] Report archive unavailable: %v", err)
		} else {
			deps.Archiver = engine.Archive
		}
	}

	engine.Service = paymentsync.NewService(deps, ServiceConfig(cfg))
	return engine, nil
}

// ServiceConfig maps the process configuration onto the run parameters.
func ServiceConfig(cfg *config.Config) paymentsync.Config {
	r := cfg.Reconciliation
	out := paymentsync.DefaultConfig()
	out.GraceWindow = r.GraceWindow
	out.StuckThreshold = r.StuckThreshold
	out.MaxConcurrentLookups = r.MaxConcurrentLookups
	out.PendingMaxAge = r.PendingMaxAge
	out.PendingLimit = r.PendingLimit
	out.DefaultDaysBack = r.DefaultDaysBack
	return out
}

// NewGatewayClient builds the client for the configured provider.
func NewGatewayClient(cfg config.Gateway, statusMap *gateway.StatusMap) (gateway.Client, error) {
	retry := gateway.DefaultRetryPolicy()
	retry.MaxRetries = cfg.MaxRetries
	retry.InitialBackoff = cfg.Backoff

	switch cfg.Provider {
	case config.GatewayProviderMidtrans:
		client, err := gateway.NewMidtransClient(cfg.MidtransServerKey, cfg.MidtransProduction, cfg.Timeout, retry, statusMap)
		if err != nil {
			return nil, fmt.Errorf("midtrans client: %w", err)
		}
		return client, nil
	case config.GatewayProviderHTTP:
		return gateway.NewHTTPClient(gateway.HTTPClientConfig{
			BaseURL:       cfg.BaseURL,
			APIKey:        cfg.APIKey,
			Timeout:       cfg.Timeout,
			Retry:         retry,
			RatePerSecond: cfg.RateLimit,
			StatusMap:     statusMap,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported gateway provider %q", cfg.Provider)
	}
}
