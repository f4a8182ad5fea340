package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
)

const (
	GatewayProviderHTTP     = "http"
	GatewayProviderMidtrans = "midtrans"
)

// Reconciliation holds the engine tuning knobs.
type Reconciliation struct {
	GraceWindow           time.Duration `validate:"gte=0"`
	StuckThreshold        time.Duration `validate:"gt=0"`
	DefaultDaysBack       int           `validate:"gte=1,lte=90"`
	AutoFixDefault        bool
	PendingMaxAge         time.Duration `validate:"gt=0"`
	PendingLimit          int           `validate:"gte=1,lte=1000"`
	MaxConcurrentLookups  int           `validate:"gte=1,lte=64"`
	PendingSyncInterval   time.Duration `validate:"gte=0"`
	StuckDetectionEvery   time.Duration `validate:"gte=0"`
	ScheduleRRule         string
	QueueWorkers          int           `validate:"gte=1,lte=32"`
	SchedulerLockTTL      time.Duration `validate:"gt=0"`
	ReportArchiveEnabled  bool
	ScheduledRunsDisabled bool
}

// Gateway configures the gateway client.
type Gateway struct {
	Provider           string `validate:"oneof=http midtrans"`
	BaseURL            string `validate:"omitempty,url"`
	APIKey             string
	Timeout            time.Duration `validate:"gt=0"`
	MaxRetries         int           `validate:"gte=0,lte=10"`
	Backoff            time.Duration `validate:"gt=0"`
	RateLimit          float64       `validate:"gte=0"`
	StatusMapFile      string
	WebhookSecret      string
	MidtransServerKey  string
	MidtransProduction bool
}

// Config is the typed process configuration.
type Config struct {
	AppEnv          string
	AppPort         string
	AdminAPIKeyHash string
	Reconciliation  Reconciliation
	Gateway         Gateway
}

var configValidator = validator.New()

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:          env.GetEnv("APP_ENV", "prod"),
		AppPort:         env.GetEnv("APP_PORT", "4000"),
		AdminAPIKeyHash: strings.TrimSpace(env.GetEnv("ADMIN_API_KEY_HASH", "")),
		Reconciliation: Reconciliation{
			GraceWindow:           env.GetDuration("RECON_GRACE_WINDOW", 10*time.Minute),
			StuckThreshold:        env.GetDuration("RECON_STUCK_THRESHOLD", 30*time.Minute),
			DefaultDaysBack:       env.GetInt("RECON_DEFAULT_DAYS_BACK", 3),
			AutoFixDefault:        env.GetBool("RECON_AUTO_FIX_DEFAULT", false),
			PendingMaxAge:         env.GetDuration("RECON_PENDING_MAX_AGE", 24*time.Hour),
			PendingLimit:          env.GetInt("RECON_PENDING_LIMIT", 50),
			MaxConcurrentLookups:  env.GetInt("RECON_MAX_CONCURRENT_LOOKUPS", 8),
			PendingSyncInterval:   env.GetDuration("RECON_PENDING_SYNC_INTERVAL", 5*time.Minute),
			StuckDetectionEvery:   env.GetDuration("RECON_STUCK_DETECTION_INTERVAL", 15*time.Minute),
			ScheduleRRule:         strings.TrimSpace(env.GetEnv("RECON_SCHEDULE_RRULE", "FREQ=DAILY;BYHOUR=3;BYMINUTE=0;BYSECOND=0")),
			QueueWorkers:          env.GetInt("RECON_QUEUE_WORKERS", 2),
			SchedulerLockTTL:      env.GetDuration("RECON_SCHEDULER_LOCK_TTL", 10*time.Minute),
			ReportArchiveEnabled:  env.GetBool("REPORT_ARCHIVE_ENABLED", false),
			ScheduledRunsDisabled: env.GetBool("RECON_SCHEDULED_RUNS_DISABLED", false),
		},
		Gateway: Gateway{
			Provider:           strings.ToLower(strings.TrimSpace(env.GetEnv("GATEWAY_PROVIDER", GatewayProviderHTTP))),
			BaseURL:            strings.TrimSpace(env.GetEnv("GATEWAY_BASE_URL", "")),
			APIKey:             strings.TrimSpace(env.GetEnv("GATEWAY_API_KEY", "")),
			Timeout:            env.GetDuration("GATEWAY_TIMEOUT", 10*time.Second),
			MaxRetries:         env.GetInt("GATEWAY_MAX_RETRIES", 3),
			Backoff:            env.GetDuration("GATEWAY_BACKOFF", 500*time.Millisecond),
			RateLimit:          float64(env.GetInt("GATEWAY_RATE_LIMIT", 20)),
			StatusMapFile:      strings.TrimSpace(env.GetEnv("GATEWAY_STATUS_MAP_FILE", "")),
			WebhookSecret:      strings.TrimSpace(env.GetEnv("GATEWAY_WEBHOOK_SECRET", "")),
			MidtransServerKey:  strings.TrimSpace(env.GetEnv("MIDTRANS_SERVER_KEY", "")),
			MidtransProduction: env.GetBool("MIDTRANS_IS_PRODUCTION", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the value ranges and cross-field requirements.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			parts := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(parts, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	switch c.Gateway.Provider {
	case GatewayProviderHTTP:
		if c.Gateway.BaseURL == "" {
			return errors.New("invalid configuration: GATEWAY_BASE_URL is required for the http gateway")
		}
	case GatewayProviderMidtrans:
		if c.Gateway.MidtransServerKey == "" {
			return errors.New("invalid configuration: MIDTRANS_SERVER_KEY is required for the midtrans gateway")
		}
	}
	return nil
}
