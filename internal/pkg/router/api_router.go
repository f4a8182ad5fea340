package router

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/ManuelReschke/PayRecon/app/controllers"
	apiv1 "github.com/ManuelReschke/PayRecon/internal/api/v1"
	"github.com/ManuelReschke/PayRecon/internal/pkg/cache"
	"github.com/ManuelReschke/PayRecon/internal/pkg/env"
	"github.com/ManuelReschke/PayRecon/internal/pkg/middleware"
)

const webhookPath = "/api/v1/webhooks/gateway"

type ApiRouter struct {
	server          *apiv1.APIServer
	webhooks        *controllers.WebhookController
	adminKeyHash    string
	limiterStorage  fiber.Storage
	limiterMax      int
	limiterDuration time.Duration
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        h.limiterMax,
		Expiration: h.limiterDuration,
		Storage:    h.limiterStorage,
		// Gateways retry on 429, which would delay payment completion.
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == webhookPath
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	if h.webhooks != nil {
		v1.Post("/webhooks/gateway", h.webhooks.HandleGatewayWebhook)
	}
	apiv1.RegisterHandlers(v1, h.server, middleware.AdminAPIKeyMiddleware(h.adminKeyHash))
}

// NewApiRouter creates the API router. A nil limiter storage keeps the
// limiter counters in process memory.
func NewApiRouter(server *apiv1.APIServer, webhooks *controllers.WebhookController, adminKeyHash string, limiterStorage fiber.Storage) *ApiRouter {
	return &ApiRouter{
		server:          server,
		webhooks:        webhooks,
		adminKeyHash:    adminKeyHash,
		limiterStorage:  limiterStorage,
		limiterMax:      env.GetInt("API_RATE_LIMIT", 60),
		limiterDuration: env.GetDuration("API_RATE_WINDOW", time.Minute),
	}
}

// NewLimiterStorage shares the rate limit counters between replicas through
// the cache server, in a database of its own.
func NewLimiterStorage() fiber.Storage {
	cacheClient := cache.GetClient()
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     strings.TrimSpace(host),
		Port:     port,
		Password: password,
		Database: env.GetInt("LIMITER_CACHE_DB", 2),
		Reset:    false,
	})
}
