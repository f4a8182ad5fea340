package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthRouter serves the liveness and readiness probes.
type HealthRouter struct {
	db    *gorm.DB
	cache *redis.Client
}

func (h HealthRouter) InstallRouter(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/ready", h.handleReady)
}

func NewHealthRouter(db *gorm.DB, cache *redis.Client) *HealthRouter {
	return &HealthRouter{db: db, cache: cache}
}

// handleReady reports whether the ledger database and the cache answer.
func (h HealthRouter) handleReady(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	checks := fiber.Map{"database": "ok", "cache": "ok"}
	healthy := true

	if h.db == nil {
		checks["database"] = "not configured"
		healthy = false
	} else if sqlDB, err := h.db.DB(); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else if err := sqlDB.PingContext(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}

	if h.cache == nil {
		checks["cache"] = "not configured"
		healthy = false
	} else if err := h.cache.Ping(ctx).Err(); err != nil {
		checks["cache"] = err.Error()
		healthy = false
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "checks": checks})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok", "checks": checks})
}
