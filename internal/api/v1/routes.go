package apiv1

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// RegisterHandlers mounts the v1 routes on router. The admin routes run
// behind adminAuth.
func RegisterHandlers(router fiber.Router, s *APIServer, adminAuth ...fiber.Handler) {
	router.Get("/ping", s.GetPing)

	admin := router.Group("/admin", adminAuth...)
	admin.Post("/reconcile", s.PostReconcile)
	admin.Post("/reconcile/report", s.PostReconcileReport)
	admin.Post("/sync/pending", s.PostSyncPending)
	admin.Post("/stuck", s.PostStuck)
	admin.Get("/sync-logs", s.GetSyncLogs)
	admin.Get("/alerts", s.GetAlerts)
	admin.Post("/alerts/:id/resolve", withID(s.PostResolveAlert))
	admin.Get("/reports/:id", withID(s.GetReport))
	admin.Get("/jobs/:id", func(c *fiber.Ctx) error {
		return s.GetJob(c, strings.TrimSpace(c.Params("id")))
	})
	admin.Get("/stats", s.GetStats)
}

// withID parses the numeric :id parameter.
func withID(h func(c *fiber.Ctx, id uint) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := strconv.ParseUint(c.Params("id"), 10, 64)
		if err != nil || id == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "id must be a positive integer"})
		}
		return h(c, uint(id))
	}
}
