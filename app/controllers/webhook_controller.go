package controllers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/PayRecon/app/models"
	"github.com/ManuelReschke/PayRecon/app/repository"
	"github.com/ManuelReschke/PayRecon/internal/pkg/gateway"
	"github.com/ManuelReschke/PayRecon/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PayRecon/internal/pkg/paymentsync"
)

const (
	ProviderGateway  = "gateway"
	ProviderMidtrans = "midtrans"
)

// NotificationApplier applies a normalized gateway notification to the ledger.
type NotificationApplier interface {
	ApplyNotification(ctx context.Context, tx gateway.Transaction) (*paymentsync.NotificationOutcome, error)
}

// WebhookConfig configures the gateway webhook endpoint.
type WebhookConfig struct {
	Provider          string
	WebhookSecret     string
	MidtransServerKey string
	StatusMap         *gateway.StatusMap
}

// WebhookController receives gateway notifications. Every delivery is stored
// once per provider event id before it is processed.
type WebhookController struct {
	events   repository.WebhookEventRepository
	applier  NotificationApplier
	counters *counter.Recorder
	cfg      WebhookConfig
}

// NewWebhookController creates the webhook controller.
func NewWebhookController(events repository.WebhookEventRepository, applier NotificationApplier, counters *counter.Recorder, cfg WebhookConfig) *WebhookController {
	if cfg.Provider == "" {
		cfg.Provider = ProviderGateway
	}
	if cfg.StatusMap == nil {
		cfg.StatusMap = gateway.DefaultStatusMap()
	}
	return &WebhookController{events: events, applier: applier, counters: counters, cfg: cfg}
}

// HandleGatewayWebhook processes POST /api/v1/webhooks/gateway.
func (w *WebhookController) HandleGatewayWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	notification, parseErr := gateway.ParseNotification(rawBody, w.cfg.StatusMap)

	// Unsigned deliveries are never recorded: their event id is chosen by the
	// sender and must not shadow the genuine delivery.
	if !w.verify(c, rawBody) {
		w.counters.Inc(ctx, counter.WebhooksBadSig)
		log.Warnf("[Webhook] Rejected %s delivery %s with an invalid signature", w.cfg.Provider, eventID(c, notification, rawBody))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
	}

	event := &models.GatewayWebhookEvent{
		Provider:        w.cfg.Provider,
		ProviderEventID: eventID(c, notification, rawBody),
		EventType:       "unknown",
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	}
	if notification != nil {
		event.ExternalRef = notification.Transaction.ExternalRef
		event.EventType = notification.EventType
	}

	created, stored, err := w.events.CreateIfNotExists(ctx, event)
	if err != nil {
		log.Errorf("[Webhook] Failed to store %s event %s: %v", w.cfg.Provider, event.ProviderEventID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	w.counters.Inc(ctx, counter.WebhooksReceived)
	// A delivery whose earlier processing never finished is processed again.
	if !created && stored.ProcessedAt != nil {
		w.counters.Inc(ctx, counter.WebhooksDuplicate)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	if parseErr != nil {
		w.markProcessed(ctx, stored.ID, parseErr)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}

	outcome, err := w.applier.ApplyNotification(ctx, notification.Transaction)
	if err != nil {
		if errors.Is(err, paymentsync.ErrUnknownPayment) {
			w.markProcessed(ctx, stored.ID, err)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true, "reason": "unknown_payment"})
		}
		// Left unprocessed so the gateway's redelivery is applied.
		log.Errorf("[Webhook] Failed to apply notification %s for %s: %v", event.ProviderEventID, event.ExternalRef, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "notification_failed"})
	}

	w.markProcessed(ctx, stored.ID, nil)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ok":         true,
		"applied":    outcome.Applied,
		"payment_id": outcome.PaymentID,
		"before":     outcome.Before,
		"after":      outcome.After,
		"reason":     outcome.Reason,
	})
}

func (w *WebhookController) verify(c *fiber.Ctx, rawBody []byte) bool {
	if w.cfg.Provider == ProviderMidtrans {
		orderID, statusCode, grossAmount, signatureKey, ok := gateway.MidtransFields(rawBody)
		if !ok {
			return false
		}
		return gateway.VerifyMidtransSignature(orderID, statusCode, grossAmount, w.cfg.MidtransServerKey, signatureKey)
	}
	signature := firstHeaderValue(c, "X-Gateway-Signature", "X-Signature")
	return gateway.VerifySignature(rawBody, signature, w.cfg.WebhookSecret)
}

func (w *WebhookController) markProcessed(ctx context.Context, id uint, processingErr error) {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	if err := w.events.MarkProcessed(ctx, id, msg); err != nil {
		log.Errorf("[Webhook] Failed to mark event %d processed: %v", id, err)
	}
}

// eventID prefers the delivery header, then the id inside the payload, and
// falls back to a digest of the body.
func eventID(c *fiber.Ctx, n *gateway.Notification, rawBody []byte) string {
	if id := firstHeaderValue(c, "X-Gateway-Event-ID", "X-Event-ID"); id != "" {
		return id
	}
	if n != nil && n.EventID != "" {
		return n.EventID
	}
	sum := sha256.Sum256(rawBody)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func firstHeaderValue(c *fiber.Ctx, keys ...string) string {
	for _, k := range keys {
		v := strings.TrimSpace(c.Get(k))
		if v != "" {
			return v
		}
	}
	return ""
}
