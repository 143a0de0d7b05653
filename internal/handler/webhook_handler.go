package handler

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

type WebhookReconciler interface {
	Handle(ctx context.Context, channel domain.Channel, body []byte, headers http.Header) error
}

// WhatsAppChallenger answers the Cloud API subscription handshake.
type WhatsAppChallenger interface {
	Challenge(mode, token, challenge string) (string, error)
}

type WebhookHandler struct {
	reconciler WebhookReconciler
	challenger WhatsAppChallenger
}

func RegisterWebhookRoutes(router fiber.Router, reconciler WebhookReconciler, challenger WhatsAppChallenger) error {
	if reconciler == nil {
		return fmt.Errorf("webhook reconciler is required")
	}
	h := &WebhookHandler{reconciler: reconciler, challenger: challenger}

	v1 := router.Group("/v1")
	v1.Get("/webhooks/whatsapp", h.WhatsAppChallenge)
	v1.Post("/webhooks/whatsapp", h.WhatsApp)
	v1.Post("/webhooks/email", h.Email)

	return nil
}

func (h *WebhookHandler) WhatsAppChallenge(c *fiber.Ctx) error {
	if h.challenger == nil {
		return fiber.NewError(fiber.StatusNotFound, "whatsapp webhooks are not configured")
	}

	challenge, err := h.challenger.Challenge(c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"))
	if err != nil {
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	}
	return c.Status(fiber.StatusOK).SendString(challenge)
}

func (h *WebhookHandler) WhatsApp(c *fiber.Ctx) error {
	return h.handle(c, domain.ChannelWhatsApp)
}

func (h *WebhookHandler) Email(c *fiber.Ctx) error {
	return h.handle(c, domain.ChannelEmail)
}

func (h *WebhookHandler) handle(c *fiber.Ctx, channel domain.Channel) error {
	// fiber reuses the body buffer after the handler returns.
	body := append([]byte(nil), c.Body()...)

	if err := h.reconciler.Handle(c.UserContext(), channel, body, requestHeaders(c)); err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}
