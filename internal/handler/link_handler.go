package handler

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
)

type LinkService interface {
	ValidateViewToken(token, productID, orderID string) bool
	RedeemDownload(ctx context.Context, token string) (string, error)
}

type LinkHandler struct {
	service LinkService
}

func RegisterLinkRoutes(router fiber.Router, svc LinkService) error {
	if svc == nil {
		return fmt.Errorf("link service is required")
	}
	h := &LinkHandler{service: svc}

	v1 := router.Group("/v1")
	v1.Get("/links/view/validate", h.ValidateView)
	v1.Get("/downloads/:token", h.Download)

	return nil
}

func (h *LinkHandler) ValidateView(c *fiber.Ctx) error {
	valid := h.service.ValidateViewToken(
		strings.TrimSpace(c.Query("token")),
		strings.TrimSpace(c.Query("productId")),
		strings.TrimSpace(c.Query("orderId")),
	)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"valid": valid})
}

// Download consumes one use of the link and redirects to a short-lived
// storage URL.
func (h *LinkHandler) Download(c *fiber.Ctx) error {
	url, err := h.service.RedeemDownload(c.UserContext(), strings.TrimSpace(c.Params("token")))
	if err != nil {
		return toHTTPError(err)
	}
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Redirect(url, fiber.StatusFound)
}
