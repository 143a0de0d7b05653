package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type FulfillmentService interface {
	Fulfill(ctx context.Context, tenantID, orderID string) (*service.FulfillmentResult, error)
	Resend(ctx context.Context, tenantID, orderID string) (*service.FulfillmentResult, error)
}

type FulfillmentHandler struct {
	service FulfillmentService
}

func RegisterFulfillmentRoutes(router fiber.Router, svc FulfillmentService) error {
	if svc == nil {
		return fmt.Errorf("fulfillment service is required")
	}
	h := &FulfillmentHandler{service: svc}

	v1 := router.Group("/v1")
	v1.Post("/orders/:orderId/fulfill", h.Fulfill)
	v1.Post("/orders/:orderId/resend", h.Resend)

	return nil
}

type issuedLinkResponse struct {
	ProductID string    `json:"productId"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
	MaxUses   int       `json:"maxUses"`
	Reused    bool      `json:"reused"`
}

type fulfillmentResponse struct {
	OrderID string               `json:"orderId"`
	Links   []issuedLinkResponse `json:"links"`
	Jobs    []deliveryResponse   `json:"jobs"`
}

func (h *FulfillmentHandler) Fulfill(c *fiber.Ctx) error {
	return h.run(c, h.service.Fulfill)
}

func (h *FulfillmentHandler) Resend(c *fiber.Ctx) error {
	return h.run(c, h.service.Resend)
}

func (h *FulfillmentHandler) run(c *fiber.Ctx, fn func(ctx context.Context, tenantID, orderID string) (*service.FulfillmentResult, error)) error {
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	result, err := fn(c.UserContext(), tenantID, strings.TrimSpace(c.Params("orderId")))
	if err != nil {
		return toHTTPError(err)
	}

	resp := fulfillmentResponse{
		OrderID: result.OrderID,
		Links:   make([]issuedLinkResponse, 0, len(result.Links)),
		Jobs:    make([]deliveryResponse, 0, len(result.Jobs)),
	}
	for _, link := range result.Links {
		resp.Links = append(resp.Links, issuedLinkResponse{
			ProductID: link.ProductID,
			URL:       link.URL,
			ExpiresAt: link.ExpiresAt,
			MaxUses:   link.MaxUses,
			Reused:    link.Reused,
		})
	}
	for i := range result.Jobs {
		resp.Jobs = append(resp.Jobs, toDeliveryResponse(&result.Jobs[i]))
	}

	return c.Status(fiber.StatusAccepted).JSON(resp)
}
