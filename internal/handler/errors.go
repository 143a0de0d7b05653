package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// TenantHeader carries the calling tenant on every tenant-scoped route.
const TenantHeader = "X-Tenant-ID"

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrAuthenticity):
		return fiber.NewError(fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrLinkInvalid):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrLinkExpired), errors.Is(err, domain.ErrLinkExhausted):
		return fiber.NewError(fiber.StatusGone, err.Error())
	case errors.Is(err, domain.ErrSendTimeout):
		return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
	default:
		return err
	}
}

func requireTenant(c *fiber.Ctx) (string, error) {
	tenantID := strings.TrimSpace(c.Get(TenantHeader))
	if tenantID == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, TenantHeader+" header is required")
	}
	return tenantID, nil
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

// requestHeaders copies the fiber request headers into an http.Header.
func requestHeaders(c *fiber.Ctx) http.Header {
	headers := make(http.Header)
	for key, values := range c.GetReqHeaders() {
		for _, value := range values {
			headers.Add(key, value)
		}
	}
	return headers
}
