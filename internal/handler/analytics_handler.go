package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type AnalyticsService interface {
	Query(ctx context.Context, q service.AnalyticsQuery) (*service.AnalyticsReport, error)
}

type AnalyticsHandler struct {
	service AnalyticsService
}

func RegisterAnalyticsRoutes(router fiber.Router, svc AnalyticsService) error {
	if svc == nil {
		return fmt.Errorf("analytics service is required")
	}
	h := &AnalyticsHandler{service: svc}

	router.Group("/v1").Get("/analytics", h.Query)
	return nil
}

type analyticsTotals struct {
	Attempted int64 `json:"attempted"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Bounced   int64 `json:"bounced"`
	Opened    int64 `json:"opened"`
	Clicked   int64 `json:"clicked"`
}

type analyticsRates struct {
	Success  float64 `json:"success"`
	Delivery float64 `json:"delivery"`
	Failure  float64 `json:"failure"`
	Bounce   float64 `json:"bounce"`
	Open     float64 `json:"open"`
	Click    float64 `json:"click"`
}

type analyticsResponse struct {
	From                 string          `json:"from"`
	To                   string          `json:"to"`
	Channel              string          `json:"channel,omitempty"`
	TenantID             string          `json:"tenantId,omitempty"`
	Totals               analyticsTotals `json:"totals"`
	Rates                analyticsRates  `json:"rates"`
	AvgDeliveryLatencyMs float64         `json:"avgDeliveryLatencyMs"`
}

// Query reports totals for an inclusive day range. Tenant scoping is optional
// (header or tenantId query); without it the report covers every tenant.
func (h *AnalyticsHandler) Query(c *fiber.Ctx) error {
	from, err := parseDay(c.Query("from"), "from")
	if err != nil {
		return toHTTPError(err)
	}
	to, err := parseDay(c.Query("to"), "to")
	if err != nil {
		return toHTTPError(err)
	}

	tenantID, err := analyticsTenant(c)
	if err != nil {
		return toHTTPError(err)
	}

	q := service.AnalyticsQuery{
		From:     from,
		To:       to,
		TenantID: tenantID,
	}
	if raw := strings.TrimSpace(c.Query("channel")); raw != "" {
		channel, err := domain.ParseChannelFromString(raw)
		if err != nil {
			return toHTTPError(err)
		}
		q.Channel = &channel
	}

	report, err := h.service.Query(c.UserContext(), q)
	if err != nil {
		return toHTTPError(err)
	}

	resp := analyticsResponse{
		From:     report.From.Format(time.DateOnly),
		To:       report.To.Format(time.DateOnly),
		TenantID: report.TenantID,
		Totals: analyticsTotals{
			Attempted: report.Totals.Attempted,
			Sent:      report.Totals.Sent,
			Delivered: report.Totals.Delivered,
			Failed:    report.Totals.Failed,
			Bounced:   report.Totals.Bounced,
			Opened:    report.Totals.Opened,
			Clicked:   report.Totals.Clicked,
		},
		Rates:                analyticsRates(report.Rates),
		AvgDeliveryLatencyMs: report.AvgDeliveryLatencyMs,
	}
	if report.Channel != nil {
		resp.Channel = report.Channel.String()
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

// analyticsTenant reads the tenant scope. A query value may not widen or
// switch the scope of a caller that identified itself with the header.
func analyticsTenant(c *fiber.Ctx) (string, error) {
	header := strings.TrimSpace(c.Get(TenantHeader))
	query := strings.TrimSpace(c.Query("tenantId"))
	switch {
	case header == "":
		return query, nil
	case query != "" && query != header:
		return "", fmt.Errorf("%w: tenantId does not match %s", domain.ErrValidation, TenantHeader)
	default:
		return header, nil
	}
}

func parseDay(value, field string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", domain.ErrValidation, field)
	}
	if t, err := time.Parse(time.DateOnly, trimmed); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD or RFC3339", domain.ErrValidation, field)
	}
	return t, nil
}
