package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/delivery-engine/internal/domain"
	"github.com/kursadbilgin/delivery-engine/internal/service"
)

type DeliveryService interface {
	Enqueue(ctx context.Context, job *domain.DeliveryJob) (*domain.DeliveryJob, error)
	SendNow(ctx context.Context, job *domain.DeliveryJob) (*service.SendNowResult, error)
	GetStatus(ctx context.Context, tenantID, id string) (*service.JobStatus, error)
}

type DeliveryHandler struct {
	service DeliveryService
}

func NewDeliveryHandler(service DeliveryService) (*DeliveryHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("delivery service is required")
	}
	return &DeliveryHandler{service: service}, nil
}

func RegisterDeliveryRoutes(router fiber.Router, service DeliveryService) error {
	h, err := NewDeliveryHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/deliveries", h.Enqueue)
	v1.Post("/deliveries/send", h.SendNow)
	v1.Get("/deliveries/:id", h.GetDelivery)

	return nil
}

type createDeliveryRequest struct {
	Channel       string         `json:"channel"`
	Recipient     string         `json:"recipient"`
	TemplateKey   string         `json:"templateKey"`
	Variables     map[string]any `json:"variables"`
	Priority      *int           `json:"priority,omitempty"`
	CorrelationID string         `json:"correlationId"`
	MaxAttempts   *int           `json:"maxAttempts,omitempty"`
}

type deliveryResponse struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenantId"`
	Channel           string     `json:"channel"`
	Recipient         string     `json:"recipient"`
	TemplateKey       string     `json:"templateKey"`
	Priority          int        `json:"priority"`
	Urgent            bool       `json:"urgent"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attemptCount"`
	MaxAttempts       int        `json:"maxAttempts"`
	NextEligibleAt    time.Time  `json:"nextEligibleAt"`
	CorrelationID     string     `json:"correlationId,omitempty"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	LastError         *string    `json:"lastError,omitempty"`
	FailureReason     *string    `json:"failureReason,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	OpenedAt          *time.Time `json:"openedAt,omitempty"`
	ClickedAt         *time.Time `json:"clickedAt,omitempty"`
	BouncedAt         *time.Time `json:"bouncedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

type attemptResponse struct {
	AttemptNumber int       `json:"attemptNumber"`
	Outcome       string    `json:"outcome"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type deliveryStatusResponse struct {
	deliveryResponse
	Attempts []attemptResponse `json:"attempts"`
}

type sendNowResponse struct {
	Job      deliveryResponse `json:"job"`
	Outcome  string           `json:"outcome,omitempty"`
	TimedOut bool             `json:"timedOut"`
}

func (h *DeliveryHandler) Enqueue(c *fiber.Ctx) error {
	job, err := parseDeliveryRequest(c)
	if err != nil {
		return err
	}

	created, err := h.service.Enqueue(c.UserContext(), job)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(toDeliveryResponse(created))
}

// SendNow answers 200 once the first attempt resolves and 504 when it did not
// resolve in time; the job keeps going in both cases.
func (h *DeliveryHandler) SendNow(c *fiber.Ctx) error {
	job, err := parseDeliveryRequest(c)
	if err != nil {
		return err
	}

	result, err := h.service.SendNow(c.UserContext(), job)
	if errors.Is(err, domain.ErrSendTimeout) && result != nil {
		return c.Status(fiber.StatusGatewayTimeout).JSON(sendNowResponse{
			Job:      toDeliveryResponse(&result.Job),
			TimedOut: true,
		})
	}
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(sendNowResponse{
		Job:     toDeliveryResponse(&result.Job),
		Outcome: result.Outcome.String(),
	})
}

func (h *DeliveryHandler) GetDelivery(c *fiber.Ctx) error {
	tenantID, err := requireTenant(c)
	if err != nil {
		return err
	}

	status, err := h.service.GetStatus(c.UserContext(), tenantID, strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	attempts := make([]attemptResponse, 0, len(status.Attempts))
	for _, a := range status.Attempts {
		attempts = append(attempts, attemptResponse{
			AttemptNumber: a.AttemptNumber,
			Outcome:       a.Outcome.String(),
			StatusCode:    a.StatusCode,
			Error:         a.Error,
			CreatedAt:     a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(deliveryStatusResponse{
		deliveryResponse: toDeliveryResponse(&status.Job),
		Attempts:         attempts,
	})
}

func parseDeliveryRequest(c *fiber.Ctx) (*domain.DeliveryJob, error) {
	tenantID, err := requireTenant(c)
	if err != nil {
		return nil, err
	}

	var req createDeliveryRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	channel, err := domain.ParseChannelFromString(req.Channel)
	if err != nil {
		return nil, toHTTPError(err)
	}

	job := &domain.DeliveryJob{
		TenantID:      tenantID,
		Channel:       channel,
		Recipient:     strings.TrimSpace(req.Recipient),
		TemplateKey:   strings.TrimSpace(req.TemplateKey),
		Variables:     domain.Variables(req.Variables),
		Priority:      domain.PriorityNormal,
		CorrelationID: strings.TrimSpace(req.CorrelationID),
	}
	if req.Priority != nil {
		job.Priority = *req.Priority
	}
	if req.MaxAttempts != nil {
		job.MaxAttempts = *req.MaxAttempts
	}
	if job.CorrelationID == "" {
		job.CorrelationID = requestCorrelationID(c)
	}

	return job, nil
}

func toDeliveryResponse(j *domain.DeliveryJob) deliveryResponse {
	if j == nil {
		return deliveryResponse{}
	}

	return deliveryResponse{
		ID:                j.ID,
		TenantID:          j.TenantID,
		Channel:           j.Channel.String(),
		Recipient:         j.Recipient,
		TemplateKey:       j.TemplateKey,
		Priority:          j.Priority,
		Urgent:            j.Urgent,
		Status:            j.Status.String(),
		AttemptCount:      j.AttemptCount,
		MaxAttempts:       j.MaxAttempts,
		NextEligibleAt:    j.NextEligibleAt,
		CorrelationID:     j.CorrelationID,
		ProviderMessageID: j.ProviderMessageID,
		LastError:         j.LastError,
		FailureReason:     j.FailureReason,
		SentAt:            j.SentAt,
		DeliveredAt:       j.DeliveredAt,
		OpenedAt:          j.OpenedAt,
		ClickedAt:         j.ClickedAt,
		BouncedAt:         j.BouncedAt,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}
