package transport

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/delivery-engine/internal/observability"
	"go.uber.org/zap"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 30 * time.Second
	// Provider webhooks can batch many events per request.
	bodyLimit = 4 * 1024 * 1024
)

// NewApp builds the fiber app with the shared middleware chain. Routes are
// registered by the caller.
func NewApp(logger *zap.Logger, metrics *observability.Metrics) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "delivery-engine",
		ErrorHandler:          ErrorHandler(logger),
		ReadTimeout:           readTimeout,
		WriteTimeout:          writeTimeout,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(RequestContext())
	app.Use(metrics.HTTPMiddleware())

	return app
}

// RequestContext stores the correlation and tenant ids on the request's user
// context so services log them.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		correlationID := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		if correlationID == "" {
			if value, ok := c.Locals("requestid").(string); ok {
				correlationID = value
			}
		}
		if correlationID != "" {
			ctx = observability.WithCorrelationID(ctx, correlationID)
		}
		if tenantID := strings.TrimSpace(c.Get("X-Tenant-ID")); tenantID != "" {
			ctx = observability.WithTenantID(ctx, tenantID)
		}

		c.SetUserContext(ctx)
		return c.Next()
	}
}
