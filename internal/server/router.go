package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// BundleHandler describes the component that serves built content. It allows
// injecting fake handlers during tests.
type BundleHandler interface {
	Layer(fiber.Ctx) error
	Module(fiber.Ctx) error
	Resource(fiber.Ctx) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Handler    BundleHandler
	ListenPort int
}

const contextKeyRequestID = "_bundlehub_request_id"

// NewApp builds a Fiber application with request-id middleware, the bundle
// routes and structured JSON errors for unknown paths.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("bundle handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.Get("/layer", opts.Handler.Layer)
	app.Get("/module/:id", opts.Handler.Module)
	app.Get("/res/*", opts.Handler.Resource)

	return app, nil
}

// RegisterFallback 注册兜底路由，必须在全部诊断路由之后调用。
func RegisterFallback(app *fiber.App, logger *logrus.Logger) {
	app.Use(func(c fiber.Ctx) error {
		return renderRouteNotFound(c, logger)
	})
}

// requestContextMiddleware 为每个请求生成请求 ID 并回写响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func renderRouteNotFound(c fiber.Ctx, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"action":     "route_lookup",
		"path":       c.Path(),
		"request_id": RequestID(c),
	}).Warn("route not found")

	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error": "route_not_found",
	})
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// IsDiagnosticsPath reports whether the path belongs to the /-/ admin surface.
func IsDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
