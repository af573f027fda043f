package handler

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/bookgen/api/internal/middleware"
	"github.com/bookgen/api/internal/model"
	"github.com/bookgen/api/internal/observability"
)

// AppConfig wires the handlers and middleware into a fiber app. Auth,
// RateLimit and Metrics may be nil.
type AppConfig struct {
	Biography     *BiographyHandler
	Source        *SourceHandler
	Admin         *AdminHandler
	Notifications *NotificationHandler

	Auth       *middleware.AuthMiddleware
	RateLimit  fiber.Handler
	Metrics    *observability.Metrics
	RequestLog bool
}

// NewApp builds the HTTP surface. /health, /metrics and /ws are outside the
// rate limit.
func NewApp(cfg AppConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    4 * 1024 * 1024, // 4MB
	})

	// Global middleware
	app.Use(recover.New())
	if cfg.RequestLog {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
		}))
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))
	if cfg.Metrics != nil {
		app.Use(middleware.Metrics(cfg.Metrics))
	}

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(model.HealthResponse{Status: "ok", Timestamp: time.Now().UTC()})
	})
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	// WebSocket routes
	if cfg.Notifications != nil {
		app.Get("/ws/notifications", cfg.Notifications.Upgrade, cfg.Notifications.Subscribe())
	}

	// API routes
	auth := cfg.Auth
	if auth == nil {
		auth = middleware.NewAuthMiddleware("")
	}
	handlers := []fiber.Handler{auth.Optional()}
	if cfg.RateLimit != nil {
		handlers = append(handlers, cfg.RateLimit)
	}
	api := app.Group("/api/v1", handlers...)

	// Biography routes
	bio := api.Group("/biographies")
	bio.Post("/generate", cfg.Biography.Generate)
	bio.Get("/", cfg.Biography.List)
	bio.Get("/:job_id/status", cfg.Biography.Status)
	bio.Get("/:job_id/download", cfg.Biography.Download)
	bio.Post("/:job_id/pause", cfg.Biography.Pause)
	bio.Post("/:job_id/resume", cfg.Biography.Resume)
	bio.Delete("/:biography_id", cfg.Biography.Delete)

	// Source routes
	api.Post("/sources/validate", cfg.Source.Validate)

	// Admin routes
	admin := api.Group("/admin", auth.Authenticate())
	admin.Get("/dead-letters", cfg.Admin.DeadLetters)

	return app
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
