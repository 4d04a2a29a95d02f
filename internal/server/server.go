// Package server assembles the fiber application: global middleware,
// health endpoints, the /api routes and the websocket progress feed.
package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/makeasinger/musicgen/internal/handler"
	"github.com/makeasinger/musicgen/internal/middleware"
	"github.com/makeasinger/musicgen/internal/model"
	"github.com/makeasinger/musicgen/internal/service"
	ws "github.com/makeasinger/musicgen/internal/websocket"
	"github.com/makeasinger/musicgen/pkg/response"
)

const (
	accessLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"
	debugLogFormat  = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
)

// Deps are the collaborators the routes need. Auth and RateLimiter may be
// nil, which disables them.
type Deps struct {
	Service         *service.GenerationService
	Hub             *ws.Hub
	Validate        *validator.Validate
	Auth            *middleware.AuthMiddleware
	RateLimiter     *middleware.RateLimiter
	GeneratePerHour int
	BodyLimitMB     int
	Debug           bool
	// Health reports which optional backends are wired, for GET /health.
	Health          map[string]bool
}

// New builds the application with every route registered.
func New(d Deps) *fiber.App {
	bodyLimit := d.BodyLimitMB
	if bodyLimit <= 0 {
		bodyLimit = 50
	}
	if d.Validate == nil {
		d.Validate = validator.New()
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: ErrorHandler,
		BodyLimit:    bodyLimit * 1024 * 1024,
	})

	app.Use(recover.New())
	format := accessLogFormat
	if d.Debug {
		format = debugLogFormat
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: format,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	health := fiber.Map{}
	for name, ok := range d.Health {
		health[name] = ok
	}
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"services": health,
		})
	})

	generateHandler := handler.NewGenerateHandler(d.Service, d.Validate)

	// Generated files are addressed by name and carry no user data.
	app.Get("/download/:fileName", generateHandler.Download)

	var apiMiddleware []fiber.Handler
	if d.Auth != nil {
		apiMiddleware = append(apiMiddleware, d.Auth.Authenticate())
	}
	api := app.Group("/api", apiMiddleware...)

	submit := []fiber.Handler{generateHandler.Generate}
	if d.RateLimiter != nil {
		submit = append([]fiber.Handler{d.RateLimiter.GenerateLimit(d.GeneratePerHour)}, submit...)
	}
	api.Post("/generate", submit...)
	api.Post("/generate-music", submit...)

	api.Get("/task/:taskId", generateHandler.Status)
	api.Post("/task/:taskId/cancel", generateHandler.Cancel)
	api.Get("/stream/:taskId", generateHandler.Stream)
	api.Get("/tasks/history", generateHandler.History)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/tasks/:taskId", websocket.New(func(c *websocket.Conn) {
		taskID := c.Params("taskId")
		d.Hub.HandleConnection(c, taskID, func() (*model.TaskEvent, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.Service.Snapshot(ctx, taskID)
		})
	}))

	return app
}

// IsDebug reports whether the configured log level asks for verbose access logs.
func IsDebug(level string) bool {
	return strings.EqualFold(level, "debug")
}

// ErrorHandler renders unhandled errors in the response envelope, coded by status.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeFor(code), message, nil)
}
