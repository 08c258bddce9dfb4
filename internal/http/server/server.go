// Package server assembles the fiber application.
package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"texbot/internal/config"
	"texbot/internal/http/handlers"
	"texbot/internal/http/middleware"
	"texbot/internal/infra/chrome"
	"texbot/internal/infra/logging"
	"texbot/internal/tex"
)

// Deps are the collaborators of the HTTP surface. Renderer and Pool may be
// nil; Tokens nil disables API key checks.
type Deps struct {
	Config   config.Config
	Renderer *tex.Renderer
	Settings func() config.PluginConfig
	Pool     *chrome.Pool
	Tokens   middleware.TokenStore
	Storage  fiber.Storage
}

// New builds the app with middleware, routes and JSON errors.
func New(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             64 * 1024,
		ErrorHandler:          errorHandler,
	})

	middleware.Register(app, d.Config, middleware.Options{Tokens: d.Tokens, Storage: d.Storage})

	v1 := app.Group("/v1")
	if d.Renderer != nil {
		settings := d.Settings
		if settings == nil {
			plugin := d.Config.Plugin
			settings = func() config.PluginConfig { return plugin }
		}
		v1.Post("/render", handlers.NewRenderService(d.Renderer, settings).HandleRender)
	}
	v1.Get("/chrome/stats", handlers.HandleChromeStats(d.Pool, d.Config.Renderer.TimeoutSecs))
	v1.Get("/monitor", monitor.New(monitor.Config{Title: "texbot"}))

	app.Use(func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusNotFound, "Not Found")
	})
	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		msg = fe.Message
	}

	logging.Warn("Request failed", "path", c.Path(), "status", code, "message", msg)

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": msg,
		},
	})
}
