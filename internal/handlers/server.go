package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/roost-dev/roost/internal/config"
	"github.com/roost-dev/roost/internal/services"
)

// NewApp assembles the agent's single upgradeable HTTP listener: upgrade
// dispatch in front, the fixed orchestration endpoints, then the workbench
// static handler.
func NewApp(cfg *config.Config, idle *services.IdleSupervisor, accept AcceptFunc, log zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	upgrader := NewUpgrader(accept, log)
	app.Use(upgrader.Handler)

	app.Get("/version", func(c *fiber.Ctx) error {
		c.Type("html")
		return c.SendString(cfg.Commit)
	})

	app.Get("/delay-shutdown", func(c *fiber.Ctx) error {
		if idle.DelayShutdown() {
			log.Info().Msg("⏱️ Shutdown delayed by client request")
		}
		return c.SendString("OK")
	})

	app.Use(ServeAssets(cfg.AssetsDir, log))
	app.Use(NotFound(log))

	return app
}

// NewWebviewApp assembles the webview asset listener.
func NewWebviewApp(cfg *config.Config, log zerolog.Logger) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})
	app.Use(ServeAssets(cfg.WebviewAssetsDir, log))
	app.Use(NotFound(log))
	return app
}
