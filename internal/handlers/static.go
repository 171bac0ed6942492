package handlers

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// ServeAssets serves a built asset directory with SPA-style index fallback.
// Unresolvable paths and read failures yield 404 Not found.
func ServeAssets(dir string, log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if dir == "" {
			return notFound(c, log)
		}

		path := strings.TrimPrefix(c.Path(), "/")
		if path == "" {
			path = "index.html"
		}

		// Clean the path to prevent directory traversal.
		path = filepath.Clean(path)
		if strings.HasPrefix(path, "..") {
			return notFound(c, log)
		}

		full := filepath.Join(dir, path)
		if data, err := os.ReadFile(full); err == nil {
			if ext := strings.TrimPrefix(filepath.Ext(full), "."); ext != "" {
				c.Type(ext)
			}
			return c.Send(data)
		}

		// Unknown paths fall back to index.html for client-side routing.
		if data, err := os.ReadFile(filepath.Join(dir, "index.html")); err == nil {
			c.Type("html")
			return c.Send(data)
		}

		return notFound(c, log)
	}
}

// NotFound is the terminal handler for unresolved asset paths.
func NotFound(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return notFound(c, log)
	}
}

func notFound(c *fiber.Ctx, log zerolog.Logger) error {
	log.Debug().Str("path", c.Path()).Msg("Asset not found")
	return c.Status(fiber.StatusNotFound).SendString("Not found")
}
