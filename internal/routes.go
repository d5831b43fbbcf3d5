package internal

import (
	"github.com/gofiber/fiber/v2/middleware/cors"

	v1 "pagetrace/api/v1"
)

// publicCORSConfig is the permissive CORS setup shared by the tracking
// endpoints, which are called cross-origin from every tracked site.
var publicCORSConfig = cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, Referer, User-Agent",
}

// MountRoutes mounts the tracking endpoints and the read-only JSON API.
func MountRoutes(a *App) {
	handler := v1.NewHandler(a.Config, a.Logger, a.Store, a.Registry, a.Processor, a.Stats)

	a.Fiber.Get("/_health", handler.Health)
	a.Fiber.Head("/_health", handler.Health)

	// Beacon ingestion. The identifier variant lets a tracked site label
	// the visitor's session with its own id.
	trace := a.Fiber.Group("/trace", cors.New(publicCORSConfig))
	trace.Get("/:asset", handler.TraceGet)
	trace.Get("/:asset/:identifier", handler.TraceGet)
	trace.Post("/:asset", handler.TracePost)
	trace.Post("/:asset/:identifier", handler.TracePost)

	api := a.Fiber.Group("/api/v1")
	api.Get("/services", handler.ListServices)
	api.Get("/services/:id", handler.GetService)
	api.Get("/services/:id/stats", handler.GetServiceStats)
	api.Get("/services/:id/sessions", handler.ListServiceSessions)
	api.Get("/sessions/:id", handler.GetSession)
	api.Get("/sessions/:id/hits", handler.ListSessionHits)
}
