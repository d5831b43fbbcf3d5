// Package v1 carries the HTTP surface: beacon ingestion under /trace and the
// read-only JSON API under /api/v1.
package v1

import (
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"pagetrace/internal/analytics"
	"pagetrace/internal/config"
	"pagetrace/internal/ingest"
	"pagetrace/internal/services"
	"pagetrace/internal/store"
)

const (
	errServiceNotFound = "Service not found"
	errInvalidOrigin   = "Invalid origin"
	errInvalidRequest  = "Invalid request"
	errInternal        = "Internal error"
)

// Handler bundles the dependencies every endpoint needs.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	registry  *services.Registry
	processor *ingest.Processor
	stats     *analytics.Aggregator
}

// NewHandler creates the v1 handler set.
func NewHandler(
	cfg *config.Config,
	logger *slog.Logger,
	st store.Store,
	registry *services.Registry,
	processor *ingest.Processor,
	stats *analytics.Aggregator,
) *Handler {
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		registry:  registry,
		processor: processor,
		stats:     stats,
	}
}

// jsonError maps store failures onto the API error taxonomy: typed not-found
// errors become 404s, anything else is a 500.
func (h *Handler) jsonError(c *fiber.Ctx, err error) error {
	if store.IsNotFound(err) {
		return c.Status(http.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	}

	h.logger.Error("Request failed",
		slog.String("path", c.Path()),
		slog.Any("error", err))
	return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": errInternal})
}
