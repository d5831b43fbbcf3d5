package v1

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"pagetrace/internal/timeframe"
)

const (
	defaultSessionPageSize = 100
	maxSessionPageSize     = 1000
)

// Health serves the liveness probe.
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ListServices serves GET /api/v1/services.
func (h *Handler) ListServices(c *fiber.Ctx) error {
	list, err := h.registry.List(c.Context())
	if err != nil {
		return h.jsonError(c, err)
	}
	return c.JSON(fiber.Map{"services": list})
}

// GetService serves GET /api/v1/services/:id.
func (h *Handler) GetService(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": errInvalidRequest})
	}

	svc, err := h.registry.ByID(c.Context(), uint(id))
	if err != nil {
		return h.jsonError(c, err)
	}
	return c.JSON(svc)
}

// GetServiceStats serves GET /api/v1/services/:id/stats?start&end&location.
func (h *Handler) GetServiceStats(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": errInvalidRequest})
	}

	svc, err := h.registry.ByID(c.Context(), uint(id))
	if err != nil {
		return h.jsonError(c, err)
	}

	rng := timeframe.Parse(c.Query("start"), c.Query("end"), time.Now().UTC())
	stats, err := h.stats.ServiceStats(c.Context(), svc, rng, c.Query("location"))
	if err != nil {
		return h.jsonError(c, err)
	}
	return c.JSON(stats)
}

// ListServiceSessions serves GET /api/v1/services/:id/sessions with range and
// pagination query parameters.
func (h *Handler) ListServiceSessions(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": errInvalidRequest})
	}

	svc, err := h.registry.ByID(c.Context(), uint(id))
	if err != nil {
		return h.jsonError(c, err)
	}

	limit := c.QueryInt("limit", defaultSessionPageSize)
	if limit <= 0 || limit > maxSessionPageSize {
		limit = defaultSessionPageSize
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	rng := timeframe.Parse(c.Query("start"), c.Query("end"), time.Now().UTC())
	sessions, err := h.store.ListSessions(c.Context(), svc.ID, rng.From, rng.To, limit, offset)
	if err != nil {
		return h.jsonError(c, err)
	}
	return c.JSON(fiber.Map{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetSession serves GET /api/v1/sessions/:id.
func (h *Handler) GetSession(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": errInvalidRequest})
	}

	session, err := h.store.GetSessionByID(c.Context(), uint(id))
	if err != nil {
		return h.jsonError(c, err)
	}
	return c.JSON(session)
}

// ListSessionHits serves GET /api/v1/sessions/:id/hits.
func (h *Handler) ListSessionHits(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": errInvalidRequest})
	}

	// Resolve the session first so an unknown id is a 404, not an empty list.
	session, err := h.store.GetSessionByID(c.Context(), uint(id))
	if err != nil {
		return h.jsonError(c, err)
	}

	hits, err := h.store.ListSessionHits(c.Context(), session.ID)
	if err != nil {
		return h.jsonError(c, err)
	}
	return c.JSON(fiber.Map{"hits": hits})
}
