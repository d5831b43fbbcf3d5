package v1

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"pagetrace/internal/ingest"
	"pagetrace/internal/privacy"
	"pagetrace/internal/store"
	"pagetrace/internal/tracker"
)

// scriptPayload is the beacon body posted by the tracker script, either as
// JSON or as a sendBeacon text/plain blob.
type scriptPayload struct {
	Idempotency string   `json:"idempotency"`
	Location    string   `json:"location"`
	Referrer    string   `json:"referrer"`
	LoadTime    *float64 `json:"loadTime"`
}

// stripExtension removes a trailing .js or .gif from a path segment.
func stripExtension(s string) string {
	if v, ok := strings.CutSuffix(s, ".js"); ok {
		return v
	}
	if v, ok := strings.CutSuffix(s, ".gif"); ok {
		return v
	}
	return s
}

// splitTrackerAsset decodes a /trace path segment like "px_ab12cd34.gif" or
// "app_ab12cd34.js" into the tracker kind and the tracking id.
func splitTrackerAsset(asset string) (kind, trackingID string) {
	asset = stripExtension(asset)
	if v, ok := strings.CutPrefix(asset, "px_"); ok {
		return store.TrackerPixel, v
	}
	if v, ok := strings.CutPrefix(asset, "app_"); ok {
		return store.TrackerScript, v
	}
	return "", ""
}

// detectProtocol resolves the scheme the tracker script should call back on.
// Reverse-proxy headers win over the transport the server itself saw.
func detectProtocol(c *fiber.Ctx) string {
	switch strings.ToLower(c.Get("X-Forwarded-Proto")) {
	case "https":
		return "https"
	case "http":
		return "http"
	}
	if strings.EqualFold(c.Get("X-Forwarded-Ssl"), "on") {
		return "https"
	}
	return c.Protocol()
}

// allowOriginFor picks the Access-Control-Allow-Origin value once the origin
// has passed the privacy filter. A matched explicit origin is echoed back.
func allowOriginFor(c *fiber.Ctx, svc *store.Service) string {
	origin := c.Get(fiber.HeaderOrigin)
	if origin == "" || svc.Origins == "*" {
		return "*"
	}
	return origin
}

func (h *Handler) privacyRequest(c *fiber.Ctx, ip string) privacy.Request {
	return privacy.Request{
		Origin:    c.Get(fiber.HeaderOrigin),
		DNT:       c.Get("DNT"),
		GPC:       c.Get("Sec-GPC"),
		UserAgent: c.Get(fiber.HeaderUserAgent),
		IP:        ip,
	}
}

// activeService resolves a tracking id to its active service. When the
// returned service is nil the response has already been written.
func (h *Handler) activeService(c *fiber.Ctx, trackingID string) (*store.Service, error) {
	svc, err := h.registry.ByTrackingID(c.Context(), trackingID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, c.Status(http.StatusNotFound).SendString(errServiceNotFound)
		}
		h.logger.Error("Failed to load service",
			slog.String("tracking_id", trackingID),
			slog.Any("error", err))
		return nil, c.Status(http.StatusInternalServerError).SendString(errInternal)
	}
	if !svc.IsActive() {
		return nil, c.Status(http.StatusNotFound).SendString(errServiceNotFound)
	}
	return svc, nil
}

// TraceGet serves GET /trace/:asset and /trace/:asset/:identifier, the
// pixel beacon and the tracker script download.
func (h *Handler) TraceGet(c *fiber.Ctx) error {
	kind, trackingID := splitTrackerAsset(c.Params("asset"))
	identifier := stripExtension(c.Params("identifier"))

	switch kind {
	case store.TrackerPixel:
		return h.servePixel(c, trackingID, identifier)
	case store.TrackerScript:
		return h.serveScript(c, trackingID, identifier)
	default:
		return c.Status(http.StatusNotFound).SendString(errServiceNotFound)
	}
}

// TracePost serves POST /trace/:asset and /trace/:asset/:identifier, the
// script beacon endpoint.
func (h *Handler) TracePost(c *fiber.Ctx) error {
	kind, trackingID := splitTrackerAsset(c.Params("asset"))
	if kind != store.TrackerScript {
		return c.Status(http.StatusNotFound).SendString(errServiceNotFound)
	}
	return h.collectScriptBeacon(c, trackingID, stripExtension(c.Params("identifier")))
}

// servePixel answers a pixel beacon. The GIF goes out for every admitted or
// silently rejected request; processing happens in the background so the
// response never waits on the store.
func (h *Handler) servePixel(c *fiber.Ctx, trackingID, identifier string) error {
	svc, err := h.activeService(c, trackingID)
	if svc == nil {
		return err
	}

	ip := getClientIP(c)
	verdict := privacy.Evaluate(svc, h.privacyRequest(c, ip))
	if verdict.Reason == privacy.ReasonForbiddenOrigin {
		return c.Status(http.StatusForbidden).SendString(errInvalidOrigin)
	}

	if verdict.Admitted {
		beacon := ingest.Beacon{
			Tracker: store.TrackerPixel,
			Time:    time.Now().UTC(),
			// Pixels cannot report their page, the Referer is the page.
			Location:   c.Get(fiber.HeaderReferer),
			IP:         ip,
			UserAgent:  c.Get(fiber.HeaderUserAgent),
			Identifier: identifier,
		}
		h.processor.ProcessAsync(svc, beacon)
	} else {
		h.logger.Debug("Dropped pixel beacon",
			slog.String("tracking_id", trackingID),
			slog.String("reason", verdict.Reason.String()))
	}

	c.Set(fiber.HeaderContentType, "image/gif")
	c.Set(fiber.HeaderCacheControl, "no-cache, no-store, must-revalidate")
	c.Set(fiber.HeaderAccessControlAllowOrigin, allowOriginFor(c, svc))
	return c.Send(tracker.PixelGIF)
}

// serveScript renders the tracker script for a service. Visitors carrying a
// privacy signal get the inert stub, so the script URL stays cacheable and
// valid either way.
func (h *Handler) serveScript(c *fiber.Ctx, trackingID, identifier string) error {
	svc, err := h.activeService(c, trackingID)
	if svc == nil {
		return err
	}

	verdict := privacy.Evaluate(svc, h.privacyRequest(c, getClientIP(c)))
	if verdict.Reason == privacy.ReasonForbiddenOrigin {
		return c.Status(http.StatusForbidden).SendString(errInvalidOrigin)
	}

	endpoint := "/trace/app_" + trackingID + ".js"
	if identifier != "" {
		endpoint = "/trace/app_" + trackingID + "/" + identifier + ".js"
	}

	script, err := tracker.RenderScript(verdict.Reason == privacy.ReasonPrivacySignal, tracker.ScriptParams{
		Protocol:     detectProtocol(c),
		Endpoint:     endpoint,
		HeartbeatMs:  h.cfg.HeartbeatFrequencyMs,
		ScriptInject: svc.ScriptInject,
	})
	if err != nil {
		h.logger.Error("Failed to render tracker script",
			slog.String("tracking_id", trackingID),
			slog.Any("error", err))
		return c.Status(http.StatusInternalServerError).SendString(errInternal)
	}

	body := []byte(script)
	etag := tracker.ETag(body)

	c.Set(fiber.HeaderETag, etag)
	c.Set(fiber.HeaderContentType, "application/javascript")
	c.Set(fiber.HeaderCacheControl, "public, max-age=31536000")
	c.Set(fiber.HeaderAccessControlAllowOrigin, allowOriginFor(c, svc))

	if c.Get(fiber.HeaderIfNoneMatch) == etag {
		return c.SendStatus(http.StatusNotModified)
	}
	return c.Send(body)
}

// collectScriptBeacon records a script beacon synchronously and answers the
// CORS-friendly {"status":"OK"} body the tracker expects.
func (h *Handler) collectScriptBeacon(c *fiber.Ctx, trackingID, identifier string) error {
	svc, err := h.activeService(c, trackingID)
	if svc == nil {
		return err
	}

	// sendBeacon posts arrive as text/plain, so decode the body directly
	// instead of trusting the content type.
	var payload scriptPayload
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		return c.Status(http.StatusBadRequest).JSON(fiber.Map{"error": errInvalidRequest})
	}

	ip := getClientIP(c)
	verdict := privacy.Evaluate(svc, h.privacyRequest(c, ip))
	if verdict.Reason == privacy.ReasonForbiddenOrigin {
		return c.Status(http.StatusForbidden).SendString(errInvalidOrigin)
	}
	if !verdict.Admitted {
		h.logger.Debug("Dropped script beacon",
			slog.String("tracking_id", trackingID),
			slog.String("reason", verdict.Reason.String()))
		return h.beaconOK(c, svc)
	}

	beacon := ingest.Beacon{
		Tracker:     store.TrackerScript,
		Time:        time.Now().UTC(),
		Idempotency: payload.Idempotency,
		Location:    payload.Location,
		Referrer:    payload.Referrer,
		LoadTime:    payload.LoadTime,
		IP:          ip,
		UserAgent:   c.Get(fiber.HeaderUserAgent),
		Identifier:  identifier,
	}
	if err := h.processor.Process(c.Context(), svc, beacon); err != nil {
		h.logger.Error("Failed to process script beacon",
			slog.String("tracking_id", trackingID),
			slog.Any("error", err))
		return c.Status(http.StatusInternalServerError).JSON(fiber.Map{"error": errInternal})
	}

	return h.beaconOK(c, svc)
}

func (h *Handler) beaconOK(c *fiber.Ctx, svc *store.Service) error {
	c.Set(fiber.HeaderAccessControlAllowOrigin, allowOriginFor(c, svc))
	c.Set(fiber.HeaderAccessControlAllowMethods, "GET,HEAD,OPTIONS,POST")
	c.Set(fiber.HeaderAccessControlAllowHeaders,
		"Origin, X-Requested-With, Content-Type, Accept, Authorization, Referer")
	return c.JSON(fiber.Map{"status": "OK"})
}
