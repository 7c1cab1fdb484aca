package handler

import (
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"

	"optisage-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the liveness probe and the gateway status page.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	started time.Time
}

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	BackendURL    string `json:"backend_url"`
	AuthCookie    string `json:"auth_cookie"`
	HeaderAuth    bool   `json:"header_auth"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, started: time.Now()}
}

// Healthz answers liveness probes. It never contacts the backend.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the build version and where scan calls are forwarded.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		BackendURL:    redactURL(h.cfg.Backend.BaseURL),
		AuthCookie:    h.cfg.Auth.CookieName,
		HeaderAuth:    h.cfg.Auth.AllowHeader,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	})
}

// redactURL hides any password embedded in the backend URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}
