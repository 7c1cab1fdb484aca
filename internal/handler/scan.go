package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"optisage-gateway/internal/auth"
	"optisage-gateway/internal/metrics"
	"optisage-gateway/internal/model"
	"optisage-gateway/internal/service"
)

// bearerPattern matches bearer tokens that may appear in wrapped error text.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"]+`)

// ScanHandler exposes the scan gateway operations over HTTP.
type ScanHandler struct {
	service *service.ScanService
	creds   auth.Source
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewScanHandler creates a ScanHandler. The metrics parameter may be nil.
func NewScanHandler(svc *service.ScanService, creds auth.Source, m *metrics.Metrics, logger *slog.Logger) *ScanHandler {
	return &ScanHandler{
		service: svc,
		creds:   creds,
		metrics: m,
		logger:  logger.With("component", "scan_handler"),
	}
}

// Get handles GET /api/scan/:id.
func (h *ScanHandler) Get(c echo.Context) error {
	token, err := h.credential(c)
	if err != nil {
		return h.mapError(c, err)
	}
	id, err := scanID(c)
	if err != nil {
		return h.mapError(c, err)
	}

	res, err := h.service.Get(c.Request().Context(), token, id)
	if err != nil {
		return h.mapError(c, err)
	}
	return relay(c, res)
}

// Delete handles DELETE /api/scan/:id.
func (h *ScanHandler) Delete(c echo.Context) error {
	token, err := h.credential(c)
	if err != nil {
		return h.mapError(c, err)
	}
	id, err := scanID(c)
	if err != nil {
		return h.mapError(c, err)
	}

	res, err := h.service.Delete(c.Request().Context(), token, id)
	if err != nil {
		return h.mapError(c, err)
	}
	return relay(c, res)
}

// Restart handles POST /api/scan/:id/restart.
func (h *ScanHandler) Restart(c echo.Context) error {
	token, err := h.credential(c)
	if err != nil {
		return h.mapError(c, err)
	}
	id, err := scanID(c)
	if err != nil {
		return h.mapError(c, err)
	}

	res, err := h.service.Restart(c.Request().Context(), token, id)
	if err != nil {
		return h.mapError(c, err)
	}
	return relay(c, res)
}

// Upload handles POST /api/scan with a multipart form body.
func (h *ScanHandler) Upload(c echo.Context) error {
	token, err := h.credential(c)
	if err != nil {
		return h.mapError(c, err)
	}

	req := c.Request()
	res, err := h.service.Upload(req.Context(), token, req.Header.Get(echo.HeaderContentType), req.Body, req.ContentLength)
	if err != nil {
		return h.mapError(c, err)
	}
	return relay(c, res)
}

// DownloadTemplate handles GET /api/scan/download-template and streams the
// template back as an attachment.
func (h *ScanHandler) DownloadTemplate(c echo.Context) error {
	token, err := h.credential(c)
	if err != nil {
		return h.mapError(c, err)
	}

	resp, err := h.service.DownloadTemplate(c.Request().Context(), token)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Headers are already sent; a mid-stream failure can only be logged.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming template body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}

func (h *ScanHandler) credential(c echo.Context) (string, error) {
	return h.creds.Credential(c.Request().Context(), c.Request())
}

// scanID returns the :id path parameter, unescaping it when the router
// matched against the raw (still-escaped) path.
func scanID(c echo.Context) (string, error) {
	id := c.Param("id")
	if c.Request().URL.RawPath == "" {
		return id, nil
	}
	unescaped, err := url.PathUnescape(id)
	if err != nil {
		return "", service.ErrInvalidID
	}
	return unescaped, nil
}

func relay(c echo.Context, res *service.JSONResult) error {
	return c.Blob(res.StatusCode, echo.MIMEApplicationJSON, res.Body)
}

func (h *ScanHandler) mapError(c echo.Context, err error) error {
	status, msg := classify(err)

	attrs := []any{
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
		"status", status,
	}
	if status < http.StatusInternalServerError {
		h.logger.Warn("request rejected", attrs...)
	} else {
		h.logger.Error("gateway error", attrs...)
	}

	if errors.Is(err, auth.ErrMissingCredential) && h.metrics != nil {
		h.metrics.AuthRejections.Inc()
	}

	return c.JSON(status, model.NewEnvelope(status, msg))
}

// classify maps an error to the status and message returned to the caller.
// Anything unrecognised is a 500.
func classify(err error) (int, string) {
	if errors.Is(err, auth.ErrMissingCredential) {
		return http.StatusUnauthorized, "Authentication required"
	}
	if errors.Is(err, service.ErrInvalidID) {
		return http.StatusBadRequest, "Invalid scan id"
	}
	if errors.Is(err, service.ErrNotMultipart) {
		return http.StatusBadRequest, "Content-Type must be multipart/form-data"
	}

	var se *service.UpstreamStatusError
	if errors.As(err, &se) {
		if se.StatusCode >= 100 && se.StatusCode <= 599 {
			return se.StatusCode, se.Message
		}
		return http.StatusInternalServerError, se.Message
	}

	if errors.Is(err, service.ErrMalformedBody) {
		return http.StatusInternalServerError, "Invalid response from backend"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusInternalServerError, "Backend request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusInternalServerError, "Request canceled"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusInternalServerError, "Backend host unreachable"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return http.StatusInternalServerError, "Backend connection failed"
	}

	return http.StatusInternalServerError, "Backend request failed"
}

// sanitizeError redacts bearer tokens from error messages.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
