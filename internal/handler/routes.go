package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"optisage-gateway/internal/model"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, scan *ScanHandler, catalog *CatalogHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	api := e.Group("/api")

	// The static template route takes precedence over /scan/:id in Echo's router.
	api.GET("/scan/download-template", scan.DownloadTemplate)
	// Otherwise Echo falls back to /scan/:id and deletes a scan named "download-template".
	api.DELETE("/scan/download-template", templateMethodNotAllowed)
	api.POST("/scan", scan.Upload)
	api.GET("/scan/:id", scan.Get)
	api.DELETE("/scan/:id", scan.Delete)
	api.POST("/scan/:id/restart", scan.Restart)

	api.GET("/countries", catalog.Countries)
	api.GET("/categories", catalog.Categories)
	api.GET("/products/:asin", catalog.Product)
}

func templateMethodNotAllowed(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderAllow, http.MethodGet)
	return c.JSON(http.StatusMethodNotAllowed, model.NewEnvelope(http.StatusMethodNotAllowed, "Method not allowed"))
}
