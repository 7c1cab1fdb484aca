package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"optisage-gateway/internal/catalog"
	"optisage-gateway/internal/model"
)

// CatalogHandler serves the embedded reference data. These routes need no
// credential and never reach the backend.
type CatalogHandler struct {
	catalog *catalog.Catalog
}

// NewCatalogHandler creates a CatalogHandler.
func NewCatalogHandler(c *catalog.Catalog) *CatalogHandler {
	return &CatalogHandler{catalog: c}
}

// Countries lists the supported marketplaces.
func (h *CatalogHandler) Countries(c echo.Context) error {
	return c.JSON(http.StatusOK, model.Envelope{
		Status:  http.StatusOK,
		Message: "Countries retrieved successfully",
		Data:    h.catalog.Countries(),
	})
}

// Categories lists the product categories.
func (h *CatalogHandler) Categories(c echo.Context) error {
	return c.JSON(http.StatusOK, model.Envelope{
		Status:  http.StatusOK,
		Message: "Categories retrieved successfully",
		Data:    h.catalog.Categories(),
	})
}

// Product returns sample details for one ASIN.
func (h *CatalogHandler) Product(c echo.Context) error {
	p, ok := h.catalog.Product(c.Param("asin"))
	if !ok {
		return c.JSON(http.StatusNotFound, model.NewEnvelope(http.StatusNotFound, "Product not found"))
	}
	return c.JSON(http.StatusOK, model.Envelope{
		Status:  http.StatusOK,
		Message: "Product retrieved successfully",
		Data:    p,
	})
}
