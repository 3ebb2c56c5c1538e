package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ordertech/drivethru/backend/internal/catalog"
)

type categoriesResponsePayload struct {
	Items []catalog.Category `json:"items"`
}

type productsResponsePayload struct {
	Items []catalog.Product `json:"items"`
}

func (h *httpHandler) handleListCategories(c *gin.Context) {
	tenantID := c.GetString(tenantContextKey)
	categories, err := h.catalog.ListCategories(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to list categories", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog_unavailable"})
		return
	}
	c.JSON(http.StatusOK, categoriesResponsePayload{Items: categories})
}

func (h *httpHandler) handleListProducts(c *gin.Context) {
	tenantID := c.GetString(tenantContextKey)
	var categoryID uint64
	if raw := strings.TrimSpace(c.Query("category_id")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category_id"})
			return
		}
		categoryID = parsed
	}
	products, err := h.catalog.ListProducts(c.Request.Context(), tenantID, uint(categoryID))
	if err != nil {
		h.logger.Error("failed to list products", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "catalog_unavailable"})
		return
	}
	c.JSON(http.StatusOK, productsResponsePayload{Items: products})
}
