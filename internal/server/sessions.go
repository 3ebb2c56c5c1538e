package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type pairRequestPayload struct {
	PairID string `json:"pairId"`
}

// pairIDFrom reads pairId from the query string, falling back to the JSON body.
func pairIDFrom(c *gin.Context) (string, bool) {
	if pairID := strings.TrimSpace(c.Query("pairId")); pairID != "" {
		return pairID, true
	}
	var request pairRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		return "", false
	}
	pairID := strings.TrimSpace(request.PairID)
	return pairID, pairID != ""
}

func (h *httpHandler) handleSessionStart(c *gin.Context) {
	pairID, ok := pairIDFrom(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pairId required"})
		return
	}
	order := h.hub.StartOrder(pairID, c.GetString(tenantContextKey))
	h.logger.Info("order started", zap.String("pairing_id", pairID), zap.String("osn", order.OSN))
	c.JSON(http.StatusOK, gin.H{"ok": true, "osn": order.OSN})
}

func (h *httpHandler) handleSessionPay(c *gin.Context) {
	pairID, ok := pairIDFrom(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pairId required"})
		return
	}
	order := h.hub.PayOrder(pairID, c.GetString(tenantContextKey))
	h.logger.Info("order paid", zap.String("pairing_id", pairID), zap.String("osn", order.OSN))
	c.JSON(http.StatusOK, gin.H{"ok": true, "osn": order.OSN})
}

// handleSessionReset ends the order and the call of a pairing.
func (h *httpHandler) handleSessionReset(c *gin.Context) {
	pairID, ok := pairIDFrom(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pairId required"})
		return
	}
	h.signaling.Stop(pairID)
	h.hub.ResetSession(pairID, c.GetString(tenantContextKey))
	h.logger.Info("session reset", zap.String("pairing_id", pairID))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleBasketReset(c *gin.Context) {
	pairID, ok := pairIDFrom(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pairId required"})
		return
	}
	snapshot := h.hub.ResetBasket(pairID, c.GetString(tenantContextKey))
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": snapshot.Version})
}

// handlePoster shows or hides the poster overlay on the pairing's display.
func (h *httpHandler) handlePoster(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		pairID, ok := pairIDFrom(c)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "pairId required"})
			return
		}
		h.hub.ShowPoster(pairID, active)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
