package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ordertech/drivethru/backend/internal/catalog"
	"github.com/ordertech/drivethru/backend/internal/presence"
)

type heartbeatRequestPayload struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

type displaysResponsePayload struct {
	Items []presence.Entry `json:"items"`
}

// handlePresenceHeartbeat records a display heartbeat. A device token, when
// present, supplies the display id.
func (h *httpHandler) handlePresenceHeartbeat(c *gin.Context) {
	var request heartbeatRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tenantID := c.GetString(tenantContextKey)
	displayID := strings.TrimSpace(request.ID)
	name, branch := request.Name, request.Branch
	fromToken := false
	if value, ok := c.Get(deviceContextKey); ok {
		if device, ok := value.(catalog.Device); ok {
			displayID = device.ID
			name = firstNonBlank(device.Name, name)
			branch = firstNonBlank(device.Branch, branch)
			fromToken = true
		}
	}

	entry, err := h.presence.Heartbeat(tenantID, displayID, name, branch)
	if errors.Is(err, presence.ErrMissingDisplayID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id required"})
		return
	}
	if err != nil {
		h.logger.Error("presence heartbeat failed", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat_failed"})
		return
	}
	h.live.Publish(LiveEvent{TenantID: tenantID, Kind: LiveEventDevices, Reason: "heartbeat"})

	response := gin.H{"ok": true, "ttl_ms": h.presence.TTL().Milliseconds()}
	if fromToken {
		response["id"] = entry.ID
		response["name"] = entry.Name
		response["branch"] = entry.Branch
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListDisplays(c *gin.Context) {
	c.JSON(http.StatusOK, displaysResponsePayload{Items: h.presence.ListOnline(c.GetString(tenantContextKey))})
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
