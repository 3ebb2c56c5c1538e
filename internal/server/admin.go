package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ordertech/drivethru/backend/internal/catalog"
	"github.com/ordertech/drivethru/backend/internal/presence"
	"github.com/ordertech/drivethru/backend/internal/session"
)

type devicesSnapshotPayload struct {
	TenantID string           `json:"tenant_id"`
	Items    []presence.Entry `json:"items"`
	ServerTs int64            `json:"serverTs"`
}

type sessionsSnapshotPayload struct {
	TenantID string            `json:"tenant_id"`
	Items    []session.Summary `json:"items"`
	ServerTs int64             `json:"serverTs"`
}

type heartbeatPayload struct {
	ServerTs int64 `json:"serverTs"`
}

func (h *httpHandler) handleAdminDevices(c *gin.Context) {
	tenantID := c.GetString(tenantContextKey)
	ctx, cancel := requestContext(c)
	defer cancel()
	devices, err := h.directory.ListDevices(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to list devices", zap.String("tenant_id", tenantID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "devices_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": devices})
}

func (h *httpHandler) handleAdminRevoke(c *gin.Context) {
	tenantID := c.GetString(tenantContextKey)
	deviceID := c.Param("id")
	ctx, cancel := requestContext(c)
	defer cancel()
	err := h.directory.RevokeDevice(ctx, tenantID, deviceID)
	if errors.Is(err, catalog.ErrDeviceNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to revoke device", zap.String("device_id", deviceID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revoke_failed"})
		return
	}
	h.logger.Info("device revoked", zap.String("tenant_id", tenantID), zap.String("device_id", deviceID))
	h.live.Publish(LiveEvent{TenantID: tenantID, Kind: LiveEventDevices, Reason: "revoked"})
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type evictRequestPayload struct {
	Reason string `json:"reason"`
}

// handleAdminEvict ends a pairing's session and call on behalf of an operator.
func (h *httpHandler) handleAdminEvict(c *gin.Context) {
	tenantID := c.GetString(tenantContextKey)
	pairID := strings.TrimSpace(c.Param("basketId"))
	var request evictRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	reason := firstNonBlank(request.Reason, "admin")
	if !h.hub.EvictSession(pairID, tenantID, reason) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}
	h.signaling.Stop(pairID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleLiveDevices(c *gin.Context) {
	c.JSON(http.StatusOK, h.devicesSnapshot(c.GetString(tenantContextKey)))
}

func (h *httpHandler) handleLiveSessions(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessionsSnapshot(c.GetString(tenantContextKey)))
}

func (h *httpHandler) handleMetrics(c *gin.Context) {
	tenantID := c.GetString(tenantContextKey)
	c.JSON(http.StatusOK, gin.H{
		"tenant_id":        tenantID,
		"connections":      h.hub.ConnectionCount(),
		"online_displays":  h.presence.Count(tenantID),
		"sessions":         len(h.sessions.Summaries(tenantID)),
		"live_subscribers": h.live.SubscriberCount(tenantID),
		"serverTs":         h.serverTs(),
	})
}

// handleLiveStream pushes device and session snapshots to an admin
// dashboard as server-sent events until the client goes away.
func (h *httpHandler) handleLiveStream(c *gin.Context) {
	tenantID := c.GetString(tenantContextKey)
	ctx := c.Request.Context()
	events, unsubscribe := h.live.Subscribe(ctx, tenantID)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(LiveEventDevices, h.devicesSnapshot(tenantID))
	c.SSEvent(LiveEventSessions, h.sessionsSnapshot(tenantID))
	c.Writer.Flush()

	ticker := time.NewTicker(h.liveHeartbeat)
	defer ticker.Stop()

	h.logger.Debug("admin live stream opened", zap.String("tenant_id", tenantID))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			switch event.Kind {
			case LiveEventDevices:
				c.SSEvent(LiveEventDevices, h.devicesSnapshot(tenantID))
			case LiveEventSessions:
				c.SSEvent(LiveEventSessions, h.sessionsSnapshot(tenantID))
			}
			return true
		case <-ticker.C:
			c.SSEvent(liveEventHeartbeat, heartbeatPayload{ServerTs: h.serverTs()})
			return true
		}
	})
	h.logger.Debug("admin live stream closed", zap.String("tenant_id", tenantID))
}

func (h *httpHandler) devicesSnapshot(tenantID string) devicesSnapshotPayload {
	return devicesSnapshotPayload{
		TenantID: tenantID,
		Items:    h.presence.ListOnline(tenantID),
		ServerTs: h.serverTs(),
	}
}

func (h *httpHandler) sessionsSnapshot(tenantID string) sessionsSnapshotPayload {
	items := h.sessions.Summaries(tenantID)
	if items == nil {
		items = []session.Summary{}
	}
	return sessionsSnapshotPayload{
		TenantID: tenantID,
		Items:    items,
		ServerTs: h.serverTs(),
	}
}
