package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ordertech/drivethru/backend/internal/pairing"
)

type pairStartRequestPayload struct {
	Role   string `json:"role"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

type pairRegisterRequestPayload struct {
	Code     string `json:"code"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Branch   string `json:"branch"`
	TenantID string `json:"tenant_id"`
}

type pairClaimRequestPayload struct {
	Code   string `json:"code"`
	Role   string `json:"role"`
	Name   string `json:"name"`
	Branch string `json:"branch"`
}

type pairStatusPayload struct {
	Status      pairing.Status `json:"status"`
	Code        string         `json:"code,omitempty"`
	ExpiresAt   string         `json:"expires_at,omitempty"`
	DeviceToken string         `json:"device_token,omitempty"`
	DeviceID    string         `json:"device_id,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	Role        string         `json:"role,omitempty"`
	Name        string         `json:"name,omitempty"`
	Branch      string         `json:"branch,omitempty"`
}

// handlePairStart issues an operator facing code. A tenant named in the
// request header restricts which tenant may claim it.
func (h *httpHandler) handlePairStart(c *gin.Context) {
	var request pairStartRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	record, err := h.activation.IssueCode(ctx, pairing.IssueRequest{
		Role:       request.Role,
		Name:       request.Name,
		Branch:     request.Branch,
		TenantHint: strings.TrimSpace(c.GetHeader(tenantHeader)),
	})
	if err != nil {
		h.respondActivationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":       record.Code,
		"expires_at": record.ExpiresAt.Format(time.RFC3339),
	})
}

// handlePairRegister stores a device chosen code, claiming it at once when
// the body names a tenant.
func (h *httpHandler) handlePairRegister(c *gin.Context) {
	var request pairRegisterRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	ctx, cancel := requestContext(c)
	defer cancel()
	record, err := h.activation.Register(ctx, pairing.RegisterRequest{
		Code:     request.Code,
		Role:     request.Role,
		Name:     request.Name,
		Branch:   request.Branch,
		TenantID: request.TenantID,
	})
	if err != nil {
		h.respondActivationError(c, err)
		return
	}
	if record.Status == pairing.StatusClaimed {
		h.live.Publish(LiveEvent{TenantID: record.TenantID, Kind: LiveEventDevices, Reason: "claimed"})
	}
	c.JSON(http.StatusOK, statusPayload(record))
}

// handlePairRegenerate swaps an unclaimed code for a freshly drawn one.
func (h *httpHandler) handlePairRegenerate(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	record, err := h.activation.Regenerate(ctx, c.Param("code"))
	if err != nil {
		h.respondActivationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code":       record.Code,
		"expires_at": record.ExpiresAt.Format(time.RFC3339),
	})
}

func (h *httpHandler) handlePairStatus(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	record, err := h.activation.Status(ctx, c.Param("code"))
	if err != nil {
		h.respondActivationError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusPayload(record))
}

func (h *httpHandler) handleAdminClaim(c *gin.Context) {
	var request pairClaimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tenantID := c.GetString(tenantContextKey)
	ctx, cancel := requestContext(c)
	defer cancel()
	record, err := h.activation.Claim(ctx, pairing.ClaimRequest{
		Code:     request.Code,
		TenantID: tenantID,
		Role:     request.Role,
		Name:     request.Name,
		Branch:   request.Branch,
	})
	if err != nil {
		h.respondActivationError(c, err)
		return
	}
	h.live.Publish(LiveEvent{TenantID: tenantID, Kind: LiveEventDevices, Reason: "claimed"})
	c.JSON(http.StatusOK, gin.H{
		"status":    record.Status,
		"device_id": record.DeviceID,
		"tenant_id": record.TenantID,
		"role":      record.Role,
		"name":      record.Name,
		"branch":    record.Branch,
	})
}

// respondActivationError maps activation failures to HTTP. Transient
// directory failures read as "still pending" so polling devices keep waiting.
func (h *httpHandler) respondActivationError(c *gin.Context, err error) {
	reason := activationReason(err)
	switch {
	case errors.Is(err, pairing.ErrTransient):
		h.logger.Warn("activation backing store unavailable", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": pairing.StatusPending, "error": "activation_unavailable"})
	case errors.Is(err, pairing.ErrInvalidCode),
		errors.Is(err, pairing.ErrInvalidRole),
		errors.Is(err, pairing.ErrMissingTenant):
		c.JSON(http.StatusBadRequest, gin.H{"error": reason})
	case errors.Is(err, pairing.ErrCodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": reason})
	case errors.Is(err, pairing.ErrCodeExpired):
		c.JSON(http.StatusGone, gin.H{"error": reason})
	case errors.Is(err, pairing.ErrAlreadyClaimed),
		errors.Is(err, pairing.ErrCodeTaken),
		errors.Is(err, pairing.ErrRoleMismatch),
		errors.Is(err, pairing.ErrTenantMismatch),
		errors.Is(err, pairing.ErrLicenseLimit):
		c.JSON(http.StatusConflict, gin.H{"error": reason})
	default:
		h.logger.Error("activation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": reason})
	}
}

// activationReason extracts the reason part of a ServiceError code.
func activationReason(err error) string {
	var serviceErr *pairing.ServiceError
	if errors.As(err, &serviceErr) {
		code := serviceErr.Code()
		if index := strings.LastIndex(code, "."); index >= 0 {
			return code[index+1:]
		}
		return code
	}
	return "activation_failed"
}

func statusPayload(record pairing.Record) pairStatusPayload {
	payload := pairStatusPayload{Status: record.Status}
	switch record.Status {
	case pairing.StatusPending:
		payload.Code = record.Code
		payload.ExpiresAt = record.ExpiresAt.Format(time.RFC3339)
	case pairing.StatusClaimed:
		payload.DeviceToken = record.DeviceToken
		payload.DeviceID = record.DeviceID
		payload.TenantID = record.TenantID
		payload.Role = record.Role
		payload.Name = record.Name
		payload.Branch = record.Branch
	}
	return payload
}
