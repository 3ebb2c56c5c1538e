package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/ordertech/drivethru/backend/internal/signaling"
)

type sdpRequestPayload struct {
	PairID string `json:"pairId"`
	SDP    string `json:"sdp"`
}

type sdpResponsePayload struct {
	SDP *string `json:"sdp"`
}

type candidateRequestPayload struct {
	PairID    string          `json:"pairId"`
	Role      string          `json:"role"`
	Candidate json.RawMessage `json:"candidate"`
}

type candidatesResponsePayload struct {
	Items []webrtc.ICECandidateInit `json:"items"`
}

func (h *httpHandler) handleICEConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": h.signaling.ICEServers()})
}

func (h *httpHandler) handlePostOffer(c *gin.Context) {
	var request sdpRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.signaling.PostOffer(strings.TrimSpace(request.PairID), request.SDP); err != nil {
		h.respondSignalingError(c, err)
		return
	}
	h.live.PairingChanged(c.GetString(tenantContextKey), strings.TrimSpace(request.PairID), signaling.EventOffer)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleGetOffer(c *gin.Context) {
	pairID := strings.TrimSpace(c.Query("pairId"))
	if pairID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pairId required"})
		return
	}
	c.JSON(http.StatusOK, sdpResponse(h.signaling.Offer(pairID)))
}

func (h *httpHandler) handlePostAnswer(c *gin.Context) {
	var request sdpRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.signaling.PostAnswer(strings.TrimSpace(request.PairID), request.SDP); err != nil {
		h.respondSignalingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleGetAnswer(c *gin.Context) {
	pairID := strings.TrimSpace(c.Query("pairId"))
	if pairID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pairId required"})
		return
	}
	c.JSON(http.StatusOK, sdpResponse(h.signaling.Answer(pairID)))
}

func (h *httpHandler) handlePostCandidate(c *gin.Context) {
	var request candidateRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := signaling.ParseRole(request.Role)
	if err != nil {
		h.respondSignalingError(c, err)
		return
	}
	candidate, err := parseCandidate(request.Candidate)
	if err != nil {
		h.respondSignalingError(c, err)
		return
	}
	queued, err := h.signaling.PostCandidate(strings.TrimSpace(request.PairID), role, candidate)
	if err != nil {
		h.respondSignalingError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "queued": queued})
}

func (h *httpHandler) handleGetCandidates(c *gin.Context) {
	role, err := signaling.ParseRole(c.Query("role"))
	if err != nil {
		h.respondSignalingError(c, err)
		return
	}
	items, err := h.signaling.Candidates(strings.TrimSpace(c.Query("pairId")), role)
	if err != nil {
		h.respondSignalingError(c, err)
		return
	}
	c.JSON(http.StatusOK, candidatesResponsePayload{Items: items})
}

// handleStopCall tears down the media session of a pairing and tells both screens.
func (h *httpHandler) handleStopCall(c *gin.Context) {
	pairID := strings.TrimSpace(c.Param("pairId"))
	if pairID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pairId required"})
		return
	}
	reason := strings.TrimSpace(c.Query("reason"))
	if reason == "" {
		reason = "user"
	}
	h.signaling.Stop(pairID)
	h.hub.EndCall(pairID, reason)
	h.logger.Info("call stopped", zap.String("pairing_id", pairID), zap.String("reason", reason))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) respondSignalingError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, signaling.ErrMissingPairID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "pairId required"})
	case errors.Is(err, signaling.ErrMissingSDP):
		c.JSON(http.StatusBadRequest, gin.H{"error": "sdp required"})
	case errors.Is(err, signaling.ErrInvalidSDP):
		h.logger.Debug("sdp rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sdp"})
	case errors.Is(err, signaling.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
	case errors.Is(err, signaling.ErrMissingCandidate):
		c.JSON(http.StatusBadRequest, gin.H{"error": "candidate required"})
	default:
		h.logger.Error("signaling failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "signaling_failed"})
	}
}

func sdpResponse(sdp string, ok bool) sdpResponsePayload {
	if !ok {
		return sdpResponsePayload{}
	}
	return sdpResponsePayload{SDP: &sdp}
}

// parseCandidate accepts either an RTCIceCandidateInit object or a bare
// candidate line.
func parseCandidate(raw json.RawMessage) (webrtc.ICECandidateInit, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return webrtc.ICECandidateInit{}, signaling.ErrMissingCandidate
	}
	var line string
	if err := json.Unmarshal(raw, &line); err == nil {
		return webrtc.ICECandidateInit{Candidate: line}, nil
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return webrtc.ICECandidateInit{}, signaling.ErrMissingCandidate
	}
	return candidate, nil
}
