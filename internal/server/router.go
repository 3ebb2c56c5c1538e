package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ordertech/drivethru/backend/internal/auth"
	"github.com/ordertech/drivethru/backend/internal/catalog"
	"github.com/ordertech/drivethru/backend/internal/pairing"
	"github.com/ordertech/drivethru/backend/internal/presence"
	"github.com/ordertech/drivethru/backend/internal/realtime"
	"github.com/ordertech/drivethru/backend/internal/session"
	"github.com/ordertech/drivethru/backend/internal/signaling"
)

const (
	tenantHeader      = "X-Tenant-ID"
	deviceTokenHeader = "X-Device-Token"

	tenantContextKey       = "drivethru_tenant_id"
	deviceClaimsContextKey = "drivethru_device_claims"
	deviceContextKey       = "drivethru_device"
	adminClaimsContextKey  = "drivethru_admin_claims"

	defaultLiveHeartbeat = 15 * time.Second
)

var (
	errMissingHub        = errors.New("realtime hub dependency required")
	errMissingSessions   = errors.New("session store dependency required")
	errMissingSignaling  = errors.New("signaling relay dependency required")
	errMissingPresence   = errors.New("presence registry dependency required")
	errMissingActivation = errors.New("activation service dependency required")
	errMissingCatalog    = errors.New("catalog service dependency required")
	errMissingDirectory  = errors.New("device directory dependency required")
)

// DeviceTokenValidator validates the X-Device-Token header.
type DeviceTokenValidator interface {
	ValidateDeviceToken(token string) (auth.DeviceClaims, error)
}

// AdminValidator authenticates admin requests.
type AdminValidator interface {
	ValidateRequest(r *http.Request) (auth.AdminClaims, error)
	ValidateToken(token string) (auth.AdminClaims, error)
}

type Dependencies struct {
	Hub           *realtime.Hub
	Sessions      *session.Store
	Signaling     *signaling.Relay
	Presence      *presence.Registry
	Activation    *pairing.Service
	Catalog       *catalog.Service
	Directory     *catalog.Directory
	DeviceTokens  DeviceTokenValidator
	Admin         AdminValidator
	Live          *LiveDispatcher
	DefaultTenant string
	LiveHeartbeat time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Signaling == nil {
		return nil, errMissingSignaling
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	if deps.Activation == nil {
		return nil, errMissingActivation
	}
	if deps.Catalog == nil {
		return nil, errMissingCatalog
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	live := deps.Live
	if live == nil {
		live = NewLiveDispatcher()
	}
	heartbeat := deps.LiveHeartbeat
	if heartbeat <= 0 {
		heartbeat = defaultLiveHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		hub:           deps.Hub,
		sessions:      deps.Sessions,
		signaling:     deps.Signaling,
		presence:      deps.Presence,
		activation:    deps.Activation,
		catalog:       deps.Catalog,
		directory:     deps.Directory,
		deviceTokens:  deps.DeviceTokens,
		admin:         deps.Admin,
		live:          live,
		defaultTenant: strings.TrimSpace(deps.DefaultTenant),
		liveHeartbeat: heartbeat,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", gin.WrapH(deps.Hub))

	router.GET("/webrtc/config", handler.handleICEConfig)
	router.GET("/device/pair/:code/status", handler.handlePairStatus)

	tenant := router.Group("/")
	tenant.Use(handler.resolveTenant)
	tenant.POST("/webrtc/offer", handler.handlePostOffer)
	tenant.GET("/webrtc/offer", handler.handleGetOffer)
	tenant.POST("/webrtc/answer", handler.handlePostAnswer)
	tenant.GET("/webrtc/answer", handler.handleGetAnswer)
	tenant.POST("/webrtc/candidate", handler.handlePostCandidate)
	tenant.GET("/webrtc/candidates", handler.handleGetCandidates)
	tenant.DELETE("/webrtc/session/:pairId", handler.handleStopCall)
	tenant.POST("/presence/display", handler.authorizeDevice(pairing.RoleDisplay), handler.handlePresenceHeartbeat)
	tenant.GET("/presence/displays", handler.authorizeDevice(pairing.RoleCashier), handler.handleListDisplays)
	tenant.POST("/device/pair/start", handler.handlePairStart)
	tenant.POST("/device/pair/register", handler.handlePairRegister)
	tenant.POST("/device/pair/:code/regenerate", handler.handlePairRegenerate)
	tenant.POST("/session/start", handler.handleSessionStart)
	tenant.POST("/session/pay", handler.handleSessionPay)
	tenant.POST("/session/reset", handler.handleSessionReset)
	tenant.POST("/basket/reset", handler.handleBasketReset)
	tenant.POST("/poster/start", handler.handlePoster(true))
	tenant.POST("/poster/stop", handler.handlePoster(false))
	tenant.GET("/catalog/categories", handler.handleListCategories)
	tenant.GET("/catalog/products", handler.handleListProducts)

	if deps.Admin != nil {
		admin := router.Group("/admin")
		admin.Use(handler.authorizeAdmin)
		admin.POST("/devices/claim", handler.handleAdminClaim)
		admin.GET("/devices", handler.handleAdminDevices)
		admin.DELETE("/devices/:id", handler.handleAdminRevoke)
		admin.POST("/sessions/:basketId/evict", handler.handleAdminEvict)
		admin.GET("/live/devices", handler.handleLiveDevices)
		admin.GET("/live/sessions", handler.handleLiveSessions)
		admin.GET("/live/stream", handler.handleLiveStream)
		admin.GET("/metrics", handler.handleMetrics)
	}

	return router, nil
}

type httpHandler struct {
	hub           *realtime.Hub
	sessions      *session.Store
	signaling     *signaling.Relay
	presence      *presence.Registry
	activation    *pairing.Service
	catalog       *catalog.Service
	directory     *catalog.Directory
	deviceTokens  DeviceTokenValidator
	admin         AdminValidator
	live          *LiveDispatcher
	defaultTenant string
	liveHeartbeat time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", tenantHeader, deviceTokenHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.hub.ConnectionCount()})
}

// resolveTenant scopes the request to the X-Tenant-ID header or the default tenant.
func (h *httpHandler) resolveTenant(c *gin.Context) {
	tenantID := strings.TrimSpace(c.GetHeader(tenantHeader))
	if tenantID == "" {
		tenantID = h.defaultTenant
	}
	if tenantID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "tenant_required"})
		return
	}
	c.Set(tenantContextKey, tenantID)
	c.Next()
}

// authorizeDevice validates X-Device-Token when present. Requests without a
// token pass through unchanged.
func (h *httpHandler) authorizeDevice(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimSpace(c.GetHeader(deviceTokenHeader))
		if token == "" || h.deviceTokens == nil {
			c.Next()
			return
		}
		claims, err := h.deviceTokens.ValidateDeviceToken(token)
		if err != nil {
			h.logger.Info("device token rejected", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_unauthorized"})
			return
		}
		device, err := h.directory.ActiveDevice(c.Request.Context(), claims.TenantID, claims.DeviceID)
		if err != nil {
			if errors.Is(err, catalog.ErrDeviceNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "device_unauthorized"})
				return
			}
			h.logger.Error("device lookup failed", zap.String("device_id", claims.DeviceID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "device_lookup_failed"})
			return
		}
		if claims.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "device_role_invalid"})
			return
		}
		c.Set(tenantContextKey, claims.TenantID)
		c.Set(deviceClaimsContextKey, claims)
		c.Set(deviceContextKey, device)
		c.Next()
	}
}

// authorizeAdmin accepts a bearer header, the admin cookie, or an
// access_token query parameter for EventSource clients.
func (h *httpHandler) authorizeAdmin(c *gin.Context) {
	claims, err := h.admin.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingAdminToken) {
		if token := strings.TrimSpace(c.Query("access_token")); token != "" {
			claims, err = h.admin.ValidateToken(token)
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingAdminToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		case errors.Is(err, auth.ErrAdminRoleRequired):
			h.logger.Info("admin role missing", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		case errors.Is(err, auth.ErrExpiredAdminToken):
			h.logger.Info("admin token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		default:
			h.logger.Warn("admin token validation failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		}
		return
	}
	c.Set(adminClaimsContextKey, claims)
	c.Set(tenantContextKey, claims.TenantID)
	c.Next()
}

func (h *httpHandler) serverTs() int64 {
	return h.clock().UnixMilli()
}

// requestContext bounds backing-store calls made on behalf of a request.
func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 5*time.Second)
}
