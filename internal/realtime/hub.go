package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/ordertech/drivethru/backend/internal/basket"
	"github.com/ordertech/drivethru/backend/internal/session"
	"github.com/ordertech/drivethru/backend/internal/signaling"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultSendBuffer   = 32

	tenantHeader     = "X-Tenant-ID"
	tenantQueryParam = "tenant"
	lookupTimeout    = 2 * time.Second
)

var (
	errMissingStore  = errors.New("realtime: session store is required")
	errMissingEngine = errors.New("realtime: basket engine is required")
)

// Observer is told when a pairing changes in a way admin dashboards show.
type Observer interface {
	PairingChanged(tenantID, pairingID, reason string)
}

// Config configures the hub.
type Config struct {
	Store         *session.Store
	Engine        *basket.Engine
	PingInterval  time.Duration
	SendBuffer    int
	DefaultTenant string
	CheckOrigin   func(r *http.Request) bool
	Observer      Observer
	Clock         func() time.Time
	Logger        *zap.Logger
	ClientIDs     func() string
}

// Hub accepts WebSocket connections, routes their messages to the basket
// engine and fans results out to every member of the pairing.
type Hub struct {
	store         *session.Store
	engine        *basket.Engine
	pingInterval  time.Duration
	sendBuffer    int
	defaultTenant string
	observer      Observer
	clock         func() time.Time
	logger        *zap.Logger
	clientIDs     func() string
	upgrader      websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub validates cfg and constructs a Hub.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clientIDs := cfg.ClientIDs
	if clientIDs == nil {
		clientIDs = uuid.NewString
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		store:         cfg.Store,
		engine:        cfg.Engine,
		pingInterval:  pingInterval,
		sendBuffer:    sendBuffer,
		defaultTenant: strings.TrimSpace(cfg.DefaultTenant),
		observer:      cfg.Observer,
		clock:         clock,
		logger:        logger,
		clientIDs:     clientIDs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[string]*Client),
	}, nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	client := newClient(h, conn, h.clientIDs(), h.tenantFor(r), h.sendBuffer)
	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	h.logger.Debug("realtime client connected", zap.String("client_id", client.id), zap.String("tenant_id", client.tenantID))

	go client.writePump()
	client.readPump()
}

// Run sweeps connection liveness every ping interval until ctx is done,
// then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			for _, client := range h.snapshotClients() {
				client.shutdown()
			}
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// ConnectionCount returns the number of open connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues frame to every member of pairingID and returns how many accepted it.
func (h *Hub) Publish(pairingID string, frame []byte) int {
	pairing, ok := h.store.Get(pairingID)
	if !ok {
		return 0
	}
	delivered := 0
	pairing.With(func(state *session.State) {
		delivered = state.MemberCount() - len(state.Broadcast(frame))
	})
	return delivered
}

// NotifySignal pushes a signaling hint to the pairing.
func (h *Hub) NotifySignal(pairID string, event string, role signaling.Role) {
	h.Publish(pairID, encode(EventFrame{
		Type:     event,
		BasketID: pairID,
		Role:     string(role),
		ServerTs: h.serverTs(),
	}))
}

// StartOrder activates an order on the pairing and announces its OSN.
func (h *Hub) StartOrder(pairingID, tenantID string) session.Order {
	var order session.Order
	h.store.GetOrCreate(pairingID).With(func(state *session.State) {
		h.bindTenant(state, tenantID)
		order = state.StartOrder(h.store.NextOSN, h.store.Now())
		state.Broadcast(encode(EventFrame{Type: TypeSessionStarted, BasketID: pairingID, OSN: order.OSN, ServerTs: h.serverTs()}))
		state.Broadcast(encode(newPeerStatusFrame(state, h.serverTs())))
		tenantID = state.TenantID
	})
	h.observe(tenantID, pairingID, TypeSessionStarted)
	return order
}

// PayOrder marks the order paid and clears the basket for the next customer.
func (h *Hub) PayOrder(pairingID, tenantID string) session.Order {
	var order session.Order
	h.store.GetOrCreate(pairingID).With(func(state *session.State) {
		h.bindTenant(state, tenantID)
		order = state.PayOrder(h.store.NextOSN)
		state.Broadcast(encode(EventFrame{Type: TypeSessionPaid, BasketID: pairingID, OSN: order.OSN, ServerTs: h.serverTs()}))
		snapshot := h.engine.Clear(state.Basket)
		state.Broadcast(h.clearFrame(pairingID, snapshot))
		tenantID = state.TenantID
	})
	h.observe(tenantID, pairingID, TypeSessionPaid)
	return order
}

// ResetBasket empties the basket and UI hint without ending the session.
func (h *Hub) ResetBasket(pairingID, tenantID string) basket.Snapshot {
	var snapshot basket.Snapshot
	h.store.GetOrCreate(pairingID).With(func(state *session.State) {
		h.bindTenant(state, tenantID)
		state.UIHint = ""
		snapshot = h.engine.Clear(state.Basket)
		state.Broadcast(h.clearFrame(pairingID, snapshot))
		tenantID = state.TenantID
	})
	h.observe(tenantID, pairingID, TypeBasketUpdate)
	return snapshot
}

// ResetSession ends the order, clears the basket and tells both screens to
// stop their call.
func (h *Hub) ResetSession(pairingID, tenantID string) {
	h.store.GetOrCreate(pairingID).With(func(state *session.State) {
		h.bindTenant(state, tenantID)
		h.endSession(state, "reset")
		tenantID = state.TenantID
	})
	h.observe(tenantID, pairingID, TypeSessionEnded)
}

// EvictSession ends the session of a pairing owned by tenantID. It reports
// false when the tenant has no such pairing.
func (h *Hub) EvictSession(pairingID, tenantID, reason string) bool {
	pairing, ok := h.store.Get(pairingID)
	if !ok {
		return false
	}
	evicted := false
	pairing.With(func(state *session.State) {
		if state.TenantID != tenantID {
			return
		}
		h.endSession(state, reason)
		evicted = true
	})
	if evicted {
		h.logger.Info("session evicted", zap.String("tenant_id", tenantID), zap.String("pairing_id", pairingID), zap.String("reason", reason))
		h.observe(tenantID, pairingID, TypeSessionEnded)
	}
	return evicted
}

// ShowPoster starts or stops the poster overlay on the pairing's display.
func (h *Hub) ShowPoster(pairingID string, active bool) int {
	frameType := TypePosterStop
	if active {
		frameType = TypePosterStart
	}
	return h.Publish(pairingID, encode(EventFrame{Type: frameType, BasketID: pairingID, ServerTs: h.serverTs()}))
}

func (h *Hub) endSession(state *session.State, reason string) {
	state.ResetOrder()
	snapshot := h.engine.Clear(state.Basket)
	ts := h.serverTs()
	state.Broadcast(h.clearFrame(state.PairingID, snapshot))
	state.Broadcast(encode(EventFrame{Type: TypeRTCStopped, BasketID: state.PairingID, Reason: reason, ServerTs: ts}))
	state.Broadcast(encode(EventFrame{Type: TypeSessionEnded, BasketID: state.PairingID, Reason: reason, ServerTs: ts}))
	state.Broadcast(encode(newPeerStatusFrame(state, ts)))
}

// EndCall announces that the media session of the pairing was torn down.
func (h *Hub) EndCall(pairingID, reason string) {
	ts := h.serverTs()
	h.Publish(pairingID, encode(EventFrame{Type: TypeRTCStopped, BasketID: pairingID, Reason: reason, ServerTs: ts}))
	h.Publish(pairingID, encode(EventFrame{Type: TypeSessionEnded, BasketID: pairingID, Reason: reason, ServerTs: ts}))
}

func (h *Hub) dispatch(c *Client, data []byte) {
	message, err := Decode(data)
	if err != nil {
		h.logger.Debug("realtime frame rejected", zap.String("client_id", c.id), zap.Error(err))
		h.reject(c, RejectionCode(err))
		return
	}
	pairingID := message.basketID()
	if pairingID == "" {
		pairingID = c.PairingID()
	}
	if hello, ok := message.(HelloMessage); ok {
		h.hello(c, hello)
		return
	}
	if pairingID == "" {
		h.reject(c, "invalid_basket_id")
		return
	}

	switch typed := message.(type) {
	case SubscribeMessage, RequestSyncMessage:
		h.subscribe(c, pairingID)
	case BasketUpdateMessage:
		h.update(c, pairingID, typed.Op)
	case SelectCategoryMessage:
		h.selectCategory(c, pairingID, typed.Name)
	case SelectProductMessage:
		h.selectProduct(c, pairingID, typed.ProductID)
	case ClearSelectionMessage:
		h.Publish(pairingID, encode(EventFrame{Type: TypeClearSelection, BasketID: pairingID, ServerTs: h.serverTs()}))
	case ShowOptionsMessage:
		h.relayUIEvent(c, pairingID, encode(showOptionsFrame{
			Type:      TypeShowOptions,
			BasketID:  pairingID,
			Product:   typed.Product,
			Options:   typed.Options,
			Selection: typed.Selection,
			ServerTs:  h.serverTs(),
		}))
	case OptionsUpdateMessage:
		h.relayUIEvent(c, pairingID, encode(optionsUpdateFrame{Type: TypeOptionsUpdate, BasketID: pairingID, Selection: typed.Selection, ServerTs: h.serverTs()}))
	case OptionsCloseMessage:
		h.relayUIEvent(c, pairingID, encode(EventFrame{Type: TypeOptionsClose, BasketID: pairingID, ServerTs: h.serverTs()}))
	case RTCHeartbeatMessage:
		h.rtcHeartbeat(c, pairingID, typed)
	case PosterQueryMessage:
		h.Publish(pairingID, encode(EventFrame{Type: TypePosterQuery, BasketID: pairingID, ServerTs: h.serverTs()}))
	case PosterStatusMessage:
		h.Publish(pairingID, encode(posterStatusFrame{Type: TypePosterStatus, BasketID: pairingID, Active: typed.Active, ServerTs: h.serverTs()}))
	default:
		h.reject(c, "unknown_type")
	}
}

func (h *Hub) subscribe(c *Client, pairingID string) {
	if previous := c.bind(pairingID); previous != "" && previous != pairingID {
		h.leave(c, previous)
	}
	tenantID := c.tenantID
	h.store.GetOrCreate(pairingID).With(func(state *session.State) {
		h.bindTenant(state, c.tenantID)
		state.Join(c)
		c.Send(encode(basketSyncFrame{Type: TypeBasketSync, BasketID: pairingID, Basket: state.Basket.Snapshot()}))
		if state.UIHint != "" {
			c.Send(encode(selectCategoryFrame{Type: TypeSelectCategory, BasketID: pairingID, Name: state.UIHint, ServerTs: h.serverTs()}))
		}
		state.Broadcast(encode(newPeerStatusFrame(state, h.serverTs())))
		tenantID = state.TenantID
	})
	h.logger.Debug("realtime client subscribed", zap.String("client_id", c.id), zap.String("pairing_id", pairingID))
	h.observe(tenantID, pairingID, TypeSubscribe)
}

func (h *Hub) hello(c *Client, message HelloMessage) {
	c.identify(message.Role, message.Name, message.DeviceID)
	pairingID := c.PairingID()
	if pairingID == "" {
		return
	}
	h.Publish(pairingID, h.peerStatus(pairingID))
	h.observe(c.tenantID, pairingID, TypeHello)
}

func (h *Hub) update(c *Client, pairingID string, op basket.Op) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	var applyErr error
	tenantID := c.tenantID
	h.store.GetOrCreate(pairingID).With(func(state *session.State) {
		h.bindTenant(state, c.tenantID)
		tenantID = state.TenantID
		snapshot, err := h.engine.Apply(ctx, tenantID, state.Basket, op)
		if err != nil {
			applyErr = err
			return
		}
		state.Broadcast(encode(basketUpdateFrame{
			Type:     TypeBasketUpdate,
			BasketID: pairingID,
			Op:       op,
			Basket:   snapshot,
			ServerTs: h.serverTs(),
		}))
	})
	if applyErr != nil {
		h.logger.Debug("basket operation rejected",
			zap.String("client_id", c.id),
			zap.String("pairing_id", pairingID),
			zap.String("action", string(op.Action)),
			zap.Error(applyErr))
		h.reject(c, basket.RejectionCode(applyErr))
		return
	}
	h.observe(tenantID, pairingID, TypeBasketUpdate)
}

func (h *Hub) selectCategory(c *Client, pairingID, name string) {
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		h.reject(c, "invalid_category")
		return
	}
	h.store.GetOrCreate(pairingID).With(func(state *session.State) {
		h.bindTenant(state, c.tenantID)
		if !state.AllowUIEvent(c.Role(), h.clock()) {
			return
		}
		state.UIHint = name
		state.Broadcast(encode(selectCategoryFrame{Type: TypeSelectCategory, BasketID: pairingID, Name: name, ServerTs: h.serverTs()}))
	})
}

func (h *Hub) selectProduct(c *Client, pairingID, productID string) {
	if productID == "" {
		return
	}
	h.relayUIEvent(c, pairingID, encode(selectProductFrame{Type: TypeSelectProduct, BasketID: pairingID, ProductID: productID, ServerTs: h.serverTs()}))
}

// relayUIEvent fans frame out unless a recent cashier event holds the UI lock.
func (h *Hub) relayUIEvent(c *Client, pairingID string, frame []byte) {
	h.store.GetOrCreate(pairingID).With(func(state *session.State) {
		h.bindTenant(state, c.tenantID)
		if !state.AllowUIEvent(c.Role(), h.clock()) {
			return
		}
		state.Broadcast(frame)
	})
}

func (h *Hub) rtcHeartbeat(c *Client, pairingID string, message RTCHeartbeatMessage) {
	ts := h.serverTs()
	h.store.GetOrCreate(pairingID).With(func(state *session.State) {
		h.bindTenant(state, c.tenantID)
		status, ok := state.RecordCallHealth(c.Role(), session.CallHealth{TS: ts, Audio: message.Audio, Video: message.Video})
		if !ok {
			return
		}
		state.Broadcast(encode(rtcStatusFrame{Type: TypeRTCStatus, BasketID: pairingID, Status: status, ServerTs: ts}))
	})
}

func (h *Hub) leave(c *Client, pairingID string) {
	pairing, ok := h.store.Get(pairingID)
	if !ok {
		return
	}
	tenantID := c.tenantID
	left := false
	pairing.With(func(state *session.State) {
		if !state.Leave(c.id) {
			return
		}
		left = true
		tenantID = state.TenantID
		state.Broadcast(encode(newPeerStatusFrame(state, h.serverTs())))
	})
	if left {
		h.observe(tenantID, pairingID, "leave")
	}
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	if pairingID := c.PairingID(); pairingID != "" {
		h.leave(c, pairingID)
	}
	h.logger.Debug("realtime client disconnected", zap.String("client_id", c.id))
}

func (h *Hub) sweep() {
	for _, client := range h.snapshotClients() {
		if !client.alive.Swap(false) {
			h.logger.Debug("terminating unresponsive connection", zap.String("client_id", client.id))
			client.shutdown()
			continue
		}
		client.ping()
	}
}

func (h *Hub) snapshotClients() []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) peerStatus(pairingID string) []byte {
	var frame []byte
	if pairing, ok := h.store.Get(pairingID); ok {
		pairing.With(func(state *session.State) {
			frame = encode(newPeerStatusFrame(state, h.serverTs()))
		})
	}
	return frame
}

func (h *Hub) clearFrame(pairingID string, snapshot basket.Snapshot) []byte {
	return encode(basketUpdateFrame{
		Type:     TypeBasketUpdate,
		BasketID: pairingID,
		Op:       basket.Op{Action: basket.ActionClear},
		Basket:   snapshot,
		ServerTs: h.serverTs(),
	})
}

func (h *Hub) reject(c *Client, code string) {
	c.Send(encode(errorFrame{Type: TypeError, Error: code}))
}

func (h *Hub) bindTenant(state *session.State, tenantID string) {
	if state.TenantID == "" {
		state.TenantID = tenantID
	}
}

func (h *Hub) observe(tenantID, pairingID, reason string) {
	if h.observer == nil {
		return
	}
	h.observer.PairingChanged(tenantID, pairingID, reason)
}

func (h *Hub) tenantFor(r *http.Request) string {
	if tenant := strings.TrimSpace(r.Header.Get(tenantHeader)); tenant != "" {
		return tenant
	}
	if tenant := strings.TrimSpace(r.URL.Query().Get(tenantQueryParam)); tenant != "" {
		return tenant
	}
	return h.defaultTenant
}

func (h *Hub) serverTs() int64 {
	return h.clock().UnixMilli()
}
