package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordertech/drivethru/backend/internal/basket"
	"github.com/ordertech/drivethru/backend/internal/session"
	"github.com/ordertech/drivethru/backend/internal/signaling"
)

const frameDeadline = 2 * time.Second

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) PairingChanged(tenantID, pairingID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, tenantID+"/"+pairingID+"/"+reason)
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

type hubFixture struct {
	hub      *Hub
	store    *session.Store
	observer *recordingObserver
	server   *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	clock := func() time.Time { return frameTime }
	store := session.NewStore(session.StoreConfig{Clock: clock})
	observer := &recordingObserver{}
	hub, err := NewHub(Config{
		Store:         store,
		Engine:        basket.NewEngine(basket.EngineConfig{}),
		DefaultTenant: "tenant-default",
		Observer:      observer,
		Clock:         clock,
	})
	require.NoError(t, err)
	server := httptest.NewServer(hub)
	t.Cleanup(server.Close)
	return &hubFixture{hub: hub, store: store, observer: observer, server: server}
}

func (f *hubFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(frameDeadline)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// readUntil returns the first frame of frameType and the types skipped before it.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) (map[string]any, []string) {
	t.Helper()
	var skipped []string
	for {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame, skipped
		}
		skipped = append(skipped, frame["type"].(string))
	}
}

func basketOf(t *testing.T, frame map[string]any) map[string]any {
	t.Helper()
	value, ok := frame["basket"].(map[string]any)
	require.True(t, ok, "frame has no basket: %v", frame)
	return value
}

func subscribe(t *testing.T, conn *websocket.Conn, pairingID string) map[string]any {
	t.Helper()
	sendFrame(t, conn, `{"type":"subscribe","basketId":"`+pairingID+`"}`)
	frame, _ := readUntil(t, conn, TypeBasketSync)
	return frame
}

func TestNewHubRequiresStoreAndEngine(t *testing.T) {
	_, err := NewHub(Config{Engine: basket.NewEngine(basket.EngineConfig{})})
	assert.ErrorIs(t, err, errMissingStore)
	_, err = NewHub(Config{Store: session.NewStore(session.StoreConfig{})})
	assert.ErrorIs(t, err, errMissingEngine)
}

func TestSubscribersConvergeOnFinalVersion(t *testing.T) {
	fixture := newHubFixture(t)
	cashier := fixture.dial(t, "")
	display := fixture.dial(t, "")

	initial := subscribe(t, cashier, "lane-1")
	assert.EqualValues(t, 0, basketOf(t, initial)["version"])
	subscribe(t, display, "lane-1")

	ops := []string{
		`{"action":"add","item":{"sku":"SKU1","name":"Coffee","price":1.5},"qty":1}`,
		`{"action":"add","item":{"sku":"SKU1"},"qty":1}`,
		`{"action":"add","item":{"sku":"SKU2","name":"Tea","price":1.25}}`,
		`{"action":"remove","item":{"sku":"SKU2"}}`,
		`{"action":"setQty","item":{"sku":"SKU1"},"qty":2}`,
	}
	for _, op := range ops {
		sendFrame(t, cashier, `{"type":"basket:update","basketId":"lane-1","op":`+op+`}`)
	}

	for _, conn := range []*websocket.Conn{cashier, display} {
		var last map[string]any
		for version := 1; version <= len(ops); version++ {
			frame, _ := readUntil(t, conn, TypeBasketUpdate)
			require.EqualValues(t, version, basketOf(t, frame)["version"])
			last = frame
		}
		items := basketOf(t, last)["items"].([]any)
		require.Len(t, items, 1)
		line := items[0].(map[string]any)
		assert.Equal(t, "SKU1", line["sku"])
		assert.EqualValues(t, 2, line["qty"])
		assert.EqualValues(t, 3, basketOf(t, last)["total"])
		assert.Equal(t, "setQty", last["op"].(map[string]any)["action"])
	}

	late := fixture.dial(t, "")
	synced := subscribe(t, late, "lane-1")
	assert.EqualValues(t, 5, basketOf(t, synced)["version"])
	assert.Equal(t, "lane-1", synced["basketId"])
}

func TestBroadcastStaysWithinPairing(t *testing.T) {
	fixture := newHubFixture(t)
	laneOne := fixture.dial(t, "")
	laneTwo := fixture.dial(t, "")
	subscribe(t, laneOne, "lane-1")
	subscribe(t, laneTwo, "lane-2")

	sendFrame(t, laneOne, `{"type":"basket:update","basketId":"lane-1","op":{"action":"add","item":{"sku":"SKU1","price":2}}}`)
	readUntil(t, laneOne, TypeBasketUpdate)

	sendFrame(t, laneTwo, `{"type":"basket:requestSync"}`)
	synced, skipped := readUntil(t, laneTwo, TypeBasketSync)
	assert.NotContains(t, skipped, TypeBasketUpdate)
	assert.EqualValues(t, 0, basketOf(t, synced)["version"])
}

func TestRejectionGoesToSenderOnly(t *testing.T) {
	fixture := newHubFixture(t)
	sender := fixture.dial(t, "")
	peer := fixture.dial(t, "")
	subscribe(t, sender, "lane-1")
	subscribe(t, peer, "lane-1")

	sendFrame(t, sender, `{not json`)
	rejection, _ := readUntil(t, sender, TypeError)
	assert.Equal(t, "invalid_json", rejection["error"])

	sendFrame(t, sender, `{"type":"basket:update","basketId":"lane-1","op":{"action":"explode"}}`)
	rejection, _ = readUntil(t, sender, TypeError)
	assert.Equal(t, "invalid_action", rejection["error"])

	sendFrame(t, sender, `{"type":"basket:update","basketId":"lane-1","op":{"action":"add","item":{"sku":"SKU1"},"qty":-2}}`)
	rejection, _ = readUntil(t, sender, TypeError)
	assert.Equal(t, "invalid_qty", rejection["error"])

	sendFrame(t, peer, `{"type":"basket:requestSync","basketId":"lane-1"}`)
	synced, skipped := readUntil(t, peer, TypeBasketSync)
	assert.NotContains(t, skipped, TypeError)
	assert.EqualValues(t, 0, basketOf(t, synced)["version"])
}

func TestFramesWithoutPairingAreRejected(t *testing.T) {
	fixture := newHubFixture(t)
	conn := fixture.dial(t, "")

	sendFrame(t, conn, `{"type":"basket:update","op":{"action":"clear"}}`)
	rejection := readFrame(t, conn)
	assert.Equal(t, TypeError, rejection["type"])
	assert.Equal(t, "invalid_basket_id", rejection["error"])

	sendFrame(t, conn, `{"type":"hello","role":"cashier","name":"Ana"}`)
	sendFrame(t, conn, `{"type":"subscribe"}`)
	rejection = readFrame(t, conn)
	assert.Equal(t, "invalid_basket_id", rejection["error"])
}

func TestResubscribeMovesClientBetweenPairings(t *testing.T) {
	fixture := newHubFixture(t)
	mover := fixture.dial(t, "")
	stayer := fixture.dial(t, "")
	subscribe(t, mover, "lane-1")
	subscribe(t, stayer, "lane-1")

	subscribe(t, mover, "lane-2")
	laneOne, ok := fixture.store.Get("lane-1")
	require.True(t, ok)
	laneOne.With(func(state *session.State) {
		assert.Equal(t, 1, state.MemberCount())
	})

	sendFrame(t, stayer, `{"type":"basket:update","basketId":"lane-1","op":{"action":"add","item":{"sku":"SKU1","price":1}}}`)
	readUntil(t, stayer, TypeBasketUpdate)

	sendFrame(t, mover, `{"type":"basket:requestSync"}`)
	synced, skipped := readUntil(t, mover, TypeBasketSync)
	assert.NotContains(t, skipped, TypeBasketUpdate)
	assert.Equal(t, "lane-2", synced["basketId"])
}

func TestPeerStatusReportsBothScreens(t *testing.T) {
	fixture := newHubFixture(t)
	cashier := fixture.dial(t, "")
	display := fixture.dial(t, "")

	sendFrame(t, cashier, `{"type":"hello","role":"cashier","name":"Ana"}`)
	subscribe(t, cashier, "lane-1")
	waiting, _ := readUntil(t, cashier, TypePeerStatus)
	assert.Equal(t, "waiting", waiting["status"])
	assert.Equal(t, "Ana", waiting["cashierName"])
	assert.Nil(t, waiting["displayName"])

	subscribe(t, display, "lane-1")
	sendFrame(t, display, `{"type":"hello","role":"display"}`)
	for {
		status, _ := readUntil(t, cashier, TypePeerStatus)
		if status["status"] == "connected" {
			assert.Equal(t, "Drive-Thru", status["displayName"])
			break
		}
	}

	require.NoError(t, display.Close())
	for {
		status, _ := readUntil(t, cashier, TypePeerStatus)
		if status["status"] == "waiting" {
			assert.Nil(t, status["displayName"])
			break
		}
	}
}

func TestCashierSelectionWinsOverDisplay(t *testing.T) {
	fixture := newHubFixture(t)
	cashier := fixture.dial(t, "")
	display := fixture.dial(t, "")
	sendFrame(t, cashier, `{"type":"hello","role":"cashier"}`)
	sendFrame(t, display, `{"type":"hello","role":"display"}`)
	subscribe(t, cashier, "lane-1")
	subscribe(t, display, "lane-1")

	sendFrame(t, cashier, `{"type":"ui:selectCategory","name":"Drinks"}`)
	selected, _ := readUntil(t, display, TypeSelectCategory)
	assert.Equal(t, "Drinks", selected["name"])

	sendFrame(t, display, `{"type":"ui:selectCategory","name":"Desserts"}`)
	sendFrame(t, display, `{"type":"ui:selectCategory","name":"   "}`)
	rejection, skipped := readUntil(t, display, TypeError)
	assert.Equal(t, "invalid_category", rejection["error"])
	assert.NotContains(t, skipped, TypeSelectCategory)

	late := fixture.dial(t, "")
	sendFrame(t, late, `{"type":"subscribe","basketId":"lane-1"}`)
	readUntil(t, late, TypeBasketSync)
	hint := readFrame(t, late)
	assert.Equal(t, TypeSelectCategory, hint["type"])
	assert.Equal(t, "Drinks", hint["name"])
}

func TestSelectProductAndClearSelectionFanOut(t *testing.T) {
	fixture := newHubFixture(t)
	cashier := fixture.dial(t, "")
	display := fixture.dial(t, "")
	sendFrame(t, cashier, `{"type":"hello","role":"cashier"}`)
	subscribe(t, cashier, "lane-1")
	subscribe(t, display, "lane-1")

	sendFrame(t, cashier, `{"type":"ui:selectProduct","productId":""}`)
	sendFrame(t, cashier, `{"type":"ui:selectProduct","productId":"SKU7"}`)
	selected, skipped := readUntil(t, display, TypeSelectProduct)
	assert.Equal(t, "SKU7", selected["productId"])
	assert.NotContains(t, skipped, TypeError)

	sendFrame(t, cashier, `{"type":"ui:clearSelection"}`)
	cleared, _ := readUntil(t, display, TypeClearSelection)
	assert.Equal(t, "lane-1", cleared["basketId"])
}

func TestOptionsSheetFollowsCashierPriority(t *testing.T) {
	fixture := newHubFixture(t)
	cashier := fixture.dial(t, "")
	display := fixture.dial(t, "")
	sendFrame(t, cashier, `{"type":"hello","role":"cashier"}`)
	sendFrame(t, display, `{"type":"hello","role":"display"}`)
	subscribe(t, cashier, "lane-1")
	subscribe(t, display, "lane-1")

	sendFrame(t, cashier, `{"type":"ui:showOptions","product":{"sku":"SKU1"},"options":[{"id":"size"}],"selection":{"size":"L"}}`)
	shown, _ := readUntil(t, display, TypeShowOptions)
	assert.Equal(t, map[string]any{"sku": "SKU1"}, shown["product"])
	assert.Equal(t, []any{map[string]any{"id": "size"}}, shown["options"])
	assert.Equal(t, map[string]any{"size": "L"}, shown["selection"])

	sendFrame(t, display, `{"type":"ui:optionsUpdate","selection":{"size":"S"}}`)
	sendFrame(t, display, `{"type":"ui:optionsClose"}`)
	sendFrame(t, cashier, `{"type":"ui:optionsUpdate","selection":{"size":"M"}}`)
	updated, skipped := readUntil(t, display, TypeOptionsUpdate)
	assert.Equal(t, map[string]any{"size": "M"}, updated["selection"])
	assert.NotContains(t, skipped, TypeOptionsClose)

	sendFrame(t, cashier, `{"type":"ui:optionsClose"}`)
	closed, _ := readUntil(t, display, TypeOptionsClose)
	assert.Equal(t, "lane-1", closed["basketId"])
}

func TestRTCHeartbeatBroadcastsCallStatus(t *testing.T) {
	fixture := newHubFixture(t)
	cashier := fixture.dial(t, "")
	display := fixture.dial(t, "")
	sendFrame(t, cashier, `{"type":"hello","role":"cashier"}`)
	sendFrame(t, display, `{"type":"hello","role":"display"}`)
	subscribe(t, cashier, "lane-1")
	subscribe(t, display, "lane-1")

	sendFrame(t, cashier, `{"type":"rtc:heartbeat","audio":{"in":true,"out":1},"video":{"in":false}}`)
	first, _ := readUntil(t, display, TypeRTCStatus)
	status := first["status"].(map[string]any)
	assert.Nil(t, status["display"])
	cashierHealth := status["cashier"].(map[string]any)
	assert.Equal(t, map[string]any{"in": true, "out": true}, cashierHealth["audio"])
	assert.Equal(t, map[string]any{"in": false, "out": false}, cashierHealth["video"])
	assert.EqualValues(t, frameTime.UnixMilli(), cashierHealth["ts"])

	sendFrame(t, display, `{"type":"rtc:heartbeat","video":{"in":true,"out":true}}`)
	second, _ := readUntil(t, cashier, TypeRTCStatus)
	for second["status"].(map[string]any)["display"] == nil {
		second, _ = readUntil(t, cashier, TypeRTCStatus)
	}
	displayHealth := second["status"].(map[string]any)["display"].(map[string]any)
	assert.Equal(t, map[string]any{"in": true, "out": true}, displayHealth["video"])
	assert.NotNil(t, second["status"].(map[string]any)["cashier"])

	anonymous := fixture.dial(t, "")
	subscribe(t, anonymous, "lane-1")
	sendFrame(t, anonymous, `{"type":"rtc:heartbeat","audio":{"in":true}}`)
	sendFrame(t, anonymous, `{"type":"basket:requestSync"}`)
	_, skipped := readUntil(t, anonymous, TypeBasketSync)
	assert.NotContains(t, skipped, TypeRTCStatus)
}

func TestPosterFramesPassThrough(t *testing.T) {
	fixture := newHubFixture(t)
	cashier := fixture.dial(t, "")
	display := fixture.dial(t, "")
	subscribe(t, cashier, "lane-1")
	subscribe(t, display, "lane-1")

	sendFrame(t, cashier, `{"type":"poster:query"}`)
	query, _ := readUntil(t, display, TypePosterQuery)
	assert.Equal(t, "lane-1", query["basketId"])

	sendFrame(t, display, `{"type":"poster:status","active":"yes"}`)
	status, _ := readUntil(t, cashier, TypePosterStatus)
	assert.Equal(t, true, status["active"])

	sendFrame(t, display, `{"type":"poster:status"}`)
	status, _ = readUntil(t, cashier, TypePosterStatus)
	assert.Equal(t, false, status["active"])

	assert.Equal(t, 2, fixture.hub.ShowPoster("lane-1", true))
	readUntil(t, display, TypePosterStart)
	fixture.hub.ShowPoster("lane-1", false)
	readUntil(t, display, TypePosterStop)
}

func TestUIEventsBindPairingTenant(t *testing.T) {
	fixture := newHubFixture(t)
	conn := fixture.dial(t, "?tenant=tenant-b")
	sendFrame(t, conn, `{"type":"ui:selectCategory","basketId":"lane-5","name":"Drinks"}`)
	sendFrame(t, conn, `{"type":"ui:selectProduct","basketId":"lane-6","productId":"SKU1"}`)

	require.Eventually(t, func() bool {
		return len(fixture.store.Summaries("tenant-b")) == 2
	}, frameDeadline, 10*time.Millisecond)
	assert.Empty(t, fixture.store.Summaries("tenant-a"))
}

func TestEvictSessionIsTenantScoped(t *testing.T) {
	fixture := newHubFixture(t)
	display := fixture.dial(t, "?tenant=tenant-a")
	subscribe(t, display, "lane-1")
	fixture.hub.StartOrder("lane-1", "tenant-a")
	readUntil(t, display, TypeSessionStarted)

	assert.False(t, fixture.hub.EvictSession("lane-1", "tenant-b", "admin"))
	assert.False(t, fixture.hub.EvictSession("lane-missing", "tenant-a", "admin"))
	require.True(t, fixture.hub.EvictSession("lane-1", "tenant-a", "admin"))

	stopped, skipped := readUntil(t, display, TypeRTCStopped)
	assert.Equal(t, "admin", stopped["reason"])
	assert.NotContains(t, skipped, TypeSessionEnded)
	ended, _ := readUntil(t, display, TypeSessionEnded)
	assert.Equal(t, "admin", ended["reason"])

	summaries := fixture.store.Summaries("tenant-a")
	require.Len(t, summaries, 1)
	assert.Equal(t, session.OrderReady, summaries[0].Status)
}

func TestOrderLifecycleBroadcasts(t *testing.T) {
	fixture := newHubFixture(t)
	display := fixture.dial(t, "?tenant=tenant-a")
	subscribe(t, display, "lane-1")
	sendFrame(t, display, `{"type":"basket:update","op":{"action":"add","item":{"sku":"SKU1","price":4}}}`)
	readUntil(t, display, TypeBasketUpdate)

	order := fixture.hub.StartOrder("lane-1", "tenant-a")
	assert.Equal(t, "KOA0001", order.OSN)
	started, _ := readUntil(t, display, TypeSessionStarted)
	assert.Equal(t, "KOA0001", started["osn"])

	again := fixture.hub.StartOrder("lane-1", "tenant-a")
	assert.Equal(t, order.OSN, again.OSN)

	paid := fixture.hub.PayOrder("lane-1", "tenant-a")
	assert.Equal(t, session.OrderPaid, paid.Status)
	readUntil(t, display, TypeSessionPaid)
	cleared, _ := readUntil(t, display, TypeBasketUpdate)
	assert.Equal(t, "clear", cleared["op"].(map[string]any)["action"])
	assert.EqualValues(t, 2, basketOf(t, cleared)["version"])

	fixture.hub.ResetSession("lane-1", "tenant-a")
	stopped, _ := readUntil(t, display, TypeRTCStopped)
	assert.Equal(t, "reset", stopped["reason"])
	readUntil(t, display, TypeSessionEnded)

	summaries := fixture.store.Summaries("tenant-a")
	require.Len(t, summaries, 1)
	assert.Equal(t, session.OrderReady, summaries[0].Status)
	assert.Contains(t, fixture.observer.snapshot(), "tenant-a/lane-1/"+TypeSessionPaid)
}

func TestNotifySignalReachesPairing(t *testing.T) {
	fixture := newHubFixture(t)
	display := fixture.dial(t, "")
	subscribe(t, display, "lane-1")

	fixture.hub.NotifySignal("lane-1", signaling.EventOffer, signaling.RoleCashier)
	offer, _ := readUntil(t, display, signaling.EventOffer)
	assert.Equal(t, "cashier", offer["role"])

	assert.Equal(t, 0, fixture.hub.Publish("lane-unknown", []byte(`{}`)))
}

func TestSweepTerminatesUnresponsiveClients(t *testing.T) {
	fixture := newHubFixture(t)
	conn := fixture.dial(t, "")
	subscribe(t, conn, "lane-1")
	require.Eventually(t, func() bool { return fixture.hub.ConnectionCount() == 1 }, frameDeadline, 10*time.Millisecond)

	fixture.hub.sweep()
	assert.Equal(t, 1, fixture.hub.ConnectionCount())

	for _, client := range fixture.hub.snapshotClients() {
		client.alive.Store(false)
	}
	fixture.hub.sweep()
	require.Eventually(t, func() bool { return fixture.hub.ConnectionCount() == 0 }, frameDeadline, 10*time.Millisecond)

	laneOne, ok := fixture.store.Get("lane-1")
	require.True(t, ok)
	laneOne.With(func(state *session.State) {
		assert.Equal(t, 0, state.MemberCount())
	})
}

func TestRunClosesClientsOnShutdown(t *testing.T) {
	fixture := newHubFixture(t)
	conn := fixture.dial(t, "")
	subscribe(t, conn, "lane-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fixture.hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	require.Eventually(t, func() bool { return fixture.hub.ConnectionCount() == 0 }, frameDeadline, 10*time.Millisecond)
	assert.Contains(t, fixture.observer.snapshot(), "tenant-default/lane-1/"+TypeSubscribe)
}
