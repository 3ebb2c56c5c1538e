package server

import (
	"context"
	"sync"
	"time"
)

const (
	LiveEventDevices   = "admin:devices"
	LiveEventSessions  = "admin:sessions"
	liveEventHeartbeat = "heartbeat"
	liveBufferSize     = 16
)

// LiveEvent tells admin dashboards of one tenant that a view changed.
type LiveEvent struct {
	TenantID  string
	Kind      string
	PairingID string
	Reason    string
	Timestamp time.Time
}

// LiveDispatcher fans LiveEvents out to per-tenant subscribers. Slow
// subscribers miss events; every event carries a full snapshot so the next
// one heals them.
type LiveDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*liveSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type liveSubscriber struct {
	id     int64
	stream chan LiveEvent
}

func NewLiveDispatcher() *LiveDispatcher {
	return &LiveDispatcher{
		subscribers: make(map[string]map[int64]*liveSubscriber),
		bufferSize:  liveBufferSize,
		clock:       time.Now,
	}
}

func (d *LiveDispatcher) Subscribe(ctx context.Context, tenantID string) (<-chan LiveEvent, func()) {
	if tenantID == "" {
		ch := make(chan LiveEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &liveSubscriber{
		id:     d.nextSequence(),
		stream: make(chan LiveEvent, d.bufferSize),
	}
	d.registerSubscriber(tenantID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(tenantID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *LiveDispatcher) Publish(event LiveEvent) {
	if event.TenantID == "" || event.Kind == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.TenantID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*liveSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// PairingChanged feeds hub activity into the sessions view.
func (d *LiveDispatcher) PairingChanged(tenantID, pairingID, reason string) {
	d.Publish(LiveEvent{TenantID: tenantID, Kind: LiveEventSessions, PairingID: pairingID, Reason: reason})
}

// SubscriberCount returns the number of open admin streams for tenantID.
func (d *LiveDispatcher) SubscriberCount(tenantID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[tenantID])
}

func (d *LiveDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *LiveDispatcher) registerSubscriber(tenantID string, subscriber *liveSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tenantID]; !ok {
		d.subscribers[tenantID] = make(map[int64]*liveSubscriber)
	}
	d.subscribers[tenantID][subscriber.id] = subscriber
}

func (d *LiveDispatcher) unregisterSubscriber(tenantID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tenantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tenantID)
		}
	}
	d.mu.Unlock()
}
