package session

import (
	"fmt"
	"sync"
	"time"
)

// OrderStatus tracks the order lifecycle of a pairing.
type OrderStatus string

const (
	OrderReady  OrderStatus = "ready"
	OrderActive OrderStatus = "active"
	OrderPaid   OrderStatus = "paid"
)

const maxOSNCounter = 9999

// Order is the order currently served on a pairing.
type Order struct {
	OSN       string
	Status    OrderStatus
	StartedAt time.Time
}

// StartOrder activates a new order unless one is already active, and returns it.
func (s *State) StartOrder(nextOSN func() string, now time.Time) Order {
	if s.Order.OSN == "" || s.Order.Status != OrderActive {
		s.Order = Order{OSN: nextOSN(), Status: OrderActive, StartedAt: now}
	}
	return s.Order
}

// PayOrder marks the current order paid, allocating an OSN if none was started.
func (s *State) PayOrder(nextOSN func() string) Order {
	if s.Order.OSN == "" {
		s.Order.OSN = nextOSN()
	}
	s.Order.Status = OrderPaid
	return s.Order
}

// ResetOrder returns the pairing to the ready state and drops the UI hint
// and call reports.
func (s *State) ResetOrder() {
	s.Order = Order{Status: OrderReady}
	s.UIHint = ""
	s.Call = CallStatus{}
}

// OSNSequence issues order sequence numbers KO<letter><0001..9999>; the
// letter advances A..Z and wraps when the counter rolls over.
type OSNSequence struct {
	mu      sync.Mutex
	letter  byte
	counter int
}

// NewOSNSequence starts at KOA0001.
func NewOSNSequence() *OSNSequence {
	return &OSNSequence{letter: 'A', counter: 1}
}

// Next returns the next OSN.
func (q *OSNSequence) Next() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	osn := fmt.Sprintf("KO%c%04d", q.letter, q.counter)
	q.counter++
	if q.counter > maxOSNCounter {
		q.counter = 1
		if q.letter >= 'Z' {
			q.letter = 'A'
		} else {
			q.letter++
		}
	}
	return osn
}
