package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ordertech/drivethru/backend/internal/basket"
)

// Member is a live connection in a pairing's fan-out set.
type Member interface {
	ClientID() string
	Role() string
	Name() string
	// Send queues frame without blocking and reports whether it was accepted.
	Send(frame []byte) bool
}

// StoreConfig configures the session store.
type StoreConfig struct {
	Clock func() time.Time
}

// Store is the process-wide registry of pairings. Each pairing carries its
// own lock so unrelated pairings never contend.
type Store struct {
	mu       sync.RWMutex
	pairings map[string]*Pairing
	clock    func() time.Time
	osn      *OSNSequence
}

// NewStore constructs an empty registry.
func NewStore(cfg StoreConfig) *Store {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		pairings: make(map[string]*Pairing),
		clock:    clock,
		osn:      NewOSNSequence(),
	}
}

// GetOrCreate returns the pairing for id, creating an empty one on first reference.
func (s *Store) GetOrCreate(id string) *Pairing {
	s.mu.RLock()
	pairing, ok := s.pairings[id]
	s.mu.RUnlock()
	if ok {
		return pairing
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pairing, ok = s.pairings[id]; ok {
		return pairing
	}
	pairing = newPairing(id, s.clock().UTC())
	s.pairings[id] = pairing
	return pairing
}

// Get returns the pairing for id when it has been referenced before.
func (s *Store) Get(id string) (*Pairing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pairing, ok := s.pairings[id]
	return pairing, ok
}

// NextOSN allocates the next order sequence number.
func (s *Store) NextOSN() string {
	return s.osn.Next()
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

// Summaries returns a point-in-time view of the pairings bound to tenantID,
// newest order first. An empty tenantID matches every pairing.
func (s *Store) Summaries(tenantID string) []Summary {
	s.mu.RLock()
	pairings := make([]*Pairing, 0, len(s.pairings))
	for _, pairing := range s.pairings {
		pairings = append(pairings, pairing)
	}
	s.mu.RUnlock()

	summaries := make([]Summary, 0, len(pairings))
	for _, pairing := range pairings {
		var summary Summary
		include := false
		pairing.With(func(state *State) {
			if tenantID != "" && state.TenantID != "" && state.TenantID != tenantID {
				return
			}
			include = true
			summary = state.summary()
		})
		if include {
			summaries = append(summaries, summary)
		}
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].PairingID < summaries[j].PairingID
		}
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	return summaries
}

// Pairing couples one cashier and one display around a shared basket.
type Pairing struct {
	id    string
	mu    sync.Mutex
	state State
}

func newPairing(id string, createdAt time.Time) *Pairing {
	return &Pairing{
		id: id,
		state: State{
			PairingID: id,
			CreatedAt: createdAt,
			Basket:    basket.New(),
			Order:     Order{Status: OrderReady},
			members:   make(map[string]Member),
		},
	}
}

// ID returns the pairing identifier.
func (p *Pairing) ID() string {
	return p.id
}

// With runs fn while holding the pairing lock. fn must not block on network I/O
// beyond queuing frames through Member.Send.
func (p *Pairing) With(fn func(state *State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.state)
}

// State is the mutable content of a pairing; it is only reachable inside With.
type State struct {
	PairingID string
	TenantID  string
	CreatedAt time.Time
	Basket    *basket.Basket
	UIHint    string
	Order     Order
	Call      CallStatus
	members   map[string]Member
	uiLock    uiLock
}

// Join adds member to the fan-out set.
func (s *State) Join(member Member) {
	s.members[member.ClientID()] = member
}

// Leave removes the member with clientID and reports whether it was present.
func (s *State) Leave(clientID string) bool {
	if _, ok := s.members[clientID]; !ok {
		return false
	}
	delete(s.members, clientID)
	return true
}

// Has reports whether clientID is in the fan-out set.
func (s *State) Has(clientID string) bool {
	_, ok := s.members[clientID]
	return ok
}

// MemberCount returns the fan-out set size.
func (s *State) MemberCount() int {
	return len(s.members)
}

// Broadcast queues frame to every member and returns the members whose
// queue rejected it.
func (s *State) Broadcast(frame []byte) []Member {
	var rejected []Member
	for _, member := range s.members {
		if !member.Send(frame) {
			rejected = append(rejected, member)
		}
	}
	return rejected
}

// PeerNames returns the first cashier and display names present in the
// fan-out set, using role defaults for members that never sent a name.
func (s *State) PeerNames() (cashierName, displayName string) {
	for _, member := range s.members {
		switch member.Role() {
		case RoleCashier:
			if cashierName == "" {
				cashierName = defaultName(member.Name(), "Cashier")
			}
		case RoleDisplay:
			if displayName == "" {
				displayName = defaultName(member.Name(), "Drive-Thru")
			}
		}
	}
	return cashierName, displayName
}

func (s *State) summary() Summary {
	cashierName, displayName := s.PeerNames()
	return Summary{
		PairingID:   s.PairingID,
		TenantID:    s.TenantID,
		OSN:         s.Order.OSN,
		Status:      s.Order.Status,
		StartedAt:   s.Order.StartedAt,
		CashierName: cashierName,
		DisplayName: displayName,
		Members:     len(s.members),
		Version:     s.Basket.Version(),
	}
}

// Summary is a read-only view of a pairing for admin listings.
type Summary struct {
	PairingID   string      `json:"basket_id"`
	TenantID    string      `json:"tenant_id,omitempty"`
	OSN         string      `json:"osn,omitempty"`
	Status      OrderStatus `json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	CashierName string      `json:"cashierName,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	Members     int         `json:"members"`
	Version     int64       `json:"version"`
}

// Roles understood by the realtime channel.
const (
	RoleCashier = "cashier"
	RoleDisplay = "display"
	RoleAdmin   = "admin"
)

func defaultName(name, fallback string) string {
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		return trimmed
	}
	return fallback
}
