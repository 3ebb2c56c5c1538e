package signaling

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Role identifies which side of a pairing posted a candidate.
type Role string

const (
	RoleCashier Role = "cashier"
	RoleDisplay Role = "display"
)

// Event names pushed to a pairing after a signaling write.
const (
	EventOffer     = "rtc:offer"
	EventAnswer    = "rtc:answer"
	EventCandidate = "rtc:candidate"
	EventStopped   = "rtc:stopped"
)

var (
	// ErrMissingPairID indicates an empty pairing identifier.
	ErrMissingPairID = errors.New("signaling: pair id required")
	// ErrMissingSDP indicates an empty session description.
	ErrMissingSDP = errors.New("signaling: sdp required")
	// ErrInvalidSDP indicates a session description that does not parse.
	ErrInvalidSDP = errors.New("signaling: invalid sdp")
	// ErrInvalidRole indicates a role other than cashier or display.
	ErrInvalidRole = errors.New("signaling: invalid role")
	// ErrMissingCandidate indicates an empty ICE candidate.
	ErrMissingCandidate = errors.New("signaling: candidate required")
)

// ParseRole validates a client supplied role.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleCashier:
		return RoleCashier, nil
	case RoleDisplay:
		return RoleDisplay, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
}

// Opposite returns the peer role.
func (r Role) Opposite() Role {
	if r == RoleCashier {
		return RoleDisplay
	}
	return RoleCashier
}

// Notifier receives a hint after each signaling write so a push transport
// can wake the peer. Delivery of candidates still happens through Candidates.
type Notifier interface {
	NotifySignal(pairID string, event string, role Role)
}

// Config configures the relay.
type Config struct {
	ValidateSDP bool
	ICEServers  []webrtc.ICEServer
	Notifier    Notifier
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Relay stores offers, answers and role scoped ICE candidate queues per pairing.
type Relay struct {
	validateSDP bool
	iceServers  []webrtc.ICEServer
	notifier    Notifier
	logger      *zap.Logger
	clock       func() time.Time

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	mu        sync.Mutex
	offer     *webrtc.SessionDescription
	answer    *webrtc.SessionDescription
	ice       map[Role][]webrtc.ICECandidateInit
	updatedAt time.Time
	// stopped is set once the room is unregistered; writers holding a stale
	// pointer must retry against a fresh room.
	stopped bool
}

// NewRelay constructs an empty relay.
func NewRelay(cfg Config) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Relay{
		validateSDP: cfg.ValidateSDP,
		iceServers:  append([]webrtc.ICEServer(nil), cfg.ICEServers...),
		notifier:    cfg.Notifier,
		logger:      logger,
		clock:       clock,
		rooms:       make(map[string]*room),
	}
}

// ICEServers returns the STUN/TURN servers advertised to clients.
func (r *Relay) ICEServers() []webrtc.ICEServer {
	return append([]webrtc.ICEServer(nil), r.iceServers...)
}

// PostOffer stores sdp as the room offer. A new offer starts a new
// negotiation, so any answer and queued candidates are discarded.
func (r *Relay) PostOffer(pairID, sdp string) error {
	description, err := r.description(pairID, webrtc.SDPTypeOffer, sdp)
	if err != nil {
		return err
	}
	r.write(pairID, func(target *room) {
		target.offer = &description
		target.answer = nil
		target.ice = make(map[Role][]webrtc.ICECandidateInit)
	})

	r.logger.Debug("offer stored", zap.String("pairing_id", pairID), zap.Int("sdp_len", len(sdp)))
	r.notify(pairID, EventOffer, "")
	return nil
}

// Offer returns the current offer SDP.
func (r *Relay) Offer(pairID string) (string, bool) {
	target := r.roomFor(pairID, false)
	if target == nil {
		return "", false
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.offer == nil {
		return "", false
	}
	return target.offer.SDP, true
}

// PostAnswer stores sdp as the room answer. Ordering against the offer is
// the callers' responsibility.
func (r *Relay) PostAnswer(pairID, sdp string) error {
	description, err := r.description(pairID, webrtc.SDPTypeAnswer, sdp)
	if err != nil {
		return err
	}
	r.write(pairID, func(target *room) {
		target.answer = &description
	})

	r.logger.Debug("answer stored", zap.String("pairing_id", pairID), zap.Int("sdp_len", len(sdp)))
	r.notify(pairID, EventAnswer, "")
	return nil
}

// Answer returns the current answer SDP.
func (r *Relay) Answer(pairID string) (string, bool) {
	target := r.roomFor(pairID, false)
	if target == nil {
		return "", false
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.answer == nil {
		return "", false
	}
	return target.answer.SDP, true
}

// PostCandidate appends candidate to the queue of role and returns the queue length.
func (r *Relay) PostCandidate(pairID string, role Role, candidate webrtc.ICECandidateInit) (int, error) {
	if strings.TrimSpace(pairID) == "" {
		return 0, ErrMissingPairID
	}
	if role != RoleCashier && role != RoleDisplay {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if strings.TrimSpace(candidate.Candidate) == "" {
		return 0, ErrMissingCandidate
	}
	var queued int
	r.write(pairID, func(target *room) {
		target.ice[role] = append(target.ice[role], candidate)
		queued = len(target.ice[role])
	})

	r.logger.Debug("candidate queued",
		zap.String("pairing_id", pairID),
		zap.String("role", string(role)),
		zap.Int("queued", queued))
	r.notify(pairID, EventCandidate, role)
	return queued, nil
}

// Candidates drains and returns the queue posted by the opposite of role:
// a display receives what the cashier posted and vice versa.
func (r *Relay) Candidates(pairID string, role Role) ([]webrtc.ICECandidateInit, error) {
	if strings.TrimSpace(pairID) == "" {
		return nil, ErrMissingPairID
	}
	if role != RoleCashier && role != RoleDisplay {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	drained := []webrtc.ICECandidateInit{}
	target := r.roomFor(pairID, false)
	if target == nil {
		return drained, nil
	}
	source := role.Opposite()
	target.mu.Lock()
	drained = append(drained, target.ice[source]...)
	target.ice[source] = nil
	target.mu.Unlock()
	return drained, nil
}

// Stop tears down the room for pairID and reports whether one existed.
func (r *Relay) Stop(pairID string) bool {
	r.mu.Lock()
	target, ok := r.rooms[pairID]
	if ok {
		target.mu.Lock()
		target.stopped = true
		target.mu.Unlock()
		delete(r.rooms, pairID)
	}
	r.mu.Unlock()
	if ok {
		r.logger.Debug("room stopped", zap.String("pairing_id", pairID))
	}
	return ok
}

func (r *Relay) description(pairID string, kind webrtc.SDPType, sdp string) (webrtc.SessionDescription, error) {
	if strings.TrimSpace(pairID) == "" {
		return webrtc.SessionDescription{}, ErrMissingPairID
	}
	if strings.TrimSpace(sdp) == "" {
		return webrtc.SessionDescription{}, ErrMissingSDP
	}
	description := webrtc.SessionDescription{Type: kind, SDP: sdp}
	if r.validateSDP {
		if _, err := description.Unmarshal(); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
		}
	}
	return description, nil
}

func (r *Relay) roomFor(pairID string, create bool) *room {
	r.mu.RLock()
	existing, ok := r.rooms[pairID]
	r.mu.RUnlock()
	if ok || !create {
		return existing
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok = r.rooms[pairID]; ok {
		return existing
	}
	created := &room{ice: make(map[Role][]webrtc.ICECandidateInit)}
	r.rooms[pairID] = created
	return created
}

// write applies mutate to the registered room of pairID under its lock.
func (r *Relay) write(pairID string, mutate func(target *room)) {
	for {
		target := r.roomFor(pairID, true)
		target.mu.Lock()
		if target.stopped {
			target.mu.Unlock()
			continue
		}
		mutate(target)
		target.updatedAt = r.clock().UTC()
		target.mu.Unlock()
		return
	}
}

func (r *Relay) notify(pairID, event string, role Role) {
	if r.notifier == nil {
		return
	}
	r.notifier.NotifySignal(pairID, event, role)
}
