package presence

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultTTL is how long a display stays online after its last heartbeat.
	DefaultTTL       = 15 * time.Second
	defaultEntryName = "Car"
)

// ErrMissingDisplayID indicates a heartbeat without a display identifier.
var ErrMissingDisplayID = errors.New("presence: display id required")

// Entry is the last known heartbeat of a display.
type Entry struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Branch   string    `json:"branch,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Config configures the registry.
type Config struct {
	TTL   time.Duration
	Clock func() time.Time
}

// Registry tracks online displays per tenant. Expired entries are pruned
// when a tenant is read.
type Registry struct {
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	tenants map[string]*tenantBucket
}

type tenantBucket struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg Config) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		ttl:     ttl,
		clock:   clock,
		tenants: make(map[string]*tenantBucket),
	}
}

// TTL returns the configured liveness window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Heartbeat upserts a display entry with last_seen set to now.
func (r *Registry) Heartbeat(tenantID, displayID, name, branch string) (Entry, error) {
	displayID = strings.TrimSpace(displayID)
	if displayID == "" {
		return Entry{}, ErrMissingDisplayID
	}
	entry := Entry{
		ID:       displayID,
		Name:     NormalizeName(name, defaultEntryName),
		Branch:   NormalizeName(branch, ""),
		LastSeen: r.clock().UTC(),
	}
	bucket := r.bucket(tenantID)
	bucket.mu.Lock()
	bucket.entries[displayID] = entry
	bucket.mu.Unlock()
	return entry, nil
}

// ListOnline prunes expired entries for tenantID and returns the rest,
// most recent heartbeat first.
func (r *Registry) ListOnline(tenantID string) []Entry {
	bucket := r.bucket(tenantID)
	now := r.clock().UTC()

	bucket.mu.Lock()
	items := make([]Entry, 0, len(bucket.entries))
	for id, entry := range bucket.entries {
		if now.Sub(entry.LastSeen) > r.ttl {
			delete(bucket.entries, id)
			continue
		}
		items = append(items, entry)
	}
	bucket.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].LastSeen.Equal(items[j].LastSeen) {
			return items[i].ID < items[j].ID
		}
		return items[i].LastSeen.After(items[j].LastSeen)
	})
	return items
}

// Count returns the number of online displays for tenantID.
func (r *Registry) Count(tenantID string) int {
	return len(r.ListOnline(tenantID))
}

func (r *Registry) bucket(tenantID string) *tenantBucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.tenants[tenantID]
	if !ok {
		bucket = &tenantBucket{entries: make(map[string]Entry)}
		r.tenants[tenantID] = bucket
	}
	return bucket
}

// NormalizeName trims and NFC-normalizes a user supplied label.
func NormalizeName(value, fallback string) string {
	trimmed := strings.TrimSpace(norm.NFC.String(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
