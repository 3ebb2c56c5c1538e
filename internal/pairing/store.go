package pairing

import (
	"context"
	"sync"
	"time"
)

// Status is the activation state of a code.
type Status string

const (
	StatusPending Status = "pending"
	StatusClaimed Status = "claimed"
	StatusExpired Status = "expired"
)

// Record is one activation code and, once claimed, the device it bound.
type Record struct {
	Code       string
	Role       string
	Name       string
	Branch     string
	TenantHint string
	// DeviceChosen marks records created by Register rather than IssueCode.
	DeviceChosen bool
	TenantID     string
	DeviceID     string
	DeviceToken  string
	Status       Status
	CreatedAt    time.Time
	ExpiresAt    time.Time
	ClaimedAt    time.Time
}

// lapsed reports whether a pending record has passed its expiry at now.
func (r Record) lapsed(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.ExpiresAt)
}

// Store persists activation records keyed by code.
type Store interface {
	// Insert adds record and fails with ErrCodeTaken when the code exists.
	Insert(ctx context.Context, record Record) error
	Get(ctx context.Context, code string) (Record, bool, error)
	// Update applies mutate atomically to the stored record. Returning an
	// error from mutate leaves the record unchanged.
	Update(ctx context.Context, code string, mutate func(*Record) error) (Record, error)
	Delete(ctx context.Context, code string) error
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Insert(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.Code]; exists {
		return ErrCodeTaken
	}
	s.records[record.Code] = record
	return nil
}

func (s *MemoryStore) Get(_ context.Context, code string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[code]
	return record, ok, nil
}

func (s *MemoryStore) Update(_ context.Context, code string, mutate func(*Record) error) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[code]
	if !ok {
		return Record{}, ErrCodeNotFound
	}
	if err := mutate(&record); err != nil {
		return Record{}, err
	}
	s.records[code] = record
	return record, nil
}

func (s *MemoryStore) Delete(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, code)
	return nil
}
