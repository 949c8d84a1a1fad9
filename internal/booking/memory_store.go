package booking

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory booking store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*Booking
	byEscrow map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory booking store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*Booking),
		byEscrow: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = copyBooking(b)
	if b.EscrowID != "" {
		m.byEscrow[b.EscrowID] = b.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return copyBooking(b), nil
}

func (m *MemoryStore) GetByEscrow(ctx context.Context, escrowID string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEscrow[escrowID]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return copyBooking(m.bookings[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, b *Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return ErrBookingNotFound
	}
	m.bookings[b.ID] = copyBooking(b)
	if b.EscrowID != "" {
		m.byEscrow[b.EscrowID] = b.ID
	}
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Booking
	for _, b := range m.bookings {
		if b.CustomerID == userID || b.ProviderID == userID {
			out = append(out, copyBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountCompleted(ctx context.Context, customerID, providerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, b := range m.bookings {
		if b.Status == StatusCompleted && b.CustomerID == customerID && b.ProviderID == providerID {
			n++
		}
	}
	return n, nil
}

func copyBooking(b *Booking) *Booking {
	dup := *b
	if b.ScheduledAt != nil {
		t := *b.ScheduledAt
		dup.ScheduledAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		dup.CompletedAt = &t
	}
	return &dup
}
