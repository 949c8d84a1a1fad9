package gamification

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory reward store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	scores    map[string]*Score
	awards    []*Award
	processed map[string]bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory reward store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scores:    make(map[string]*Score),
		processed: make(map[string]bool),
	}
}

func (m *MemoryStore) RecordAward(ctx context.Context, award *Award) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed[award.EscrowID] {
		return false, nil
	}
	m.processed[award.EscrowID] = true

	dup := *award
	m.awards = append(m.awards, &dup)

	score, ok := m.scores[award.ProviderID]
	if !ok {
		score = &Score{ProviderID: award.ProviderID}
		m.scores[award.ProviderID] = score
	}
	score.XP += award.XP
	score.TotalEarnings += award.Amount
	score.LifetimeJobs++
	if award.Rating > 0 {
		score.RatingSum += int64(award.Rating)
		score.RatingCount++
	}
	score.UpdatedAt = award.CreatedAt
	return true, nil
}

func (m *MemoryStore) GetScore(ctx context.Context, providerID string) (*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	score, ok := m.scores[providerID]
	if !ok {
		return nil, ErrScoreNotFound
	}
	dup := *score
	return &dup, nil
}

func (m *MemoryStore) TopScores(ctx context.Context, limit int) ([]*Score, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Score, 0, len(m.scores))
	for _, score := range m.scores {
		dup := *score
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].XP != out[j].XP {
			return out[i].XP > out[j].XP
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListAwards(ctx context.Context, providerID string, limit int) ([]*Award, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Award
	for i := len(m.awards) - 1; i >= 0 && len(out) < limit; i-- {
		if m.awards[i].ProviderID == providerID {
			dup := *m.awards[i]
			out = append(out, &dup)
		}
	}
	return out, nil
}
