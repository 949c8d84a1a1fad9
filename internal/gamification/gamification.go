// Package gamification keeps a derived reward ledger for providers.
//
// XP awards are appended once per settled escrow and rolled up into a
// per-provider score (xp, earnings, jobs, rating). The package only ever
// consumes settlement events; nothing here moves money or can block a
// payout.
package gamification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexusmarket/nexus/internal/logging"
	"github.com/nexusmarket/nexus/internal/metrics"
)

var ErrScoreNotFound = errors.New("provider score not found")

// Award is one immutable XP grant for a settled escrow.
type Award struct {
	EscrowID     string    `json:"escrowId"`
	ProviderID   string    `json:"providerId"`
	XP           int64     `json:"xp"`
	Amount       int64     `json:"amount"` // released kobo
	Rating       int       `json:"rating,omitempty"`
	RepeatClient bool      `json:"repeatClient,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Score is the rolled-up standing of one provider.
type Score struct {
	ProviderID    string    `json:"providerId"`
	XP            int64     `json:"xp"`
	TotalEarnings int64     `json:"totalEarnings"` // kobo
	LifetimeJobs  int64     `json:"lifetimeJobs"`
	RatingSum     int64     `json:"-"`
	RatingCount   int64     `json:"-"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Rating returns the rolling average rating, 0 if never rated.
func (s *Score) Rating() float64 {
	if s.RatingCount == 0 {
		return 0
	}
	return float64(s.RatingSum) / float64(s.RatingCount)
}

// Store persists awards and score rollups.
type Store interface {
	// RecordAward appends the award and updates the provider's score in one
	// atomic step. Returns false without effect when the escrow was already
	// processed.
	RecordAward(ctx context.Context, award *Award) (bool, error)
	GetScore(ctx context.Context, providerID string) (*Score, error)
	TopScores(ctx context.Context, limit int) ([]*Score, error)
	ListAwards(ctx context.Context, providerID string, limit int) ([]*Award, error)
}

// Service implements the reward logic.
type Service struct {
	store Store
}

// NewService creates a new gamification service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// JobXP computes the XP for one settled job.
// Base 20, plus 1 per ₦100 released, plus 15 for a 5-star rating or 10 for
// 4 stars and up, plus 25 when the customer has booked this provider before.
func JobXP(amount int64, rating int, repeatClient bool) int64 {
	xp := int64(20)
	xp += amount / 10000 // kobo → ₦100 units
	switch {
	case rating == 5:
		xp += 15
	case rating >= 4:
		xp += 10
	}
	if repeatClient {
		xp += 25
	}
	return xp
}

// AwardEscrowRelease grants XP for a settled escrow. Idempotent per escrow:
// replays are ignored, so a racing sweep and confirm can both report the
// same release without double-counting.
func (s *Service) AwardEscrowRelease(ctx context.Context, escrowID, providerID string, amount int64, rating int, repeatClient bool) error {
	if amount <= 0 {
		return nil
	}

	award := &Award{
		EscrowID:     escrowID,
		ProviderID:   providerID,
		XP:           JobXP(amount, rating, repeatClient),
		Amount:       amount,
		Rating:       rating,
		RepeatClient: repeatClient,
		CreatedAt:    time.Now().UTC(),
	}

	applied, err := s.store.RecordAward(ctx, award)
	if err != nil {
		return fmt.Errorf("failed to record award: %w", err)
	}
	if !applied {
		logging.L(ctx).Debug("duplicate award ignored", "escrow_id", escrowID)
		return nil
	}

	metrics.XPAwardedTotal.Add(float64(award.XP))
	logging.L(ctx).Info("xp awarded",
		"provider_id", providerID, "escrow_id", escrowID, "xp", award.XP)
	return nil
}

// GetScore returns the provider's score, zero-valued for unknown providers.
func (s *Service) GetScore(ctx context.Context, providerID string) (*Score, error) {
	score, err := s.store.GetScore(ctx, providerID)
	if errors.Is(err, ErrScoreNotFound) {
		return &Score{ProviderID: providerID}, nil
	}
	return score, err
}

// GetLevel returns the provider's level standing.
func (s *Service) GetLevel(ctx context.Context, providerID string) (*LevelInfo, error) {
	score, err := s.GetScore(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return levelInfoFor(score), nil
}

// Leaderboard ranks providers by XP, highest first.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]*Standing, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	scores, err := s.store.TopScores(ctx, limit)
	if err != nil {
		return nil, err
	}

	standings := make([]*Standing, 0, len(scores))
	for i, score := range scores {
		standings = append(standings, &Standing{
			Rank:          i + 1,
			ProviderID:    score.ProviderID,
			XP:            score.XP,
			Level:         levelFor(score).Name,
			TotalEarnings: score.TotalEarnings,
			LifetimeJobs:  score.LifetimeJobs,
			Rating:        score.Rating(),
			Badges:        badgesFor(score),
		})
	}
	return standings, nil
}

// History returns the provider's awards, newest first.
func (s *Service) History(ctx context.Context, providerID string, limit int) ([]*Award, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListAwards(ctx, providerID, limit)
}

// Standing is one leaderboard row.
type Standing struct {
	Rank          int      `json:"rank"`
	ProviderID    string   `json:"providerId"`
	XP            int64    `json:"xp"`
	Level         string   `json:"level"`
	TotalEarnings int64    `json:"totalEarnings"`
	LifetimeJobs  int64    `json:"lifetimeJobs"`
	Rating        float64  `json:"rating"`
	Badges        []string `json:"badges,omitempty"`
}
