// Package booking orchestrates the marketplace booking lifecycle.
//
// A booking starts pending. When the provider accepts it, an escrow is
// created for the amount and the customer's funds are locked; if the
// customer cannot cover the amount the booking simply stays pending.
// Completion is driven by the escrow: when funds release to the provider
// the booking is marked completed and the provider's score is updated.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexusmarket/nexus/internal/escrow"
	"github.com/nexusmarket/nexus/internal/idgen"
	"github.com/nexusmarket/nexus/internal/logging"
	"github.com/nexusmarket/nexus/internal/metrics"
	"github.com/nexusmarket/nexus/internal/syncutil"
)

var (
	ErrBookingNotFound = errors.New("booking not found")
	ErrInvalidStatus   = errors.New("invalid booking status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this booking operation")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
)

// Status represents the status of a booking.
type Status string

const (
	StatusPending   Status = "pending"   // Awaiting provider acceptance
	StatusConfirmed Status = "confirmed" // Accepted, funds locked in escrow
	StatusCompleted Status = "completed" // Escrow released, provider paid
	StatusCancelled Status = "cancelled" // Cancelled by either party
)

// Booking is one service engagement between a customer and a provider.
type Booking struct {
	ID          string     `json:"id"`
	CustomerID  string     `json:"customerId"`
	ProviderID  string     `json:"providerId"`
	Service     string     `json:"service"`
	Amount      int64      `json:"amount"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	Status      Status     `json:"status"`
	EscrowID    string     `json:"escrowId,omitempty"`
	Rating      int        `json:"rating,omitempty"`
	CancelNote  string     `json:"cancelNote,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Store persists booking data.
type Store interface {
	Create(ctx context.Context, booking *Booking) error
	Get(ctx context.Context, id string) (*Booking, error)
	GetByEscrow(ctx context.Context, escrowID string) (*Booking, error)
	Update(ctx context.Context, booking *Booking) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error)
	CountCompleted(ctx context.Context, customerID, providerID string) (int, error)
}

// EscrowService abstracts the escrow operations bookings drive.
type EscrowService interface {
	Create(ctx context.Context, bookingID, payerID, providerID string, amount int64) (*escrow.Escrow, error)
	Lock(ctx context.Context, id, actor string) (*escrow.Escrow, error)
	Cancel(ctx context.Context, id, actor, note string) (*escrow.Escrow, error)
}

// Rewards receives provider reward events when an escrow settles in the
// provider's favor. Reward failures never affect booking state.
type Rewards interface {
	AwardEscrowRelease(ctx context.Context, escrowID, providerID string, amount int64, rating int, repeatClient bool) error
}

// Service implements booking business logic.
type Service struct {
	store   Store
	escrows EscrowService
	rewards Rewards

	// locks serializes status transitions per booking ID so that two
	// concurrent accepts cannot both pass the pending check and mint
	// two escrows against the same booking.
	locks syncutil.ShardedMutex
}

// NewService creates a new booking service.
func NewService(store Store, escrows EscrowService) *Service {
	return &Service{store: store, escrows: escrows}
}

// WithRewards registers a reward sink fired when a booking completes.
func (s *Service) WithRewards(r Rewards) *Service {
	s.rewards = r
	return s
}

// Create records a new pending booking. No escrow exists until acceptance.
func (s *Service) Create(ctx context.Context, customerID, providerID, service string, amount int64, scheduledAt *time.Time) (*Booking, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if customerID == providerID {
		return nil, fmt.Errorf("%w: cannot book yourself", ErrUnauthorized)
	}

	now := time.Now().UTC()
	booking := &Booking{
		ID:          idgen.WithPrefix("bk_"),
		CustomerID:  customerID,
		ProviderID:  providerID,
		Service:     service,
		Amount:      amount,
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, booking); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusPending)).Inc()
	logging.L(ctx).Info("booking created",
		"booking_id", booking.ID, "customer_id", customerID, "provider_id", providerID, "amount", amount)
	return booking, nil
}

// Get returns a booking by ID.
func (s *Service) Get(ctx context.Context, id string) (*Booking, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns bookings where the user is the customer or the provider.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// Accept confirms a pending booking. The escrow is created and the
// customer's funds locked in the same step. If the customer cannot cover
// the amount the booking stays pending: the lock error propagates and no
// postings exist, so the customer can top up and the provider can retry.
func (s *Service) Accept(ctx context.Context, id, actor string) (*Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	booking, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != booking.ProviderID {
		return nil, fmt.Errorf("%w: only the provider can accept", ErrUnauthorized)
	}
	if booking.Status != StatusPending {
		return nil, fmt.Errorf("%w: booking is %s", ErrInvalidStatus, booking.Status)
	}

	// A failed earlier attempt leaves a created escrow behind; reuse it so
	// retries don't mint a new escrow per attempt.
	escrowID := booking.EscrowID
	if escrowID == "" {
		esc, err := s.escrows.Create(ctx, booking.ID, booking.CustomerID, booking.ProviderID, booking.Amount)
		if err != nil {
			return nil, fmt.Errorf("failed to create escrow: %w", err)
		}
		escrowID = esc.ID
		booking.EscrowID = escrowID
		booking.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, booking); err != nil {
			return nil, fmt.Errorf("failed to attach escrow to booking: %w", err)
		}
	}

	if _, err := s.escrows.Lock(ctx, escrowID, booking.CustomerID); err != nil {
		// Insufficient funds (or any lock failure) leaves the booking
		// pending with the created escrow attached for the retry path.
		return nil, err
	}

	booking.Status = StatusConfirmed
	booking.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, booking); err != nil {
		logging.L(ctx).Error("escrow locked but booking update failed",
			"booking_id", booking.ID, "escrow_id", escrowID, "error", err)
		return nil, fmt.Errorf("failed to confirm booking: %w", err)
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusConfirmed)).Inc()
	logging.L(ctx).Info("booking accepted",
		"booking_id", booking.ID, "escrow_id", escrowID, "provider_id", actor)
	return booking, nil
}

// Cancel cancels a pending or confirmed booking. Either party may cancel;
// a confirmed booking's escrow refunds the customer in full.
func (s *Service) Cancel(ctx context.Context, id, actor, note string) (*Booking, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	booking, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != booking.CustomerID && actor != booking.ProviderID {
		return nil, ErrUnauthorized
	}
	if booking.Status != StatusPending && booking.Status != StatusConfirmed {
		return nil, fmt.Errorf("%w: booking is %s", ErrInvalidStatus, booking.Status)
	}

	if booking.EscrowID != "" {
		if _, err := s.escrows.Cancel(ctx, booking.EscrowID, actor, note); err != nil {
			return nil, err
		}
	}

	booking.Status = StatusCancelled
	booking.CancelNote = note
	booking.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, booking); err != nil {
		return nil, fmt.Errorf("failed to cancel booking: %w", err)
	}

	metrics.BookingsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	logging.L(ctx).Info("booking cancelled", "booking_id", booking.ID, "actor", actor)
	return booking, nil
}

// Rate records the customer's rating for a confirmed booking. The rating
// feeds the provider's score when the escrow settles, so it must land
// before the funds release to count toward the reward.
func (s *Service) Rate(ctx context.Context, id, actor string, rating int) (*Booking, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	booking, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != booking.CustomerID {
		return nil, fmt.Errorf("%w: only the customer can rate", ErrUnauthorized)
	}
	if booking.Status != StatusConfirmed && booking.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: booking is %s", ErrInvalidStatus, booking.Status)
	}

	booking.Rating = rating
	booking.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, booking); err != nil {
		return nil, fmt.Errorf("failed to rate booking: %w", err)
	}
	return booking, nil
}

// OnEscrowReleased implements escrow.ReleaseHook. It marks the booking
// completed and forwards the reward event. Failures are logged, never
// surfaced: money already moved and this path must not undo that.
func (s *Service) OnEscrowReleased(ctx context.Context, esc *escrow.Escrow, releasedAmount int64) {
	booking, err := s.store.GetByEscrow(ctx, esc.ID)
	if err != nil {
		logging.L(ctx).Error("escrow released but booking lookup failed",
			"escrow_id", esc.ID, "error", err)
		return
	}

	if booking.Status == StatusConfirmed {
		now := time.Now().UTC()
		booking.Status = StatusCompleted
		booking.CompletedAt = &now
		booking.UpdatedAt = now
		if err := s.store.Update(ctx, booking); err != nil {
			logging.L(ctx).Error("escrow released but booking completion failed",
				"booking_id", booking.ID, "escrow_id", esc.ID, "error", err)
			return
		}
		metrics.BookingsTotal.WithLabelValues(string(StatusCompleted)).Inc()
		logging.L(ctx).Info("booking completed",
			"booking_id", booking.ID, "escrow_id", esc.ID, "released", releasedAmount)
	}

	if s.rewards == nil || releasedAmount <= 0 {
		return
	}

	repeat, err := s.store.CountCompleted(ctx, booking.CustomerID, booking.ProviderID)
	if err != nil {
		logging.L(ctx).Warn("repeat-client lookup failed", "booking_id", booking.ID, "error", err)
	}
	if err := s.rewards.AwardEscrowRelease(ctx, esc.ID, booking.ProviderID,
		releasedAmount, booking.Rating, repeat > 1); err != nil {
		logging.L(ctx).Warn("reward award failed",
			"booking_id", booking.ID, "escrow_id", esc.ID, "error", err)
	}
}
