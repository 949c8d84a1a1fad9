// Package escrow holds booking payments until the work is delivered.
//
// Flow:
//  1. Booking accepted → payer funds locked (available → held)
//  2. Provider marks the work delivered
//  3. Payer confirms → held funds released to provider
//  4. Payer disputes → resolution releases, refunds, or splits the funds
//  5. Delivery window passes → auto-released to provider
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexusmarket/nexus/internal/idgen"
	"github.com/nexusmarket/nexus/internal/logging"
	"github.com/nexusmarket/nexus/internal/metrics"
	"github.com/nexusmarket/nexus/internal/syncutil"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// State represents the state of an escrow.
type State string

const (
	StateCreated      State = "created"       // Record exists, no funds locked yet
	StateLocked       State = "locked"        // Payer funds held
	StateDelivered    State = "delivered"     // Provider marked the work delivered
	StateReleased     State = "released"      // Funds sent to provider
	StateDisputed     State = "disputed"      // Payer disputed, resolution pending
	StateRefunded     State = "refunded"      // Dispute resolved, funds returned to payer
	StateSplitSettled State = "split_settled" // Dispute resolved, funds divided
	StateCancelled    State = "cancelled"     // Cancelled before delivery, any held funds refunded
)

// transitions lists every legal state change.
var transitions = map[State][]State{
	StateCreated:   {StateLocked, StateCancelled},
	StateLocked:    {StateDelivered, StateDisputed, StateCancelled},
	StateDelivered: {StateReleased, StateDisputed},
	StateDisputed:  {StateReleased, StateRefunded, StateSplitSettled},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultAutoRelease is the default delivery window before auto-release.
const DefaultAutoRelease = 72 * time.Hour

// Transition is one recorded state change.
type Transition struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Actor string    `json:"actor"`
	Note  string    `json:"note,omitempty"`
	At    time.Time `json:"at"`
}

// Escrow is a held payment for one booking.
type Escrow struct {
	ID            string       `json:"id"`
	BookingID     string       `json:"bookingId"`
	PayerID       string       `json:"payerId"`
	ProviderID    string       `json:"providerId"`
	Amount        int64        `json:"amount"`
	State         State        `json:"state"`
	History       []Transition `json:"history"`
	AutoReleaseAt *time.Time   `json:"autoReleaseAt,omitempty"`
	DeliveredAt   *time.Time   `json:"deliveredAt,omitempty"`
	ResolvedAt    *time.Time   `json:"resolvedAt,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.State {
	case StateReleased, StateRefunded, StateSplitSettled, StateCancelled:
		return true
	}
	return false
}

// Store persists escrow data.
type Store interface {
	Create(ctx context.Context, escrow *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, escrow *Escrow) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Escrow, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// LedgerService abstracts ledger operations so escrow doesn't import ledger.
type LedgerService interface {
	EscrowLock(ctx context.Context, payerID string, amount int64, escrowID string) error
	ReleaseEscrow(ctx context.Context, payerID, payeeID string, amount int64, escrowID string) error
	RefundEscrow(ctx context.Context, payerID string, amount int64, escrowID string) error
	SplitSettle(ctx context.Context, payerID, payeeID string, releaseAmount, refundAmount int64, escrowID string) error
}

// ReleaseHook is notified after funds reach the provider. Hook failures are
// logged and swallowed: rewards never gate money movement.
type ReleaseHook interface {
	OnEscrowReleased(ctx context.Context, escrow *Escrow, releasedAmount int64)
}

// Service implements escrow business logic.
type Service struct {
	store       Store
	ledger      LedgerService
	hooks       []ReleaseHook
	autoRelease time.Duration
	// locks serializes state transitions per escrow ID (e.g. confirm and
	// auto-release racing on the same escrow). Sharded, so memory stays
	// bounded no matter how many escrows pass through.
	locks syncutil.ShardedMutex
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService) *Service {
	return &Service{
		store:       store,
		ledger:      ledger,
		autoRelease: DefaultAutoRelease,
	}
}

// WithAutoRelease overrides the delivery window before auto-release.
func (s *Service) WithAutoRelease(d time.Duration) *Service {
	if d > 0 {
		s.autoRelease = d
	}
	return s
}

// WithReleaseHook registers a hook fired after funds reach the provider.
func (s *Service) WithReleaseHook(h ReleaseHook) *Service {
	s.hooks = append(s.hooks, h)
	return s
}

// Create records a new escrow in the created state. No funds move until Lock.
func (s *Service) Create(ctx context.Context, bookingID, payerID, providerID string, amount int64) (*Escrow, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if payerID == providerID {
		return nil, errors.New("payer and provider cannot be the same account")
	}

	now := time.Now().UTC()
	escrow := &Escrow{
		ID:         idgen.WithPrefix("esc_"),
		BookingID:  bookingID,
		PayerID:    payerID,
		ProviderID: providerID,
		Amount:     amount,
		State:      StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	return escrow, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns escrows where the account is payer or provider.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

// Lock moves the escrow to locked and holds the payer's funds. If the ledger
// rejects the lock (insufficient funds), the escrow stays in created.
func (s *Service) Lock(ctx context.Context, id, actor string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkTransition(escrow, StateLocked); err != nil {
		return nil, err
	}

	if err := s.ledger.EscrowLock(ctx, escrow.PayerID, escrow.Amount, escrow.ID); err != nil {
		return nil, err
	}

	s.advance(escrow, StateLocked, actor, "")
	if err := s.store.Update(ctx, escrow); err != nil {
		// Funds are held but the record is stale; refund to keep money and
		// state consistent.
		_ = s.ledger.RefundEscrow(ctx, escrow.PayerID, escrow.Amount, escrow.ID)
		return nil, fmt.Errorf("failed to update escrow after lock: %w", err)
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateLocked)).Inc()
	metrics.EscrowHeldAmount.Add(float64(escrow.Amount))
	return escrow, nil
}

// MarkDelivered marks the work delivered and starts the auto-release clock.
// Only the provider may call this.
func (s *Service) MarkDelivered(ctx context.Context, id, actor string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != escrow.ProviderID {
		return nil, ErrUnauthorized
	}
	if err := s.checkTransition(escrow, StateDelivered); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	releaseAt := now.Add(s.autoRelease)
	escrow.DeliveredAt = &now
	escrow.AutoReleaseAt = &releaseAt
	s.advance(escrow, StateDelivered, actor, "")

	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateDelivered)).Inc()
	return escrow, nil
}

// Release sends the held funds to the provider. Only the payer confirms a
// delivered escrow; dispute resolutions go through Resolve and the timeout
// sweep goes through AutoRelease, so no other actor is accepted here.
func (s *Service) Release(ctx context.Context, id, actor string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != escrow.PayerID {
		return nil, ErrUnauthorized
	}
	if escrow.State == StateDisputed {
		return nil, fmt.Errorf("%w: disputed escrows settle through resolution", ErrInvalidTransition)
	}
	if err := s.checkTransition(escrow, StateReleased); err != nil {
		return nil, err
	}

	return s.release(ctx, escrow, actor, "")
}

// release moves the funds and finalizes the record. Caller holds the escrow lock.
func (s *Service) release(ctx context.Context, escrow *Escrow, actor, note string) (*Escrow, error) {
	if err := s.ledger.ReleaseEscrow(ctx, escrow.PayerID, escrow.ProviderID, escrow.Amount, escrow.ID); err != nil {
		return nil, fmt.Errorf("failed to release escrow funds: %w", err)
	}

	now := time.Now().UTC()
	escrow.ResolvedAt = &now
	s.advance(escrow, StateReleased, actor, note)

	if err := s.store.Update(ctx, escrow); err != nil {
		// Retry once; funds already moved, so the state change must persist
		if retryErr := s.store.Update(ctx, escrow); retryErr != nil {
			logging.L(ctx).Error("escrow funds released but status update failed, manual resolution required",
				"escrow_id", escrow.ID, "provider_id", escrow.ProviderID, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after fund release (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateReleased)).Inc()
	metrics.EscrowHeldAmount.Sub(float64(escrow.Amount))
	metrics.EscrowDuration.Observe(now.Sub(escrow.CreatedAt).Seconds())

	s.fireReleaseHooks(ctx, escrow, escrow.Amount)
	return escrow, nil
}

// Cancel ends the escrow before delivery. Held funds, if any, return to the payer.
func (s *Service) Cancel(ctx context.Context, id, actor, note string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkTransition(escrow, StateCancelled); err != nil {
		return nil, err
	}

	if escrow.State == StateLocked {
		if err := s.ledger.RefundEscrow(ctx, escrow.PayerID, escrow.Amount, escrow.ID); err != nil {
			return nil, fmt.Errorf("failed to refund escrow funds: %w", err)
		}
		metrics.EscrowHeldAmount.Sub(float64(escrow.Amount))
	}

	now := time.Now().UTC()
	escrow.ResolvedAt = &now
	s.advance(escrow, StateCancelled, actor, note)
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateCancelled)).Inc()
	return escrow, nil
}

// Dispute freezes the escrow pending resolution. Auto-release stops while
// the dispute is open. Either party may dispute.
func (s *Service) Dispute(ctx context.Context, id, actor string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor != escrow.PayerID && actor != escrow.ProviderID {
		return nil, ErrUnauthorized
	}
	if err := s.checkTransition(escrow, StateDisputed); err != nil {
		return nil, err
	}

	s.advance(escrow, StateDisputed, actor, "")
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(StateDisputed)).Inc()
	return escrow, nil
}

// Resolution outcomes.
const (
	OutcomeRelease = "release"
	OutcomeRefund  = "refund"
	OutcomeSplit   = "split"
)

// Resolve settles a disputed escrow. For a split, providerShare of the held
// amount (rounded down) goes to the provider and the remainder refunds to
// the payer.
func (s *Service) Resolve(ctx context.Context, id, outcome string, providerShare float64, actor, note string) (*Escrow, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.State != StateDisputed {
		return nil, fmt.Errorf("%w: %s -> resolution", ErrInvalidTransition, escrow.State)
	}

	switch outcome {
	case OutcomeRelease:
		return s.release(ctx, escrow, actor, note)

	case OutcomeRefund:
		if err := s.ledger.RefundEscrow(ctx, escrow.PayerID, escrow.Amount, escrow.ID); err != nil {
			return nil, fmt.Errorf("failed to refund escrow funds: %w", err)
		}
		now := time.Now().UTC()
		escrow.ResolvedAt = &now
		s.advance(escrow, StateRefunded, actor, note)
		if err := s.store.Update(ctx, escrow); err != nil {
			return nil, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StateRefunded)).Inc()
		metrics.EscrowHeldAmount.Sub(float64(escrow.Amount))
		return escrow, nil

	case OutcomeSplit:
		if providerShare < 0 || providerShare > 1 {
			return nil, ErrInvalidAmount
		}
		releaseAmount := int64(float64(escrow.Amount) * providerShare)
		refundAmount := escrow.Amount - releaseAmount
		if err := s.ledger.SplitSettle(ctx, escrow.PayerID, escrow.ProviderID, releaseAmount, refundAmount, escrow.ID); err != nil {
			return nil, fmt.Errorf("failed to split escrow funds: %w", err)
		}
		now := time.Now().UTC()
		escrow.ResolvedAt = &now
		s.advance(escrow, StateSplitSettled, actor, note)
		if err := s.store.Update(ctx, escrow); err != nil {
			return nil, err
		}
		metrics.EscrowTransitionsTotal.WithLabelValues(string(StateSplitSettled)).Inc()
		metrics.EscrowHeldAmount.Sub(float64(escrow.Amount))
		if releaseAmount > 0 {
			s.fireReleaseHooks(ctx, escrow, releaseAmount)
		}
		return escrow, nil

	default:
		return nil, fmt.Errorf("unknown resolution outcome: %s", outcome)
	}
}

// AutoRelease releases every delivered escrow whose window has passed.
// Safe to run concurrently with payer confirmations: the per-escrow lock
// plus a state re-check make each escrow release exactly once.
func (s *Service) AutoRelease(ctx context.Context, before time.Time, limit int) (int, error) {
	expired, err := s.store.ListExpired(ctx, before, limit)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, candidate := range expired {
		unlock := s.locks.Lock(candidate.ID)

		// Re-read under the lock; the payer may have confirmed or disputed
		// between the list and now.
		escrow, err := s.store.Get(ctx, candidate.ID)
		if err != nil {
			unlock()
			continue
		}
		if escrow.State != StateDelivered || escrow.AutoReleaseAt == nil || escrow.AutoReleaseAt.After(before) {
			unlock()
			continue
		}

		if _, err := s.release(ctx, escrow, "system", "auto-released after delivery window"); err != nil {
			logging.L(ctx).Error("auto-release failed", "escrow_id", escrow.ID, "error", err)
			unlock()
			continue
		}
		metrics.EscrowAutoReleasedTotal.Inc()
		released++
		unlock()
	}
	return released, nil
}

func (s *Service) checkTransition(escrow *Escrow, to State) error {
	if !canTransition(escrow.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, escrow.State, to)
	}
	return nil
}

// advance appends a history entry and sets the new state. The state field is
// always the target of the last history entry.
func (s *Service) advance(escrow *Escrow, to State, actor, note string) {
	now := time.Now().UTC()
	escrow.History = append(escrow.History, Transition{
		From:  escrow.State,
		To:    to,
		Actor: actor,
		Note:  note,
		At:    now,
	})
	escrow.State = to
	escrow.UpdatedAt = now
}

func (s *Service) fireReleaseHooks(ctx context.Context, escrow *Escrow, releasedAmount int64) {
	for _, hook := range s.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.L(ctx).Error("release hook panicked", "escrow_id", escrow.ID, "panic", r)
				}
			}()
			hook.OnEscrowReleased(ctx, escrow, releasedAmount)
		}()
	}
}
