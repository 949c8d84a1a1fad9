// Package dispute handles contested escrows: opening a case, collecting
// evidence from both parties, and settling through the escrow state machine.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nexusmarket/nexus/internal/escrow"
	"github.com/nexusmarket/nexus/internal/idgen"
	"github.com/nexusmarket/nexus/internal/logging"
	"github.com/nexusmarket/nexus/internal/metrics"
)

var (
	ErrDisputeNotFound = errors.New("dispute not found")
	ErrAlreadyOpen     = errors.New("dispute already open for this escrow")
	ErrInvalidState    = errors.New("dispute is not in a valid state for this operation")
	ErrNotParty        = errors.New("account is not a party to this dispute")
)

// Dispute statuses.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Evidence is one submission by a dispute party.
type Evidence struct {
	ID          string    `json:"id"`
	SubmittedBy string    `json:"submittedBy"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Dispute is a contested escrow awaiting resolution.
type Dispute struct {
	ID               string     `json:"id"`
	EscrowID         string     `json:"escrowId"`
	BookingID        string     `json:"bookingId"`
	PayerID          string     `json:"payerId"`
	ProviderID       string     `json:"providerId"`
	OpenedBy         string     `json:"openedBy"`
	Reason           string     `json:"reason"`
	Evidence         []Evidence `json:"evidence"`
	Status           string     `json:"status"`
	Outcome          string     `json:"outcome,omitempty"`
	ProviderShare    float64    `json:"providerShare,omitempty"`
	ResolvedBy       string     `json:"resolvedBy,omitempty"`
	ResolutionNote   string     `json:"resolutionNote,omitempty"`
	SuggestedOutcome string     `json:"suggestedOutcome,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists dispute data.
type Store interface {
	Create(ctx context.Context, dispute *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	Update(ctx context.Context, dispute *Dispute) error
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
}

// EscrowService is the slice of escrow behavior disputes drive.
type EscrowService interface {
	Get(ctx context.Context, id string) (*escrow.Escrow, error)
	Dispute(ctx context.Context, id, actor string) (*escrow.Escrow, error)
	Resolve(ctx context.Context, id, outcome string, providerShare float64, actor, note string) (*escrow.Escrow, error)
}

// Advisor suggests a resolution for a freshly opened dispute. Advice is
// best-effort: failures are logged and the dispute proceeds without it.
type Advisor interface {
	Advise(ctx context.Context, dispute *Dispute) (string, error)
}

// Service implements dispute business logic.
type Service struct {
	store   Store
	escrows EscrowService
	advisor Advisor
}

// NewService creates a new dispute service.
func NewService(store Store, escrows EscrowService) *Service {
	return &Service{store: store, escrows: escrows}
}

// WithAdvisor attaches an optional resolution advisor.
func (s *Service) WithAdvisor(a Advisor) *Service {
	s.advisor = a
	return s
}

// Open files a dispute against an escrow and freezes it. Only one dispute
// may be open per escrow; the escrow must be in a disputable state.
func (s *Service) Open(ctx context.Context, escrowID, actor, reason string) (*Dispute, error) {
	if _, err := s.store.GetOpenByEscrow(ctx, escrowID); err == nil {
		return nil, ErrAlreadyOpen
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	// Freezes the escrow and enforces that the actor is a party and the
	// state allows disputing.
	esc, err := s.escrows.Dispute(ctx, escrowID, actor)
	if err != nil {
		if errors.Is(err, escrow.ErrInvalidTransition) {
			return nil, fmt.Errorf("%w: escrow is not in a disputable state", ErrInvalidState)
		}
		return nil, err
	}

	dispute := &Dispute{
		ID:         idgen.WithPrefix("dsp_"),
		EscrowID:   esc.ID,
		BookingID:  esc.BookingID,
		PayerID:    esc.PayerID,
		ProviderID: esc.ProviderID,
		OpenedBy:   actor,
		Reason:     reason,
		Status:     StatusOpen,
		CreatedAt:  time.Now().UTC(),
	}

	if s.advisor != nil {
		if suggestion, err := s.advisor.Advise(ctx, dispute); err != nil {
			logging.L(ctx).Warn("dispute advisor unavailable", "dispute_id", dispute.ID, "error", err)
		} else {
			dispute.SuggestedOutcome = suggestion
		}
	}

	if err := s.store.Create(ctx, dispute); err != nil {
		return nil, fmt.Errorf("failed to create dispute record: %w", err)
	}

	metrics.DisputesOpenTotal.Inc()
	logging.L(ctx).Info("dispute opened",
		"dispute_id", dispute.ID, "escrow_id", escrowID, "opened_by", actor)
	return dispute, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns open disputes, oldest first.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOpen(ctx, limit)
}

// SubmitEvidence attaches evidence from one of the parties to an open dispute.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID, actor, content string) (*Dispute, error) {
	dispute, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != StatusOpen {
		return nil, ErrInvalidState
	}
	if actor != dispute.PayerID && actor != dispute.ProviderID {
		return nil, ErrNotParty
	}

	dispute.Evidence = append(dispute.Evidence, Evidence{
		ID:          idgen.WithPrefix("evd_"),
		SubmittedBy: actor,
		Content:     content,
		SubmittedAt: time.Now().UTC(),
	})
	if err := s.store.Update(ctx, dispute); err != nil {
		return nil, err
	}
	return dispute, nil
}

// Resolve settles an open dispute. The outcome drives the escrow state
// machine: release, refund, or split with providerShare going to the
// provider (floored) and the remainder back to the payer.
func (s *Service) Resolve(ctx context.Context, disputeID, outcome string, providerShare float64, actor, note string) (*Dispute, error) {
	dispute, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if dispute.Status != StatusOpen {
		return nil, ErrInvalidState
	}

	if _, err := s.escrows.Resolve(ctx, dispute.EscrowID, outcome, providerShare, actor, note); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	dispute.Status = StatusResolved
	dispute.Outcome = outcome
	dispute.ProviderShare = providerShare
	dispute.ResolvedBy = actor
	dispute.ResolutionNote = note
	dispute.ResolvedAt = &now
	if err := s.store.Update(ctx, dispute); err != nil {
		// The escrow already settled; the dispute record must follow.
		if retryErr := s.store.Update(ctx, dispute); retryErr != nil {
			logging.L(ctx).Error("escrow settled but dispute record update failed",
				"dispute_id", dispute.ID, "escrow_id", dispute.EscrowID, "error", retryErr)
			return nil, fmt.Errorf("failed to update dispute after settlement: %w", err)
		}
	}

	metrics.DisputesResolvedTotal.WithLabelValues(outcome).Inc()
	logging.L(ctx).Info("dispute resolved",
		"dispute_id", dispute.ID, "outcome", outcome, "resolved_by", actor)
	return dispute, nil
}
