// Package ledger tracks account balances as an append-only posting log.
//
// Every balance change is a posting. Multi-leg operations (escrow lock,
// release, refund, split settlement) apply all legs atomically: either
// every leg lands or none do. An account's available balance is always
// the signed sum of its postings' amounts, and its held balance the
// signed sum of held deltas.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/nexusmarket/nexus/internal/idgen"
	"github.com/nexusmarket/nexus/internal/metrics"
	"github.com/nexusmarket/nexus/internal/pagination"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountArchived   = errors.New("account is archived")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrDuplicateAccount  = errors.New("account already exists")
	ErrPostingNotFound   = errors.New("posting not found")
)

// Posting reasons.
const (
	ReasonDeposit       = "deposit"
	ReasonWithdrawal    = "withdrawal"
	ReasonEscrowLock    = "escrow_lock"
	ReasonEscrowRelease = "escrow_release"
	ReasonRefund        = "refund"
	ReasonDisputeSplit  = "dispute_split"
)

// Account roles.
const (
	RolePayer    = "payer"
	RoleProvider = "provider"
)

// Account is a party that can hold funds.
type Account struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"` // payer or provider
	Archived    bool      `json:"archived"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Posting is one immutable leg of a ledger transaction. Amount moves the
// account's available balance; HeldDelta moves its held balance. Amounts
// are in kobo.
type Posting struct {
	ID             string    `json:"id"`
	TxnID          string    `json:"txnId"`
	AccountID      string    `json:"accountId"`
	Amount         int64     `json:"amount"`
	HeldDelta      int64     `json:"heldDelta"`
	Reason         string    `json:"reason"`
	EscrowID       string    `json:"escrowId,omitempty"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Balance is an account's current position in kobo.
type Balance struct {
	AccountID string    `json:"accountId"`
	Available int64     `json:"available"`
	Held      int64     `json:"held"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Leg describes one account's part of a transaction before it is applied.
type Leg struct {
	AccountID      string
	Amount         int64
	HeldDelta      int64
	Reason         string
	EscrowID       string
	IdempotencyKey string
}

// Store persists accounts, balances, and postings. ApplyTransaction must be
// atomic: all legs commit or none, balances never go negative, and a leg
// whose idempotency key was already used returns the original transaction's
// postings without applying anything.
type Store interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ArchiveAccount(ctx context.Context, id string) error
	GetBalance(ctx context.Context, accountID string) (*Balance, error)
	GetHistory(ctx context.Context, accountID string, limit int, cursor *pagination.Cursor) ([]*Posting, error)
	ApplyTransaction(ctx context.Context, txnID string, legs []Leg) ([]*Posting, error)
	FindByIdempotencyKey(ctx context.Context, accountID, key string) (*Posting, error)
	SumPostings(ctx context.Context) (map[string]*Balance, error)
	ListBalances(ctx context.Context) ([]*Balance, error)
}

// Service is the ledger's write and query API.
type Service struct {
	store Store
}

// New creates a ledger service.
func New(store Store) *Service {
	return &Service{store: store}
}

// Store exposes the underlying store for wiring.
func (s *Service) Store() Store { return s.store }

// CreateAccount registers a new account.
func (s *Service) CreateAccount(ctx context.Context, displayName, role string) (*Account, error) {
	if role != RolePayer && role != RoleProvider {
		return nil, errors.New("role must be payer or provider")
	}
	account := &Account{
		ID:          idgen.WithPrefix("acct_"),
		DisplayName: displayName,
		Role:        role,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccount returns an account by ID.
func (s *Service) GetAccount(ctx context.Context, id string) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// ArchiveAccount marks an account archived. Archived accounts reject new
// debits but can still receive funds, so in-flight escrows settle normally.
func (s *Service) ArchiveAccount(ctx context.Context, id string) error {
	return s.store.ArchiveAccount(ctx, id)
}

// GetBalance returns an account's current balance.
func (s *Service) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	return s.store.GetBalance(ctx, accountID)
}

// GetHistory returns an account's postings, newest first. A non-nil
// cursor resumes after the (created_at, id) position it encodes.
func (s *Service) GetHistory(ctx context.Context, accountID string, limit int, cursor *pagination.Cursor) ([]*Posting, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.GetHistory(ctx, accountID, limit, cursor)
}

// Deposit credits an account's available balance.
func (s *Service) Deposit(ctx context.Context, accountID string, amount int64, idempotencyKey string) (*Posting, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	postings, err := s.apply(ctx, []Leg{{
		AccountID:      accountID,
		Amount:         amount,
		Reason:         ReasonDeposit,
		IdempotencyKey: idempotencyKey,
	}})
	if err != nil {
		return nil, err
	}
	return postings[0], nil
}

// Withdraw debits an account's available balance.
func (s *Service) Withdraw(ctx context.Context, accountID string, amount int64, idempotencyKey string) (*Posting, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	postings, err := s.apply(ctx, []Leg{{
		AccountID:      accountID,
		Amount:         -amount,
		Reason:         ReasonWithdrawal,
		IdempotencyKey: idempotencyKey,
	}})
	if err != nil {
		return nil, err
	}
	return postings[0], nil
}

// EscrowLock moves funds from the payer's available balance into held.
// Fails with ErrInsufficientFunds if available is below the amount.
func (s *Service) EscrowLock(ctx context.Context, payerID string, amount int64, escrowID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := s.apply(ctx, []Leg{{
		AccountID:      payerID,
		Amount:         -amount,
		HeldDelta:      amount,
		Reason:         ReasonEscrowLock,
		EscrowID:       escrowID,
		IdempotencyKey: escrowID + ":lock",
	}})
	return err
}

// ReleaseEscrow moves held funds from the payer to the payee's available
// balance. Idempotent per escrow: a second call is a no-op.
func (s *Service) ReleaseEscrow(ctx context.Context, payerID, payeeID string, amount int64, escrowID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := s.apply(ctx, []Leg{
		{
			AccountID:      payerID,
			HeldDelta:      -amount,
			Reason:         ReasonEscrowRelease,
			EscrowID:       escrowID,
			IdempotencyKey: escrowID + ":release",
		},
		{
			AccountID: payeeID,
			Amount:    amount,
			Reason:    ReasonEscrowRelease,
			EscrowID:  escrowID,
		},
	})
	return err
}

// RefundEscrow returns held funds to the payer's available balance.
func (s *Service) RefundEscrow(ctx context.Context, payerID string, amount int64, escrowID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := s.apply(ctx, []Leg{{
		AccountID:      payerID,
		Amount:         amount,
		HeldDelta:      -amount,
		Reason:         ReasonRefund,
		EscrowID:       escrowID,
		IdempotencyKey: escrowID + ":refund",
	}})
	return err
}

// SplitSettle divides held funds between payee and payer after a dispute.
// releaseAmount goes to the payee, refundAmount back to the payer; the two
// must sum to the escrowed amount.
func (s *Service) SplitSettle(ctx context.Context, payerID, payeeID string, releaseAmount, refundAmount int64, escrowID string) error {
	if releaseAmount < 0 || refundAmount < 0 || releaseAmount+refundAmount <= 0 {
		return ErrInvalidAmount
	}
	total := releaseAmount + refundAmount
	legs := []Leg{{
		AccountID:      payerID,
		Amount:         refundAmount,
		HeldDelta:      -total,
		Reason:         ReasonDisputeSplit,
		EscrowID:       escrowID,
		IdempotencyKey: escrowID + ":split",
	}}
	if releaseAmount > 0 {
		legs = append(legs, Leg{
			AccountID: payeeID,
			Amount:    releaseAmount,
			Reason:    ReasonDisputeSplit,
			EscrowID:  escrowID,
		})
	}
	_, err := s.apply(ctx, legs)
	return err
}

func (s *Service) apply(ctx context.Context, legs []Leg) ([]*Posting, error) {
	postings, err := s.store.ApplyTransaction(ctx, idgen.WithPrefix("txn_"), legs)
	if err != nil {
		return nil, err
	}
	for _, p := range postings {
		metrics.PostingsTotal.WithLabelValues(p.Reason).Inc()
	}
	return postings, nil
}
