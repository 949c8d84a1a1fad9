package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexusmarket/nexus/internal/idgen"
	"github.com/nexusmarket/nexus/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	balances map[string]*Balance
	postings []*Posting
	// byIdemKey maps "accountID|key" to the posting that first used the key.
	byIdemKey map[string]*Posting
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*Account),
		balances:  make(map[string]*Balance),
		byIdemKey: make(map[string]*Posting),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.accounts[account.ID]; exists {
		return ErrDuplicateAccount
	}
	cp := *account
	m.accounts[account.ID] = &cp
	m.balances[account.ID] = &Balance{AccountID: account.ID, UpdatedAt: account.CreatedAt}
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (m *MemoryStore) ArchiveAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	account.Archived = true
	return nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, accountID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bal, ok := m.balances[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, accountID string, limit int, cursor *pagination.Cursor) ([]*Posting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.accounts[accountID]; !ok {
		return nil, ErrAccountNotFound
	}

	var out []*Posting
	for i := len(m.postings) - 1; i >= 0 && len(out) < limit; i-- {
		p := m.postings[i]
		if p.AccountID != accountID {
			continue
		}
		if cursor != nil && !beforeCursor(p, cursor) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// beforeCursor reports whether p sorts strictly after the cursor position
// in (created_at DESC, id DESC) order.
func beforeCursor(p *Posting, c *pagination.Cursor) bool {
	if p.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return p.CreatedAt.Equal(c.CreatedAt) && p.ID < c.ID
}

// ApplyTransaction applies all legs atomically under the store lock.
// The single write lock serializes every balance mutation, so concurrent
// multi-leg transactions can never interleave.
func (m *MemoryStore) ApplyTransaction(ctx context.Context, txnID string, legs []Leg) ([]*Posting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Idempotent replay: if any leg's key was already used, return the
	// original transaction's postings untouched.
	for _, leg := range legs {
		if leg.IdempotencyKey == "" {
			continue
		}
		if prior, ok := m.byIdemKey[leg.AccountID+"|"+leg.IdempotencyKey]; ok {
			return m.postingsForTxn(prior.TxnID), nil
		}
	}

	// Validate every leg before touching any balance. Deltas accumulate
	// per account so that two legs against the same account cannot
	// jointly overdraw what each would individually clear.
	availDelta := make(map[string]int64)
	heldDelta := make(map[string]int64)
	for _, leg := range legs {
		account, ok := m.accounts[leg.AccountID]
		if !ok {
			return nil, ErrAccountNotFound
		}
		if account.Archived && (leg.Amount < 0 || leg.HeldDelta > 0) {
			return nil, ErrAccountArchived
		}
		bal := m.balances[leg.AccountID]
		availDelta[leg.AccountID] += leg.Amount
		heldDelta[leg.AccountID] += leg.HeldDelta
		if bal.Available+availDelta[leg.AccountID] < 0 {
			return nil, ErrInsufficientFunds
		}
		if bal.Held+heldDelta[leg.AccountID] < 0 {
			return nil, ErrInsufficientFunds
		}
	}

	now := time.Now().UTC()
	out := make([]*Posting, 0, len(legs))
	for _, leg := range legs {
		bal := m.balances[leg.AccountID]
		bal.Available += leg.Amount
		bal.Held += leg.HeldDelta
		bal.UpdatedAt = now

		posting := &Posting{
			ID:             idgen.WithPrefix("post_"),
			TxnID:          txnID,
			AccountID:      leg.AccountID,
			Amount:         leg.Amount,
			HeldDelta:      leg.HeldDelta,
			Reason:         leg.Reason,
			EscrowID:       leg.EscrowID,
			IdempotencyKey: leg.IdempotencyKey,
			CreatedAt:      now,
		}
		m.postings = append(m.postings, posting)
		if leg.IdempotencyKey != "" {
			m.byIdemKey[leg.AccountID+"|"+leg.IdempotencyKey] = posting
		}

		cp := *posting
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) FindByIdempotencyKey(ctx context.Context, accountID, key string) (*Posting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	posting, ok := m.byIdemKey[accountID+"|"+key]
	if !ok {
		return nil, ErrPostingNotFound
	}
	cp := *posting
	return &cp, nil
}

func (m *MemoryStore) SumPostings(ctx context.Context) (map[string]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sums := make(map[string]*Balance)
	for _, p := range m.postings {
		sum := sums[p.AccountID]
		if sum == nil {
			sum = &Balance{AccountID: p.AccountID}
			sums[p.AccountID] = sum
		}
		sum.Available += p.Amount
		sum.Held += p.HeldDelta
	}
	return sums, nil
}

func (m *MemoryStore) ListBalances(ctx context.Context) ([]*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Balance, 0, len(m.balances))
	for _, bal := range m.balances {
		cp := *bal
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AccountID < out[j].AccountID
	})
	return out, nil
}

func (m *MemoryStore) postingsForTxn(txnID string) []*Posting {
	var out []*Posting
	for _, p := range m.postings {
		if p.TxnID == txnID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}
