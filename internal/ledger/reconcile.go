package ledger

import (
	"context"
	"fmt"
)

// Drift is one account whose stored balance disagrees with its posting sum.
type Drift struct {
	AccountID       string `json:"accountId"`
	StoredAvailable int64  `json:"storedAvailable"`
	SummedAvailable int64  `json:"summedAvailable"`
	StoredHeld      int64  `json:"storedHeld"`
	SummedHeld      int64  `json:"summedHeld"`
}

// ReconcileResult holds the outcome of a ledger self-check.
type ReconcileResult struct {
	Match           bool    `json:"match"`
	AccountsChecked int     `json:"accountsChecked"`
	TotalAvailable  int64   `json:"totalAvailable"`
	TotalHeld       int64   `json:"totalHeld"`
	Drifts          []Drift `json:"drifts,omitempty"`
}

// Reconcile recomputes every account's balance from its postings and compares
// against the stored balances. Any disagreement is reported as drift; a clean
// ledger always matches because postings are the source of truth.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileResult, error) {
	summed, err := s.store.SumPostings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to sum postings: %w", err)
	}

	stored, err := s.store.ListBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list balances: %w", err)
	}

	result := &ReconcileResult{Match: true}
	seen := make(map[string]bool, len(stored))

	for _, bal := range stored {
		seen[bal.AccountID] = true
		result.AccountsChecked++
		result.TotalAvailable += bal.Available
		result.TotalHeld += bal.Held

		sum := summed[bal.AccountID]
		if sum == nil {
			sum = &Balance{AccountID: bal.AccountID}
		}
		if sum.Available != bal.Available || sum.Held != bal.Held {
			result.Match = false
			result.Drifts = append(result.Drifts, Drift{
				AccountID:       bal.AccountID,
				StoredAvailable: bal.Available,
				SummedAvailable: sum.Available,
				StoredHeld:      bal.Held,
				SummedHeld:      sum.Held,
			})
		}
	}

	// Postings for accounts with no stored balance row are drift too.
	for accountID, sum := range summed {
		if seen[accountID] {
			continue
		}
		result.Match = false
		result.Drifts = append(result.Drifts, Drift{
			AccountID:       accountID,
			SummedAvailable: sum.Available,
			SummedHeld:      sum.Held,
		})
	}

	return result, nil
}
