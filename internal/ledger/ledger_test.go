package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/nexusmarket/nexus/internal/idgen"
	"github.com/nexusmarket/nexus/internal/pagination"
)

func newTestService(t *testing.T) (*Service, *Account, *Account) {
	t.Helper()
	svc := New(NewMemoryStore())
	ctx := context.Background()

	payer, err := svc.CreateAccount(ctx, "Ada", RolePayer)
	if err != nil {
		t.Fatalf("create payer: %v", err)
	}
	provider, err := svc.CreateAccount(ctx, "Bolu", RoleProvider)
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	return svc, payer, provider
}

func mustBalance(t *testing.T, svc *Service, accountID string) *Balance {
	t.Helper()
	bal, err := svc.GetBalance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return bal
}

func TestCreateAccount_InvalidRole(t *testing.T) {
	svc := New(NewMemoryStore())
	if _, err := svc.CreateAccount(context.Background(), "X", "admin"); err == nil {
		t.Fatal("expected error for invalid role")
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	svc, payer, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, payer.ID, 10000, "dep-1"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if bal := mustBalance(t, svc, payer.ID); bal.Available != 10000 {
		t.Errorf("available = %d, want 10000", bal.Available)
	}

	if _, err := svc.Withdraw(ctx, payer.ID, 4000, "wd-1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if bal := mustBalance(t, svc, payer.ID); bal.Available != 6000 {
		t.Errorf("available = %d, want 6000", bal.Available)
	}
}

func TestDeposit_InvalidAmount(t *testing.T) {
	svc, payer, _ := newTestService(t)
	for _, amount := range []int64{0, -100} {
		if _, err := svc.Deposit(context.Background(), payer.ID, amount, ""); err != ErrInvalidAmount {
			t.Errorf("Deposit(%d) = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestWithdraw_InsufficientFunds(t *testing.T) {
	svc, payer, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, payer.ID, 1000, ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := svc.Withdraw(ctx, payer.ID, 1001, ""); err != ErrInsufficientFunds {
		t.Fatalf("withdraw = %v, want ErrInsufficientFunds", err)
	}
	// Failed withdrawal must not change the balance.
	if bal := mustBalance(t, svc, payer.ID); bal.Available != 1000 {
		t.Errorf("available = %d, want 1000", bal.Available)
	}
}

// Legs that each clear the starting balance must still be rejected when
// they jointly overdraw the same account, matching the guarded per-row
// updates of the SQL store.
func TestApplyTransaction_CumulativeOverdraw(t *testing.T) {
	store := NewMemoryStore()
	svc := New(store)
	ctx := context.Background()

	payer, err := svc.CreateAccount(ctx, "Ada", RolePayer)
	if err != nil {
		t.Fatalf("create payer: %v", err)
	}
	if _, err := svc.Deposit(ctx, payer.ID, 6000, ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	legs := []Leg{
		{AccountID: payer.ID, Amount: -4000, Reason: ReasonWithdrawal},
		{AccountID: payer.ID, Amount: -4000, Reason: ReasonWithdrawal},
	}
	if _, err := store.ApplyTransaction(ctx, idgen.WithPrefix("txn_"), legs); err != ErrInsufficientFunds {
		t.Fatalf("apply = %v, want ErrInsufficientFunds", err)
	}
	// The rejected transaction must leave no partial postings behind.
	if bal := mustBalance(t, svc, payer.ID); bal.Available != 6000 {
		t.Errorf("available = %d, want 6000", bal.Available)
	}
}

func TestDeposit_IdempotentReplay(t *testing.T) {
	svc, payer, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Deposit(ctx, payer.ID, 5000, "dep-key")
	if err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	second, err := svc.Deposit(ctx, payer.ID, 5000, "dep-key")
	if err != nil {
		t.Fatalf("replayed deposit: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("replay returned different posting: %s vs %s", second.ID, first.ID)
	}
	if bal := mustBalance(t, svc, payer.ID); bal.Available != 5000 {
		t.Errorf("available = %d, want 5000 after replay", bal.Available)
	}
}

func TestEscrowLock(t *testing.T) {
	svc, payer, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, payer.ID, 10000, ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 6000, "esc_aaaaaaaaaaaaaaaaaaaaaaaa"); err != nil {
		t.Fatalf("lock: %v", err)
	}

	bal := mustBalance(t, svc, payer.ID)
	if bal.Available != 4000 || bal.Held != 6000 {
		t.Errorf("balance = {%d, %d}, want {4000, 6000}", bal.Available, bal.Held)
	}
}

func TestEscrowLock_InsufficientFunds(t *testing.T) {
	svc, payer, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, payer.ID, 5000, ""); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 5001, "esc_bbbbbbbbbbbbbbbbbbbbbbbb"); err != ErrInsufficientFunds {
		t.Fatalf("lock = %v, want ErrInsufficientFunds", err)
	}

	bal := mustBalance(t, svc, payer.ID)
	if bal.Available != 5000 || bal.Held != 0 {
		t.Errorf("failed lock mutated balance: {%d, %d}", bal.Available, bal.Held)
	}
}

func TestReleaseEscrow(t *testing.T) {
	svc, payer, provider := newTestService(t)
	ctx := context.Background()
	const escrowID = "esc_cccccccccccccccccccccccc"

	if _, err := svc.Deposit(ctx, payer.ID, 10000, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 6000, escrowID); err != nil {
		t.Fatal(err)
	}
	if err := svc.ReleaseEscrow(ctx, payer.ID, provider.ID, 6000, escrowID); err != nil {
		t.Fatalf("release: %v", err)
	}

	payerBal := mustBalance(t, svc, payer.ID)
	if payerBal.Available != 4000 || payerBal.Held != 0 {
		t.Errorf("payer balance = {%d, %d}, want {4000, 0}", payerBal.Available, payerBal.Held)
	}
	providerBal := mustBalance(t, svc, provider.ID)
	if providerBal.Available != 6000 {
		t.Errorf("provider available = %d, want 6000", providerBal.Available)
	}
}

func TestReleaseEscrow_Idempotent(t *testing.T) {
	svc, payer, provider := newTestService(t)
	ctx := context.Background()
	const escrowID = "esc_dddddddddddddddddddddddd"

	if _, err := svc.Deposit(ctx, payer.ID, 10000, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 6000, escrowID); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := svc.ReleaseEscrow(ctx, payer.ID, provider.ID, 6000, escrowID); err != nil {
			t.Fatalf("release #%d: %v", i+1, err)
		}
	}

	if bal := mustBalance(t, svc, provider.ID); bal.Available != 6000 {
		t.Errorf("provider credited %d, want exactly 6000", bal.Available)
	}
}

func TestReleaseEscrow_ConcurrentSingleCredit(t *testing.T) {
	svc, payer, provider := newTestService(t)
	ctx := context.Background()
	const escrowID = "esc_eeeeeeeeeeeeeeeeeeeeeeee"

	if _, err := svc.Deposit(ctx, payer.ID, 10000, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 6000, escrowID); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = svc.ReleaseEscrow(ctx, payer.ID, provider.ID, 6000, escrowID)
		}()
	}
	wg.Wait()

	if bal := mustBalance(t, svc, provider.ID); bal.Available != 6000 {
		t.Errorf("provider credited %d under concurrency, want exactly 6000", bal.Available)
	}
	if bal := mustBalance(t, svc, payer.ID); bal.Held != 0 {
		t.Errorf("payer held = %d, want 0", bal.Held)
	}
}

func TestRefundEscrow(t *testing.T) {
	svc, payer, _ := newTestService(t)
	ctx := context.Background()
	const escrowID = "esc_ffffffffffffffffffffffff"

	if _, err := svc.Deposit(ctx, payer.ID, 10000, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 6000, escrowID); err != nil {
		t.Fatal(err)
	}
	if err := svc.RefundEscrow(ctx, payer.ID, 6000, escrowID); err != nil {
		t.Fatalf("refund: %v", err)
	}

	bal := mustBalance(t, svc, payer.ID)
	if bal.Available != 10000 || bal.Held != 0 {
		t.Errorf("balance = {%d, %d}, want {10000, 0}", bal.Available, bal.Held)
	}
}

func TestSplitSettle(t *testing.T) {
	svc, payer, provider := newTestService(t)
	ctx := context.Background()
	const escrowID = "esc_012345678901234567890123"

	if _, err := svc.Deposit(ctx, payer.ID, 10000, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 10000, escrowID); err != nil {
		t.Fatal(err)
	}
	if err := svc.SplitSettle(ctx, payer.ID, provider.ID, 5000, 5000, escrowID); err != nil {
		t.Fatalf("split: %v", err)
	}

	payerBal := mustBalance(t, svc, payer.ID)
	if payerBal.Available != 5000 || payerBal.Held != 0 {
		t.Errorf("payer balance = {%d, %d}, want {5000, 0}", payerBal.Available, payerBal.Held)
	}
	if bal := mustBalance(t, svc, provider.ID); bal.Available != 5000 {
		t.Errorf("provider available = %d, want 5000", bal.Available)
	}
}

func TestSplitSettle_ZeroRelease(t *testing.T) {
	svc, payer, provider := newTestService(t)
	ctx := context.Background()
	const escrowID = "esc_112345678901234567890123"

	if _, err := svc.Deposit(ctx, payer.ID, 7000, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 7000, escrowID); err != nil {
		t.Fatal(err)
	}
	// Ratio 0: everything refunds to the payer, provider gets no posting.
	if err := svc.SplitSettle(ctx, payer.ID, provider.ID, 0, 7000, escrowID); err != nil {
		t.Fatalf("split: %v", err)
	}

	if bal := mustBalance(t, svc, payer.ID); bal.Available != 7000 {
		t.Errorf("payer available = %d, want 7000", bal.Available)
	}
	if bal := mustBalance(t, svc, provider.ID); bal.Available != 0 {
		t.Errorf("provider available = %d, want 0", bal.Available)
	}
}

func TestArchivedAccount_RejectsDebitsAllowsCredits(t *testing.T) {
	svc, payer, provider := newTestService(t)
	ctx := context.Background()
	const escrowID = "esc_212345678901234567890123"

	if _, err := svc.Deposit(ctx, payer.ID, 10000, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 6000, escrowID); err != nil {
		t.Fatal(err)
	}

	if err := svc.ArchiveAccount(ctx, provider.ID); err != nil {
		t.Fatal(err)
	}

	// Archived providers can still receive an in-flight escrow.
	if err := svc.ReleaseEscrow(ctx, payer.ID, provider.ID, 6000, escrowID); err != nil {
		t.Fatalf("release to archived account: %v", err)
	}

	// But they cannot spend.
	if _, err := svc.Withdraw(ctx, provider.ID, 100, ""); err != ErrAccountArchived {
		t.Fatalf("withdraw from archived = %v, want ErrAccountArchived", err)
	}
}

func TestGetHistory(t *testing.T) {
	svc, payer, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Deposit(ctx, payer.ID, 1000, ""); err != nil {
			t.Fatal(err)
		}
	}

	postings, err := svc.GetHistory(ctx, payer.ID, 3, nil)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(postings) != 3 {
		t.Errorf("got %d postings, want 3", len(postings))
	}
	for _, p := range postings {
		if p.Reason != ReasonDeposit {
			t.Errorf("reason = %s, want deposit", p.Reason)
		}
	}
}

func TestGetHistory_UnknownAccount(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.GetHistory(context.Background(), "acct_missing", 10, nil); err != ErrAccountNotFound {
		t.Fatalf("history = %v, want ErrAccountNotFound", err)
	}
}

func TestGetHistory_CursorResumes(t *testing.T) {
	svc, payer, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Deposit(ctx, payer.ID, 1000, ""); err != nil {
			t.Fatal(err)
		}
	}

	first, err := svc.GetHistory(ctx, payer.ID, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("first page: got %d postings, want 2", len(first))
	}

	last := first[len(first)-1]
	rest, err := svc.GetHistory(ctx, payer.ID, 10, &pagination.Cursor{
		CreatedAt: last.CreatedAt,
		ID:        last.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 3 {
		t.Fatalf("second page: got %d postings, want 3", len(rest))
	}
	for _, p := range rest {
		if p.ID == first[0].ID || p.ID == first[1].ID {
			t.Errorf("posting %s repeated across pages", p.ID)
		}
	}
}

func TestReconcile_CleanLedger(t *testing.T) {
	svc, payer, provider := newTestService(t)
	ctx := context.Background()
	const escrowID = "esc_312345678901234567890123"

	if _, err := svc.Deposit(ctx, payer.ID, 10000, ""); err != nil {
		t.Fatal(err)
	}
	if err := svc.EscrowLock(ctx, payer.ID, 4000, escrowID); err != nil {
		t.Fatal(err)
	}
	if err := svc.ReleaseEscrow(ctx, payer.ID, provider.ID, 4000, escrowID); err != nil {
		t.Fatal(err)
	}

	result, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !result.Match {
		t.Errorf("expected clean ledger to match, drifts: %+v", result.Drifts)
	}
	if result.AccountsChecked != 2 {
		t.Errorf("checked %d accounts, want 2", result.AccountsChecked)
	}
	if result.TotalAvailable != 10000 {
		t.Errorf("total available = %d, want 10000", result.TotalAvailable)
	}
	if result.TotalHeld != 0 {
		t.Errorf("total held = %d, want 0", result.TotalHeld)
	}
}

func TestConcurrentDeposits(t *testing.T) {
	svc, payer, _ := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Deposit(ctx, payer.ID, 100, ""); err != nil {
				t.Errorf("deposit: %v", err)
			}
		}()
	}
	wg.Wait()

	if bal := mustBalance(t, svc, payer.ID); bal.Available != 5000 {
		t.Errorf("available = %d, want 5000", bal.Available)
	}

	result, err := svc.Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Match {
		t.Errorf("ledger drifted under concurrency: %+v", result.Drifts)
	}
}
