package booking

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nexusmarket/nexus/internal/escrow"
	"github.com/nexusmarket/nexus/internal/ledger"
)

const (
	testCustomer = "acct_aaaaaaaaaaaaaaaaaaaaaaaa"
	testProvider = "acct_bbbbbbbbbbbbbbbbbbbbbbbb"
)

// mockEscrows implements EscrowService with controllable lock failures.
type mockEscrows struct {
	created map[string]*escrow.Escrow
	lockErr error
	locks   int
	cancels int
}

func newMockEscrows() *mockEscrows {
	return &mockEscrows{created: make(map[string]*escrow.Escrow)}
}

func (m *mockEscrows) Create(ctx context.Context, bookingID, payerID, providerID string, amount int64) (*escrow.Escrow, error) {
	esc := &escrow.Escrow{
		ID:         fmt.Sprintf("esc_%024d", len(m.created)+1),
		BookingID:  bookingID,
		PayerID:    payerID,
		ProviderID: providerID,
		Amount:     amount,
		State:      escrow.StateCreated,
	}
	m.created[esc.ID] = esc
	return esc, nil
}

func (m *mockEscrows) Lock(ctx context.Context, id, actor string) (*escrow.Escrow, error) {
	if m.lockErr != nil {
		return nil, m.lockErr
	}
	m.locks++
	esc := m.created[id]
	esc.State = escrow.StateLocked
	return esc, nil
}

func (m *mockEscrows) Cancel(ctx context.Context, id, actor, note string) (*escrow.Escrow, error) {
	m.cancels++
	esc, ok := m.created[id]
	if !ok {
		return nil, escrow.ErrEscrowNotFound
	}
	esc.State = escrow.StateCancelled
	return esc, nil
}

// mockRewards records award calls.
type mockRewards struct {
	awards map[string][3]int64 // escrowID -> amount, rating, repeat flag
}

func newMockRewards() *mockRewards {
	return &mockRewards{awards: make(map[string][3]int64)}
}

func (m *mockRewards) AwardEscrowRelease(ctx context.Context, escrowID, providerID string, amount int64, rating int, repeatClient bool) error {
	var repeat int64
	if repeatClient {
		repeat = 1
	}
	m.awards[escrowID] = [3]int64{amount, int64(rating), repeat}
	return nil
}

func newBooking(t *testing.T, svc *Service) *Booking {
	t.Helper()
	booking, err := svc.Create(context.Background(), testCustomer, testProvider, "deep cleaning", 15000, nil)
	if err != nil {
		t.Fatal(err)
	}
	return booking
}

func TestCreate(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockEscrows())
	booking := newBooking(t, svc)

	if booking.Status != StatusPending {
		t.Errorf("status = %s, want pending", booking.Status)
	}
	if booking.EscrowID != "" {
		t.Error("no escrow should exist before acceptance")
	}
}

func TestCreate_InvalidAmount(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockEscrows())
	if _, err := svc.Create(context.Background(), testCustomer, testProvider, "x", 0, nil); err != ErrInvalidAmount {
		t.Errorf("zero amount = %v, want ErrInvalidAmount", err)
	}
}

func TestCreate_SelfBookingRejected(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockEscrows())
	if _, err := svc.Create(context.Background(), testCustomer, testCustomer, "x", 100, nil); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("self booking = %v, want ErrUnauthorized", err)
	}
}

func TestAccept(t *testing.T) {
	escrows := newMockEscrows()
	svc := NewService(NewMemoryStore(), escrows)
	booking := newBooking(t, svc)

	accepted, err := svc.Accept(context.Background(), booking.ID, testProvider)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", accepted.Status)
	}
	if accepted.EscrowID == "" {
		t.Error("expected escrow to be attached")
	}
	if escrows.locks != 1 {
		t.Errorf("locks = %d, want 1", escrows.locks)
	}
}

func TestAccept_CustomerCannotAccept(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockEscrows())
	booking := newBooking(t, svc)

	if _, err := svc.Accept(context.Background(), booking.ID, testCustomer); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("customer accept = %v, want ErrUnauthorized", err)
	}
}

func TestAccept_InsufficientFundsLeavesPending(t *testing.T) {
	escrows := newMockEscrows()
	escrows.lockErr = ledger.ErrInsufficientFunds
	svc := NewService(NewMemoryStore(), escrows)
	booking := newBooking(t, svc)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, booking.ID, testProvider); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("accept = %v, want ErrInsufficientFunds", err)
	}

	got, _ := svc.Get(ctx, booking.ID)
	if got.Status != StatusPending {
		t.Errorf("status after failed lock = %s, want pending", got.Status)
	}

	// Customer tops up; the retry confirms and reuses the same escrow.
	escrows.lockErr = nil
	accepted, err := svc.Accept(ctx, booking.ID, testProvider)
	if err != nil {
		t.Fatalf("retry accept: %v", err)
	}
	if accepted.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", accepted.Status)
	}
	if accepted.EscrowID != got.EscrowID {
		t.Errorf("retry minted a new escrow: %s vs %s", accepted.EscrowID, got.EscrowID)
	}
	if len(escrows.created) != 1 {
		t.Errorf("created %d escrows, want 1", len(escrows.created))
	}
}

func TestAccept_Twice(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockEscrows())
	booking := newBooking(t, svc)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, booking.ID, testProvider); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Accept(ctx, booking.ID, testProvider); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("second accept = %v, want ErrInvalidStatus", err)
	}
}

// Two providers' clients racing the same accept must settle on exactly one
// escrow: the loser sees the booking already confirmed instead of locking
// the customer's funds a second time.
func TestAccept_ConcurrentMintsOneEscrow(t *testing.T) {
	escrows := newMockEscrows()
	svc := NewService(NewMemoryStore(), escrows)
	booking := newBooking(t, svc)
	ctx := context.Background()

	const racers = 2
	start := make(chan struct{})
	errs := make(chan error, racers)
	for i := 0; i < racers; i++ {
		go func() {
			<-start
			_, err := svc.Accept(ctx, booking.ID, testProvider)
			errs <- err
		}()
	}
	close(start)

	var ok, invalid int
	for i := 0; i < racers; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidStatus):
			invalid++
		default:
			t.Fatalf("accept: %v", err)
		}
	}
	if ok != 1 || invalid != 1 {
		t.Errorf("got %d confirms and %d rejections, want 1 and 1", ok, invalid)
	}
	if len(escrows.created) != 1 {
		t.Errorf("created %d escrows, want 1", len(escrows.created))
	}
	if escrows.locks != 1 {
		t.Errorf("locks = %d, want 1", escrows.locks)
	}
}

func TestCancel_PendingWithoutEscrow(t *testing.T) {
	escrows := newMockEscrows()
	svc := NewService(NewMemoryStore(), escrows)
	booking := newBooking(t, svc)

	cancelled, err := svc.Cancel(context.Background(), booking.ID, testCustomer, "changed plans")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if escrows.cancels != 0 {
		t.Error("no escrow existed, none should be cancelled")
	}
}

func TestCancel_ConfirmedRefundsEscrow(t *testing.T) {
	escrows := newMockEscrows()
	svc := NewService(NewMemoryStore(), escrows)
	booking := newBooking(t, svc)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, booking.ID, testProvider); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Cancel(ctx, booking.ID, testProvider, "unavailable"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if escrows.cancels != 1 {
		t.Errorf("escrow cancels = %d, want 1", escrows.cancels)
	}
}

func TestCancel_OutsiderRejected(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockEscrows())
	booking := newBooking(t, svc)

	if _, err := svc.Cancel(context.Background(), booking.ID, "acct_cccccccccccccccccccccccc", ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("outsider cancel = %v, want ErrUnauthorized", err)
	}
}

func TestRate(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockEscrows())
	booking := newBooking(t, svc)
	ctx := context.Background()

	// Pending bookings cannot be rated.
	if _, err := svc.Rate(ctx, booking.ID, testCustomer, 5); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("rate pending = %v, want ErrInvalidStatus", err)
	}

	if _, err := svc.Accept(ctx, booking.ID, testProvider); err != nil {
		t.Fatal(err)
	}
	rated, err := svc.Rate(ctx, booking.ID, testCustomer, 5)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rated.Rating != 5 {
		t.Errorf("rating = %d, want 5", rated.Rating)
	}

	if _, err := svc.Rate(ctx, booking.ID, testProvider, 5); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("provider self-rate = %v, want ErrUnauthorized", err)
	}
	if _, err := svc.Rate(ctx, booking.ID, testCustomer, 6); err != ErrInvalidRating {
		t.Errorf("rating 6 = %v, want ErrInvalidRating", err)
	}
}

func TestOnEscrowReleased_CompletesAndAwards(t *testing.T) {
	escrows := newMockEscrows()
	rewards := newMockRewards()
	svc := NewService(NewMemoryStore(), escrows).WithRewards(rewards)
	booking := newBooking(t, svc)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, booking.ID, testProvider); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Rate(ctx, booking.ID, testCustomer, 5); err != nil {
		t.Fatal(err)
	}

	confirmed, _ := svc.Get(ctx, booking.ID)
	esc := escrows.created[confirmed.EscrowID]
	svc.OnEscrowReleased(ctx, esc, esc.Amount)

	completed, _ := svc.Get(ctx, booking.ID)
	if completed.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", completed.Status)
	}
	if completed.CompletedAt == nil {
		t.Error("expected completedAt to be set")
	}

	award := rewards.awards[esc.ID]
	if award[0] != 15000 || award[1] != 5 || award[2] != 0 {
		t.Errorf("award = %v, want {15000, 5, 0}", award)
	}
}

func TestOnEscrowReleased_RepeatClient(t *testing.T) {
	escrows := newMockEscrows()
	rewards := newMockRewards()
	svc := NewService(NewMemoryStore(), escrows).WithRewards(rewards)
	ctx := context.Background()

	complete := func() string {
		booking := newBooking(t, svc)
		if _, err := svc.Accept(ctx, booking.ID, testProvider); err != nil {
			t.Fatal(err)
		}
		confirmed, _ := svc.Get(ctx, booking.ID)
		esc := escrows.created[confirmed.EscrowID]
		svc.OnEscrowReleased(ctx, esc, esc.Amount)
		return confirmed.EscrowID
	}

	first := complete()
	second := complete()

	if rewards.awards[first][2] != 0 {
		t.Error("first booking must not carry the repeat-client flag")
	}
	if rewards.awards[second][2] != 1 {
		t.Error("second completed booking with the same pair is a repeat client")
	}
}

func TestOnEscrowReleased_SplitStillCompletes(t *testing.T) {
	escrows := newMockEscrows()
	rewards := newMockRewards()
	svc := NewService(NewMemoryStore(), escrows).WithRewards(rewards)
	booking := newBooking(t, svc)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, booking.ID, testProvider); err != nil {
		t.Fatal(err)
	}
	confirmed, _ := svc.Get(ctx, booking.ID)
	esc := escrows.created[confirmed.EscrowID]

	// A split settlement releases only part of the amount.
	svc.OnEscrowReleased(ctx, esc, 7500)

	completed, _ := svc.Get(ctx, booking.ID)
	if completed.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", completed.Status)
	}
	if rewards.awards[esc.ID][0] != 7500 {
		t.Errorf("award amount = %d, want the released portion 7500", rewards.awards[esc.ID][0])
	}
}

func TestListByUser(t *testing.T) {
	svc := NewService(NewMemoryStore(), newMockEscrows())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		newBooking(t, svc)
		time.Sleep(time.Millisecond)
	}

	bookings, err := svc.ListByUser(ctx, testProvider, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(bookings) != 2 {
		t.Fatalf("got %d bookings, want 2", len(bookings))
	}
	if bookings[0].CreatedAt.Before(bookings[1].CreatedAt) {
		t.Error("bookings must be newest first")
	}
}

func TestReleaseThroughEscrowService(t *testing.T) {
	// End to end through the real escrow state machine: accept locks,
	// deliver, release fires the hook, the booking completes.
	bookings := NewService(NewMemoryStore(), nil)
	rewards := newMockRewards()
	bookings.WithRewards(rewards)

	escrows := escrow.NewService(escrow.NewMemoryStore(), releasingLedger{}).WithReleaseHook(bookings)
	bookings.escrows = escrows
	ctx := context.Background()

	booking := newBooking(t, bookings)
	if _, err := bookings.Accept(ctx, booking.ID, testProvider); err != nil {
		t.Fatal(err)
	}
	confirmed, _ := bookings.Get(ctx, booking.ID)

	if _, err := escrows.MarkDelivered(ctx, confirmed.EscrowID, testProvider); err != nil {
		t.Fatal(err)
	}
	if _, err := escrows.Release(ctx, confirmed.EscrowID, testCustomer); err != nil {
		t.Fatal(err)
	}

	completed, _ := bookings.Get(ctx, booking.ID)
	if completed.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", completed.Status)
	}
	if rewards.awards[confirmed.EscrowID][0] != 15000 {
		t.Errorf("award = %v, want full amount", rewards.awards[confirmed.EscrowID])
	}
}

// releasingLedger is a no-op ledger for the end-to-end hook test.
type releasingLedger struct{}

func (releasingLedger) EscrowLock(ctx context.Context, payerID string, amount int64, escrowID string) error {
	return nil
}

func (releasingLedger) ReleaseEscrow(ctx context.Context, payerID, payeeID string, amount int64, escrowID string) error {
	return nil
}

func (releasingLedger) RefundEscrow(ctx context.Context, payerID string, amount int64, escrowID string) error {
	return nil
}

func (releasingLedger) SplitSettle(ctx context.Context, payerID, payeeID string, releaseAmount, refundAmount int64, escrowID string) error {
	return nil
}
