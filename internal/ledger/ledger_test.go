package ledger

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/olympimarket/groundstation/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newLedger() *Ledger {
	return New(decimal.Zero)
}

// --- Participants ---

func TestGetOrCreate_StartingBalance(t *testing.T) {
	l := newLedger()
	p := l.GetOrCreate("alice")
	if !p.Balance.Equal(d(1000)) {
		t.Errorf("expected balance 1000, got %s", p.Balance)
	}
	if len(p.Positions) != 0 {
		t.Errorf("expected no positions, got %d", len(p.Positions))
	}
	if _, ok := l.Participant("bob"); ok {
		t.Error("Participant should not create accounts")
	}
}

func TestNew_CustomStartingBalance(t *testing.T) {
	l := New(d(250))
	if got := l.GetOrCreate("alice").Balance; !got.Equal(d(250)) {
		t.Errorf("expected balance 250, got %s", got)
	}
}

func TestGetOrCreate_ReturnsCopy(t *testing.T) {
	l := newLedger()
	l.PlaceWager("alice", model.OutcomeSuccess, d(10))
	p := l.GetOrCreate("alice")
	p.Balance = d(1_000_000)
	p.Positions[0].Stake = d(0)

	again, _ := l.Participant("alice")
	if !again.Balance.Equal(d(990)) || !again.Positions[0].Stake.Equal(d(10)) {
		t.Error("mutating a returned participant must not touch the ledger")
	}
}

// --- Wagers ---

func TestPlaceWager_DebitsBalance(t *testing.T) {
	l := newLedger()
	pos, err := l.PlaceWager("alice", model.OutcomeSuccess, d(300))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.ID == "" || pos.Status != model.PositionOpen || !pos.Stake.Equal(d(300)) {
		t.Errorf("unexpected position %+v", pos)
	}
	p, _ := l.Participant("alice")
	if !p.Balance.Equal(d(700)) {
		t.Errorf("expected balance 700, got %s", p.Balance)
	}
	if len(p.Positions) != 1 {
		t.Errorf("expected 1 position, got %d", len(p.Positions))
	}
}

func TestPlaceWager_InvalidAmount(t *testing.T) {
	l := newLedger()
	for _, stake := range []float64{0, -1, -0.01} {
		_, err := l.PlaceWager("alice", model.OutcomeSuccess, d(stake))
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("stake %v: expected ErrInvalidAmount, got %v", stake, err)
		}
	}
	p, ok := l.Participant("alice")
	if ok && !p.Balance.Equal(d(1000)) {
		t.Errorf("balance changed to %s", p.Balance)
	}
}

func TestPlaceWager_InsufficientBalance(t *testing.T) {
	l := newLedger()
	l.PlaceWager("alice", model.OutcomeFail, d(900))

	_, err := l.PlaceWager("alice", model.OutcomeSuccess, d(100.01))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	p, _ := l.Participant("alice")
	if !p.Balance.Equal(d(100)) || len(p.Positions) != 1 {
		t.Errorf("rejected wager mutated state: balance %s, %d positions", p.Balance, len(p.Positions))
	}

	// Exactly the remaining balance is allowed.
	if _, err := l.PlaceWager("alice", model.OutcomeSuccess, d(100)); err != nil {
		t.Errorf("staking the full balance should succeed: %v", err)
	}
}

func TestPlaceWager_InvalidOutcome(t *testing.T) {
	l := newLedger()
	_, err := l.PlaceWager("alice", model.Outcome("MAYBE"), d(10))
	if !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestPlaceWager_Concurrent(t *testing.T) {
	l := newLedger()

	const n = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := model.OutcomeSuccess
			if i%2 == 0 {
				outcome = model.OutcomeFail
			}
			_, err := l.PlaceWager("alice", outcome, d(100))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrInsufficientBalance):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if accepted != 10 || rejected != n-10 {
		t.Errorf("accepted %d rejected %d, want 10 and %d", accepted, rejected, n-10)
	}
	p, _ := l.Participant("alice")
	if !p.Balance.IsZero() {
		t.Errorf("expected balance 0, got %s", p.Balance)
	}
	assertNoValueCreated(t, l)
}

// assertNoValueCreated checks balance + open stakes never exceeds the
// starting balance before any settlement.
func assertNoValueCreated(t *testing.T, l *Ledger) {
	t.Helper()
	for _, p := range l.Participants() {
		if p.Balance.IsNegative() {
			t.Errorf("%s: negative balance %s", p.ID, p.Balance)
		}
		if total := p.Balance.Add(p.OpenStake()); total.GreaterThan(l.StartingBalance()) {
			t.Errorf("%s: balance + open stakes = %s exceeds %s", p.ID, total, l.StartingBalance())
		}
	}
}

// --- Market ---

func TestComputeMarket_EmptyIsFiftyFifty(t *testing.T) {
	m := newLedger().ComputeMarket()
	if !m.SuccessOdds.Equal(d(50)) || !m.FailOdds.Equal(d(50)) {
		t.Errorf("expected 50/50, got %s/%s", m.SuccessOdds, m.FailOdds)
	}
	if !m.TotalPool.IsZero() || m.Participants != 0 {
		t.Errorf("unexpected empty market %+v", m)
	}
}

func TestComputeMarket_Pools(t *testing.T) {
	l := newLedger()
	l.PlaceWager("alice", model.OutcomeSuccess, d(200))
	l.PlaceWager("bob", model.OutcomeFail, d(100))

	m := l.ComputeMarket()
	if !m.SuccessPool.Equal(d(200)) || !m.FailPool.Equal(d(100)) || !m.TotalPool.Equal(d(300)) {
		t.Errorf("unexpected pools %+v", m)
	}
	if !m.SuccessOdds.Equal(d(66.7)) || !m.FailOdds.Equal(d(33.3)) {
		t.Errorf("expected 66.7/33.3, got %s/%s", m.SuccessOdds, m.FailOdds)
	}
	if m.Participants != 2 {
		t.Errorf("participants = %d, want 2", m.Participants)
	}
}

func TestComputeMarket_IgnoresSettledPositions(t *testing.T) {
	l := newLedger()
	l.PlaceWager("alice", model.OutcomeSuccess, d(200))
	l.Settle(model.OutcomeSuccess)

	m := l.ComputeMarket()
	if !m.TotalPool.IsZero() {
		t.Errorf("settled stakes should leave the pool, total = %s", m.TotalPool)
	}
}

// --- Settlement ---

func TestSettle_EndToEnd(t *testing.T) {
	l := newLedger()
	l.PlaceWager("A", model.OutcomeSuccess, d(300))
	l.PlaceWager("B", model.OutcomeFail, d(100))

	res := l.Settle(model.OutcomeSuccess)

	a, _ := l.Participant("A")
	b, _ := l.Participant("B")
	if !a.Balance.Equal(d(1100)) {
		t.Errorf("A balance = %s, want 1100", a.Balance)
	}
	if a.Positions[0].Status != model.PositionWon || !a.Positions[0].Payout.Equal(d(400)) {
		t.Errorf("A position = %+v, want WON with payout 400", a.Positions[0])
	}
	if !b.Balance.Equal(d(900)) {
		t.Errorf("B balance = %s, want 900", b.Balance)
	}
	if b.Positions[0].Status != model.PositionLost {
		t.Errorf("B position status = %s, want LOST", b.Positions[0].Status)
	}
	if res.Settled != 2 || res.Won != 1 || res.Lost != 1 || !res.PaidOut.Equal(d(400)) {
		t.Errorf("unexpected settlement %+v", res)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	l := newLedger()
	l.PlaceWager("A", model.OutcomeSuccess, d(300))
	l.PlaceWager("B", model.OutcomeFail, d(100))

	l.Settle(model.OutcomeSuccess)
	once := l.Participants()
	res := l.Settle(model.OutcomeSuccess)
	twice := l.Participants()

	if res.Settled != 0 || !res.PaidOut.IsZero() {
		t.Errorf("second settle should do nothing, got %+v", res)
	}
	for i := range once {
		if !once[i].Balance.Equal(twice[i].Balance) {
			t.Errorf("%s: balance changed from %s to %s", once[i].ID, once[i].Balance, twice[i].Balance)
		}
	}
}

func TestSettle_NoWinners(t *testing.T) {
	l := newLedger()
	l.PlaceWager("A", model.OutcomeFail, d(300))
	l.PlaceWager("B", model.OutcomeFail, d(100))

	res := l.Settle(model.OutcomeSuccess)
	if res.Won != 0 || res.Lost != 2 || !res.PaidOut.IsZero() {
		t.Errorf("unexpected settlement %+v", res)
	}
	a, _ := l.Participant("A")
	if !a.Balance.Equal(d(700)) {
		t.Errorf("A balance = %s, want 700", a.Balance)
	}
}

func TestSettle_ProportionalSplit(t *testing.T) {
	l := newLedger()
	l.PlaceWager("A", model.OutcomeSuccess, d(100))
	l.PlaceWager("B", model.OutcomeSuccess, d(200))
	l.PlaceWager("C", model.OutcomeFail, d(100))

	res := l.Settle(model.OutcomeSuccess)

	a, _ := l.Participant("A")
	b, _ := l.Participant("B")
	// total 400, winning 300: A gets 133.33333333, B gets 266.66666666
	if !a.Positions[0].Payout.Equal(d(133.33333333)) {
		t.Errorf("A payout = %s", a.Positions[0].Payout)
	}
	if !b.Positions[0].Payout.Equal(d(266.66666666)) {
		t.Errorf("B payout = %s", b.Positions[0].Payout)
	}
	if res.PaidOut.GreaterThan(res.TotalPool) {
		t.Errorf("paid out %s more than the pool %s", res.PaidOut, res.TotalPool)
	}
}

func TestSettle_OnlyOpenPositionsOfNextRace(t *testing.T) {
	l := newLedger()
	l.PlaceWager("A", model.OutcomeSuccess, d(100))
	l.Settle(model.OutcomeSuccess)

	l.PlaceWager("A", model.OutcomeFail, d(50))
	l.PlaceWager("B", model.OutcomeSuccess, d(50))
	res := l.Settle(model.OutcomeFail)

	if res.Settled != 2 || !res.TotalPool.Equal(d(100)) {
		t.Errorf("second race should only settle its own positions: %+v", res)
	}
	a, _ := l.Participant("A")
	// 1000 - 100 + 100 (race 1, sole winner) - 50 + 100 (race 2)
	if !a.Balance.Equal(d(1050)) {
		t.Errorf("A balance = %s, want 1050", a.Balance)
	}
}

func TestRestore(t *testing.T) {
	l := newLedger()
	l.Restore([]model.Participant{
		{ID: "A", Balance: d(500), Positions: []model.Position{
			{ID: "p1", Outcome: model.OutcomeSuccess, Stake: d(500), Status: model.PositionOpen},
		}},
	})

	m := l.ComputeMarket()
	if !m.SuccessPool.Equal(d(500)) {
		t.Errorf("restored pool = %s, want 500", m.SuccessPool)
	}
	if _, err := l.PlaceWager("A", model.OutcomeFail, d(501)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("restored balance should be enforced, got %v", err)
	}
}
