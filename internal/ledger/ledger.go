// Package ledger implements the pari-mutuel market: participant balances,
// open positions, live odds from pooled stakes, and settlement.
//
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/olympimarket/groundstation/internal/model"
)

// DefaultStartingBalance is credited to every participant on creation.
var DefaultStartingBalance = decimal.NewFromInt(1000)

// payoutPlaces is the precision payouts are truncated to. Truncation means
// settlement can only leave dust in the pool, never create value.
const payoutPlaces = 8

var (
	// ErrInvalidAmount is returned for a stake that is zero or negative.
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrInsufficientBalance is returned when the stake exceeds the balance.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidOutcome is returned for anything other than SUCCESS or FAIL.
	ErrInvalidOutcome = errors.New("ledger: invalid outcome")
)

var (
	hundred = decimal.NewFromInt(100)
	half    = decimal.NewFromInt(50)
)

// Ledger holds every participant. A single RWMutex guards all of them: the
// check-then-debit in PlaceWager runs under the write lock, and market reads
// take the read lock.
type Ledger struct {
	mu           sync.RWMutex
	participants map[string]*model.Participant
	starting     decimal.Decimal
	now          func() time.Time
}

// New creates an empty ledger. A non-positive startingBalance falls back to
// DefaultStartingBalance.
func New(startingBalance decimal.Decimal) *Ledger {
	if !startingBalance.IsPositive() {
		startingBalance = DefaultStartingBalance
	}
	return &Ledger{
		participants: make(map[string]*model.Participant),
		starting:     startingBalance,
		now:          time.Now,
	}
}

// StartingBalance returns the balance new participants receive.
func (l *Ledger) StartingBalance() decimal.Decimal {
	return l.starting
}

// GetOrCreate returns a copy of the participant, creating it on first use.
func (l *Ledger) GetOrCreate(id string) model.Participant {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getOrCreateLocked(id).Clone()
}

func (l *Ledger) getOrCreateLocked(id string) *model.Participant {
	p, ok := l.participants[id]
	if !ok {
		p = &model.Participant{
			ID:        id,
			Balance:   l.starting,
			Positions: []model.Position{},
		}
		l.participants[id] = p
	}
	return p
}

// Participant returns a copy of an existing participant without creating one.
func (l *Ledger) Participant(id string) (model.Participant, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.participants[id]
	if !ok {
		return model.Participant{}, false
	}
	return p.Clone(), true
}

// PlaceWager debits stake from the participant and opens a position on
// outcome. Nothing changes when it returns an error.
func (l *Ledger) PlaceWager(id string, outcome model.Outcome, stake decimal.Decimal) (model.Position, error) {
	if !outcome.Valid() {
		return model.Position{}, ErrInvalidOutcome
	}
	if !stake.IsPositive() {
		return model.Position{}, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.getOrCreateLocked(id)
	if stake.GreaterThan(p.Balance) {
		return model.Position{}, ErrInsufficientBalance
	}

	pos := model.Position{
		ID:       uuid.New().String(),
		Outcome:  outcome,
		Stake:    stake,
		OpenedAt: l.now().UTC(),
		Status:   model.PositionOpen,
		Payout:   decimal.Zero,
	}
	p.Balance = p.Balance.Sub(stake)
	p.Positions = append(p.Positions, pos)
	return pos, nil
}

// ComputeMarket aggregates every OPEN position into pools and odds. With an
// empty pool both sides are quoted at 50%.
func (l *Ledger) ComputeMarket() model.MarketSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	success, fail := l.poolsLocked()
	return snapshot(success, fail, len(l.participants))
}

func (l *Ledger) poolsLocked() (success, fail decimal.Decimal) {
	success, fail = decimal.Zero, decimal.Zero
	for _, p := range l.participants {
		for _, pos := range p.Positions {
			if pos.Status != model.PositionOpen {
				continue
			}
			if pos.Outcome == model.OutcomeSuccess {
				success = success.Add(pos.Stake)
			} else {
				fail = fail.Add(pos.Stake)
			}
		}
	}
	return success, fail
}

func snapshot(success, fail decimal.Decimal, participants int) model.MarketSnapshot {
	total := success.Add(fail)
	s := model.MarketSnapshot{
		SuccessPool:  success,
		FailPool:     fail,
		TotalPool:    total,
		SuccessOdds:  half,
		FailOdds:     half,
		Participants: participants,
	}
	if total.IsPositive() {
		s.SuccessOdds = success.Div(total).Mul(hundred).Round(1)
		s.FailOdds = fail.Div(total).Mul(hundred).Round(1)
	}
	return s
}

// Settle closes every OPEN position against outcome. Winners are credited
// stake * total / winning; when nobody backed the outcome there is no
// payout. Positions that are already settled are skipped, so calling Settle
// again is a no-op.
func (l *Ledger) Settle(outcome model.Outcome) model.Settlement {
	l.mu.Lock()
	defer l.mu.Unlock()

	success, fail := l.poolsLocked()
	total := success.Add(fail)
	winning := fail
	if outcome == model.OutcomeSuccess {
		winning = success
	}

	result := model.Settlement{
		Outcome:     outcome,
		TotalPool:   total,
		WinningPool: winning,
		PaidOut:     decimal.Zero,
	}

	for _, p := range l.participants {
		for i := range p.Positions {
			pos := &p.Positions[i]
			if pos.Status != model.PositionOpen {
				continue
			}
			result.Settled++
			if pos.Outcome != outcome {
				pos.Status = model.PositionLost
				result.Lost++
				continue
			}
			pos.Status = model.PositionWon
			result.Won++
			if winning.IsPositive() {
				payout := pos.Stake.Mul(total).Div(winning).Truncate(payoutPlaces)
				pos.Payout = payout
				p.Balance = p.Balance.Add(payout)
				result.PaidOut = result.PaidOut.Add(payout)
			}
		}
	}
	return result
}

// Participants returns copies of every participant ordered by ID.
func (l *Ledger) Participants() []model.Participant {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]model.Participant, 0, len(l.participants))
	for _, p := range l.participants {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the ledger contents with persisted participants.
func (l *Ledger) Restore(participants []model.Participant) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.participants = make(map[string]*model.Participant, len(participants))
	for _, p := range participants {
		c := p.Clone()
		l.participants[c.ID] = &c
	}
}
