// Package model defines the core domain types shared across the ground station.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ── Race ─────────────────────────────────────────────

// EventKind classifies an entry in the race event log.
type EventKind string

const (
	KindTelemetry  EventKind = "TELEMETRY"
	KindObstacle   EventKind = "OBSTACLE"
	KindCheckpoint EventKind = "CHECKPOINT"
	KindScoreDelta EventKind = "SCORE_DELTA"
	KindFinish     EventKind = "FINISH"
)

// RaceEvent is one immutable entry of the race log. Value is an integer so
// the canonical form used for digesting has no floating-point ambiguity.
type RaceEvent struct {
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	Value     int64     `json:"value"`
	Timestamp uint64    `json:"timestamp"` // device milliseconds
}

// Phase is the race lifecycle phase.
type Phase string

const (
	PhaseOffline  Phase = "OFFLINE"
	PhaseWaiting  Phase = "WAITING"
	PhaseRacing   Phase = "RACING"
	PhaseFinished Phase = "FINISHED"
)

// RaceState is the authoritative race record owned by the race state machine.
type RaceState struct {
	Phase       Phase       `json:"status"`
	ElapsedTime float64     `json:"time"` // seconds
	Score       int64       `json:"score"`
	Log         []RaceEvent `json:"log"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// NewRaceState returns the state of a process that has not yet seen a device.
func NewRaceState() RaceState {
	return RaceState{Phase: PhaseOffline, Log: []RaceEvent{}}
}

// Clone returns a deep copy; the log slice is not shared.
func (s RaceState) Clone() RaceState {
	out := s
	out.Log = make([]RaceEvent, len(s.Log))
	copy(out.Log, s.Log)
	return out
}

// Status returns the log-free view of the state.
func (s RaceState) Status() RaceStatus {
	return RaceStatus{
		Phase:       s.Phase,
		ElapsedTime: s.ElapsedTime,
		Score:       s.Score,
		EventCount:  len(s.Log),
	}
}

// RaceStatus is what the presentation layer sees of the race.
type RaceStatus struct {
	Phase       Phase   `json:"status"`
	ElapsedTime float64 `json:"time"`
	Score       int64   `json:"score"`
	EventCount  int     `json:"event_count"`
}

// ── Commitments ──────────────────────────────────────

// Digest is a 32-byte SHA-256 hash. Its text form is lower-case hex.
type Digest [32]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("digest: %w", err)
	}
	if len(b) != len(d) {
		return fmt.Errorf("digest: want %d bytes, got %d", len(d), len(b))
	}
	copy(d[:], b)
	return nil
}

// ParseDigest decodes a hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	err := d.UnmarshalText([]byte(s))
	return d, err
}

// LogCommitment is the fixed-size summary of one finished race log.
type LogCommitment struct {
	EventCount     uint64 `json:"event_count"`
	ObstacleCount  uint64 `json:"obstacle_count"`
	FinalScore     int64  `json:"final_score"`
	FinalTimestamp uint64 `json:"final_timestamp"`
	Digest         Digest `json:"digest"`
}

// AnchorStatus records how an anchor submission ended.
type AnchorStatus string

const (
	AnchorSubmitted AnchorStatus = "SUBMITTED"
	AnchorFailed    AnchorStatus = "FAILED"
)

// AnchorRecord is the persisted outcome of anchoring one commitment.
type AnchorRecord struct {
	Commitment LogCommitment `json:"commitment"`
	TxRef      string        `json:"tx_ref,omitempty"`
	Status     AnchorStatus  `json:"status"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ── Market ───────────────────────────────────────────

// Outcome is one side of the binary race market.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFail    Outcome = "FAIL"
)

// Valid reports whether o is one of the two market outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeFail
}

// PositionStatus is the settlement state of a position.
type PositionStatus string

const (
	PositionOpen PositionStatus = "OPEN"
	PositionWon  PositionStatus = "WON"
	PositionLost PositionStatus = "LOST"
)

// Position is a single wager. Only settlement changes it after creation.
type Position struct {
	ID       string          `json:"id"`
	Outcome  Outcome         `json:"position"`
	Stake    decimal.Decimal `json:"amount"`
	OpenedAt time.Time       `json:"timestamp"`
	Status   PositionStatus  `json:"status"`
	Payout   decimal.Decimal `json:"payout"`
}

// Participant is a wagering account, created lazily on first use.
type Participant struct {
	ID        string          `json:"id"`
	Balance   decimal.Decimal `json:"balance"`
	Positions []Position      `json:"positions"`
}

// Clone returns a deep copy; the positions slice is not shared.
func (p Participant) Clone() Participant {
	out := p
	out.Positions = make([]Position, len(p.Positions))
	copy(out.Positions, p.Positions)
	return out
}

// OpenStake sums the stakes of p's OPEN positions.
func (p Participant) OpenStake() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		if pos.Status == PositionOpen {
			total = total.Add(pos.Stake)
		}
	}
	return total
}

// MarketSnapshot is the pari-mutuel market derived from all OPEN positions.
// Odds are percentages rounded to one decimal place.
type MarketSnapshot struct {
	SuccessPool  decimal.Decimal `json:"success_volume"`
	FailPool     decimal.Decimal `json:"fail_volume"`
	TotalPool    decimal.Decimal `json:"total_volume"`
	SuccessOdds  decimal.Decimal `json:"success_odds"`
	FailOdds     decimal.Decimal `json:"fail_odds"`
	Participants int             `json:"participants"`
}

// Settlement summarises one settle pass.
type Settlement struct {
	Outcome     Outcome         `json:"outcome"`
	Settled     int             `json:"settled"`
	Won         int             `json:"won"`
	Lost        int             `json:"lost"`
	TotalPool   decimal.Decimal `json:"total_pool"`
	WinningPool decimal.Decimal `json:"winning_pool"`
	PaidOut     decimal.Decimal `json:"paid_out"`
}
