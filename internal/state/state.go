// Package state holds the read-mostly snapshot that the presentation layer
// sees: race status plus market odds. Only the race machine and the wager
// service write to it.
package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olympimarket/groundstation/internal/model"
)

// Snapshot is the externally visible view of the ground station.
type Snapshot struct {
	Phase       model.Phase          `json:"status"`
	ElapsedTime float64              `json:"time"`
	Score       int64                `json:"score"`
	EventCount  int                  `json:"event_count"`
	Market      model.MarketSnapshot `json:"market"`
	UpdatedAt   time.Time            `json:"timestamp"`
}

// Store keeps the latest snapshot. Each publish overwrites its half of the
// snapshot; there is no history.
type Store struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

// New creates a store reporting an OFFLINE race and an empty 50/50 market.
func New() *Store {
	fifty := decimal.NewFromInt(50)
	return &Store{
		snap: Snapshot{
			Phase: model.PhaseOffline,
			Market: model.MarketSnapshot{
				SuccessPool: decimal.Zero,
				FailPool:    decimal.Zero,
				TotalPool:   decimal.Zero,
				SuccessOdds: fifty,
				FailOdds:    fifty,
			},
		},
		now: time.Now,
	}
}

// PublishRace records the latest race status.
func (s *Store) PublishRace(st model.RaceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Phase = st.Phase
	s.snap.ElapsedTime = st.ElapsedTime
	s.snap.Score = st.Score
	s.snap.EventCount = st.EventCount
	s.snap.UpdatedAt = s.now().UTC()
}

// PublishMarket records the latest market snapshot.
func (s *Store) PublishMarket(m model.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Market = m
	s.snap.UpdatedAt = s.now().UTC()
}

// Snapshot returns the current view by value.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
