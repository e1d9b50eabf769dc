package store

import (
	"context"
	"sort"
	"sync"

	"github.com/olympimarket/groundstation/internal/model"
)

// MemoryStore implements Store with in-memory values. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	race    *model.RaceState
	ledger  []model.Participant
	saved   bool
	anchors map[model.Digest]model.AnchorRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		anchors: make(map[model.Digest]model.AnchorRecord),
	}
}

func (s *MemoryStore) LoadRace(_ context.Context) (model.RaceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.race == nil {
		return model.RaceState{}, ErrNotFound
	}
	return s.race.Clone(), nil
}

func (s *MemoryStore) SaveRace(_ context.Context, state model.RaceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	cp := state.Clone()
	s.race = &cp
	return nil
}

func (s *MemoryStore) LoadLedger(_ context.Context) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.saved {
		return nil, ErrNotFound
	}
	return cloneParticipants(s.ledger), nil
}

func (s *MemoryStore) SaveLedger(_ context.Context, participants []model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = cloneParticipants(participants)
	s.saved = true
	return nil
}

func (s *MemoryStore) SaveAnchor(_ context.Context, rec model.AnchorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.anchors[rec.Commitment.Digest] = rec
	return nil
}

func (s *MemoryStore) ListAnchors(_ context.Context) ([]model.AnchorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.AnchorRecord, 0, len(s.anchors))
	for _, rec := range s.anchors {
		out = append(out, rec)
	}
	sortAnchors(out)
	return out, nil
}

func cloneParticipants(in []model.Participant) []model.Participant {
	out := make([]model.Participant, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

// sortAnchors orders records newest first, breaking ties by digest.
func sortAnchors(recs []model.AnchorRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].Commitment.Digest.String() < recs[j].Commitment.Digest.String()
	})
}
