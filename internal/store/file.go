package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/olympimarket/groundstation/internal/model"
)

// File names inside the state directory.
const (
	raceFile    = "race_state.json"
	ledgerFile  = "bets.json"
	anchorsFile = "anchors.json"
)

// FileStore implements Store with JSON documents in one directory. Each
// document is written to a temporary file and renamed into place, so a crash
// mid-write leaves the previous version readable.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed and returns a store rooted
// there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) LoadRace(_ context.Context) (model.RaceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var state model.RaceState
	if err := s.readJSON(raceFile, &state); err != nil {
		return model.RaceState{}, err
	}
	if state.Log == nil {
		state.Log = []model.RaceEvent{}
	}
	return state, nil
}

func (s *FileStore) SaveRace(_ context.Context, state model.RaceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(raceFile, state)
}

// ledgerDoc keeps the participant map layout of the original bets file.
type ledgerDoc map[string]model.Participant

func (s *FileStore) LoadLedger(_ context.Context) ([]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc ledgerDoc
	if err := s.readJSON(ledgerFile, &doc); err != nil {
		return nil, err
	}
	out := make([]model.Participant, 0, len(doc))
	for id, p := range doc {
		p.ID = id
		if p.Positions == nil {
			p.Positions = []model.Position{}
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *FileStore) SaveLedger(_ context.Context, participants []model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := make(ledgerDoc, len(participants))
	for _, p := range participants {
		doc[p.ID] = p
	}
	return s.writeJSON(ledgerFile, doc)
}

func (s *FileStore) SaveAnchor(_ context.Context, rec model.AnchorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.readAnchors()
	if err != nil {
		return err
	}
	replaced := false
	for i := range recs {
		if recs[i].Commitment.Digest == rec.Commitment.Digest {
			recs[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		recs = append(recs, rec)
	}
	return s.writeJSON(anchorsFile, recs)
}

func (s *FileStore) ListAnchors(_ context.Context) ([]model.AnchorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs, err := s.readAnchors()
	if err != nil {
		return nil, err
	}
	sortAnchors(recs)
	return recs, nil
}

func (s *FileStore) readAnchors() ([]model.AnchorRecord, error) {
	var recs []model.AnchorRecord
	err := s.readJSON(anchorsFile, &recs)
	if errors.Is(err, ErrNotFound) {
		return []model.AnchorRecord{}, nil
	}
	return recs, err
}

// readJSON decodes name into v. A missing file is ErrNotFound; a corrupt
// one is an error, never a silent default.
func (s *FileStore) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
