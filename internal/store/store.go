// Package store defines the persistence interface for the ground station.
// Implementations include PostgreSQL, JSON files on disk, and in-memory
// (for testing). Every save is all-or-nothing: a failed save leaves the
// previous state intact.
package store

import (
	"context"
	"errors"

	"github.com/olympimarket/groundstation/internal/model"
)

// ErrNotFound is returned by the Load methods when nothing has been saved
// yet. Callers decide explicitly whether that means "start from defaults".
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface.
type Store interface {
	// --- Race ---

	// LoadRace returns the last saved race state, or ErrNotFound.
	LoadRace(ctx context.Context) (model.RaceState, error)

	// SaveRace replaces the saved race state, log included.
	SaveRace(ctx context.Context, state model.RaceState) error

	// --- Ledger ---

	// LoadLedger returns every saved participant, or ErrNotFound.
	LoadLedger(ctx context.Context) ([]model.Participant, error)

	// SaveLedger writes the given participants and their positions.
	SaveLedger(ctx context.Context, participants []model.Participant) error

	// --- Anchors ---

	// SaveAnchor records the outcome of anchoring one commitment. Saving
	// the same digest again overwrites the earlier record.
	SaveAnchor(ctx context.Context, rec model.AnchorRecord) error

	// ListAnchors returns anchor records, newest first.
	ListAnchors(ctx context.Context) ([]model.AnchorRecord, error)
}
