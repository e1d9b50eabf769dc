// Package trade provides the HTTP handlers and business logic for placing
// wagers, reading the race and market state, and settling the market when a
// race finishes.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/olympimarket/groundstation/internal/ledger"
	"github.com/olympimarket/groundstation/internal/metrics"
	"github.com/olympimarket/groundstation/internal/model"
	"github.com/olympimarket/groundstation/internal/state"
	"github.com/olympimarket/groundstation/internal/store"
)

// persistTimeout bounds saves triggered from the race path, which has no
// request context of its own.
const persistTimeout = 5 * time.Second

// RaceController is the part of the race machine the service drives.
type RaceController interface {
	Reset()
	Snapshot() model.RaceState
	Commitment() (model.LogCommitment, bool)
}

// Service wires the ledger, the state store, persistence and the WebSocket
// hub together. It is the race machine's Settler and StatusSink.
type Service struct {
	ledger *ledger.Ledger
	state  *state.Store
	store  store.Store
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	logger *slog.Logger

	raceMu    sync.RWMutex
	race      RaceController
	lastPhase model.Phase

	// persistMu orders snapshot-then-save so an older ledger snapshot or
	// market can never overwrite a newer one.
	persistMu sync.Mutex
}

// NewService creates a new wager service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(l *ledger.Ledger, ss *state.Store, st store.Store, hub *WSHub) *Service {
	s := &Service{
		ledger: l,
		state:  ss,
		store:  st,
		wsHub:  hub,
		logger: slog.Default(),
	}
	s.state.PublishMarket(l.ComputeMarket())
	return s
}

// BindRace attaches the race machine once it exists. The machine is built
// with the service as its collaborator, so the two are wired in two steps.
func (s *Service) BindRace(rc RaceController) {
	s.raceMu.Lock()
	defer s.raceMu.Unlock()
	s.race = rc
}

func (s *Service) raceController() RaceController {
	s.raceMu.RLock()
	defer s.raceMu.RUnlock()
	return s.race
}

// --- Race collaborators ---

// PublishRace records the race status and pushes it to clients. The full race
// state is persisted whenever the phase changes.
func (s *Service) PublishRace(status model.RaceStatus) {
	s.state.PublishRace(status)
	s.broadcast(WSMessage{Type: MsgRaceStatus, Race: &status})

	s.raceMu.Lock()
	changed := status.Phase != s.lastPhase
	s.lastPhase = status.Phase
	rc := s.race
	s.raceMu.Unlock()

	if !changed || rc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SaveRace(ctx, rc.Snapshot()); err != nil {
		s.logger.Error("failed to save race state", "phase", status.Phase, "err", err)
	}
}

// Settle settles every open position against outcome, then publishes and
// persists the result.
func (s *Service) Settle(outcome model.Outcome) model.Settlement {
	result := s.ledger.Settle(outcome)

	metrics.PositionsSettled.WithLabelValues(string(model.PositionWon)).Add(float64(result.Won))
	metrics.PositionsSettled.WithLabelValues(string(model.PositionLost)).Add(float64(result.Lost))

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	market, err := s.commitLedger(ctx)
	if err != nil {
		s.logger.Error("failed to save ledger after settlement", "outcome", outcome, "err", err)
	}

	s.logger.Info("market settled",
		"outcome", outcome,
		"settled", result.Settled,
		"won", result.Won,
		"lost", result.Lost,
		"total_pool", result.TotalPool.String(),
		"paid_out", result.PaidOut.String(),
	)

	s.broadcast(WSMessage{Type: MsgRaceSettled, Settlement: &result})
	s.broadcast(WSMessage{Type: MsgMarketUpdate, Market: &market})
	return result
}

// commitLedger persists the ledger and publishes the market derived from the
// same moment. The market is published even when the save fails.
func (s *Service) commitLedger(ctx context.Context) (model.MarketSnapshot, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	err := s.store.SaveLedger(ctx, s.ledger.Participants())
	market := s.ledger.ComputeMarket()
	s.state.PublishMarket(market)
	return market, err
}

func (s *Service) broadcast(msg WSMessage) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(msg)
	}
}

// --- Request/Response types ---

// WagerRequest is the JSON body for POST /wagers.
type WagerRequest struct {
	UserID   string          `json:"user_id"`
	Position model.Outcome   `json:"position"` // "SUCCESS" or "FAIL"
	Amount   decimal.Decimal `json:"amount"`
}

// WagerResponse is the JSON body returned from POST /wagers.
type WagerResponse struct {
	Success    bool                 `json:"success"`
	Position   model.Position       `json:"position"`
	NewBalance decimal.Decimal      `json:"new_balance"`
	Market     model.MarketSnapshot `json:"market_data"`
}

// RaceResponse is the JSON body returned from GET /race.
type RaceResponse struct {
	Race       model.RaceState      `json:"race"`
	Commitment *model.LogCommitment `json:"commitment,omitempty"`
}

// ResetResponse is the JSON body returned from POST /race/reset.
type ResetResponse struct {
	Race model.RaceStatus `json:"race"`
}

// --- HTTP Handlers ---

// GetState handles GET /api/v1/state
// Returns the race status and market odds in one snapshot.
func (s *Service) GetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.state.Snapshot())
}

// PlaceWager handles POST /api/v1/wagers
func (s *Service) PlaceWager(w http.ResponseWriter, r *http.Request) {
	var req WagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.WagerRejections.WithLabelValues("bad_request").Inc()
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.UserID == "" {
		metrics.WagerRejections.WithLabelValues("bad_request").Inc()
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	pos, err := s.ledger.PlaceWager(req.UserID, req.Position, req.Amount)
	switch {
	case errors.Is(err, ledger.ErrInvalidOutcome):
		metrics.WagerRejections.WithLabelValues("invalid_outcome").Inc()
		writeError(w, "position must be SUCCESS or FAIL", http.StatusBadRequest)
		return
	case errors.Is(err, ledger.ErrInvalidAmount):
		metrics.WagerRejections.WithLabelValues("invalid_amount").Inc()
		writeError(w, "invalid amount", http.StatusBadRequest)
		return
	case errors.Is(err, ledger.ErrInsufficientBalance):
		metrics.WagerRejections.WithLabelValues("insufficient_balance").Inc()
		writeError(w, "insufficient balance", http.StatusConflict)
		return
	case err != nil:
		writeError(w, "failed to place wager", http.StatusInternalServerError)
		return
	}

	metrics.WagersTotal.WithLabelValues(string(pos.Outcome)).Inc()

	market, err := s.commitLedger(r.Context())
	if err != nil {
		s.logger.Error("failed to save ledger after wager", "user", req.UserID, "err", err)
	}
	participant, _ := s.ledger.Participant(req.UserID)

	s.logger.Info("wager placed",
		"position_id", pos.ID,
		"user", req.UserID,
		"outcome", pos.Outcome,
		"stake", pos.Stake.String(),
		"success_odds", market.SuccessOdds.String(),
	)

	s.broadcast(WSMessage{Type: MsgMarketUpdate, Market: &market})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(WagerResponse{
		Success:    true,
		Position:   pos,
		NewBalance: participant.Balance,
		Market:     market,
	})
}

// GetParticipant handles GET /api/v1/participants/{userID}
// An unknown user is reported with the starting balance and no positions,
// without creating an account.
func (s *Service) GetParticipant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	p, ok := s.ledger.Participant(userID)
	if !ok {
		p = model.Participant{
			ID:        userID,
			Balance:   s.ledger.StartingBalance(),
			Positions: []model.Position{},
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

// ListAnchors handles GET /api/v1/anchors
// Returns the recorded anchor submissions, newest first.
func (s *Service) ListAnchors(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListAnchors(r.Context())
	if err != nil {
		writeError(w, "failed to list anchors", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []model.AnchorRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

// GetRace handles GET /api/v1/race
// Returns the full event log and, once the race finished, its commitment.
func (s *Service) GetRace(w http.ResponseWriter, r *http.Request) {
	rc := s.raceController()
	if rc == nil {
		writeError(w, "race controller not available", http.StatusServiceUnavailable)
		return
	}

	resp := RaceResponse{Race: rc.Snapshot()}
	if c, ok := rc.Commitment(); ok {
		resp.Commitment = &c
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ResetRace handles POST /api/v1/race/reset
// Starts a new race. Open positions carry over into the next race's pool.
func (s *Service) ResetRace(w http.ResponseWriter, r *http.Request) {
	rc := s.raceController()
	if rc == nil {
		writeError(w, "race controller not available", http.StatusServiceUnavailable)
		return
	}

	rc.Reset()
	snap := rc.Snapshot()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ResetResponse{Race: snap.Status()})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
