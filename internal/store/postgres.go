package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/olympimarket/groundstation/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) LoadRace(ctx context.Context) (model.RaceState, error) {
	var st model.RaceState
	var phase string

	err := s.pool.QueryRow(ctx,
		`SELECT phase, elapsed_time, score, updated_at
		 FROM race_state WHERE id = 1`).
		Scan(&phase, &st.ElapsedTime, &st.Score, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RaceState{}, ErrNotFound
	}
	if err != nil {
		return model.RaceState{}, fmt.Errorf("load race state: %w", err)
	}
	st.Phase = model.Phase(phase)

	rows, err := s.pool.Query(ctx,
		`SELECT sequence, kind, value, timestamp_ms
		 FROM race_events ORDER BY sequence`)
	if err != nil {
		return model.RaceState{}, fmt.Errorf("load race events: %w", err)
	}
	defer rows.Close()

	st.Log = []model.RaceEvent{}
	for rows.Next() {
		var seq, ts int64
		var kind string
		var ev model.RaceEvent
		if err := rows.Scan(&seq, &kind, &ev.Value, &ts); err != nil {
			return model.RaceState{}, err
		}
		ev.Sequence = uint64(seq)
		ev.Kind = model.EventKind(kind)
		ev.Timestamp = uint64(ts)
		st.Log = append(st.Log, ev)
	}
	return st, rows.Err()
}

// SaveRace replaces the stored race in one transaction. The event log is
// rewritten with COPY since it is append-only between resets.
func (s *PostgresStore) SaveRace(ctx context.Context, st model.RaceState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO race_state (id, phase, elapsed_time, score, updated_at)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		 SET phase = EXCLUDED.phase, elapsed_time = EXCLUDED.elapsed_time,
		     score = EXCLUDED.score, updated_at = EXCLUDED.updated_at`,
		string(st.Phase), st.ElapsedTime, st.Score, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save race state: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM race_events`); err != nil {
		return fmt.Errorf("clear race events: %w", err)
	}

	if len(st.Log) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"race_events"},
			[]string{"sequence", "kind", "value", "timestamp_ms"},
			pgx.CopyFromSlice(len(st.Log), func(i int) ([]any, error) {
				ev := st.Log[i]
				return []any{int64(ev.Sequence), string(ev.Kind), ev.Value, int64(ev.Timestamp)}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("copy race events: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) LoadLedger(ctx context.Context) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, balance::TEXT FROM participants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	var participants []model.Participant
	index := make(map[string]int)
	for rows.Next() {
		var p model.Participant
		var balanceS string
		if err := rows.Scan(&p.ID, &balanceS); err != nil {
			rows.Close()
			return nil, err
		}
		if p.Balance, err = parseNumeric("participants.balance", p.ID, balanceS); err != nil {
			rows.Close()
			return nil, err
		}
		p.Positions = []model.Position{}
		index[p.ID] = len(participants)
		participants = append(participants, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, ErrNotFound
	}

	rows, err = s.pool.Query(ctx,
		`SELECT participant_id, id, outcome, stake::TEXT, opened_at, status, payout::TEXT
		 FROM positions ORDER BY participant_id, ord`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner, outcome, status, stakeS, payoutS string
		var pos model.Position
		if err := rows.Scan(&owner, &pos.ID, &outcome, &stakeS, &pos.OpenedAt, &status, &payoutS); err != nil {
			return nil, err
		}
		pos.Outcome = model.Outcome(outcome)
		pos.Status = model.PositionStatus(status)
		if pos.Stake, err = parseNumeric("positions.stake", pos.ID, stakeS); err != nil {
			return nil, err
		}
		if pos.Payout, err = parseNumeric("positions.payout", pos.ID, payoutS); err != nil {
			return nil, err
		}

		i, ok := index[owner]
		if !ok {
			continue
		}
		participants[i].Positions = append(participants[i].Positions, pos)
	}
	return participants, rows.Err()
}

// SaveLedger replaces every participant and position in one batched
// transaction.
func (s *PostgresStore) SaveLedger(ctx context.Context, participants []model.Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM positions`)
	batch.Queue(`DELETE FROM participants`)
	for _, p := range participants {
		batch.Queue(
			`INSERT INTO participants (id, balance) VALUES ($1, $2::NUMERIC)`,
			p.ID, p.Balance.String(),
		)
		for i, pos := range p.Positions {
			batch.Queue(
				`INSERT INTO positions (id, participant_id, ord, outcome, stake, opened_at, status, payout)
				 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC)`,
				pos.ID, p.ID, i, string(pos.Outcome), pos.Stake.String(),
				pos.OpenedAt, string(pos.Status), pos.Payout.String(),
			)
		}
	}

	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("save ledger: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) SaveAnchor(ctx context.Context, rec model.AnchorRecord) error {
	c := rec.Commitment
	_, err := s.pool.Exec(ctx,
		`INSERT INTO anchors (digest, event_count, obstacle_count, final_score, final_timestamp,
		                      tx_ref, status, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (digest) DO UPDATE
		 SET tx_ref = EXCLUDED.tx_ref, status = EXCLUDED.status,
		     error = EXCLUDED.error, created_at = EXCLUDED.created_at`,
		c.Digest.String(), int64(c.EventCount), int64(c.ObstacleCount), c.FinalScore,
		int64(c.FinalTimestamp), rec.TxRef, string(rec.Status), rec.Error, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save anchor %s: %w", c.Digest, err)
	}
	return nil
}

func (s *PostgresStore) ListAnchors(ctx context.Context) ([]model.AnchorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT digest, event_count, obstacle_count, final_score, final_timestamp,
		        tx_ref, status, error, created_at
		 FROM anchors ORDER BY created_at DESC, digest`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []model.AnchorRecord{}
	for rows.Next() {
		var rec model.AnchorRecord
		var digest, status string
		var events, obstacles, finalTS int64
		var createdAt time.Time
		if err := rows.Scan(&digest, &events, &obstacles, &rec.Commitment.FinalScore, &finalTS,
			&rec.TxRef, &status, &rec.Error, &createdAt); err != nil {
			return nil, err
		}
		d, err := model.ParseDigest(digest)
		if err != nil {
			return nil, fmt.Errorf("anchor row: %w", err)
		}
		rec.Commitment.Digest = d
		rec.Commitment.EventCount = uint64(events)
		rec.Commitment.ObstacleCount = uint64(obstacles)
		rec.Commitment.FinalTimestamp = uint64(finalTS)
		rec.Status = model.AnchorStatus(status)
		rec.CreatedAt = createdAt
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// parseNumeric decodes a NUMERIC column read as TEXT.
func parseNumeric(column, id, text string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s for %s: %w", column, id, err)
	}
	return v, nil
}
