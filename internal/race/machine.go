// Package race turns the device's line-oriented stream into the
// authoritative race state and its event log.
//
// Phases only move forward, OFFLINE → WAITING → RACING → FINISHED, except for
// the explicit operator transitions Reset and Offline. Records that arrive in
// a phase where they make no sense are ignored: the device stream is
// untrusted and replays lines after a reconnect.
package race

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olympimarket/groundstation/internal/anchor"
	"github.com/olympimarket/groundstation/internal/metrics"
	"github.com/olympimarket/groundstation/internal/model"
)

// Anchorer receives the commitment of each finished race. Dispatch must not
// block on the network.
type Anchorer interface {
	Dispatch(c model.LogCommitment)
}

// Settler settles the market once the race outcome is known.
type Settler interface {
	Settle(outcome model.Outcome) model.Settlement
}

// StatusSink receives the race status after every applied record.
type StatusSink interface {
	PublishRace(status model.RaceStatus)
}

// OutcomePolicy maps a final score to the market outcome.
type OutcomePolicy func(score int64) model.Outcome

// ThresholdPolicy settles SUCCESS when the final score is strictly greater
// than threshold and FAIL otherwise. The device never reports an outcome of
// its own; this rule is what links the finish line to the market.
func ThresholdPolicy(threshold int64) OutcomePolicy {
	return func(score int64) model.Outcome {
		if score > threshold {
			return model.OutcomeSuccess
		}
		return model.OutcomeFail
	}
}

// Result says what HandleLine did with a line.
type Result string

const (
	// ResultApplied means the record changed the race.
	ResultApplied Result = "applied"
	// ResultIgnored means the record decoded but does not fit the current phase.
	ResultIgnored Result = "ignored"
	// ResultMalformed means the line had a known prefix but failed to decode.
	ResultMalformed Result = "malformed"
	// ResultUnknown means the line is not part of the protocol, e.g. debug output.
	ResultUnknown Result = "unknown"
)

// MaxLineLength bounds a single device line, terminator included. Longer
// lines are serial noise and are dropped as malformed.
const MaxLineLength = 4096

// Config wires a Machine to its collaborators. Every field is optional.
type Config struct {
	Anchorer Anchorer
	Settler  Settler
	Sink     StatusSink
	Policy   OutcomePolicy // default ThresholdPolicy(0)
	Logger   *slog.Logger
	Now      func() time.Time
}

// Machine owns one race. All transitions happen under mu; collaborators are
// called after mu is released. pubMu is taken before mu and held until the
// status is published, so the sink sees statuses in transition order.
type Machine struct {
	cfg Config

	pubMu      sync.Mutex
	mu         sync.Mutex
	state      model.RaceState
	seq        uint64
	inBurst    bool
	commitment *model.LogCommitment

	malformed atomic.Uint64
}

// New creates a machine in the OFFLINE phase.
func New(cfg Config) *Machine {
	if cfg.Policy == nil {
		cfg.Policy = ThresholdPolicy(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := &Machine{cfg: cfg, state: model.NewRaceState()}
	metrics.SetPhase(string(m.state.Phase))
	return m
}

// HandleLine decodes and applies one device line. Malformed lines are logged
// and counted; they never stop the stream.
func (m *Machine) HandleLine(line string) Result {
	rec, err := ParseLine(line)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			m.malformed.Add(1)
			metrics.DeviceLines.WithLabelValues(string(ResultMalformed)).Inc()
			m.cfg.Logger.Warn("dropping malformed device line", "line", de.Line, "reason", de.Reason, "err", de.Err)
			return ResultMalformed
		}
		metrics.DeviceLines.WithLabelValues(string(ResultUnknown)).Inc()
		return ResultUnknown
	}

	res := ResultIgnored
	if m.Apply(rec) {
		res = ResultApplied
	}
	metrics.DeviceLines.WithLabelValues(string(res)).Inc()
	return res
}

// Apply applies a decoded record. It reports false when the record is not
// valid for the current phase and was ignored.
func (m *Machine) Apply(rec Record) bool {
	m.pubMu.Lock()
	m.mu.Lock()
	applied, finished := m.applyLocked(rec)
	if applied {
		m.state.UpdatedAt = m.cfg.Now().UTC()
	}
	status := m.state.Status()
	var commitment model.LogCommitment
	if finished {
		commitment = *m.commitment
	}
	m.mu.Unlock()

	if !applied {
		m.pubMu.Unlock()
		return false
	}
	m.publish(status)
	m.pubMu.Unlock()
	if finished {
		m.finish(status, commitment)
	}
	return true
}

func (m *Machine) applyLocked(rec Record) (applied, finished bool) {
	switch rec.Type {
	case RecordTelemetry:
		switch m.state.Phase {
		case model.PhaseWaiting:
			m.state.Phase = model.PhaseRacing
		case model.PhaseRacing:
		default:
			return false, false
		}
		m.appendLocked(model.KindTelemetry, rec.Distance, rec.TimeMs)
		m.state.ElapsedTime = seconds(rec.TimeMs)
		return true, false

	case RecordFinish:
		if m.state.Phase != model.PhaseRacing {
			return false, false
		}
		m.appendLocked(model.KindFinish, rec.Score, rec.FinalTimeMs)
		m.state.Phase = model.PhaseFinished
		m.state.Score = rec.Score
		m.state.ElapsedTime = seconds(rec.FinalTimeMs)
		m.inBurst = false
		c := anchor.Commit(m.state.Log)
		m.commitment = &c
		return true, true

	case RecordBurstBegin:
		if m.state.Phase != model.PhaseRacing || m.inBurst {
			return false, false
		}
		m.inBurst = true
		return true, false

	case RecordBurstEnd:
		if !m.inBurst {
			return false, false
		}
		m.inBurst = false
		return true, false

	case RecordBurstEntry:
		if m.state.Phase != model.PhaseRacing || !m.inBurst {
			return false, false
		}
		kind, ok := burstKind(rec.Code)
		if !ok {
			return false, false
		}
		m.appendLocked(kind, rec.Value, rec.TimeMs)
		if kind == model.KindScoreDelta {
			m.state.Score += rec.Value
		}
		return true, false
	}
	return false, false
}

func (m *Machine) appendLocked(kind model.EventKind, value int64, ts uint64) {
	m.seq++
	m.state.Log = append(m.state.Log, model.RaceEvent{
		Sequence:  m.seq,
		Kind:      kind,
		Value:     value,
		Timestamp: ts,
	})
}

// burstKind maps the on-board logger's event codes onto log kinds.
func burstKind(code int) (model.EventKind, bool) {
	switch code {
	case 1, 3, 4: // start, box pickup, zone enter
		return model.KindCheckpoint, true
	case 2:
		return model.KindObstacle, true
	case 5:
		return model.KindScoreDelta, true
	}
	return "", false
}

func (m *Machine) finish(status model.RaceStatus, c model.LogCommitment) {
	outcome := m.cfg.Policy(status.Score)
	m.cfg.Logger.Info("race finished",
		"score", status.Score,
		"time", status.ElapsedTime,
		"events", c.EventCount,
		"digest", c.Digest.String(),
		"outcome", outcome,
	)
	if m.cfg.Anchorer != nil {
		m.cfg.Anchorer.Dispatch(c)
	}
	if m.cfg.Settler != nil {
		m.cfg.Settler.Settle(outcome)
	}
}

func (m *Machine) publish(status model.RaceStatus) {
	metrics.SetPhase(string(status.Phase))
	if m.cfg.Sink != nil {
		m.cfg.Sink.PublishRace(status)
	}
}

// Connect moves an OFFLINE machine to WAITING once a device is attached.
func (m *Machine) Connect() bool {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	if m.state.Phase != model.PhaseOffline {
		m.mu.Unlock()
		return false
	}
	m.state.Phase = model.PhaseWaiting
	m.state.UpdatedAt = m.cfg.Now().UTC()
	status := m.state.Status()
	m.mu.Unlock()

	m.publish(status)
	return true
}

// Reset starts a new race: phase WAITING with an empty log.
func (m *Machine) Reset() {
	m.restart(model.PhaseWaiting)
	m.cfg.Logger.Info("race reset")
}

// Offline clears the race and marks the device as gone. Losing the device
// connection does not call this; only an operator does.
func (m *Machine) Offline() {
	m.restart(model.PhaseOffline)
	m.cfg.Logger.Info("race taken offline")
}

func (m *Machine) restart(phase model.Phase) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	m.state = model.NewRaceState()
	m.state.Phase = phase
	m.state.UpdatedAt = m.cfg.Now().UTC()
	m.seq = 0
	m.inBurst = false
	m.commitment = nil
	status := m.state.Status()
	m.mu.Unlock()

	m.publish(status)
}

// Restore replaces the machine's state with a persisted one. A restored
// FINISHED race keeps its commitment but is not anchored or settled again.
func (m *Machine) Restore(s model.RaceState) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	m.mu.Lock()
	m.state = s.Clone()
	m.seq = 0
	for _, e := range m.state.Log {
		if e.Sequence > m.seq {
			m.seq = e.Sequence
		}
	}
	m.inBurst = false
	m.commitment = nil
	if m.state.Phase == model.PhaseFinished {
		c := anchor.Commit(m.state.Log)
		m.commitment = &c
	}
	status := m.state.Status()
	m.mu.Unlock()

	m.publish(status)
}

// Snapshot returns a deep copy of the race state.
func (m *Machine) Snapshot() model.RaceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Status returns the log-free race status.
func (m *Machine) Status() model.RaceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status()
}

// Commitment returns the commitment of the current race once it finished.
func (m *Machine) Commitment() (model.LogCommitment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitment == nil {
		return model.LogCommitment{}, false
	}
	return *m.commitment, true
}

// MalformedLines returns how many device lines failed to decode.
func (m *Machine) MalformedLines() uint64 {
	return m.malformed.Load()
}

// Run feeds every line from r into the machine until r is exhausted, fails,
// or ctx is cancelled, and returns io.EOF for a clean end of stream. Lines
// longer than MaxLineLength are counted as malformed and skipped. The race
// state is left as it was when the stream stopped; a lost device does not
// change the phase.
func (m *Machine) Run(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, MaxLineLength)
	for {
		line, n, err := readLine(br)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if n > MaxLineLength {
			m.dropOversized(n)
			continue
		}
		m.HandleLine(line)
	}
}

func (m *Machine) dropOversized(n int) {
	m.malformed.Add(1)
	metrics.DeviceLines.WithLabelValues(string(ResultMalformed)).Inc()
	m.cfg.Logger.Warn("dropping oversized device line", "bytes", n, "limit", MaxLineLength)
}

// readLine returns the next line without its terminator and the line's full
// length in bytes. Content past MaxLineLength is discarded while reading, so
// line is only meaningful when n <= MaxLineLength. A final unterminated line
// is returned before io.EOF.
func readLine(br *bufio.Reader) (line string, n int, err error) {
	var buf []byte
	for {
		chunk, rerr := br.ReadSlice('\n')
		n += len(chunk)
		if n <= MaxLineLength {
			buf = append(buf, chunk...)
		}
		switch {
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		case errors.Is(rerr, io.EOF) && n > 0:
			// Deliver the unterminated tail; the next call reports EOF.
		case rerr != nil:
			return "", 0, rerr
		}
		break
	}
	line = strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r")
	return line, n, nil
}

func seconds(ms uint64) float64 {
	return float64(ms) / 1000
}
