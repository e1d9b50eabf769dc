// Package anchor compresses a race event log into a fixed-size commitment
// and submits that commitment to an external ledger network.
//
// The commitment is a SHA-256 digest over a canonical text form of the log
// plus a handful of summary fields. Only the commitment leaves the process;
// the full log stays local and can later be checked against the digest.
package anchor

import (
	"crypto/sha256"
	"strconv"

	"github.com/olympimarket/groundstation/internal/model"
)

// Canonical returns the canonical byte form of events. Each event becomes one
// line with its keys in sorted order and integers in base 10:
//
//	kind=<KIND>;sequence=<n>;timestamp=<n>;value=<n>\n
//
// None of ';', '=' or '\n' can appear inside a field, so the encoding is
// unambiguous. The empty log encodes to zero bytes.
func Canonical(events []model.RaceEvent) []byte {
	buf := make([]byte, 0, len(events)*64)
	for _, e := range events {
		buf = append(buf, "kind="...)
		buf = append(buf, e.Kind...)
		buf = append(buf, ";sequence="...)
		buf = strconv.AppendUint(buf, e.Sequence, 10)
		buf = append(buf, ";timestamp="...)
		buf = strconv.AppendUint(buf, e.Timestamp, 10)
		buf = append(buf, ";value="...)
		buf = strconv.AppendInt(buf, e.Value, 10)
		buf = append(buf, '\n')
	}
	return buf
}

// DigestOf hashes the canonical form of events.
func DigestOf(events []model.RaceEvent) model.Digest {
	return model.Digest(sha256.Sum256(Canonical(events)))
}

// Commit builds the commitment for a log in a single pass.
//
// FinalScore is the sum of SCORE_DELTA values unless the log carries a
// FINISH event, whose value is the device's authoritative score and wins.
// FinalTimestamp is the timestamp of the last event in log order.
func Commit(events []model.RaceEvent) model.LogCommitment {
	c := model.LogCommitment{
		EventCount: uint64(len(events)),
		Digest:     DigestOf(events),
	}

	var deltas int64
	finished := false
	for _, e := range events {
		switch e.Kind {
		case model.KindObstacle:
			c.ObstacleCount++
		case model.KindScoreDelta:
			deltas += e.Value
		case model.KindFinish:
			c.FinalScore = e.Value
			finished = true
		}
		c.FinalTimestamp = e.Timestamp
	}
	if !finished {
		c.FinalScore = deltas
	}
	return c
}
