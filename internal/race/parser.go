package race

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Device line prefixes and burst frame markers.
const (
	telemetryPrefix = "LOG:"
	finishPrefix    = "SOLANA_RECORD:"
	burstBegin      = "---BEGIN_BURST---"
	burstEnd        = "---END_BURST---"
)

// ErrUnknownLine is returned for lines that belong to no known record type.
// Such lines are ignored, not counted as malformed.
var ErrUnknownLine = errors.New("race: unknown line")

// DecodeError describes a device line that looked like a known record but
// could not be decoded.
type DecodeError struct {
	Line   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("race: decode %q: %s: %v", e.Line, e.Reason, e.Err)
	}
	return fmt.Sprintf("race: decode %q: %s", e.Line, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RecordType tags a decoded device record.
type RecordType int

const (
	// RecordTelemetry is a periodic LOG: line.
	RecordTelemetry RecordType = iota + 1
	// RecordFinish is the SOLANA_RECORD: line sent once at the finish.
	RecordFinish
	// RecordBurstBegin opens a dump of the on-board event log.
	RecordBurstBegin
	// RecordBurstEntry is one time:code:value entry inside a burst.
	RecordBurstEntry
	// RecordBurstEnd closes the burst.
	RecordBurstEnd
)

// Record is one decoded device line. Only the fields for its Type are set.
type Record struct {
	Type RecordType

	// Telemetry: LOG:<time_ms>,<left_ticks>,<right_ticks>,<distance>,<pwm>
	TimeMs     uint64
	LeftTicks  int64
	RightTicks int64
	Distance   int64
	PWM        int64

	// Finish: SOLANA_RECORD:<score>:<final_time_ms>
	Score       int64
	FinalTimeMs uint64

	// Burst entry: <time_ms>:<code>:<value>, time in TimeMs.
	Code  int
	Value int64
}

// ParseLine decodes one device line. Surrounding whitespace (including the
// trailing \r of serial line endings) is ignored.
func ParseLine(line string) (Record, error) {
	line = strings.TrimSpace(line)

	switch {
	case strings.HasPrefix(line, telemetryPrefix):
		return parseTelemetry(line)
	case strings.HasPrefix(line, finishPrefix):
		return parseFinish(line)
	case line == burstBegin:
		return Record{Type: RecordBurstBegin}, nil
	case line == burstEnd:
		return Record{Type: RecordBurstEnd}, nil
	case looksLikeBurstEntry(line):
		return parseBurstEntry(line)
	}
	return Record{}, ErrUnknownLine
}

func parseTelemetry(line string) (Record, error) {
	fields := strings.Split(strings.TrimPrefix(line, telemetryPrefix), ",")
	if len(fields) != 5 {
		return Record{}, &DecodeError{Line: line, Reason: fmt.Sprintf("want 5 fields, got %d", len(fields))}
	}

	timeMs, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Record{}, &DecodeError{Line: line, Reason: "time", Err: err}
	}
	ints := make([]int64, 4)
	for i, f := range fields[1:] {
		n, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Record{}, &DecodeError{Line: line, Reason: fmt.Sprintf("field %d", i+2), Err: err}
		}
		ints[i] = n
	}

	return Record{
		Type:       RecordTelemetry,
		TimeMs:     timeMs,
		LeftTicks:  ints[0],
		RightTicks: ints[1],
		Distance:   ints[2],
		PWM:        ints[3],
	}, nil
}

func parseFinish(line string) (Record, error) {
	fields := strings.Split(strings.TrimPrefix(line, finishPrefix), ":")
	if len(fields) != 2 {
		return Record{}, &DecodeError{Line: line, Reason: fmt.Sprintf("want 2 fields, got %d", len(fields))}
	}

	score, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Record{}, &DecodeError{Line: line, Reason: "score", Err: err}
	}
	finalMs, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Record{}, &DecodeError{Line: line, Reason: "final time", Err: err}
	}

	return Record{Type: RecordFinish, Score: score, FinalTimeMs: finalMs}, nil
}

// looksLikeBurstEntry reports whether line starts with a digit and carries
// colon separators, the shape of a logger dump row.
func looksLikeBurstEntry(line string) bool {
	return line != "" && line[0] >= '0' && line[0] <= '9' && strings.Contains(line, ":")
}

func parseBurstEntry(line string) (Record, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 3 {
		return Record{}, &DecodeError{Line: line, Reason: fmt.Sprintf("want 3 fields, got %d", len(fields))}
	}

	timeMs, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return Record{}, &DecodeError{Line: line, Reason: "time", Err: err}
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return Record{}, &DecodeError{Line: line, Reason: "event code", Err: err}
	}
	value, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Record{}, &DecodeError{Line: line, Reason: "value", Err: err}
	}

	return Record{Type: RecordBurstEntry, TimeMs: timeMs, Code: code, Value: value}, nil
}
