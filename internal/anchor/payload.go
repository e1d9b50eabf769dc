package anchor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/olympimarket/groundstation/internal/model"
)

// DefaultProtocolTag prefixes every anchor payload.
const DefaultProtocolTag = "OLYMPIC_L2"

// MaxPayloadSize keeps payloads well under memo-style instruction limits.
const MaxPayloadSize = 512

// ErrPayloadTooLarge is returned when an encoded payload exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("anchor: payload too large")

// summary is the compact headline carried next to the digest. Field order is
// fixed by the struct, so the JSON is stable.
type summary struct {
	Events       uint64 `json:"events"`
	ObstaclesHit uint64 `json:"obstacles_hit"`
	FinalScore   int64  `json:"final_score"`
	Timestamp    uint64 `json:"timestamp"`
}

// Payload encodes c as "<tag>:<hex digest>:<summary json>".
func Payload(tag string, c model.LogCommitment) ([]byte, error) {
	if tag == "" {
		tag = DefaultProtocolTag
	}
	sum, err := json.Marshal(summary{
		Events:       c.EventCount,
		ObstaclesHit: c.ObstacleCount,
		FinalScore:   c.FinalScore,
		Timestamp:    c.FinalTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("anchor: encode summary: %w", err)
	}

	payload := make([]byte, 0, len(tag)+2+64+len(sum))
	payload = append(payload, tag...)
	payload = append(payload, ':')
	payload = append(payload, c.Digest.String()...)
	payload = append(payload, ':')
	payload = append(payload, sum...)

	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	return payload, nil
}
