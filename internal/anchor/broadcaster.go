package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream the relay consumes.
const DefaultStream = "anchor:memos"

// RedisBroadcaster appends payloads to a Redis stream. A relay process that
// holds the chain credentials reads the stream and sends one memo
// instruction per entry. The stream entry ID is returned as the reference.
type RedisBroadcaster struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisBroadcaster creates a broadcaster writing to stream. maxLen caps
// the stream approximately; zero leaves it unbounded.
func NewRedisBroadcaster(rdb redis.Cmdable, stream string, maxLen int64) *RedisBroadcaster {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisBroadcaster{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (b *RedisBroadcaster) Broadcast(ctx context.Context, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{
			"payload": string(payload),
			"sha256":  payloadHash(payload),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	id, err := b.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", b.stream, err)
	}
	return b.stream + "/" + id, nil
}

// LogBroadcaster only logs payloads. It stands in for a ledger network in
// development and returns a local reference derived from the payload.
type LogBroadcaster struct {
	Logger *slog.Logger
}

func (b LogBroadcaster) Broadcast(_ context.Context, payload []byte) (string, error) {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ref := "local:" + payloadHash(payload)[:16]
	logger.Info("anchor payload", "ref", ref, "bytes", len(payload), "payload", string(payload))
	return ref, nil
}

func payloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
