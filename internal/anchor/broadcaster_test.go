package anchor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"
)

// fakeStream records XADD calls. Every other Cmdable method panics through
// the nil embedded interface, which is fine for these tests.
type fakeStream struct {
	redis.Cmdable
	calls []*redis.XAddArgs
	id    string
	err   error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.calls = append(f.calls, a)
	cmd := redis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(f.id)
	}
	return cmd
}

func TestRedisBroadcaster_XAdd(t *testing.T) {
	rdb := &fakeStream{id: "1700000000000-0"}
	b := NewRedisBroadcaster(rdb, "", 1000)

	ref, err := b.Broadcast(context.Background(), []byte("OLYMPIC_L2:abc:{}"))
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if ref != DefaultStream+"/1700000000000-0" {
		t.Errorf("ref = %q", ref)
	}
	if len(rdb.calls) != 1 {
		t.Fatalf("expected 1 XADD, got %d", len(rdb.calls))
	}
	args := rdb.calls[0]
	if args.Stream != DefaultStream || args.MaxLen != 1000 || !args.Approx {
		t.Errorf("unexpected args %+v", args)
	}
	values := args.Values.(map[string]any)
	if values["payload"] != "OLYMPIC_L2:abc:{}" {
		t.Errorf("payload = %v", values["payload"])
	}
	if h, _ := values["sha256"].(string); len(h) != 64 {
		t.Errorf("sha256 = %v, want 64 hex chars", values["sha256"])
	}
}

func TestRedisBroadcaster_Error(t *testing.T) {
	rdb := &fakeStream{err: errors.New("connection refused")}
	b := NewRedisBroadcaster(rdb, "custom", 0)

	_, err := b.Broadcast(context.Background(), []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "xadd custom") {
		t.Errorf("expected wrapped xadd error, got %v", err)
	}
	if rdb.calls[0].MaxLen != 0 || rdb.calls[0].Approx {
		t.Error("zero maxLen must leave the stream unbounded")
	}
}

func TestSubmitter_ThroughRedis(t *testing.T) {
	rdb := &fakeStream{id: "1-0"}
	s := NewSubmitter(NewRedisBroadcaster(rdb, "anchor:test", 0))

	ref, err := s.Submit(context.Background(), Commit(sampleLog()))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ref != "anchor:test/1-0" {
		t.Errorf("ref = %q", ref)
	}
	payload := rdb.calls[0].Values.(map[string]any)["payload"].(string)
	if !strings.HasPrefix(payload, DefaultProtocolTag+":"+sampleDigest+":") {
		t.Errorf("unexpected payload %q", payload)
	}
}
