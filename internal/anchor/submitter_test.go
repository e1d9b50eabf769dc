package anchor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/olympimarket/groundstation/internal/model"
)

// fakeBroadcaster records payloads and returns a scripted result.
type fakeBroadcaster struct {
	mu       sync.Mutex
	payloads []string
	calls    atomic.Int32
	err      error
	block    bool
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, payload []byte) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.payloads = append(f.payloads, string(payload))
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	return "tx-1", nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSubmit_Success(t *testing.T) {
	fb := &fakeBroadcaster{}
	var records []model.AnchorRecord
	s := NewSubmitter(fb, WithLogger(quietLogger()), WithRecorder(func(r model.AnchorRecord) {
		records = append(records, r)
	}))

	c := Commit(sampleLog())
	ref, err := s.Submit(context.Background(), c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ref != "tx-1" {
		t.Errorf("ref = %q, want tx-1", ref)
	}
	if !strings.HasPrefix(fb.payloads[0], "OLYMPIC_L2:"+c.Digest.String()+":") {
		t.Errorf("unexpected payload %q", fb.payloads[0])
	}
	if len(records) != 1 || records[0].Status != model.AnchorSubmitted || records[0].TxRef != "tx-1" {
		t.Errorf("unexpected records: %+v", records)
	}
}

func TestSubmit_IdempotentByContent(t *testing.T) {
	fb := &fakeBroadcaster{}
	records := 0
	s := NewSubmitter(fb, WithRecorder(func(model.AnchorRecord) { records++ }))

	c := Commit(sampleLog())
	first, err := s.Submit(context.Background(), c)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := s.Submit(context.Background(), c)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first != second {
		t.Errorf("resubmission returned %q, want %q", second, first)
	}
	if n := fb.calls.Load(); n != 1 {
		t.Errorf("broadcaster called %d times, want 1", n)
	}
	if records != 1 {
		t.Errorf("recorder called %d times, want 1", records)
	}

	other := Commit(sampleLog()[:1])
	if _, err := s.Submit(context.Background(), other); err != nil {
		t.Fatalf("different commitment: %v", err)
	}
	if n := fb.calls.Load(); n != 2 {
		t.Errorf("distinct commitment should broadcast, calls = %d", n)
	}
}

func TestSubmit_ForgetsOldestDigest(t *testing.T) {
	fb := &fakeBroadcaster{}
	s := NewSubmitter(fb, WithLogger(quietLogger()))
	s.remember = 2

	log := sampleLog()
	first, second, third := Commit(log[:1]), Commit(log), Commit(nil)
	for _, c := range []model.LogCommitment{first, second, third} {
		if _, err := s.Submit(context.Background(), c); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if len(s.attempts) != 2 || len(s.order) != 2 {
		t.Fatalf("kept %d attempts (%d ordered), want 2", len(s.attempts), len(s.order))
	}

	// The newest digests are still deduplicated.
	s.Submit(context.Background(), third)
	if n := fb.calls.Load(); n != 3 {
		t.Errorf("calls = %d after recent duplicate, want 3", n)
	}
	// The evicted one is broadcast again.
	s.Submit(context.Background(), first)
	if n := fb.calls.Load(); n != 4 {
		t.Errorf("calls = %d after evicted digest, want 4", n)
	}
}

func TestSubmit_FailureIsTypedAndSticky(t *testing.T) {
	boom := errors.New("rpc unavailable")
	fb := &fakeBroadcaster{err: boom}
	var rec model.AnchorRecord
	s := NewSubmitter(fb, WithRecorder(func(r model.AnchorRecord) { rec = r }))

	c := Commit(sampleLog())
	_, err := s.Submit(context.Background(), c)

	var ae *AnchorError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AnchorError, got %T %v", err, err)
	}
	if ae.Digest != c.Digest {
		t.Error("AnchorError should carry the commitment digest")
	}
	if !errors.Is(err, boom) {
		t.Error("AnchorError should unwrap to the broadcaster error")
	}
	if rec.Status != model.AnchorFailed || rec.Error == "" {
		t.Errorf("expected failed record, got %+v", rec)
	}

	// A retry of the same commitment reports the recorded failure without a
	// second attempt.
	if _, err := s.Submit(context.Background(), c); !errors.Is(err, boom) {
		t.Errorf("retry should return the first failure, got %v", err)
	}
	if n := fb.calls.Load(); n != 1 {
		t.Errorf("broadcaster called %d times, want 1", n)
	}
}

func TestSubmit_Timeout(t *testing.T) {
	fb := &fakeBroadcaster{block: true}
	s := NewSubmitter(fb, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := s.Submit(context.Background(), Commit(sampleLog()))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("submit should return promptly after the timeout")
	}
}

func TestDispatch_DoesNotBlock(t *testing.T) {
	fb := &fakeBroadcaster{block: true}
	s := NewSubmitter(fb, WithTimeout(200*time.Millisecond), WithLogger(quietLogger()))

	start := time.Now()
	s.Dispatch(Commit(sampleLog()))
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Dispatch should return immediately")
	}
	s.Wait()
	if n := fb.calls.Load(); n != 1 {
		t.Errorf("broadcaster called %d times, want 1", n)
	}
}

func TestLogBroadcaster_Reference(t *testing.T) {
	b := LogBroadcaster{Logger: quietLogger()}
	ref, err := b.Broadcast(context.Background(), []byte("OLYMPIC_L2:x:{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(ref, "local:") || len(ref) != len("local:")+16 {
		t.Errorf("unexpected ref %q", ref)
	}
}
