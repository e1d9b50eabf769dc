package race

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/olympimarket/groundstation/internal/model"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func runDevice(h *harness, ctx context.Context, open Opener) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.m.RunDevice(ctx, open, time.Millisecond) }()
	return done
}

func TestRunDevice_ReadsThenRetries(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	open := func() (io.ReadCloser, error) {
		if calls.Add(1) == 1 {
			return io.NopCloser(strings.NewReader("LOG:1000,10,10,5,0\nSOLANA_RECORD:50:12000\n")), nil
		}
		return nil, errors.New("device gone")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runDevice(h, ctx, open)
	waitFor(t, func() bool { return calls.Load() >= 3 })
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("RunDevice returned %v, want nil", err)
	}
	if got := h.m.Status().Phase; got != model.PhaseFinished {
		t.Errorf("phase = %s, want FINISHED", got)
	}
	if len(h.anchor.commitments) != 1 {
		t.Errorf("expected 1 commitment, got %d", len(h.anchor.commitments))
	}
}

func TestRunDevice_CancelInterruptsBlockedRead(t *testing.T) {
	h := newHarness(t)
	pr, pw := io.Pipe()
	defer pw.Close()
	open := func() (io.ReadCloser, error) { return pr, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := runDevice(h, ctx, open)
	waitFor(t, func() bool { return h.m.Status().Phase == model.PhaseWaiting })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunDevice returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunDevice did not return after cancel")
	}
	if got := h.m.Status().Phase; got != model.PhaseWaiting {
		t.Errorf("phase = %s, want WAITING", got)
	}
}

func TestRunDevice_OpenFailureStaysOffline(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	open := func() (io.ReadCloser, error) {
		calls.Add(1)
		return nil, errors.New("no such device")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runDevice(h, ctx, open)
	waitFor(t, func() bool { return calls.Load() >= 2 })
	cancel()
	<-done

	if got := h.m.Status().Phase; got != model.PhaseOffline {
		t.Errorf("phase = %s, want OFFLINE", got)
	}
}

func TestFileOpener_MissingPath(t *testing.T) {
	_, err := FileOpener(t.TempDir() + "/nope")()
	if err == nil {
		t.Fatal("expected error for missing device")
	}
}
