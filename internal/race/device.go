package race

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const maxDeviceBackoff = 30 * time.Second

// Opener opens the device stream. Each call starts a fresh connection.
type Opener func() (io.ReadCloser, error)

// FileOpener opens a serial device or named pipe at path for reading.
func FileOpener(path string) Opener {
	return func() (io.ReadCloser, error) {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("open device %s: %w", path, err)
		}
		return f, nil
	}
}

// RunDevice reads the device through open and reconnects on failure with
// exponential backoff starting at retry. The first successful open moves an
// OFFLINE race to WAITING; losing the device afterwards leaves the race as it
// is. Blocks until ctx is cancelled and then returns nil.
func (m *Machine) RunDevice(ctx context.Context, open Opener, retry time.Duration) error {
	if retry <= 0 {
		retry = time.Second
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		connStart := time.Now()
		err := m.readOnce(ctx, open)
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(connStart) > time.Minute {
			attempt = 0
		}

		attempt++
		backoff := retry << min(attempt-1, 5)
		if backoff > maxDeviceBackoff {
			backoff = maxDeviceBackoff
		}

		if errors.Is(err, io.EOF) {
			m.cfg.Logger.Warn("device stream ended", "attempt", attempt, "retry_in", backoff.String())
		} else {
			m.cfg.Logger.Warn("device connection lost", "attempt", attempt, "err", err, "retry_in", backoff.String())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

func (m *Machine) readOnce(ctx context.Context, open Opener) error {
	rc, err := open()
	if err != nil {
		return err
	}
	// Closing the stream is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { rc.Close() })
	defer func() {
		if stop() {
			rc.Close()
		}
	}()

	if m.Connect() {
		m.cfg.Logger.Info("device connected")
	}
	return m.Run(ctx, rc)
}
