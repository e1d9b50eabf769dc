package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/olympimarket/groundstation/internal/metrics"
	"github.com/olympimarket/groundstation/internal/model"
)

// DefaultTimeout bounds a single broadcast.
const DefaultTimeout = 10 * time.Second

// TransactionRef identifies an accepted broadcast on the ledger network side.
type TransactionRef string

// Broadcaster hands a payload to the ledger network. Implementations own the
// transport, credentials and any retry policy, and must honour ctx.
type Broadcaster interface {
	Broadcast(ctx context.Context, payload []byte) (string, error)
}

// AnchorError reports a failed submission for one commitment.
type AnchorError struct {
	Digest model.Digest
	Err    error
}

func (e *AnchorError) Error() string {
	return fmt.Sprintf("anchor %s: %v", e.Digest.String()[:12], e.Err)
}

func (e *AnchorError) Unwrap() error { return e.Err }

// attempt is the single submission made for one digest. done is closed once
// ref and err are final.
type attempt struct {
	done chan struct{}
	ref  TransactionRef
	err  error
}

// Submitter turns commitments into payloads and broadcasts them. It makes at
// most one attempt per digest; repeated submissions of the same commitment
// return the outcome of that first attempt.
type Submitter struct {
	broadcaster Broadcaster
	tag         string
	timeout     time.Duration
	logger      *slog.Logger
	record      func(model.AnchorRecord)

	mu       sync.Mutex
	attempts map[model.Digest]*attempt
	order    []model.Digest // insertion order of attempts, oldest first
	remember int
	inflight sync.WaitGroup
}

// DefaultRemembered is how many digests a Submitter keeps attempt results
// for. Older digests are forgotten and would be broadcast again.
const DefaultRemembered = 1024

// Option configures a Submitter.
type Option func(*Submitter)

// WithProtocolTag overrides DefaultProtocolTag.
func WithProtocolTag(tag string) Option {
	return func(s *Submitter) { s.tag = tag }
}

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the logger used for dispatch outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(s *Submitter) { s.logger = l }
}

// WithRecorder registers fn to receive the outcome of every first attempt.
func WithRecorder(fn func(model.AnchorRecord)) Option {
	return func(s *Submitter) { s.record = fn }
}

// NewSubmitter creates a submitter that broadcasts through b.
func NewSubmitter(b Broadcaster, opts ...Option) *Submitter {
	s := &Submitter{
		broadcaster: b,
		tag:         DefaultProtocolTag,
		timeout:     DefaultTimeout,
		logger:      slog.Default(),
		attempts:    make(map[model.Digest]*attempt),
		remember:    DefaultRemembered,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit broadcasts c and waits for the result, bounded by the submitter's
// timeout. Failures are returned as *AnchorError.
func (s *Submitter) Submit(ctx context.Context, c model.LogCommitment) (TransactionRef, error) {
	s.mu.Lock()
	if a, ok := s.attempts[c.Digest]; ok {
		s.mu.Unlock()
		metrics.AnchorSubmissions.WithLabelValues("duplicate").Inc()
		select {
		case <-a.done:
			return a.ref, a.err
		case <-ctx.Done():
			return "", &AnchorError{Digest: c.Digest, Err: ctx.Err()}
		}
	}
	a := &attempt{done: make(chan struct{})}
	s.attempts[c.Digest] = a
	s.order = append(s.order, c.Digest)
	if len(s.order) > s.remember {
		delete(s.attempts, s.order[0])
		s.order = s.order[1:]
	}
	s.mu.Unlock()

	a.ref, a.err = s.broadcast(ctx, c)
	close(a.done)

	rec := model.AnchorRecord{
		Commitment: c,
		TxRef:      string(a.ref),
		Status:     model.AnchorSubmitted,
		CreatedAt:  time.Now().UTC(),
	}
	if a.err != nil {
		rec.Status = model.AnchorFailed
		rec.Error = a.err.Error()
		metrics.AnchorSubmissions.WithLabelValues("error").Inc()
	} else {
		metrics.AnchorSubmissions.WithLabelValues("ok").Inc()
	}
	if s.record != nil {
		s.record(rec)
	}
	return a.ref, a.err
}

func (s *Submitter) broadcast(ctx context.Context, c model.LogCommitment) (TransactionRef, error) {
	payload, err := Payload(s.tag, c)
	if err != nil {
		return "", &AnchorError{Digest: c.Digest, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		ref string
		err error
	}
	// Buffered so a broadcaster that outlives the timeout can still exit.
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		ref, err := s.broadcaster.Broadcast(ctx, payload)
		done <- result{ref, err}
	}()

	select {
	case r := <-done:
		metrics.AnchorLatency.Observe(time.Since(start).Seconds())
		if r.err != nil {
			return "", &AnchorError{Digest: c.Digest, Err: r.err}
		}
		return TransactionRef(r.ref), nil
	case <-ctx.Done():
		return "", &AnchorError{Digest: c.Digest, Err: ctx.Err()}
	}
}

// Dispatch submits c on a background goroutine and logs the outcome. It never
// blocks the caller.
func (s *Submitter) Dispatch(c model.LogCommitment) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ref, err := s.Submit(context.Background(), c)
		if err != nil {
			s.logger.Error("anchor submission failed",
				"digest", c.Digest.String(),
				"events", c.EventCount,
				"err", err,
			)
			return
		}
		s.logger.Info("anchor submitted",
			"digest", c.Digest.String(),
			"events", c.EventCount,
			"final_score", c.FinalScore,
			"tx", string(ref),
		)
	}()
}

// Wait blocks until every dispatched submission has finished.
func (s *Submitter) Wait() {
	s.inflight.Wait()
}
