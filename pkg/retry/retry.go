// Package retry executes a unit of work against a transactional data
// layer, replaying it on transient write conflicts and translating
// integrity violations into user-facing validation errors.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/lib/pq"

	"github.com/txn2/gatehouse/pkg/metrics"
)

const (
	DefaultMaxTries   = 5
	DefaultBackoffCap = 10 * time.Second

	backoffBase = 100 * time.Millisecond
)

// ErrConflict marks an error as a transient write conflict for layers
// that do not surface driver errors. Wrap it (or return it via
// errors.Join) to request a replay.
var ErrConflict = errors.New("write conflict")

// ValidationError is the user-facing translation of an integrity
// violation. It names the offending business object and is never
// retried.
type ValidationError struct {
	Object     string
	Constraint string
	Err        error
}

func (e *ValidationError) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("constraint %q violated on %s", e.Constraint, e.Object)
	}
	return "integrity constraint violated"
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Kind classifies a unit-of-work error for the retry loop.
type Kind int

const (
	// KindFatal is anything not recognized below; never retried.
	KindFatal Kind = iota
	// KindTransient is a serialization failure or deadlock; the work
	// is replayed.
	KindTransient
	// KindIntegrity is a real constraint violation; translated to a
	// ValidationError without retrying.
	KindIntegrity
)

// Classify maps an error onto retry behavior: the ErrConflict marker
// and SQLSTATEs 40001/40P01 are write conflicts worth replaying, class
// 23 is an integrity violation the caller must fix.
func Classify(err error) Kind {
	if errors.Is(err, ErrConflict) {
		return KindTransient
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return KindFatal
	}
	switch pqErr.Code {
	case "40001", "40P01":
		return KindTransient
	}
	if pqErr.Code.Class() == "23" {
		return KindIntegrity
	}
	return KindFatal
}

// Work is one retryable invocation. Reset rolls back the in-flight
// transaction and request-scoped caches; it runs after every failed
// attempt, retryable or not, so shared process state never leaks into
// a later request. Uploads lists request body streams already consumed
// by the attempt; they are rewound before a replay so the retried call
// sees the same input bytes.
type Work struct {
	Do      func(ctx context.Context) (any, error)
	Reset   func()
	Uploads []io.Seeker
}

// Executor replays transient write conflicts with jittered exponential
// backoff. The zero value is not usable; call New.
type Executor struct {
	MaxTries   int
	BackoffCap time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	// overridable in tests
	sleep func(ctx context.Context, d time.Duration) error
	randF func() float64
}

func New(maxTries int, backoffCap time.Duration, logger *slog.Logger, m *metrics.Metrics) *Executor {
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	if backoffCap <= 0 {
		backoffCap = DefaultBackoffCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		MaxTries:   maxTries,
		BackoffCap: backoffCap,
		logger:     logger,
		metrics:    m,
		sleep:      sleepCtx,
		randF:      rand.Float64,
	}
}

// Execute runs w, replaying transient conflicts up to MaxTries total
// attempts. Exhaustion propagates the last transient error.
func (e *Executor) Execute(ctx context.Context, w Work) (any, error) {
	var last error
	for attempt := 1; attempt <= e.MaxTries; attempt++ {
		v, err := w.Do(ctx)
		if err == nil {
			return v, nil
		}
		reset(w)

		switch Classify(err) {
		case KindIntegrity:
			return nil, asValidation(err)
		case KindFatal:
			return nil, err
		}

		last = err
		e.metrics.RetryAttempt()
		if attempt == e.MaxTries {
			break
		}
		if err := rewindUploads(w.Uploads); err != nil {
			return nil, err
		}
		d := e.backoff(attempt)
		e.logger.Info("transient write conflict, retrying",
			"attempt", attempt, "backoff", d, "error", err)
		if err := e.sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d tries: %w", e.MaxTries, last)
}

func reset(w Work) {
	if w.Reset != nil {
		w.Reset()
	}
}

// rewindUploads seeks consumed request streams back to zero. A stream
// that cannot be rewound makes the replay unsafe, so it fails hard.
func rewindUploads(uploads []io.Seeker) error {
	for _, s := range uploads {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("cannot rewind upload stream for retry: %w", err)
		}
	}
	return nil
}

// backoff draws a uniform duration from an exponentially growing,
// capped window.
func (e *Executor) backoff(attempt int) time.Duration {
	upper := backoffBase << attempt
	if upper > e.BackoffCap || upper <= 0 {
		upper = e.BackoffCap
	}
	return time.Duration(e.randF() * float64(upper))
}

func asValidation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		object := pqErr.Table
		if object == "" {
			object = pqErr.Schema
		}
		return &ValidationError{Object: object, Constraint: pqErr.Constraint, Err: err}
	}
	return &ValidationError{Err: err}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
