// Package transport holds the resilient request loop shared by the remote
// backends: circuit-breaker gating, per-attempt timeouts, and exponential
// backoff on transient failures.
//
// A backend describes one HTTP exchange as an attempt function. Do runs it
// until it succeeds, fails permanently, or runs out of attempts, and
// classifies the final error into a syncerr kind.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/tasksync/internal/breaker"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// Policy configures the request loop.
type Policy struct {
	// Timeout bounds each attempt.
	Timeout time.Duration

	// MaxRetries is the total number of attempts.
	MaxRetries int

	// BackoffBase is the delay after the first failure; it doubles after
	// each further failure.
	BackoffBase time.Duration

	// Breaker, if set, gates every request and counts exhausted ones.
	Breaker *breaker.Breaker

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *log.Logger
}

// DefaultPolicy returns 3 attempts, 1s base backoff, 30s per attempt.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:     30 * time.Second,
		MaxRetries:  3,
		BackoffBase: time.Second,
	}
}

// WithDefaults fills zero fields from DefaultPolicy.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.Sleep == nil {
		p.Sleep = SleepContext
	}
	if p.Logger == nil {
		p.Logger = log.Default()
	}
	return p
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Is makes 404 responses match syncerr.ErrNotFound.
func (e *StatusError) Is(target error) bool {
	return target == syncerr.ErrNotFound && e.Status == http.StatusNotFound
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

// PermanentError marks an attempt failure that must not be retried even
// though it is not an HTTP status (an unparsable response body, say).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Retryable reports whether an attempt error warrants another attempt.
// 5xx responses and transport errors do; 4xx responses and permanent
// errors do not.
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500
	}
	var pe *PermanentError
	return !errors.As(err, &pe)
}

// Do runs attempt under the policy. op names the request in logs and
// errors. The returned error is nil or a *syncerr.Error of kind
// CircuitOpen, Transient or Permanent.
//
// Failed attempts are followed by a sleep of BackoffBase, doubling each
// time; the last attempt's failure returns without sleeping.
func (p Policy) Do(ctx context.Context, op string, attempt func(ctx context.Context) error) error {
	if p.Breaker != nil {
		if err := p.Breaker.Allow(); err != nil {
			return syncerr.Wrap(syncerr.KindCircuitOpen, op, err)
		}
	}

	var lastErr error
	for i := 0; i < p.MaxRetries; i++ {
		if i > 0 {
			p.Logger.Warn(fmt.Sprintf("%s (attempt %d/%d)", op, i+1, p.MaxRetries), "err", lastErr)
		}

		err := p.once(ctx, attempt)
		if err == nil {
			p.success()
			return nil
		}
		if !Retryable(err) {
			// The server answered; it is up even if it rejected us.
			p.success()
			return syncerr.Wrap(syncerr.KindPermanent, op, err)
		}
		lastErr = err

		if i < p.MaxRetries-1 {
			if err := p.Sleep(ctx, p.BackoffBase<<i); err != nil {
				break
			}
		}
	}

	if p.Breaker != nil {
		p.Breaker.Failure()
	}
	return syncerr.Wrap(syncerr.KindTransient, op, lastErr)
}

func (p Policy) once(ctx context.Context, attempt func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return attempt(ctx)
}

func (p Policy) success() {
	if p.Breaker != nil {
		p.Breaker.Success()
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Truncate shortens a response body for error messages.
func Truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
