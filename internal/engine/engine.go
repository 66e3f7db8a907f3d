// Package engine runs one sync invocation end to end.
//
// Every entry point follows the same shape: take the sync lock without
// waiting, refresh per-run state, reconcile, and release. A busy lock
// defers the event to the retry queue instead of dropping it; a
// retryable failure queues it too. Callers get a Result telling them
// which of those happened.
//
// Lock order is always sync lock, then queue lock.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/tasksync/internal/correlate"
	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/taskwarrior"
)

// Status is what happened to one event.
type Status string

const (
	// StatusDone means the event was reconciled.
	StatusDone Status = "done"
	// StatusDeferred means another run held the sync lock; the event is
	// in the retry queue.
	StatusDeferred Status = "deferred"
	// StatusQueued means reconciliation failed transiently and the event
	// is in the retry queue.
	StatusQueued Status = "queued"
	// StatusFailed means reconciliation failed and will not be retried.
	StatusFailed Status = "failed"
	// StatusDiscarded means the event itself was unusable.
	StatusDiscarded Status = "discarded"
	// StatusSkipped means there was nothing to do.
	StatusSkipped Status = "skipped"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerHook    Trigger = "hook"
	TriggerPush    Trigger = "push"
	TriggerDrain   Trigger = "drain"
)

// Result reports one event.
type Result struct {
	Trigger Trigger
	Entry   string
	Status  Status
	Outcome reconcile.Outcome
	Err     error
	At      time.Time
}

// Summary is a one-phrase description for logs and the CLI. A queued
// event behind an open breaker reads "circuit open".
func (r Result) Summary() string {
	switch {
	case r.Status == StatusQueued && syncerr.IsCircuitOpen(r.Err):
		return "circuit open"
	case r.Status == StatusDone && r.Outcome.Action != "":
		return string(r.Outcome.Action)
	}
	return string(r.Status)
}

// OK reports whether the caller should consider the event handled.
// Deferred and queued events are handled: they will be replayed.
func (r Result) OK() bool {
	switch r.Status {
	case StatusFailed, StatusDiscarded:
		return false
	}
	return true
}

// MarshalJSON renders the result with the error as text.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Trigger Trigger            `json:"trigger"`
		Entry   string             `json:"entry,omitempty"`
		Status  Status             `json:"status"`
		Summary string             `json:"summary"`
		Outcome *reconcile.Outcome `json:"outcome,omitempty"`
		Kind    string             `json:"error_kind,omitempty"`
		Error   string             `json:"error,omitempty"`
		At      time.Time          `json:"at"`
	}{
		Trigger: r.Trigger,
		Entry:   r.Entry,
		Status:  r.Status,
		Summary: r.Summary(),
		At:      r.At,
	}
	if r.Outcome.Direction != "" {
		o := r.Outcome
		out.Outcome = &o
	}
	if r.Err != nil {
		out.Kind = syncerr.KindOf(r.Err).String()
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Observer receives every result.
type Observer interface {
	Observe(Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Result)

// Observe implements Observer.
func (f ObserverFunc) Observe(r Result) { f(r) }

// Config wires an Engine.
type Config struct {
	Local  taskwarrior.Store
	Remote remote.Backend
	Index  *correlate.Index
	Scopes correlate.Scopes
	Guard  *lock.Guard
	Queue  *queue.Queue

	Observers []Observer

	// Reentrant reports whether this process was started by the engine's
	// own local-store commands. Defaults to checking taskwarrior.EnvRunning.
	Reentrant func() bool

	Now    func() time.Time
	Logger *log.Logger
}

// Engine is safe for concurrent use; runs are serialized by the sync lock.
type Engine struct {
	local      taskwarrior.Store
	remote     remote.Backend
	index      *correlate.Index
	scopes     correlate.Scopes
	guard      *lock.Guard
	queue      *queue.Queue
	reconciler *reconcile.Reconciler
	reentrant  func() bool
	now        func() time.Time
	logger     *log.Logger

	mu        sync.RWMutex
	observers []Observer
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Local == nil:
		return nil, errors.New("local store cannot be nil")
	case cfg.Remote == nil:
		return nil, errors.New("remote backend cannot be nil")
	case cfg.Index == nil:
		return nil, errors.New("correlation index cannot be nil")
	case cfg.Guard == nil:
		return nil, errors.New("lock guard cannot be nil")
	case cfg.Queue == nil:
		return nil, errors.New("retry queue cannot be nil")
	}
	if cfg.Reentrant == nil {
		cfg.Reentrant = func() bool { return os.Getenv(taskwarrior.EnvRunning) != "" }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("engine")
	}
	return &Engine{
		local:  cfg.Local,
		remote: cfg.Remote,
		index:  cfg.Index,
		scopes: cfg.Scopes,
		guard:  cfg.Guard,
		queue:  cfg.Queue,
		reconciler: reconcile.New(reconcile.Config{
			Local:  cfg.Local,
			Remote: cfg.Remote,
			Index:  cfg.Index,
			Scopes: cfg.Scopes,
			Now:    cfg.Now,
			Logger: cfg.Logger.WithPrefix("reconcile"),
		}),
		reentrant: cfg.Reentrant,
		now:       cfg.Now,
		logger:    cfg.Logger,
		observers: cfg.Observers,
	}, nil
}

// AddObserver registers o for every later result.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// Queue returns the retry queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Scopes returns the scope pairings.
func (e *Engine) Scopes() correlate.Scopes { return e.scopes }

func (e *Engine) emit(r Result) Result {
	r.At = e.now()
	e.mu.RLock()
	observers := e.observers
	e.mu.RUnlock()
	for _, o := range observers {
		o.Observe(r)
	}

	l := e.logger.With("trigger", r.Trigger, "entry", r.Entry, "status", r.Summary())
	switch r.Status {
	case StatusFailed:
		l.Error("sync failed", "err", r.Err)
	case StatusQueued, StatusDiscarded:
		l.Warn("sync incomplete", "err", r.Err)
	default:
		l.Debug("sync finished")
	}
	return r
}

// begin takes the sync lock and prepares per-run state. A busy lock
// returns lock.ErrLocked.
func (e *Engine) begin() (lock.Release, error) {
	release, err := e.guard.Sync.TryAcquire()
	if err != nil {
		return nil, err
	}
	e.remote.ClearCache()
	if err := e.index.Reload(); err != nil {
		e.logger.Warn("failed to reload correlation index", "err", err)
	}
	return release, nil
}

// deferEntry queues the event because another run holds the lock.
func (e *Engine) deferEntry(ctx context.Context, r Result) Result {
	if err := e.queue.Append(ctx, r.Entry); err != nil {
		r.Status = StatusFailed
		r.Err = fmt.Errorf("failed to queue deferred event: %w", err)
		return r
	}
	r.Status = StatusDeferred
	return r
}

// settle turns a reconciliation error into a status, queueing retryable
// failures.
func (e *Engine) settle(ctx context.Context, r Result, err error) Result {
	r.Err = err
	switch {
	case err == nil:
		r.Status = StatusDone
	case syncerr.IsRetryable(err):
		// Queue even if the run was cancelled.
		if qerr := e.queue.Append(context.WithoutCancel(ctx), r.Entry); qerr != nil {
			r.Status = StatusFailed
			r.Err = errors.Join(err, qerr)
			return r
		}
		r.Status = StatusQueued
	case syncerr.KindOf(err) == syncerr.KindValidation:
		r.Status = StatusDiscarded
	default:
		r.Status = StatusFailed
	}
	return r
}
