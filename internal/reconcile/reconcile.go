// Package reconcile applies one change event to the counterpart store.
//
// A Reconciler handles events in both directions:
//
//	Pull: a remote record changed; create, update or delete its local
//	      counterpart.
//	Push: a local record changed; create, update or delete its remote
//	      counterpart.
//
// Each event walks a small state machine. It starts in StateNew, moves to
// StateLinked once a counterpart is known (found or created), and ends in
// StateTerminal after a deletion. A correlation that would break the 1:1
// mapping leaves it in StateConflicted.
//
// Existing counterparts get field-level diffs only. Tag and label
// additions and removals are separate calls, so a failure half-way leaves
// a residue that a replay finishes.
//
// The Reconciler assumes its caller holds the sync lock.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/tasksync/internal/correlate"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/resolve"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/taskwarrior"
)

// Direction is the flow of an event.
type Direction string

const (
	Pull Direction = "pull"
	Push Direction = "push"
)

// EventKind is what happened to the source record.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Action is what the reconciler did to the counterpart.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
	// ActionLinked means an existing counterpart was adopted during a
	// creation event (a detected race).
	ActionLinked Action = "linked"
	ActionNoop   Action = "noop"
)

// State is the position of an event in the reconciliation state machine.
type State string

const (
	StateNew        State = "new"
	StateLinked     State = "linked"
	StateConflicted State = "conflicted"
	StateTerminal   State = "terminal"
)

// Outcome reports what one event did.
type Outcome struct {
	Direction  Direction          `json:"direction"`
	Event      EventKind          `json:"event"`
	Action     Action             `json:"action,omitempty"`
	State      State              `json:"state"`
	LocalID    string             `json:"local_id,omitempty"`
	RemoteID   string             `json:"remote_id,omitempty"`
	Scope      string             `json:"scope,omitempty"`
	Title      string             `json:"title,omitempty"`
	Confidence resolve.Confidence `json:"confidence"`

	// Changed names the counterpart fields written.
	Changed []string `json:"changed,omitempty"`

	// Skipped names changes deliberately not applied (recurrence clears).
	Skipped []string `json:"skipped,omitempty"`
}

// RemoteEvent is a change reported by the remote store.
type RemoteEvent struct {
	Kind EventKind
	Task remote.Task

	// ProjectTitle is the title of the remote project holding the task.
	ProjectTitle string
}

// LocalEvent is a change reported by the local store.
type LocalEvent struct {
	Kind EventKind
	Task task.Task

	// Project, when set, overrides the remote project title the record
	// is pushed into.
	Project string
}

// Config wires a Reconciler.
type Config struct {
	Local  taskwarrior.Store
	Remote remote.Backend
	Index  *correlate.Index
	Scopes correlate.Scopes

	// Now stamps local completion times. Defaults to time.Now.
	Now func() time.Time

	Logger *log.Logger
}

// Reconciler applies events. It is not safe for concurrent use; callers
// serialize runs with the sync lock.
type Reconciler struct {
	local    taskwarrior.Store
	remote   remote.Backend
	index    *correlate.Index
	scopes   correlate.Scopes
	resolver *resolve.Resolver
	now      func() time.Time
	logger   *log.Logger
}

// New returns a Reconciler.
func New(cfg Config) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("reconcile")
	}
	return &Reconciler{
		local:  cfg.Local,
		remote: cfg.Remote,
		index:  cfg.Index,
		scopes: cfg.Scopes,
		resolver: resolve.New(resolve.Config{
			Local:  cfg.Local,
			Remote: cfg.Remote,
			Index:  cfg.Index,
			Scopes: cfg.Scopes,
			Logger: cfg.Logger.WithPrefix("resolve"),
		}),
		now:    cfg.Now,
		logger: cfg.Logger,
	}
}

// fail annotates out with the failure state implied by err.
func fail(out Outcome, err error) (Outcome, error) {
	if syncerr.KindOf(err) == syncerr.KindConflict {
		out.State = StateConflicted
	}
	return out, err
}

// link records the correlation of an event's pair. A conflict is
// returned; a failed write is only logged because the id annotation lets
// the next run repair the index.
func (r *Reconciler) link(scope, localID, remoteID string) error {
	err := r.index.Link(scope, localID, remoteID)
	switch {
	case errors.Is(err, correlate.ErrConflict):
		return syncerr.Wrap(syncerr.KindConflict, "link", err)
	case err != nil:
		r.logger.Warn("failed to persist correlation", "local", localID, "remote", remoteID, "err", err)
	}
	return nil
}

// annotateID makes the record's id annotation point at remoteID.
func (r *Reconciler) annotateID(ctx context.Context, lt *task.Task, remoteID string) (bool, error) {
	current, ok := lt.RemoteID()
	if ok && current == remoteID {
		return false, nil
	}
	if ok {
		if err := r.local.Denotate(ctx, lt.UUID, task.RemoteIDAnnotation(current)); err != nil {
			r.logger.Warn("failed to drop stale id annotation", "local", lt.UUID, "remote", current, "err", err)
		}
	}
	if err := r.local.Annotate(ctx, lt.UUID, task.RemoteIDAnnotation(remoteID)); err != nil {
		return false, err
	}
	return true, nil
}
