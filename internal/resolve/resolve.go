// Package resolve finds the counterpart of a record in the other store.
//
// Resolution runs in strict order:
//
//  1. direct id: the correlation index, then the remote_id annotation.
//     A hit is exact and ends the search.
//  2. content match: same title in the same scope. A content match is
//     provisional; records in another scope are rejected even when the
//     title matches, and deleted local records are never candidates.
//
// A provisional match found while handling a creation event means the
// other side created the record first. The match is flagged as a race so
// the reconciler links the two instead of creating a duplicate.
//
// Annotation hits the index did not know about are written back to the
// index before returning.
package resolve

import (
	"context"
	"errors"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/tasksync/internal/correlate"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/taskwarrior"
)

// Confidence grades a match.
type Confidence int

const (
	// NoMatch means no counterpart exists.
	NoMatch Confidence = iota
	// Provisional is a content match.
	Provisional
	// Exact is an id match.
	Exact
)

func (c Confidence) String() string {
	switch c {
	case Provisional:
		return "provisional"
	case Exact:
		return "exact"
	default:
		return "none"
	}
}

// MarshalText renders the confidence by name.
func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Source records which step produced a match.
type Source string

const (
	SourceIndex      Source = "index"
	SourceAnnotation Source = "annotation"
	SourceContent    Source = "content"
)

// Config wires a Resolver.
type Config struct {
	Local  taskwarrior.Store
	Remote remote.Backend
	Index  *correlate.Index
	Scopes correlate.Scopes
	Logger *log.Logger
}

// Resolver looks up counterparts. It holds no state beyond its
// collaborators; callers serialize runs with the sync lock.
type Resolver struct {
	local  taskwarrior.Store
	remote remote.Backend
	index  *correlate.Index
	scopes correlate.Scopes
	logger *log.Logger
}

// New returns a Resolver.
func New(cfg Config) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("resolve")
	}
	return &Resolver{
		local:  cfg.Local,
		remote: cfg.Remote,
		index:  cfg.Index,
		scopes: cfg.Scopes,
		logger: cfg.Logger,
	}
}

// LocalQuery describes a remote record whose local counterpart is wanted.
type LocalQuery struct {
	RemoteID string
	Title    string

	// Scope is the local project the remote record belongs to.
	Scope string

	// Creation is set for task-created events.
	Creation bool
}

// LocalMatch is the result of Local.
type LocalMatch struct {
	Task       *task.Task
	Confidence Confidence
	Source     Source

	// Race is set for a provisional match on a creation event.
	Race bool
}

// Local finds the local counterpart of a remote record.
func (r *Resolver) Local(ctx context.Context, q LocalQuery) (LocalMatch, error) {
	var candidates []task.Task
	loaded := false
	load := func() error {
		if loaded {
			return nil
		}
		var err error
		candidates, err = r.local.Export(ctx, "status.not:deleted")
		loaded = err == nil
		return err
	}

	if q.RemoteID != "" {
		if e, ok := r.index.ByRemote(q.RemoteID); ok {
			t, err := r.local.Get(ctx, e.LocalID)
			if err != nil {
				return LocalMatch{}, err
			}
			if t != nil {
				return LocalMatch{Task: t, Confidence: Exact, Source: SourceIndex}, nil
			}
			r.logger.Warn("dropping stale correlation", "local", e.LocalID, "remote", q.RemoteID)
			if err := r.index.UnlinkRemote(q.RemoteID); err != nil {
				return LocalMatch{}, syncerr.Wrap(syncerr.KindLocal, "unlink", err)
			}
		}

		if err := load(); err != nil {
			return LocalMatch{}, err
		}
		for i := range candidates {
			t := &candidates[i]
			if id, ok := t.RemoteID(); ok && id == q.RemoteID {
				if err := r.repair(r.scopes.Of(t.Project), t.UUID, q.RemoteID); err != nil {
					return LocalMatch{}, err
				}
				return LocalMatch{Task: t, Confidence: Exact, Source: SourceAnnotation}, nil
			}
		}
	}

	if q.Title == "" {
		return LocalMatch{}, nil
	}
	if err := load(); err != nil {
		return LocalMatch{}, err
	}
	for i := range candidates {
		t := &candidates[i]
		if t.IsDeleted() || t.Description != q.Title {
			continue
		}
		if scope := r.scopes.Of(t.Project); scope != q.Scope {
			r.logger.Info("title match in another scope, not linking",
				"local", t.UUID, "title", q.Title, "scope", scope, "want", q.Scope)
			continue
		}
		if id, ok := t.RemoteID(); ok && id != q.RemoteID {
			continue
		}
		if e, ok := r.index.ByLocal(t.UUID); ok && e.RemoteID != q.RemoteID {
			continue
		}
		return LocalMatch{
			Task:       t,
			Confidence: Provisional,
			Source:     SourceContent,
			Race:       q.Creation && q.RemoteID != "",
		}, nil
	}
	return LocalMatch{}, nil
}

// RemoteQuery describes a local record whose remote counterpart is wanted.
type RemoteQuery struct {
	Local *task.Task

	// Scope is the index scope of the local record.
	Scope string

	// ProjectID is the remote project searched by the content match.
	ProjectID string

	// Creation is set for on-add events.
	Creation bool
}

// RemoteMatch is the result of Remote.
type RemoteMatch struct {
	Task       *remote.Task
	Confidence Confidence
	Source     Source
	Race       bool

	// Gone is set when the index or a remote_id annotation named a record
	// that no longer exists. Task may still hold a content match.
	Gone bool
}

// Remote finds the remote counterpart of a local record.
func (r *Resolver) Remote(ctx context.Context, q RemoteQuery) (RemoteMatch, error) {
	lt := q.Local
	gone := false

	if e, ok := r.index.ByLocal(lt.UUID); ok {
		rt, err := r.remote.GetTask(ctx, e.RemoteID)
		if err != nil {
			return RemoteMatch{}, err
		}
		if rt != nil {
			return RemoteMatch{Task: rt, Confidence: Exact, Source: SourceIndex}, nil
		}
		r.logger.Warn("dropping stale correlation", "local", lt.UUID, "remote", e.RemoteID)
		if err := r.index.UnlinkLocal(lt.UUID); err != nil {
			return RemoteMatch{}, syncerr.Wrap(syncerr.KindLocal, "unlink", err)
		}
		gone = true
	}

	if id, ok := lt.RemoteID(); ok {
		rt, err := r.remote.GetTask(ctx, id)
		if err != nil && syncerr.KindOf(err) != syncerr.KindValidation {
			return RemoteMatch{}, err
		}
		if rt != nil {
			if err := r.repair(q.Scope, lt.UUID, rt.ID); err != nil {
				return RemoteMatch{}, err
			}
			return RemoteMatch{Task: rt, Confidence: Exact, Source: SourceAnnotation}, nil
		}
		r.logger.Debug("id annotation points at a missing record", "local", lt.UUID, "remote", id)
		gone = true
	}

	if q.ProjectID == "" || lt.Description == "" {
		return RemoteMatch{Gone: gone}, nil
	}
	tasks, err := r.remote.ListProjectTasks(ctx, q.ProjectID)
	if err != nil {
		return RemoteMatch{}, err
	}
	for i := range tasks {
		rt := &tasks[i]
		if rt.Title != lt.Description {
			continue
		}
		if rt.ProjectID != "" && rt.ProjectID != q.ProjectID {
			r.logger.Info("title match in another project, not linking",
				"remote", rt.ID, "title", rt.Title, "project", rt.ProjectID, "want", q.ProjectID)
			continue
		}
		if e, ok := r.index.ByRemote(rt.ID); ok && e.LocalID != lt.UUID {
			continue
		}
		return RemoteMatch{Task: rt, Confidence: Provisional, Source: SourceContent, Race: q.Creation, Gone: gone}, nil
	}
	return RemoteMatch{Gone: gone}, nil
}

// repair writes an annotation-derived correlation into the index.
func (r *Resolver) repair(scope, localID, remoteID string) error {
	if e, ok := r.index.ByLocal(localID); ok && e.RemoteID == remoteID && e.Scope == scope {
		return nil
	}
	err := r.index.Link(scope, localID, remoteID)
	switch {
	case errors.Is(err, correlate.ErrConflict):
		return syncerr.Wrap(syncerr.KindConflict, "repair correlation", err)
	case err != nil:
		return syncerr.Wrap(syncerr.KindLocal, "repair correlation", err)
	}
	r.logger.Info("repaired correlation from annotation", "local", localID, "remote", remoteID)
	return nil
}
