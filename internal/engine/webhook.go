package engine

import (
	"context"
	"errors"

	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/remote/vikunja"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// HandleWebhook reconciles one webhook delivery into the local store.
func (e *Engine) HandleWebhook(ctx context.Context, payload []byte) Result {
	r := Result{Trigger: TriggerWebhook}

	wh, err := vikunja.DecodeWebhook(payload)
	if err != nil {
		r.Status = StatusDiscarded
		r.Err = err
		return e.emit(r)
	}
	if wh.Task.ID != "" {
		r.Entry = queue.RemoteEntry(wh.Task.ID)
	}

	var kind reconcile.EventKind
	switch wh.Event {
	case vikunja.EventTaskCreated:
		kind = reconcile.EventCreated
	case vikunja.EventTaskUpdated:
		kind = reconcile.EventUpdated
	case vikunja.EventTaskDeleted:
		kind = reconcile.EventDeleted
	default:
		e.logger.Debug("ignoring webhook event", "event", wh.Event)
		r.Status = StatusSkipped
		return e.emit(r)
	}
	if r.Entry == "" {
		r.Status = StatusDiscarded
		r.Err = syncerr.New(syncerr.KindValidation, "webhook", "task has no id")
		return e.emit(r)
	}

	release, err := e.begin()
	if errors.Is(err, lock.ErrLocked) {
		e.logger.Info("sync lock busy, deferring webhook", "remote", wh.Task.ID)
		return e.emit(e.deferEntry(ctx, r))
	}
	if err != nil {
		r.Status = StatusFailed
		r.Err = syncerr.Wrap(syncerr.KindLocal, "sync lock", err)
		return e.emit(r)
	}
	defer release()

	out, err := e.reconciler.Pull(ctx, reconcile.RemoteEvent{Kind: kind, Task: wh.Task, ProjectTitle: wh.ProjectTitle})
	r.Outcome = out
	return e.emit(e.settle(ctx, r, err))
}

// pullRemote replays a remote entry: the record is fetched fresh, and
// an absent record replays as a deletion.
func (e *Engine) pullRemote(ctx context.Context, id string) (reconcile.Outcome, error) {
	rt, err := e.remote.GetTask(ctx, id)
	if err != nil {
		return reconcile.Outcome{Direction: reconcile.Pull, RemoteID: id}, err
	}
	if rt == nil {
		return e.reconciler.Pull(ctx, reconcile.RemoteEvent{Kind: reconcile.EventDeleted, Task: remote.Task{ID: id}})
	}
	title, err := e.projectTitle(ctx, rt.ProjectID)
	if err != nil {
		return reconcile.Outcome{Direction: reconcile.Pull, RemoteID: id}, err
	}
	return e.reconciler.Pull(ctx, reconcile.RemoteEvent{Kind: reconcile.EventUpdated, Task: *rt, ProjectTitle: title})
}

func (e *Engine) projectTitle(ctx context.Context, projectID string) (string, error) {
	if projectID == "" {
		return e.scopes.Remote(""), nil
	}
	projects, err := e.remote.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.ID == projectID {
			return p.Title, nil
		}
	}
	return "", syncerr.Errorf(syncerr.KindPermanent, "project lookup", "project %s not visible", projectID)
}
