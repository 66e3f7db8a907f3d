package engine

import (
	"context"
	"errors"

	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// DrainReport summarizes a queue drain.
type DrainReport struct {
	Status Status       `json:"status"`
	Queue  queue.Result `json:"queue"`
	Err    error        `json:"-"`
}

// DrainQueue replays every queued entry. It holds the sync lock for the
// whole drain; if another run has it, the drain is skipped and reported
// as deferred, since the entries are still queued.
func (e *Engine) DrainQueue(ctx context.Context) DrainReport {
	release, err := e.begin()
	if errors.Is(err, lock.ErrLocked) {
		e.logger.Info("sync lock busy, skipping drain")
		return DrainReport{Status: StatusDeferred}
	}
	if err != nil {
		return DrainReport{Status: StatusFailed, Err: syncerr.Wrap(syncerr.KindLocal, "sync lock", err)}
	}
	defer release()

	res, err := e.queue.Drain(ctx, e.replay)
	rep := DrainReport{Status: StatusDone, Queue: res, Err: err}
	switch {
	case err != nil:
		rep.Status = StatusFailed
	case res.Processed == 0:
		rep.Status = StatusSkipped
	case len(res.Kept) > 0:
		rep.Status = StatusQueued
	}
	return rep
}

// replay handles one queue entry. The queue decides from the error
// whether the entry stays, so nothing is appended here.
func (e *Engine) replay(ctx context.Context, entry string) error {
	r := Result{Trigger: TriggerDrain, Entry: entry}
	id, isRemote := queue.ParseEntry(entry)

	var err error
	if isRemote {
		r.Outcome, err = e.pullRemote(ctx, id)
	} else {
		r.Outcome, err = e.pushLocal(ctx, id, "")
		if errors.Is(err, syncerr.ErrNotFound) {
			e.logger.Info("queued task no longer exists, dropping", "local", id)
		}
	}

	r.Err = err
	switch {
	case err == nil:
		r.Status = StatusDone
	case syncerr.IsRetryable(err):
		r.Status = StatusQueued
	case syncerr.KindOf(err) == syncerr.KindValidation:
		r.Status = StatusDiscarded
	default:
		r.Status = StatusFailed
	}
	e.emit(r)
	return err
}
