package engine

import (
	"bytes"
	"context"
	"errors"

	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/task"
)

// hookLines splits hook input into its record lines. Each line keeps its
// bytes exactly; only the line terminators are dropped.
func hookLines(input []byte) [][]byte {
	var lines [][]byte
	for len(input) > 0 {
		line, rest, _ := bytes.Cut(input, []byte("\n"))
		lines = append(lines, line)
		input = rest
	}
	return lines
}

// echoLine returns the bytes a hook must write back for line.
func echoLine(line []byte) []byte {
	out := make([]byte, 0, len(line)+1)
	return append(append(out, line...), '\n')
}

// HandleHook implements the on-add and on-modify hook protocol. on-add
// sends one line (the new record); on-modify sends two (original, then
// modified). The returned bytes are what the hook must print: the new or
// modified record, unchanged. They do not depend on the Result.
func (e *Engine) HandleHook(ctx context.Context, input []byte) ([]byte, Result) {
	r := Result{Trigger: TriggerHook}
	lines := hookLines(input)
	if len(lines) == 0 {
		r.Status = StatusDiscarded
		r.Err = syncerr.New(syncerr.KindValidation, "hook", "no input")
		return nil, e.emit(r)
	}

	kind := reconcile.EventCreated
	line := lines[0]
	if len(lines) >= 2 {
		kind = reconcile.EventUpdated
		line = lines[1]
	}
	return echoLine(line), e.hook(ctx, r, line, kind)
}

// HookEcho returns what a hook must print for input without syncing
// anything: the last record line (the new, modified, or deleted record),
// unchanged. Callers use it when the engine cannot be built.
func HookEcho(input []byte) []byte {
	lines := hookLines(input)
	if len(lines) == 0 {
		return nil
	}
	n := len(lines) - 1
	if n > 1 {
		n = 1
	}
	return echoLine(lines[n])
}

// HandleDeleteHook implements the on-delete hook protocol: one line in,
// the same line out.
func (e *Engine) HandleDeleteHook(ctx context.Context, input []byte) ([]byte, Result) {
	r := Result{Trigger: TriggerHook}
	lines := hookLines(input)
	if len(lines) == 0 {
		r.Status = StatusDiscarded
		r.Err = syncerr.New(syncerr.KindValidation, "delete hook", "no input")
		return nil, e.emit(r)
	}
	echo := echoLine(lines[0])
	return echo, e.hook(ctx, r, lines[0], reconcile.EventDeleted)
}

func (e *Engine) hook(ctx context.Context, r Result, line []byte, kind reconcile.EventKind) Result {
	if e.reentrant() {
		r.Status = StatusSkipped
		return r
	}

	lt, err := task.Parse(line)
	if err == nil {
		err = lt.Validate()
	}
	if err != nil {
		r.Status = StatusDiscarded
		r.Err = syncerr.Wrap(syncerr.KindValidation, "hook", err)
		return e.emit(r)
	}
	r.Entry = lt.UUID
	return e.push(ctx, r, reconcile.LocalEvent{Kind: kind, Task: *lt})
}

// Push reconciles the local record with this uuid into the remote store.
func (e *Engine) Push(ctx context.Context, uuid string) Result {
	return e.pushByID(ctx, uuid, "")
}

// MoveProject pushes the local record as if it lived in project, without
// changing the local record.
func (e *Engine) MoveProject(ctx context.Context, uuid, project string) Result {
	return e.pushByID(ctx, uuid, project)
}

func (e *Engine) pushByID(ctx context.Context, uuid, project string) Result {
	r := Result{Trigger: TriggerPush, Entry: uuid}

	release, err := e.begin()
	if errors.Is(err, lock.ErrLocked) {
		return e.emit(e.deferEntry(ctx, r))
	}
	if err != nil {
		r.Status = StatusFailed
		r.Err = syncerr.Wrap(syncerr.KindLocal, "sync lock", err)
		return e.emit(r)
	}
	defer release()

	out, err := e.pushLocal(ctx, uuid, project)
	r.Outcome = out
	return e.emit(e.settle(ctx, r, err))
}

// pushLocal exports a record and pushes it. The caller holds the sync lock.
func (e *Engine) pushLocal(ctx context.Context, uuid, project string) (reconcile.Outcome, error) {
	out := reconcile.Outcome{Direction: reconcile.Push, LocalID: uuid}
	lt, err := e.local.Get(ctx, uuid)
	if err != nil {
		return out, err
	}
	if lt == nil {
		return out, syncerr.Wrap(syncerr.KindValidation, "push", &missingError{uuid})
	}
	kind := reconcile.EventUpdated
	if lt.IsDeleted() {
		kind = reconcile.EventDeleted
	}
	return e.reconciler.Push(ctx, reconcile.LocalEvent{Kind: kind, Task: *lt, Project: project})
}

// push runs a hook event under the sync lock, deferring when it is busy.
func (e *Engine) push(ctx context.Context, r Result, ev reconcile.LocalEvent) Result {
	release, err := e.begin()
	if errors.Is(err, lock.ErrLocked) {
		e.logger.Info("sync lock busy, deferring hook", "local", ev.Task.UUID)
		return e.emit(e.deferEntry(ctx, r))
	}
	if err != nil {
		r.Status = StatusFailed
		r.Err = syncerr.Wrap(syncerr.KindLocal, "sync lock", err)
		return e.emit(r)
	}
	defer release()

	out, err := e.reconciler.Push(ctx, ev)
	r.Outcome = out
	return e.emit(e.settle(ctx, r, err))
}

type missingError struct{ uuid string }

func (e *missingError) Error() string { return "no local task " + e.uuid }

func (e *missingError) Is(target error) bool { return target == syncerr.ErrNotFound }
