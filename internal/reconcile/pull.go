package reconcile

import (
	"context"
	"sort"

	"github.com/mschirtzinger/tasksync/internal/mapper"
	"github.com/mschirtzinger/tasksync/internal/resolve"
	"github.com/mschirtzinger/tasksync/internal/task"
)

// Pull applies a remote change to the local store.
func (r *Reconciler) Pull(ctx context.Context, ev RemoteEvent) (Outcome, error) {
	rt := ev.Task
	project := r.scopes.Local(ev.ProjectTitle)
	scope := r.scopes.Of(project)

	out := Outcome{
		Direction: Pull,
		Event:     ev.Kind,
		State:     StateNew,
		RemoteID:  rt.ID,
		Scope:     scope,
		Title:     rt.Title,
	}

	m, err := r.resolver.Local(ctx, resolve.LocalQuery{
		RemoteID: rt.ID,
		Title:    rt.Title,
		Scope:    scope,
		Creation: ev.Kind == EventCreated,
	})
	if err != nil {
		return fail(out, err)
	}
	out.Confidence = m.Confidence
	if m.Task != nil {
		out.LocalID = m.Task.UUID
		out.State = StateLinked
	}

	switch {
	case ev.Kind == EventDeleted:
		return r.pullDelete(ctx, out, m.Task)
	case m.Task == nil:
		return r.pullCreate(ctx, out, mapper.ToLocal(&rt, project))
	default:
		return r.pullUpdate(ctx, out, ev, project, m)
	}
}

func (r *Reconciler) pullDelete(ctx context.Context, out Outcome, lt *task.Task) (Outcome, error) {
	out.State = StateTerminal
	if lt == nil || lt.IsDeleted() {
		out.Action = ActionNoop
		if err := r.index.UnlinkRemote(out.RemoteID); err != nil {
			r.logger.Warn("failed to drop correlation", "remote", out.RemoteID, "err", err)
		}
		r.logger.Debug("local counterpart already absent", "remote", out.RemoteID)
		return out, nil
	}

	if err := r.local.Delete(ctx, lt.UUID); err != nil {
		out.State = StateLinked
		return out, err
	}
	if err := r.index.UnlinkLocal(lt.UUID); err != nil {
		r.logger.Warn("failed to drop correlation", "local", lt.UUID, "err", err)
	}
	out.Action = ActionDeleted
	r.logger.Info("deleted local task", "local", lt.UUID, "remote", out.RemoteID)
	return out, nil
}

func (r *Reconciler) pullCreate(ctx context.Context, out Outcome, want task.Task) (Outcome, error) {
	if want.Status == task.StatusCompleted {
		want.End = task.FormatTime(r.now())
	}
	id, err := r.local.Add(ctx, &want)
	if err != nil {
		return out, err
	}
	out.LocalID = id
	out.Action = ActionCreated
	out.State = StateLinked

	if err := r.link(out.Scope, id, out.RemoteID); err != nil {
		return fail(out, err)
	}
	r.logger.Info("created local task", "local", id, "remote", out.RemoteID, "title", want.Description)
	return out, nil
}

func (r *Reconciler) pullUpdate(ctx context.Context, out Outcome, ev RemoteEvent, project string, m resolve.LocalMatch) (Outcome, error) {
	have := m.Task
	if have.IsDeleted() {
		// The local deletion is on its way upstream.
		out.Action = ActionNoop
		out.State = StateTerminal
		return out, nil
	}

	// Link first: if a later write fails, the replay resolves by id.
	if err := r.link(out.Scope, have.UUID, out.RemoteID); err != nil {
		return fail(out, err)
	}
	annotated, err := r.annotateID(ctx, have, out.RemoteID)
	if err != nil {
		return out, err
	}
	if annotated && m.Source == resolve.SourceContent {
		r.logger.Info("linked existing local task", "local", have.UUID, "remote", out.RemoteID, "race", m.Race)
	}

	want := mapper.ToLocal(&ev.Task, project)
	if r.scopes.Of(have.Project) == out.Scope {
		// Same scope, possibly spelled as the empty default project.
		want.Project = have.Project
	}
	patch := mapper.DiffLocal(&want, have)
	if patch.SkippedRecurClear {
		out.Skipped = append(out.Skipped, "recur")
		r.logger.Debug("not clearing local recurrence", "local", have.UUID)
	}

	fields := task.Modification{Set: patch.Mod.Set, Clear: patch.Mod.Clear}
	if err := r.local.Modify(ctx, have.UUID, fields); err != nil {
		return out, err
	}
	out.Changed = append(out.Changed, modifiedFields(fields)...)

	if len(patch.Mod.TagsAdd) > 0 {
		if err := r.local.Modify(ctx, have.UUID, task.Modification{TagsAdd: patch.Mod.TagsAdd}); err != nil {
			return out, err
		}
		out.Changed = append(out.Changed, "tags+")
	}
	if len(patch.Mod.TagsRemove) > 0 {
		if err := r.local.Modify(ctx, have.UUID, task.Modification{TagsRemove: patch.Mod.TagsRemove}); err != nil {
			return out, err
		}
		out.Changed = append(out.Changed, "tags-")
	}

	notes := mapper.DiffNotes(ev.Task.Description, have)
	for _, ann := range notes.Remove {
		if err := r.local.Denotate(ctx, have.UUID, ann.Description); err != nil {
			return out, err
		}
	}
	if notes.Add != "" {
		if err := r.local.Annotate(ctx, have.UUID, notes.Add); err != nil {
			return out, err
		}
	}
	if !notes.IsEmpty() {
		out.Changed = append(out.Changed, "notes")
	}

	switch mapper.LocalTransition(ev.Task.Done, have.Status) {
	case mapper.Complete:
		if err := r.local.Complete(ctx, have.UUID); err != nil {
			return out, err
		}
		out.Changed = append(out.Changed, "status")
	case mapper.Reopen:
		reopen := task.Modification{Set: map[string]string{"status": string(task.StatusPending)}}
		if err := r.local.Modify(ctx, have.UUID, reopen); err != nil {
			return out, err
		}
		out.Changed = append(out.Changed, "status")
	}

	switch {
	case m.Race:
		out.Action = ActionLinked
	case len(out.Changed) > 0 || annotated:
		out.Action = ActionUpdated
	default:
		out.Action = ActionNoop
	}
	if out.Action != ActionNoop {
		r.logger.Info("pulled remote change", "local", have.UUID, "remote", out.RemoteID, "action", out.Action, "changed", out.Changed)
	}
	return out, nil
}

func modifiedFields(m task.Modification) []string {
	var out []string
	for k := range m.Set {
		out = append(out, k)
	}
	out = append(out, m.Clear...)
	sort.Strings(out)
	return out
}
