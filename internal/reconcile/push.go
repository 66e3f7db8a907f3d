package reconcile

import (
	"context"

	"github.com/mschirtzinger/tasksync/internal/mapper"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/resolve"
)

// Push applies a local change to the remote store.
func (r *Reconciler) Push(ctx context.Context, ev LocalEvent) (Outcome, error) {
	lt := ev.Task
	scope := r.scopes.Of(lt.Project)
	projectTitle := ev.Project
	if projectTitle == "" {
		projectTitle = r.scopes.Remote(lt.Project)
	}

	out := Outcome{
		Direction: Push,
		Event:     ev.Kind,
		State:     StateNew,
		LocalID:   lt.UUID,
		Scope:     scope,
		Title:     lt.Description,
	}

	if ev.Kind == EventDeleted || lt.IsDeleted() {
		out.Event = EventDeleted
		return r.pushDelete(ctx, out, ev, projectTitle)
	}

	projectID, err := r.remote.GetOrCreateProject(ctx, projectTitle)
	if err != nil {
		return out, err
	}

	m, err := r.resolver.Remote(ctx, resolve.RemoteQuery{
		Local:     &lt,
		Scope:     scope,
		ProjectID: projectID,
		Creation:  ev.Kind == EventCreated,
	})
	if err != nil {
		return fail(out, err)
	}
	out.Confidence = m.Confidence

	want := mapper.ToRemote(&lt)
	want.ProjectID = projectID

	if m.Task == nil {
		return r.pushCreate(ctx, out, ev, &want)
	}
	out.RemoteID = m.Task.ID
	out.State = StateLinked
	return r.pushUpdate(ctx, out, ev, &want, m)
}

func (r *Reconciler) pushDelete(ctx context.Context, out Outcome, ev LocalEvent, projectTitle string) (Outcome, error) {
	// Look the project up without creating it: deleting never needs one.
	projectID, err := r.findProject(ctx, projectTitle)
	if err != nil {
		return out, err
	}
	lt := ev.Task
	m, err := r.resolver.Remote(ctx, resolve.RemoteQuery{Local: &lt, Scope: out.Scope, ProjectID: projectID})
	if err != nil {
		return fail(out, err)
	}
	out.State = StateTerminal

	// A counterpart the record was linked to is already deleted; a title
	// match now would be some other record.
	if m.Gone {
		m.Task = nil
	} else {
		out.Confidence = m.Confidence
	}

	if m.Task == nil {
		out.Action = ActionNoop
		if err := r.index.UnlinkLocal(lt.UUID); err != nil {
			r.logger.Warn("failed to drop correlation", "local", lt.UUID, "err", err)
		}
		r.logger.Debug("remote counterpart already absent", "local", lt.UUID)
		return out, nil
	}

	out.RemoteID = m.Task.ID
	if err := r.remote.DeleteTask(ctx, m.Task.ID); err != nil {
		out.State = StateLinked
		return out, err
	}
	if err := r.index.UnlinkLocal(lt.UUID); err != nil {
		r.logger.Warn("failed to drop correlation", "local", lt.UUID, "err", err)
	}
	out.Action = ActionDeleted
	r.logger.Info("deleted remote task", "local", lt.UUID, "remote", m.Task.ID)
	return out, nil
}

func (r *Reconciler) findProject(ctx context.Context, title string) (string, error) {
	projects, err := r.remote.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.Title == title {
			return p.ID, nil
		}
	}
	return "", nil
}

func (r *Reconciler) pushCreate(ctx context.Context, out Outcome, ev LocalEvent, want *remote.Task) (Outcome, error) {
	created, err := r.remote.CreateTask(ctx, want.ProjectID, want)
	if err != nil {
		return out, err
	}
	out.RemoteID = created.ID
	out.Action = ActionCreated
	out.State = StateLinked
	r.logger.Info("created remote task", "local", ev.Task.UUID, "remote", created.ID, "title", created.Title)

	// Index before annotating: on-add hooks run before the record is
	// stored, so the annotation may fail and the replay must still find
	// the counterpart.
	if err := r.link(out.Scope, ev.Task.UUID, created.ID); err != nil {
		return fail(out, err)
	}

	labels := want.LabelTitles()
	if err := r.attachLabels(ctx, created.ID, labels); err != nil {
		return out, err
	}
	if len(labels) > 0 {
		out.Changed = append(out.Changed, "labels+")
	}

	lt := ev.Task
	if _, err := r.annotateID(ctx, &lt, created.ID); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Reconciler) pushUpdate(ctx context.Context, out Outcome, ev LocalEvent, want *remote.Task, m resolve.RemoteMatch) (Outcome, error) {
	have := m.Task
	if err := r.link(out.Scope, ev.Task.UUID, have.ID); err != nil {
		return fail(out, err)
	}

	patch := mapper.DiffRemote(want, have)
	if patch.SkippedRecurClear {
		out.Skipped = append(out.Skipped, "recur")
		r.logger.Debug("not clearing remote recurrence", "remote", have.ID)
	}
	if patch.HasFieldChanges() {
		if _, err := r.remote.UpdateTask(ctx, patch.Task); err != nil {
			return out, err
		}
		out.Changed = append(out.Changed, patch.Changed...)
	}

	if err := r.attachLabels(ctx, have.ID, patch.LabelsAdd); err != nil {
		return out, err
	}
	if len(patch.LabelsAdd) > 0 {
		out.Changed = append(out.Changed, "labels+")
	}
	for _, title := range patch.LabelsRemove {
		id, ok := have.LabelID(title)
		if !ok {
			continue
		}
		if err := r.remote.DetachLabel(ctx, have.ID, id); err != nil {
			return out, err
		}
	}
	if len(patch.LabelsRemove) > 0 {
		out.Changed = append(out.Changed, "labels-")
	}

	lt := ev.Task
	annotated, err := r.annotateID(ctx, &lt, have.ID)
	if err != nil {
		return out, err
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
		r.logger.Info("pushed local change", "local", lt.UUID, "remote", have.ID, "action", out.Action, "changed", out.Changed)
	}
	return out, nil
}

func (r *Reconciler) attachLabels(ctx context.Context, taskID string, titles []string) error {
	for _, title := range titles {
		id, err := r.remote.GetOrCreateLabel(ctx, title)
		if err != nil {
			return err
		}
		if err := r.remote.AttachLabel(ctx, taskID, id); err != nil {
			return err
		}
	}
	return nil
}
