// Package mapper converts records between the local and remote field sets.
//
// Every function is pure: no I/O, no clock reads except for stamping new
// annotations. The reconciler decides what to do with the results.
//
// Field correspondence:
//
//	local          remote
//	description    title
//	status         done
//	due            due
//	scheduled      start
//	until          end
//	recur          repeat interval + mode
//	priority       priority (L=1, M=3, H=5)
//	tags           labels (by title)
//	note: annots   description
package mapper

import (
	"sort"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/task"
)

// noteSeparator joins multiple local notes into one remote description.
const noteSeparator = "\n\n"

// ToLocal maps a remote record onto a new local record in project. The
// result carries the remote_id annotation and, when the remote description
// is non-blank, a single note annotation. UUID is left empty.
func ToLocal(rt *remote.Task, project string) task.Task {
	lt := task.Task{
		Description: rt.Title,
		Project:     project,
		Status:      task.StatusPending,
		Due:         LocalTime(rt.Due),
		Scheduled:   LocalTime(rt.Start),
		Until:       LocalTime(rt.End),
		Recur:       RecurToLocal(rt.RepeatAfter),
		Priority:    PriorityToLocal(rt.Priority),
		Tags:        TagSet(rt.LabelTitles()),
	}
	if rt.Done {
		lt.Status = task.StatusCompleted
	}
	if lt.Description == "" {
		lt.Description = "Untitled"
	}
	if rt.ID != "" {
		lt.Annotations = append(lt.Annotations, task.NewAnnotation(task.RemoteIDAnnotation(rt.ID)))
	}
	if body := strings.TrimSpace(rt.Description); body != "" {
		lt.Annotations = append(lt.Annotations, task.NewAnnotation(task.NoteAnnotation(body)))
	}
	return lt
}

// ToRemote maps a local record onto a remote record. ID and ProjectID are
// left for the caller, which owns identity and scope resolution.
func ToRemote(lt *task.Task) remote.Task {
	after, mode := RecurToRemote(lt.Recur)
	rt := remote.Task{
		Title:       lt.Description,
		Description: strings.Join(lt.Notes(), noteSeparator),
		Done:        lt.Status == task.StatusCompleted,
		Due:         RemoteTime(lt.Due),
		Start:       RemoteTime(lt.Scheduled),
		End:         RemoteTime(lt.Until),
		RepeatAfter: after,
		RepeatMode:  mode,
		Priority:    PriorityToRemote(lt.Priority),
	}
	if rt.Title == "" {
		rt.Title = "Untitled"
	}
	for _, tag := range TagSet(lt.Tags) {
		rt.Labels = append(rt.Labels, remote.Label{Title: tag})
	}
	return rt
}

// TagSet returns the sorted, de-duplicated, non-empty members of tags.
func TagSet(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, tag := range tags {
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// TagDiff returns the members of want missing from have (additions) and
// the members of have missing from want (removals), both sorted.
func TagDiff(want, have []string) (add, remove []string) {
	w := make(map[string]bool, len(want))
	for _, t := range want {
		w[t] = true
	}
	h := make(map[string]bool, len(have))
	for _, t := range have {
		h[t] = true
	}
	for _, t := range TagSet(want) {
		if !h[t] {
			add = append(add, t)
		}
	}
	for _, t := range TagSet(have) {
		if !w[t] {
			remove = append(remove, t)
		}
	}
	return add, remove
}

// Transition is a completion-state change to apply to a counterpart.
type Transition int

const (
	// NoTransition means the counterpart already has the target status.
	NoTransition Transition = iota
	// Complete marks the counterpart done.
	Complete
	// Reopen marks a done counterpart pending again.
	Reopen
)

// LocalTransition decides how to move a local record toward done.
func LocalTransition(done bool, have task.Status) Transition {
	switch {
	case done && have != task.StatusCompleted:
		return Complete
	case !done && have == task.StatusCompleted:
		return Reopen
	}
	return NoTransition
}

// localFields lists the scalar fields compared on pull, in argument order.
var localFields = []string{"description", "due", "scheduled", "until", "recur", "priority"}

func localField(t *task.Task, name string) string {
	switch name {
	case "description":
		return t.Description
	case "due":
		return t.Due
	case "scheduled":
		return t.Scheduled
	case "until":
		return t.Until
	case "recur":
		return t.Recur
	case "priority":
		return string(t.Priority)
	}
	return ""
}

// LocalPatch is the change a pull applies to an existing local record.
type LocalPatch struct {
	Mod task.Modification

	// SkippedRecurClear is set when the incoming record has no recurrence
	// but the local one does. The local store refuses such clears.
	SkippedRecurClear bool
}

// DiffLocal computes the modification that brings have in line with want.
//
// A field set on want overwrites have. A field empty on want but set on
// have is cleared, except recur. Tags are diffed as sets. Status is not
// part of the patch; see LocalTransition.
func DiffLocal(want, have *task.Task) LocalPatch {
	var p LocalPatch
	for _, f := range localFields {
		w, h := localField(want, f), localField(have, f)
		switch {
		case w == h:
		case w != "":
			if p.Mod.Set == nil {
				p.Mod.Set = make(map[string]string)
			}
			p.Mod.Set[f] = w
		case f == "recur":
			p.SkippedRecurClear = true
		default:
			p.Mod.Clear = append(p.Mod.Clear, f)
		}
	}
	if want.Project != "" && want.Project != have.Project {
		if p.Mod.Set == nil {
			p.Mod.Set = make(map[string]string)
		}
		p.Mod.Set["project"] = want.Project
	}
	p.Mod.TagsAdd, p.Mod.TagsRemove = TagDiff(want.Tags, have.Tags)
	return p
}

// NotePatch describes how to replace local note annotations with the
// remote description.
type NotePatch struct {
	Remove []task.Annotation
	Add    string
}

// IsEmpty reports whether the notes are already in sync.
func (n NotePatch) IsEmpty() bool {
	return len(n.Remove) == 0 && n.Add == ""
}

// DiffNotes maps the remote description onto the local note annotations.
// The remote side holds one description, so on change every local note is
// replaced with a single one.
func DiffNotes(description string, have *task.Task) NotePatch {
	body := strings.TrimSpace(description)
	if strings.Join(have.Notes(), noteSeparator) == body {
		return NotePatch{}
	}
	p := NotePatch{Remove: have.NoteAnnotations()}
	if body != "" {
		p.Add = task.NoteAnnotation(body)
	}
	return p
}

// RemotePatch is the change a push applies to an existing remote record.
type RemotePatch struct {
	// Task is a copy of the counterpart with the changed fields applied.
	Task *remote.Task

	// Changed names the fields that differ, for logging.
	Changed []string

	LabelsAdd    []string
	LabelsRemove []string

	// SkippedRecurClear is set when the local record has no recurrence
	// but the remote one does. Clears are not mirrored upstream.
	SkippedRecurClear bool
}

// HasFieldChanges reports whether an update call is needed.
func (p RemotePatch) HasFieldChanges() bool {
	return len(p.Changed) > 0
}

// IsEmpty reports whether nothing needs to be written.
func (p RemotePatch) IsEmpty() bool {
	return len(p.Changed) == 0 && len(p.LabelsAdd) == 0 && len(p.LabelsRemove) == 0
}

// DiffRemote computes the patch that brings have in line with want. Only
// the fields that differ are copied onto the result; everything else on
// have is kept as the remote store returned it.
func DiffRemote(want, have *remote.Task) RemotePatch {
	out := have.Clone()
	p := RemotePatch{Task: out}
	mark := func(name string) { p.Changed = append(p.Changed, name) }

	if want.Title != have.Title {
		out.Title = want.Title
		mark("title")
	}
	if strings.TrimSpace(want.Description) != strings.TrimSpace(have.Description) {
		out.Description = want.Description
		mark("description")
	}
	if want.Done != have.Done {
		out.Done = want.Done
		mark("done")
	}
	if !sameTime(want.Due, have.Due) {
		out.Due = want.Due
		mark("due")
	}
	if !sameTime(want.Start, have.Start) {
		out.Start = want.Start
		mark("start")
	}
	if !sameTime(want.End, have.End) {
		out.End = want.End
		mark("end")
	}
	switch {
	case want.RepeatAfter == have.RepeatAfter:
	case want.RepeatAfter == 0:
		p.SkippedRecurClear = true
	default:
		out.RepeatAfter = want.RepeatAfter
		out.RepeatMode = want.RepeatMode
		mark("repeat")
	}
	if want.Priority != have.Priority {
		out.Priority = want.Priority
		mark("priority")
	}
	if want.ProjectID != "" && want.ProjectID != have.ProjectID {
		out.ProjectID = want.ProjectID
		mark("project")
	}
	p.LabelsAdd, p.LabelsRemove = TagDiff(want.LabelTitles(), have.LabelTitles())
	return p
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Truncate(time.Second).Equal(b.Truncate(time.Second))
}
