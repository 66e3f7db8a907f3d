package task

import "sort"

// Modification is a field-level diff against an existing local record.
//
// Set assigns a value; Clear removes the attribute entirely. Tag edits are
// kept apart from Set so additions and removals can be issued on their own.
type Modification struct {
	Set        map[string]string
	Clear      []string
	TagsAdd    []string
	TagsRemove []string
}

// IsEmpty reports whether the modification changes nothing.
func (m Modification) IsEmpty() bool {
	return len(m.Set) == 0 && len(m.Clear) == 0 && len(m.TagsAdd) == 0 && len(m.TagsRemove) == 0
}

// Args renders the modification as `task modify` arguments, in a stable
// order: sets, clears, tag additions, tag removals.
func (m Modification) Args() []string {
	keys := make([]string, 0, len(m.Set))
	for k := range m.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	for _, k := range keys {
		args = append(args, k+":"+m.Set[k])
	}
	for _, k := range m.Clear {
		args = append(args, k+":")
	}
	for _, tag := range m.TagsAdd {
		args = append(args, "+"+tag)
	}
	for _, tag := range m.TagsRemove {
		args = append(args, "-"+tag)
	}
	return args
}

// Apply returns a copy of t with the modification applied. It mirrors what
// the local store would do and is used by in-memory stores and dry runs.
func (m Modification) Apply(t Task) Task {
	out := t
	out.Tags = append([]string(nil), t.Tags...)
	for k, v := range m.Set {
		setField(&out, k, v)
	}
	for _, k := range m.Clear {
		setField(&out, k, "")
	}
	for _, tag := range m.TagsAdd {
		if !out.HasTag(tag) {
			out.Tags = append(out.Tags, tag)
		}
	}
	if len(m.TagsRemove) > 0 {
		kept := out.Tags[:0]
		for _, tag := range out.Tags {
			if !contains(m.TagsRemove, tag) {
				kept = append(kept, tag)
			}
		}
		out.Tags = kept
	}
	return out
}

func setField(t *Task, field, value string) {
	switch field {
	case "description":
		t.Description = value
	case "project":
		t.Project = value
	case "due":
		t.Due = value
	case "scheduled":
		t.Scheduled = value
	case "until":
		t.Until = value
	case "recur":
		t.Recur = value
	case "priority":
		t.Priority = Priority(value)
	case "status":
		t.Status = Status(value)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
