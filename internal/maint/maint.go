// Package maint implements the repair commands: removing local records
// whose remote counterpart is gone, and collapsing duplicate local records.
//
// Both work in two steps. Find* computes a plan without changing
// anything; Apply deletes the planned records and drops their index
// entries. A dry run is a Find without an Apply.
package maint

import (
	"context"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/tasksync/internal/correlate"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/taskwarrior"
)

// Candidate is a local record planned for deletion.
type Candidate struct {
	UUID        string `json:"uuid" yaml:"uuid"`
	Description string `json:"description" yaml:"description"`
	Project     string `json:"project,omitempty" yaml:"project,omitempty"`
	RemoteID    string `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	Reason      string `json:"reason" yaml:"reason"`
}

// Reasons.
const (
	ReasonOrphan         = "remote task no longer exists"
	ReasonUnlinked       = "unlinked duplicate"
	ReasonOlderLinked    = "older linked duplicate"
	ReasonOlderDuplicate = "older unlinked duplicate"
)

// Result reports an Apply.
type Result struct {
	Deleted []string          `json:"deleted" yaml:"deleted"`
	Failed  map[string]string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// FindOrphans returns the live local records whose remote_id no longer
// names a remote task.
//
// Remote records are listed project by project. A record missing from
// the listing is confirmed with GetTask before it is reported, so a
// project the credentials cannot list never causes a deletion. Any
// remote error aborts the search.
func FindOrphans(ctx context.Context, local taskwarrior.Store, backend remote.Backend, logger *log.Logger) ([]Candidate, error) {
	if logger == nil {
		logger = log.Default().WithPrefix("maint")
	}

	projects, err := backend.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote projects: %w", err)
	}
	known := make(map[string]bool)
	for _, p := range projects {
		tasks, err := backend.ListProjectTasks(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks of project %q: %w", p.Title, err)
		}
		for _, t := range tasks {
			known[t.ID] = true
		}
	}
	logger.Debug("listed remote tasks", "projects", len(projects), "tasks", len(known))

	records, err := local.Export(ctx, "status.not:"+string(task.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("failed to export local tasks: %w", err)
	}

	var out []Candidate
	for _, t := range records {
		if t.IsDeleted() {
			continue
		}
		remoteID, ok := t.RemoteID()
		if !ok || known[remoteID] {
			continue
		}
		rt, err := backend.GetTask(ctx, remoteID)
		if err != nil {
			return nil, fmt.Errorf("failed to confirm remote task %s: %w", remoteID, err)
		}
		if rt != nil {
			logger.Debug("remote task exists outside listed projects", "remote", remoteID)
			continue
		}
		out = append(out, Candidate{
			UUID:        t.UUID,
			Description: t.Description,
			Project:     t.Project,
			RemoteID:    remoteID,
			Reason:      ReasonOrphan,
		})
	}
	return out, nil
}

// FindDuplicates groups pending local records by description and plans
// the deletion of all but one per group.
//
// Linked records (with a remote_id annotation or an index entry) win
// over unlinked ones; among several linked records, or when none is
// linked, the newest by entry time survives.
func FindDuplicates(ctx context.Context, local taskwarrior.Store, index *correlate.Index) ([]Candidate, error) {
	records, err := local.Export(ctx, "status:"+string(task.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to export local tasks: %w", err)
	}

	groups := make(map[string][]task.Task)
	var order []string
	for _, t := range records {
		if t.Status != task.StatusPending {
			continue
		}
		if _, ok := groups[t.Description]; !ok {
			order = append(order, t.Description)
		}
		groups[t.Description] = append(groups[t.Description], t)
	}

	var out []Candidate
	for _, desc := range order {
		group := groups[desc]
		if len(group) < 2 {
			continue
		}
		var linked, unlinked []task.Task
		for _, t := range group {
			if isLinked(t, index) {
				linked = append(linked, t)
			} else {
				unlinked = append(unlinked, t)
			}
		}

		if len(linked) > 0 {
			for _, t := range unlinked {
				out = append(out, candidate(t, index, ReasonUnlinked))
			}
			newestFirst(linked)
			for _, t := range linked[1:] {
				out = append(out, candidate(t, index, ReasonOlderLinked))
			}
			continue
		}
		newestFirst(unlinked)
		for _, t := range unlinked[1:] {
			out = append(out, candidate(t, index, ReasonOlderDuplicate))
		}
	}
	return out, nil
}

// Apply deletes every candidate locally and drops its index entry. It
// keeps going after a failure and reports each one.
func Apply(ctx context.Context, local taskwarrior.Store, index *correlate.Index, plan []Candidate) Result {
	res := Result{Deleted: []string{}}
	for _, c := range plan {
		if err := local.Delete(ctx, c.UUID); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[c.UUID] = err.Error()
			continue
		}
		if index != nil {
			if err := index.UnlinkLocal(c.UUID); err != nil {
				if res.Failed == nil {
					res.Failed = make(map[string]string)
				}
				res.Failed[c.UUID] = fmt.Sprintf("deleted, but index entry kept: %v", err)
				continue
			}
		}
		res.Deleted = append(res.Deleted, c.UUID)
	}
	return res
}

func isLinked(t task.Task, index *correlate.Index) bool {
	if _, ok := t.RemoteID(); ok {
		return true
	}
	if index == nil {
		return false
	}
	_, ok := index.ByLocal(t.UUID)
	return ok
}

func candidate(t task.Task, index *correlate.Index, reason string) Candidate {
	c := Candidate{UUID: t.UUID, Description: t.Description, Project: t.Project, Reason: reason}
	if id, ok := t.RemoteID(); ok {
		c.RemoteID = id
	} else if index != nil {
		if e, ok := index.ByLocal(t.UUID); ok {
			c.RemoteID = e.RemoteID
		}
	}
	return c
}

// newestFirst sorts by entry time; the local store's timestamp format
// sorts lexically.
func newestFirst(tasks []task.Task) {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Entry > tasks[j].Entry })
}
