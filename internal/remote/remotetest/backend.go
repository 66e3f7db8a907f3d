// Package remotetest provides an in-memory remote.Backend for tests.
//
// It behaves like the Vikunja API where the reconciler cares: ids are
// assigned by the store, labels are only changed through AttachLabel and
// DetachLabel, and absent records read as nil.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

var _ remote.Backend = (*Backend)(nil)

// Backend is an in-memory remote store.
type Backend struct {
	mu       sync.Mutex
	nextID   int
	tasks    map[string]*remote.Task
	projects []remote.Project
	labels   []remote.Label
	calls    []string
	fail     map[string]error
	cleared  int
}

// New returns an empty backend.
func New() *Backend {
	return &Backend{
		nextID: 1,
		tasks:  make(map[string]*remote.Task),
		fail:   make(map[string]error),
	}
}

func (b *Backend) id() string {
	id := strconv.Itoa(b.nextID)
	b.nextID++
	return id
}

// FailOn makes every later call of method return err. A nil err clears
// the failure.
func (b *Backend) FailOn(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.fail, method)
		return
	}
	b.fail[method] = err
}

// Calls returns every call made so far, as "Method arg".
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// CallCount returns how many times method was called.
func (b *Backend) CallCount(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c == method || strings.HasPrefix(c, method+" ") {
			n++
		}
	}
	return n
}

// Cleared returns how many times ClearCache was called.
func (b *Backend) Cleared() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cleared
}

// Seed stores t in the project with this title, creating the project and
// any labels, and returns the stored copy.
func (b *Backend) Seed(projectTitle string, t remote.Task) *remote.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	t.ProjectID = b.project(projectTitle)
	if t.ID == "" {
		t.ID = b.id()
	}
	t.Labels = append([]remote.Label(nil), t.Labels...)
	for i, l := range t.Labels {
		t.Labels[i].ID = b.label(l.Title)
	}
	stored := t.Clone()
	b.tasks[t.ID] = stored
	return stored.Clone()
}

// Task returns a copy of the stored task, or nil.
func (b *Backend) Task(id string) *remote.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil
	}
	return t.Clone()
}

// Len returns the number of stored tasks.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// ProjectID returns the id of the project with this title, or "".
func (b *Backend) ProjectID(title string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.projects {
		if p.Title == title {
			return p.ID
		}
	}
	return ""
}

func (b *Backend) project(title string) string {
	for _, p := range b.projects {
		if p.Title == title {
			return p.ID
		}
	}
	id := "p" + b.id()
	b.projects = append(b.projects, remote.Project{ID: id, Title: title})
	return id
}

func (b *Backend) label(title string) string {
	for _, l := range b.labels {
		if l.Title == title {
			return l.ID
		}
	}
	id := "l" + b.id()
	b.labels = append(b.labels, remote.Label{ID: id, Title: title})
	return id
}

func (b *Backend) enter(method, arg string) error {
	if arg == "" {
		b.calls = append(b.calls, method)
	} else {
		b.calls = append(b.calls, method+" "+arg)
	}
	if err, ok := b.fail[method]; ok {
		return err
	}
	return nil
}

// GetTask implements remote.Backend.
func (b *Backend) GetTask(_ context.Context, id string) (*remote.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetTask", id); err != nil {
		return nil, err
	}
	t, ok := b.tasks[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

// ListProjectTasks implements remote.Backend. Tasks come back in id order.
func (b *Backend) ListProjectTasks(_ context.Context, projectID string) ([]remote.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ListProjectTasks", projectID); err != nil {
		return nil, err
	}
	var out []remote.Task
	for _, t := range b.tasks {
		if t.ProjectID == projectID {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID)
		c, _ := strconv.Atoi(out[j].ID)
		return a < c
	})
	return out, nil
}

// ListProjects implements remote.Backend.
func (b *Backend) ListProjects(context.Context) ([]remote.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("ListProjects", ""); err != nil {
		return nil, err
	}
	return append([]remote.Project(nil), b.projects...), nil
}

// CreateTask implements remote.Backend. Labels on t are ignored.
func (b *Backend) CreateTask(_ context.Context, projectID string, t *remote.Task) (*remote.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("CreateTask", t.Title); err != nil {
		return nil, err
	}
	stored := t.Clone()
	stored.ID = b.id()
	stored.ProjectID = projectID
	stored.Labels = nil
	b.tasks[stored.ID] = stored
	return stored.Clone(), nil
}

// UpdateTask implements remote.Backend. Labels on t are ignored.
func (b *Backend) UpdateTask(_ context.Context, t *remote.Task) (*remote.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("UpdateTask", t.ID); err != nil {
		return nil, err
	}
	existing, ok := b.tasks[t.ID]
	if !ok {
		return nil, syncerr.Wrap(syncerr.KindPermanent, "update task", fmt.Errorf("task %s: %w", t.ID, syncerr.ErrNotFound))
	}
	stored := t.Clone()
	stored.Labels = existing.Labels
	if stored.ProjectID == "" {
		stored.ProjectID = existing.ProjectID
	}
	b.tasks[t.ID] = stored
	return stored.Clone(), nil
}

// DeleteTask implements remote.Backend.
func (b *Backend) DeleteTask(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("DeleteTask", id); err != nil {
		return err
	}
	delete(b.tasks, id)
	return nil
}

// GetOrCreateProject implements remote.Backend.
func (b *Backend) GetOrCreateProject(_ context.Context, title string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetOrCreateProject", title); err != nil {
		return "", err
	}
	return b.project(title), nil
}

// GetOrCreateLabel implements remote.Backend.
func (b *Backend) GetOrCreateLabel(_ context.Context, title string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("GetOrCreateLabel", title); err != nil {
		return "", err
	}
	return b.label(title), nil
}

// AttachLabel implements remote.Backend.
func (b *Backend) AttachLabel(_ context.Context, taskID, labelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("AttachLabel", taskID+" "+labelID); err != nil {
		return err
	}
	t, ok := b.tasks[taskID]
	if !ok {
		return syncerr.Wrap(syncerr.KindPermanent, "attach label", fmt.Errorf("task %s: %w", taskID, syncerr.ErrNotFound))
	}
	for _, l := range t.Labels {
		if l.ID == labelID {
			return nil
		}
	}
	for _, l := range b.labels {
		if l.ID == labelID {
			t.Labels = append(t.Labels, l)
			return nil
		}
	}
	return syncerr.Errorf(syncerr.KindPermanent, "attach label", "no label %s", labelID)
}

// DetachLabel implements remote.Backend.
func (b *Backend) DetachLabel(_ context.Context, taskID, labelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.enter("DetachLabel", taskID+" "+labelID); err != nil {
		return err
	}
	t, ok := b.tasks[taskID]
	if !ok {
		return nil
	}
	kept := t.Labels[:0:0]
	for _, l := range t.Labels {
		if l.ID != labelID {
			kept = append(kept, l)
		}
	}
	t.Labels = kept
	return nil
}

// ClearCache implements remote.Backend.
func (b *Backend) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleared++
}
