// Package remote defines the backend-neutral remote task record and the
// capability set every remote store implementation provides.
//
// Two implementations exist: vikunja (REST) and caldav (VTODO over WebDAV).
// The reconciler only ever talks to a Backend.
package remote

import (
	"context"
	"time"
)

// Label is a remote label reference.
type Label struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

// Project is a remote project (container of tasks).
type Project struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
}

// Task is one remote record. Absent timestamps are nil.
type Task struct {
	ID          string
	Title       string
	Description string
	Done        bool
	Due         *time.Time
	Start       *time.Time
	End         *time.Time
	RepeatAfter int64
	RepeatMode  int
	Priority    int
	Labels      []Label
	ProjectID   string
}

// LabelTitles returns the titles of the task's labels.
func (t *Task) LabelTitles() []string {
	titles := make([]string, 0, len(t.Labels))
	for _, l := range t.Labels {
		titles = append(titles, l.Title)
	}
	return titles
}

// LabelID returns the id of the label with the given title.
func (t *Task) LabelID(title string) (string, bool) {
	for _, l := range t.Labels {
		if l.Title == title {
			return l.ID, true
		}
	}
	return "", false
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.Labels = append([]Label(nil), t.Labels...)
	c.Due = cloneTime(t.Due)
	c.Start = cloneTime(t.Start)
	c.End = cloneTime(t.End)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Backend is the remote store collaborator.
//
// Implementations wrap every failure into a syncerr kind: transient for
// 5xx and network errors, circuit_open when the breaker refuses the call,
// permanent for other 4xx responses.
type Backend interface {
	// GetTask returns the task, or nil and no error when it does not exist.
	GetTask(ctx context.Context, id string) (*Task, error)

	// ListProjectTasks returns every task of a project.
	ListProjectTasks(ctx context.Context, projectID string) ([]Task, error)

	// ListProjects returns every project visible to the credentials.
	ListProjects(ctx context.Context) ([]Project, error)

	// CreateTask creates t in the project and returns the stored record.
	CreateTask(ctx context.Context, projectID string, t *Task) (*Task, error)

	// UpdateTask writes t (identified by t.ID) and returns the stored record.
	UpdateTask(ctx context.Context, t *Task) (*Task, error)

	// DeleteTask removes the task. Deleting an absent task succeeds.
	DeleteTask(ctx context.Context, id string) error

	// GetOrCreateProject returns the id of the project with this title,
	// creating it when none exists.
	GetOrCreateProject(ctx context.Context, title string) (string, error)

	// GetOrCreateLabel returns the id of the label with this title,
	// creating it when none exists. Lookups are cached until ClearCache.
	GetOrCreateLabel(ctx context.Context, title string) (string, error)

	// AttachLabel attaches a label. An already attached label succeeds.
	AttachLabel(ctx context.Context, taskID, labelID string) error

	// DetachLabel detaches a label.
	DetachLabel(ctx context.Context, taskID, labelID string) error

	// ClearCache drops cached label lookups. Called at the start of each run.
	ClearCache()
}
