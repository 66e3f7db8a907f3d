// Package twtest provides an in-memory taskwarrior.Store for tests.
package twtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/taskwarrior"
)

var _ taskwarrior.Store = (*Store)(nil)

// Store keeps records in insertion order. Deleted records stay exported
// with status deleted, as the real store does.
type Store struct {
	mu    sync.Mutex
	order []string
	tasks map[string]task.Task
	calls []string
	fail  map[string]error
}

// New returns a store holding tasks. Records without a uuid get one.
func New(tasks ...task.Task) *Store {
	s := &Store{tasks: make(map[string]task.Task), fail: make(map[string]error)}
	for _, t := range tasks {
		if t.UUID == "" {
			t.UUID = uuid.NewString()
		}
		if t.Status == "" {
			t.Status = task.StatusPending
		}
		s.put(t)
	}
	return s
}

func (s *Store) put(t task.Task) {
	if _, ok := s.tasks[t.UUID]; !ok {
		s.order = append(s.order, t.UUID)
	}
	s.tasks[t.UUID] = t
}

// FailOn makes every later call of method ("Add", "Modify", ...) return
// err. A nil err clears the failure.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, method)
		return
	}
	s.fail[method] = err
}

// Calls returns the mutating calls made so far, as "Method uuid".
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// Task returns a copy of the record, or nil.
func (s *Store) Task(id string) *task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	c := clone(t)
	return &c
}

// All returns copies of every record in insertion order.
func (s *Store) All() []task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, clone(s.tasks[id]))
	}
	return out
}

func clone(t task.Task) task.Task {
	t.Tags = append([]string(nil), t.Tags...)
	t.Annotations = append([]task.Annotation(nil), t.Annotations...)
	return t
}

func (s *Store) enter(method, id string) error {
	if id != "" {
		s.calls = append(s.calls, method+" "+id)
	}
	if err, ok := s.fail[method]; ok {
		return syncerr.Wrap(syncerr.KindLocal, "task "+strings.ToLower(method), err)
	}
	return nil
}

func (s *Store) lookup(op, id string) (task.Task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return task.Task{}, syncerr.Errorf(syncerr.KindLocal, "task "+op, "no task %s", id)
	}
	return t, nil
}

// Export implements taskwarrior.Store. Supported filters: project:<p>
// (matching p and its subprojects), uuid:<id>, status:<s>,
// status.not:<s>. Anything else is ignored.
func (s *Store) Export(_ context.Context, filter ...string) ([]task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Export", ""); err != nil {
		return nil, err
	}
	var out []task.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if matches(t, filter) {
			out = append(out, clone(t))
		}
	}
	return out, nil
}

func matches(t task.Task, filter []string) bool {
	for _, f := range filter {
		key, value, _ := strings.Cut(f, ":")
		switch key {
		case "project":
			if t.Project != value && !strings.HasPrefix(t.Project, value+".") {
				return false
			}
		case "uuid":
			if t.UUID != value {
				return false
			}
		case "status":
			if string(t.Status) != value {
				return false
			}
		case "status.not":
			if string(t.Status) == value {
				return false
			}
		}
	}
	return true
}

// Get implements taskwarrior.Store.
func (s *Store) Get(_ context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Get", ""); err != nil {
		return nil, err
	}
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	c := clone(t)
	return &c, nil
}

// Add implements taskwarrior.Store.
func (s *Store) Add(_ context.Context, t *task.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := clone(*t)
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if err := s.enter("Add", rec.UUID); err != nil {
		return "", err
	}
	if err := rec.Validate(); err != nil {
		return "", syncerr.Wrap(syncerr.KindValidation, "task import", err)
	}
	if rec.Status == "" {
		rec.Status = task.StatusPending
	}
	if _, exists := s.tasks[rec.UUID]; exists {
		return "", syncerr.Errorf(syncerr.KindLocal, "task import", "uuid %s already exists", rec.UUID)
	}
	s.put(rec)
	return rec.UUID, nil
}

// Modify implements taskwarrior.Store.
func (s *Store) Modify(_ context.Context, id string, mod task.Modification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mod.IsEmpty() {
		return nil
	}
	if err := s.enter("Modify", id); err != nil {
		return err
	}
	t, err := s.lookup("modify", id)
	if err != nil {
		return err
	}
	if t.Recur != "" && contains(mod.Clear, "recur") {
		return syncerr.Errorf(syncerr.KindLocal, "task modify", "you cannot remove the recurrence from a recurring task")
	}
	s.tasks[id] = mod.Apply(t)
	return nil
}

// Delete implements taskwarrior.Store.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Delete", id); err != nil {
		return err
	}
	t, err := s.lookup("delete", id)
	if err != nil {
		return err
	}
	if t.IsDeleted() {
		return syncerr.Errorf(syncerr.KindLocal, "task delete", "task %s is already deleted", id)
	}
	t.Status = task.StatusDeleted
	t.End = task.FormatTime(time.Now())
	s.tasks[id] = t
	return nil
}

// Complete implements taskwarrior.Store.
func (s *Store) Complete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Complete", id); err != nil {
		return err
	}
	t, err := s.lookup("done", id)
	if err != nil {
		return err
	}
	t.Status = task.StatusCompleted
	t.End = task.FormatTime(time.Now())
	s.tasks[id] = t
	return nil
}

// Annotate implements taskwarrior.Store.
func (s *Store) Annotate(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Annotate", id); err != nil {
		return err
	}
	t, err := s.lookup("annotate", id)
	if err != nil {
		return err
	}
	t.Annotations = append(append([]task.Annotation(nil), t.Annotations...), task.NewAnnotation(text))
	s.tasks[id] = t
	return nil
}

// Denotate implements taskwarrior.Store.
func (s *Store) Denotate(_ context.Context, id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("Denotate", id); err != nil {
		return err
	}
	t, err := s.lookup("denotate", id)
	if err != nil {
		return err
	}
	for i, ann := range t.Annotations {
		if ann.Description == text {
			t.Annotations = append(append([]task.Annotation(nil), t.Annotations[:i]...), t.Annotations[i+1:]...)
			s.tasks[id] = t
			return nil
		}
	}
	return syncerr.Wrap(syncerr.KindLocal, "task denotate", fmt.Errorf("no annotation %q on %s", text, id))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
