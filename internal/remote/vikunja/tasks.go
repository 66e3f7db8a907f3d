package vikunja

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mschirtzinger/tasksync/internal/mapper"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

var _ remote.Backend = (*Client)(nil)

// apiTask is the task shape on the wire. Date fields are pointers so a
// cleared date is sent as null.
type apiTask struct {
	ID          int64      `json:"id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Done        bool       `json:"done"`
	DueDate     *string    `json:"due_date"`
	StartDate   *string    `json:"start_date"`
	EndDate     *string    `json:"end_date"`
	RepeatAfter int64      `json:"repeat_after"`
	RepeatMode  int        `json:"repeat_mode"`
	Priority    int        `json:"priority"`
	ProjectID   int64      `json:"project_id,omitempty"`
	Labels      []apiLabel `json:"labels,omitempty"`
}

type apiLabel struct {
	ID    int64  `json:"id,omitempty"`
	Title string `json:"title"`
}

type apiProject struct {
	ID    int64  `json:"id,omitempty"`
	Title string `json:"title"`
}

type apiLabelTask struct {
	LabelID int64 `json:"label_id"`
}

// perPage is the page size requested from list endpoints.
const perPage = 50

func (t *apiTask) toRemote() *remote.Task {
	rt := &remote.Task{
		ID:          formatID(t.ID),
		Title:       t.Title,
		Description: t.Description,
		Done:        t.Done,
		Due:         parseDate(t.DueDate),
		Start:       parseDate(t.StartDate),
		End:         parseDate(t.EndDate),
		RepeatAfter: t.RepeatAfter,
		RepeatMode:  t.RepeatMode,
		Priority:    t.Priority,
	}
	if t.ProjectID != 0 {
		rt.ProjectID = formatID(t.ProjectID)
	}
	for _, l := range t.Labels {
		rt.Labels = append(rt.Labels, remote.Label{ID: formatID(l.ID), Title: l.Title})
	}
	return rt
}

// fromRemote builds the request body. Labels are never sent: the API
// manages them through the label endpoints.
func fromRemote(rt *remote.Task) (*apiTask, error) {
	t := &apiTask{
		Title:       rt.Title,
		Description: rt.Description,
		Done:        rt.Done,
		DueDate:     formatDate(rt.Due),
		StartDate:   formatDate(rt.Start),
		EndDate:     formatDate(rt.End),
		RepeatAfter: rt.RepeatAfter,
		RepeatMode:  rt.RepeatMode,
		Priority:    rt.Priority,
	}
	if rt.ID != "" {
		id, err := parseID(rt.ID)
		if err != nil {
			return nil, err
		}
		t.ID = id
	}
	if rt.ProjectID != "" {
		id, err := parseID(rt.ProjectID)
		if err != nil {
			return nil, err
		}
		t.ProjectID = id
	}
	return t, nil
}

func parseDate(s *string) *time.Time {
	if s == nil {
		return nil
	}
	return mapper.ParseRemoteTime(*s)
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := mapper.FormatRemoteTime(t)
	return &s
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, syncerr.Errorf(syncerr.KindValidation, "parse id", "invalid Vikunja id %q", s)
	}
	return id, nil
}

// GetTask implements remote.Backend.
func (c *Client) GetTask(ctx context.Context, id string) (*remote.Task, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	var t apiTask
	if _, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d", n), nil, &t); err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return t.toRemote(), nil
}

// ListProjectTasks implements remote.Backend.
func (c *Client) ListProjectTasks(ctx context.Context, projectID string) ([]remote.Task, error) {
	n, err := parseID(projectID)
	if err != nil {
		return nil, err
	}
	var out []remote.Task
	err = c.paginate(ctx, fmt.Sprintf("/projects/%d/tasks", n), func(page []byte) error {
		var tasks []apiTask
		if err := decodePage(page, &tasks); err != nil {
			return err
		}
		for i := range tasks {
			out = append(out, *tasks[i].toRemote())
		}
		return nil
	})
	return out, err
}

// ListProjects implements remote.Backend.
func (c *Client) ListProjects(ctx context.Context) ([]remote.Project, error) {
	var out []remote.Project
	err := c.paginate(ctx, "/projects", func(page []byte) error {
		var projects []apiProject
		if err := decodePage(page, &projects); err != nil {
			return err
		}
		for _, p := range projects {
			out = append(out, remote.Project{ID: formatID(p.ID), Title: p.Title})
		}
		return nil
	})
	return out, err
}

// CreateTask implements remote.Backend.
func (c *Client) CreateTask(ctx context.Context, projectID string, rt *remote.Task) (*remote.Task, error) {
	pid, err := parseID(projectID)
	if err != nil {
		return nil, err
	}
	body, err := fromRemote(rt)
	if err != nil {
		return nil, err
	}
	body.ID = 0
	body.ProjectID = pid

	var created apiTask
	if _, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/projects/%d/tasks", pid), body, &created); err != nil {
		return nil, err
	}
	if created.ID == 0 {
		return nil, syncerr.New(syncerr.KindPermanent, "create task", "response carried no task id")
	}
	c.logger.Info("created task", "id", created.ID, "title", created.Title)
	return created.toRemote(), nil
}

// UpdateTask implements remote.Backend.
func (c *Client) UpdateTask(ctx context.Context, rt *remote.Task) (*remote.Task, error) {
	body, err := fromRemote(rt)
	if err != nil {
		return nil, err
	}
	if body.ID == 0 {
		return nil, syncerr.New(syncerr.KindValidation, "update task", "task id is required")
	}

	var updated apiTask
	if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/tasks/%d", body.ID), body, &updated); err != nil {
		return nil, err
	}
	c.logger.Info("updated task", "id", body.ID)
	if updated.ID == 0 {
		return rt.Clone(), nil
	}
	return updated.toRemote(), nil
}

// DeleteTask implements remote.Backend.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	n, err := parseID(id)
	if err != nil {
		return err
	}
	if _, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", n), nil, nil); err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			c.logger.Debug("task already absent", "id", n)
			return nil
		}
		return err
	}
	c.logger.Info("deleted task", "id", n)
	return nil
}

// GetOrCreateProject implements remote.Backend. Two concurrent callers may
// both create the project.
func (c *Client) GetOrCreateProject(ctx context.Context, title string) (string, error) {
	projects, err := c.ListProjects(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range projects {
		if p.Title == title {
			return p.ID, nil
		}
	}

	var created apiProject
	if _, err := c.do(ctx, http.MethodPut, "/projects", apiProject{Title: title}, &created); err != nil {
		return "", err
	}
	if created.ID == 0 {
		return "", syncerr.New(syncerr.KindPermanent, "create project", "response carried no project id")
	}
	c.logger.Info("created project", "id", created.ID, "title", title)
	return formatID(created.ID), nil
}

// paginate GETs path page by page until the server reports no more pages
// or returns a short page.
func (c *Client) paginate(ctx context.Context, path string, fn func(page []byte) error) error {
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))

		var raw rawPage
		header, err := c.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &raw)
		if err != nil {
			if page == 1 && errors.Is(err, syncerr.ErrNotFound) {
				return nil
			}
			return err
		}
		if err := fn(raw); err != nil {
			return err
		}

		if total, err := strconv.Atoi(header.Get("X-Pagination-Total-Pages")); err == nil {
			if page >= total {
				return nil
			}
			continue
		}
		if pageLen(raw) < perPage {
			return nil
		}
	}
}
