// Package caldav implements remote.Backend over a single CalDAV calendar
// collection holding VTODO objects.
//
// The mapping onto the backend interface:
//
//   - a task is the calendar object <collection>/<UID>.ics; its id is the UID
//   - the collection is the only project; its id and title are the
//     configured calendar name
//   - labels are CATEGORIES values; a label's id is its title
//
// Updates fetch the stored object, rewrite only the managed properties and
// PUT it back, so properties written by other clients survive.
package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"github.com/mschirtzinger/tasksync/internal/breaker"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/remote/transport"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

var _ remote.Backend = (*Client)(nil)

const maxBody = 8 << 20

// Config holds client settings.
type Config struct {
	// URL is the calendar collection URL.
	URL string

	User     string
	Password string

	// Calendar names the collection; it doubles as the project title.
	Calendar string

	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	Breaker     *breaker.Breaker
	HTTPClient  *http.Client
	Sleep       func(ctx context.Context, d time.Duration) error

	// Now stamps DTSTAMP and LAST-MODIFIED. Defaults to time.Now.
	Now func() time.Time

	Logger *log.Logger
}

// Client talks to one CalDAV collection.
type Client struct {
	collection *url.URL
	user       string
	password   string
	calendar   string
	http       *http.Client
	policy     transport.Policy
	now        func() time.Time
	logger     *log.Logger
}

// New validates cfg and returns a client. A missing URL or credentials is a
// configuration error.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, syncerr.New(syncerr.KindConfig, "caldav", "collection URL not configured")
	}
	if cfg.User == "" || cfg.Password == "" {
		return nil, syncerr.New(syncerr.KindConfig, "caldav", "credentials not configured")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindConfig, "caldav", err)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if cfg.Calendar == "" {
		cfg.Calendar = "Tasks"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("caldav")
	}

	return &Client{
		collection: u,
		user:       cfg.User,
		password:   cfg.Password,
		calendar:   cfg.Calendar,
		http:       cfg.HTTPClient,
		now:        cfg.Now,
		logger:     cfg.Logger,
		policy: transport.Policy{
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
			BackoffBase: cfg.BackoffBase,
			Breaker:     cfg.Breaker,
			Sleep:       cfg.Sleep,
			Logger:      cfg.Logger,
		}.WithDefaults(),
	}, nil
}

// response is one successful exchange.
type response struct {
	header http.Header
	body   []byte
}

func (c *Client) do(ctx context.Context, method, target string, header http.Header, body []byte) (*response, error) {
	op := method + " " + target
	var out *response
	err := c.policy.Do(ctx, op, func(ctx context.Context) error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return &transport.PermanentError{Err: err}
		}
		req.SetBasicAuth(c.user, c.password)
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		if err != nil {
			return err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return &transport.StatusError{
				Method: method,
				Path:   target,
				Status: resp.StatusCode,
				Body:   strings.TrimSpace(transport.Truncate(data, 200)),
			}
		}
		out = &response{header: resp.Header, body: data}
		return nil
	})
	return out, err
}

func (c *Client) objectURL(uid string) string {
	u := *c.collection
	u.Path = path.Join(c.collection.Path, uid+".ics")
	return u.String()
}

// fetch returns the stored calendar object and its VTODO, or nil when the
// object does not exist.
func (c *Client) fetch(ctx context.Context, uid string) (*ical.Calendar, *ical.Component, error) {
	if uid == "" || strings.ContainsAny(uid, "/\n") {
		return nil, nil, syncerr.Errorf(syncerr.KindValidation, "caldav fetch", "invalid UID %q", uid)
	}
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(uid), nil, nil)
	if err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	cal, err := decodeCalendar(resp.body)
	if err != nil {
		return nil, nil, syncerr.Wrap(syncerr.KindPermanent, "caldav fetch", err)
	}
	todo := findTodo(cal)
	if todo == nil {
		return nil, nil, syncerr.Errorf(syncerr.KindPermanent, "caldav fetch", "object %s holds no VTODO", uid)
	}
	return cal, todo, nil
}

func (c *Client) put(ctx context.Context, uid string, cal *ical.Calendar, create bool) error {
	data, err := encodeCalendar(cal)
	if err != nil {
		return syncerr.Wrap(syncerr.KindValidation, "caldav put", err)
	}
	header := http.Header{"Content-Type": {"text/calendar; charset=utf-8"}}
	if create {
		header.Set("If-None-Match", "*")
	}
	_, err = c.do(ctx, http.MethodPut, c.objectURL(uid), header, data)
	return err
}

// GetTask implements remote.Backend.
func (c *Client) GetTask(ctx context.Context, id string) (*remote.Task, error) {
	_, todo, err := c.fetch(ctx, id)
	if err != nil || todo == nil {
		return nil, err
	}
	return toRemote(todo, c.calendar), nil
}

// ListProjectTasks implements remote.Backend. Only the configured
// calendar exists; any other project id yields no tasks.
func (c *Client) ListProjectTasks(ctx context.Context, projectID string) ([]remote.Task, error) {
	if projectID != c.calendar {
		return nil, nil
	}
	header := http.Header{
		"Content-Type": {"application/xml; charset=utf-8"},
		"Depth":        {"1"},
	}
	resp, err := c.do(ctx, "REPORT", c.collection.String(), header, []byte(todoQuery))
	if err != nil {
		return nil, err
	}

	var ms multistatus
	if err := xml.Unmarshal(resp.body, &ms); err != nil {
		return nil, syncerr.Wrap(syncerr.KindPermanent, "caldav report", err)
	}
	var out []remote.Task
	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			data := strings.TrimSpace(ps.Prop.CalendarData)
			if data == "" {
				continue
			}
			cal, err := decodeCalendar([]byte(data))
			if err != nil {
				c.logger.Warn("skipping undecodable object", "href", r.Href, "err", err)
				continue
			}
			if todo := findTodo(cal); todo != nil {
				out = append(out, *toRemote(todo, c.calendar))
			}
		}
	}
	return out, nil
}

// ListProjects implements remote.Backend.
func (c *Client) ListProjects(context.Context) ([]remote.Project, error) {
	return []remote.Project{{ID: c.calendar, Title: c.calendar}}, nil
}

// CreateTask implements remote.Backend. The UID is generated client-side.
func (c *Client) CreateTask(ctx context.Context, projectID string, rt *remote.Task) (*remote.Task, error) {
	uid := uuid.NewString()
	cal, todo := newCalendar(uid)
	applyRemote(todo, rt, c.now())
	if err := c.put(ctx, uid, cal, true); err != nil {
		return nil, err
	}
	c.logger.Info("created todo", "uid", uid, "title", rt.Title)
	return toRemote(todo, c.calendar), nil
}

// UpdateTask implements remote.Backend.
func (c *Client) UpdateTask(ctx context.Context, rt *remote.Task) (*remote.Task, error) {
	cal, todo, err := c.fetch(ctx, rt.ID)
	if err != nil {
		return nil, err
	}
	if todo == nil {
		return nil, syncerr.Wrap(syncerr.KindPermanent, "caldav update", fmt.Errorf("todo %s: %w", rt.ID, syncerr.ErrNotFound))
	}
	applyRemote(todo, rt, c.now())
	if err := c.put(ctx, rt.ID, cal, false); err != nil {
		return nil, err
	}
	c.logger.Info("updated todo", "uid", rt.ID)
	return toRemote(todo, c.calendar), nil
}

// DeleteTask implements remote.Backend.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	if id == "" || strings.ContainsAny(id, "/\n") {
		return syncerr.Errorf(syncerr.KindValidation, "caldav delete", "invalid UID %q", id)
	}
	if _, err := c.do(ctx, http.MethodDelete, c.objectURL(id), nil, nil); err != nil {
		if errors.Is(err, syncerr.ErrNotFound) {
			return nil
		}
		return err
	}
	c.logger.Info("deleted todo", "uid", id)
	return nil
}

// GetOrCreateProject implements remote.Backend. Every title resolves to
// the configured calendar.
func (c *Client) GetOrCreateProject(_ context.Context, title string) (string, error) {
	if title != c.calendar {
		c.logger.Debug("project mapped onto calendar", "project", title, "calendar", c.calendar)
	}
	return c.calendar, nil
}

// GetOrCreateLabel implements remote.Backend. Categories need no registry.
func (c *Client) GetOrCreateLabel(_ context.Context, title string) (string, error) {
	return title, nil
}

// AttachLabel implements remote.Backend.
func (c *Client) AttachLabel(ctx context.Context, taskID, labelID string) error {
	return c.editCategories(ctx, taskID, func(cats []string) []string {
		for _, existing := range cats {
			if existing == labelID {
				return nil
			}
		}
		return append(cats, labelID)
	})
}

// DetachLabel implements remote.Backend.
func (c *Client) DetachLabel(ctx context.Context, taskID, labelID string) error {
	return c.editCategories(ctx, taskID, func(cats []string) []string {
		out := make([]string, 0, len(cats))
		found := false
		for _, existing := range cats {
			if existing == labelID {
				found = true
				continue
			}
			out = append(out, existing)
		}
		if !found {
			return nil
		}
		return out
	})
}

// editCategories applies edit to the object's categories. A nil result
// from edit means nothing changed and skips the write.
func (c *Client) editCategories(ctx context.Context, uid string, edit func([]string) []string) error {
	cal, todo, err := c.fetch(ctx, uid)
	if err != nil {
		return err
	}
	if todo == nil {
		return syncerr.Wrap(syncerr.KindPermanent, "caldav labels", fmt.Errorf("todo %s: %w", uid, syncerr.ErrNotFound))
	}
	next := edit(categories(todo.Props))
	if next == nil {
		return nil
	}
	setCategories(todo.Props, next)
	todo.Props.SetDateTime(propLastModified, c.now().UTC())
	return c.put(ctx, uid, cal, false)
}

// ClearCache implements remote.Backend. The client keeps no cache.
func (c *Client) ClearCache() {}

const todoQuery = `<?xml version="1.0" encoding="utf-8"?>
<C:calendar-query xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
  <C:filter>
    <C:comp-filter name="VCALENDAR">
      <C:comp-filter name="VTODO"/>
    </C:comp-filter>
  </C:filter>
</C:calendar-query>`

type multistatus struct {
	XMLName   xml.Name `xml:"DAV: multistatus"`
	Responses []struct {
		Href     string `xml:"DAV: href"`
		Propstat []struct {
			Status string `xml:"DAV: status"`
			Prop   struct {
				ETag         string `xml:"DAV: getetag"`
				CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
			} `xml:"DAV: prop"`
		} `xml:"DAV: propstat"`
	} `xml:"DAV: response"`
}
