package caldav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/tasksync/internal/mapper"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

const collectionPath = "/dav/calendars/me/tasks/"

// fakeDAV stores calendar objects keyed by file name.
type fakeDAV struct {
	mu      sync.Mutex
	objects map[string][]byte
	hits    map[string]int
}

func newFakeDAV() *fakeDAV {
	return &fakeDAV{objects: make(map[string][]byte), hits: make(map[string]int)}
}

func (f *fakeDAV) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[method]
}

func (f *fakeDAV) object(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.objects[name])
}

func (f *fakeDAV) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[r.Method]++

	if user, pass, ok := r.BasicAuth(); !ok || user != "me" || pass != "pw" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if !strings.HasPrefix(r.URL.Path, collectionPath) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, collectionPath)

	switch r.Method {
	case http.MethodGet:
		data, ok := f.objects[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write(data)
	case http.MethodPut:
		if _, exists := f.objects[name]; exists && r.Header.Get("If-None-Match") == "*" {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.objects[name] = data
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		if _, ok := f.objects[name]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.objects, name)
		w.WriteHeader(http.StatusNoContent)
	case "REPORT":
		if r.Header.Get("Depth") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		names := make([]string, 0, len(f.objects))
		for n := range f.objects {
			names = append(names, n)
		}
		sort.Strings(names)

		var buf bytes.Buffer
		buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
		buf.WriteString(`<d:multistatus xmlns:d="DAV:" xmlns:cal="urn:ietf:params:xml:ns:caldav">`)
		for _, n := range names {
			fmt.Fprintf(&buf, `<d:response><d:href>%s%s</d:href><d:propstat><d:prop><d:getetag>"1"</d:getetag><cal:calendar-data>`, collectionPath, n)
			_ = xml.EscapeText(&buf, f.objects[n])
			buf.WriteString(`</cal:calendar-data></d:prop><d:status>HTTP/1.1 200 OK</d:status></d:propstat></d:response>`)
		}
		buf.WriteString(`</d:multistatus>`)
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusMultiStatus)
		_, _ = w.Write(buf.Bytes())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

var fixedNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, f *fakeDAV) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		URL:      srv.URL + collectionPath,
		User:     "me",
		Password: "pw",
		Calendar: "Tasks",
		Sleep:    func(context.Context, time.Duration) error { return nil },
		Now:      func() time.Time { return fixedNow },
		Logger:   log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

const foreignObject = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//other//client//EN\r\n" +
	"BEGIN:VTODO\r\n" +
	"UID:abc\r\n" +
	"DTSTAMP:20240101T000000Z\r\n" +
	"SUMMARY:Water plants\r\n" +
	"CATEGORIES:home,garden\r\n" +
	"PRIORITY:1\r\n" +
	"X-OTHER-CLIENT:keep me\r\n" +
	"END:VTODO\r\n" +
	"END:VCALENDAR\r\n"

func TestNewConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no url", Config{User: "u", Password: "p"}},
		{"no user", Config{URL: "http://x/", Password: "p"}},
		{"no password", Config{URL: "http://x/", User: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if syncerr.KindOf(err) != syncerr.KindConfig {
				t.Errorf("err = %v, want config kind", err)
			}
		})
	}
}

func TestCreateAndGet(t *testing.T) {
	f := newFakeDAV()
	c := newTestClient(t, f)
	ctx := context.Background()

	due := time.Date(2024, 6, 10, 17, 0, 0, 0, time.UTC)
	created, err := c.CreateTask(ctx, "Tasks", &remote.Task{
		Title:       "Pay rent",
		Description: "before the 10th",
		Due:         &due,
		Priority:    3,
		RepeatAfter: mapper.Month,
		Labels:      []remote.Label{{ID: "bills", Title: "bills"}},
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if created.ID == "" {
		t.Fatal("created task has no UID")
	}

	got, err := c.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	want := &remote.Task{
		ID:          created.ID,
		Title:       "Pay rent",
		Description: "before the 10th",
		Due:         &due,
		Priority:    3,
		RepeatAfter: mapper.Month,
		Labels:      []remote.Label{{ID: "bills", Title: "bills"}},
		ProjectID:   "Tasks",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetTask mismatch (-want +got):\n%s", diff)
	}

	raw := f.object(created.ID + ".ics")
	for _, line := range []string{"STATUS:NEEDS-ACTION", "RRULE:FREQ=MONTHLY", "PRIORITY:5"} {
		if !strings.Contains(raw, line) {
			t.Errorf("stored object lacks %q:\n%s", line, raw)
		}
	}
}

func TestGetMissing(t *testing.T) {
	c := newTestClient(t, newFakeDAV())
	got, err := c.GetTask(context.Background(), "nope")
	if err != nil || got != nil {
		t.Errorf("GetTask(missing) = %v, %v; want nil, nil", got, err)
	}
}

func TestUpdatePreservesForeignProperties(t *testing.T) {
	f := newFakeDAV()
	f.objects["abc.ics"] = []byte(foreignObject)
	c := newTestClient(t, f)
	ctx := context.Background()

	current, err := c.GetTask(ctx, "abc")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if current.Priority != 5 {
		t.Errorf("priority = %d, want 5", current.Priority)
	}
	if diff := cmp.Diff([]string{"garden", "home"}, current.LabelTitles()); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}

	next := current.Clone()
	next.Title = "Water the plants"
	next.Done = true
	if _, err := c.UpdateTask(ctx, next); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	raw := f.object("abc.ics")
	for _, line := range []string{"X-OTHER-CLIENT:keep me", "SUMMARY:Water the plants", "STATUS:COMPLETED", "COMPLETED:20240601T080000Z"} {
		if !strings.Contains(raw, line) {
			t.Errorf("stored object lacks %q:\n%s", line, raw)
		}
	}
}

func TestUpdateMissing(t *testing.T) {
	c := newTestClient(t, newFakeDAV())
	_, err := c.UpdateTask(context.Background(), &remote.Task{ID: "gone", Title: "x"})
	if syncerr.KindOf(err) != syncerr.KindPermanent {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	f := newFakeDAV()
	f.objects["abc.ics"] = []byte(foreignObject)
	c := newTestClient(t, f)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.DeleteTask(ctx, "abc"); err != nil {
			t.Fatalf("DeleteTask #%d: %v", i+1, err)
		}
	}
	if f.object("abc.ics") != "" {
		t.Error("object still stored")
	}
}

func TestListProjectTasks(t *testing.T) {
	f := newFakeDAV()
	f.objects["abc.ics"] = []byte(foreignObject)
	c := newTestClient(t, f)
	ctx := context.Background()

	if _, err := c.CreateTask(ctx, "Tasks", &remote.Task{Title: "Second"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	tasks, err := c.ListProjectTasks(ctx, "Tasks")
	if err != nil {
		t.Fatalf("ListProjectTasks: %v", err)
	}
	var titles []string
	for _, task := range tasks {
		titles = append(titles, task.Title)
	}
	sort.Strings(titles)
	if diff := cmp.Diff([]string{"Second", "Water plants"}, titles); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}

	other, err := c.ListProjectTasks(ctx, "Elsewhere")
	if err != nil || len(other) != 0 {
		t.Errorf("unknown project = %v, %v; want empty", other, err)
	}
}

func TestLabelsEditCategories(t *testing.T) {
	f := newFakeDAV()
	f.objects["abc.ics"] = []byte(foreignObject)
	c := newTestClient(t, f)
	ctx := context.Background()

	id, err := c.GetOrCreateLabel(ctx, "errands")
	if err != nil || id != "errands" {
		t.Fatalf("GetOrCreateLabel = %q, %v", id, err)
	}

	if err := c.AttachLabel(ctx, "abc", "errands"); err != nil {
		t.Fatalf("AttachLabel: %v", err)
	}
	if err := c.DetachLabel(ctx, "abc", "home"); err != nil {
		t.Fatalf("DetachLabel: %v", err)
	}
	puts := f.count(http.MethodPut)

	// Already attached and already absent: no writes.
	if err := c.AttachLabel(ctx, "abc", "errands"); err != nil {
		t.Fatalf("AttachLabel again: %v", err)
	}
	if err := c.DetachLabel(ctx, "abc", "home"); err != nil {
		t.Fatalf("DetachLabel again: %v", err)
	}
	if got := f.count(http.MethodPut); got != puts {
		t.Errorf("PUTs = %d, want %d", got, puts)
	}

	got, err := c.GetTask(ctx, "abc")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if diff := cmp.Diff([]string{"errands", "garden"}, got.LabelTitles()); diff != "" {
		t.Errorf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestProjectIsCalendar(t *testing.T) {
	c := newTestClient(t, newFakeDAV())
	ctx := context.Background()

	id, err := c.GetOrCreateProject(ctx, "Work")
	if err != nil || id != "Tasks" {
		t.Errorf("GetOrCreateProject = %q, %v; want Tasks", id, err)
	}
	projects, _ := c.ListProjects(ctx)
	if diff := cmp.Diff([]remote.Project{{ID: "Tasks", Title: "Tasks"}}, projects); diff != "" {
		t.Errorf("projects mismatch (-want +got):\n%s", diff)
	}
}

func TestRejectsUnsafeUID(t *testing.T) {
	c := newTestClient(t, newFakeDAV())
	if _, err := c.GetTask(context.Background(), "../x"); syncerr.KindOf(err) != syncerr.KindValidation {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestRecurrenceRules(t *testing.T) {
	tests := []struct {
		seconds int64
		rule    string
	}{
		{mapper.Day, "FREQ=DAILY"},
		{3 * mapper.Day, "FREQ=DAILY;INTERVAL=3"},
		{mapper.Week, "FREQ=WEEKLY"},
		{2 * mapper.Week, "FREQ=WEEKLY;INTERVAL=2"},
		{mapper.Month, "FREQ=MONTHLY"},
		{3 * mapper.Month, "FREQ=MONTHLY;INTERVAL=3"},
		{mapper.Year, "FREQ=YEARLY"},
		{0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			if got := rruleFromRepeat(tt.seconds); got != tt.rule {
				t.Errorf("rruleFromRepeat(%d) = %q, want %q", tt.seconds, got, tt.rule)
			}
			if got := repeatFromRRule(tt.rule); got != tt.seconds {
				t.Errorf("repeatFromRRule(%q) = %d, want %d", tt.rule, got, tt.seconds)
			}
		})
	}

	if got := repeatFromRRule("FREQ=HOURLY"); got != 0 {
		t.Errorf("hourly = %d, want 0", got)
	}
}
