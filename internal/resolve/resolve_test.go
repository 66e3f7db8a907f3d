package resolve

import (
	"context"
	"io"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/tasksync/internal/correlate"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/remote/remotetest"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/task"
	"github.com/mschirtzinger/tasksync/internal/taskwarrior/twtest"
)

const (
	uuidA = "aaaaaaaa-0000-4000-8000-000000000001"
	uuidB = "bbbbbbbb-0000-4000-8000-000000000002"
	uuidC = "cccccccc-0000-4000-8000-000000000003"
)

type fixture struct {
	local  *twtest.Store
	remote *remotetest.Backend
	index  *correlate.Index
	r      *Resolver
}

func setup(t *testing.T, tasks ...task.Task) *fixture {
	t.Helper()
	idx, err := correlate.Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open index: %v", err)
	}
	f := &fixture{
		local:  twtest.New(tasks...),
		remote: remotetest.New(),
		index:  idx,
	}
	f.r = New(Config{
		Local:  f.local,
		Remote: f.remote,
		Index:  idx,
		Scopes: correlate.NewScopes(nil, "inbox"),
		Logger: log.New(io.Discard),
	})
	return f
}

func annotated(remoteID string) []task.Annotation {
	return []task.Annotation{{Entry: "20240101T000000Z", Description: task.RemoteIDAnnotation(remoteID)}}
}

func TestLocalByIndex(t *testing.T) {
	f := setup(t, task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home"})
	if err := f.index.Link("Home", uuidA, "42"); err != nil {
		t.Fatal(err)
	}

	m, err := f.r.Local(context.Background(), LocalQuery{RemoteID: "42", Title: "something else", Scope: "Home"})
	if err != nil {
		t.Fatalf("Local: %v", err)
	}
	if m.Task == nil || m.Task.UUID != uuidA || m.Confidence != Exact || m.Source != SourceIndex {
		t.Errorf("match = %+v, want exact index hit on %s", m, uuidA)
	}
}

func TestLocalByAnnotationRepairsIndex(t *testing.T) {
	f := setup(t, task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home", Annotations: annotated("42")})

	m, err := f.r.Local(context.Background(), LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"})
	if err != nil {
		t.Fatalf("Local: %v", err)
	}
	if m.Confidence != Exact || m.Source != SourceAnnotation {
		t.Errorf("match = %+v, want exact annotation hit", m)
	}
	e, ok := f.index.ByRemote("42")
	if !ok || e.LocalID != uuidA || e.Scope != "Home" {
		t.Errorf("index entry = %+v, %v; want repaired", e, ok)
	}
}

func TestLocalStaleIndexEntryDropped(t *testing.T) {
	f := setup(t)
	if err := f.index.Link("Home", uuidA, "42"); err != nil {
		t.Fatal(err)
	}

	m, err := f.r.Local(context.Background(), LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"})
	if err != nil {
		t.Fatalf("Local: %v", err)
	}
	if m.Task != nil {
		t.Errorf("match = %+v, want none", m)
	}
	if _, ok := f.index.ByRemote("42"); ok {
		t.Error("stale entry still indexed")
	}
}

func TestLocalContentMatch(t *testing.T) {
	tests := []struct {
		name     string
		tasks    []task.Task
		query    LocalQuery
		want     string
		wantRace bool
	}{
		{
			name:  "same title same scope",
			tasks: []task.Task{{UUID: uuidA, Description: "Buy milk", Project: "Home"}},
			query: LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"},
			want:  uuidA,
		},
		{
			name:     "creation event is a race",
			tasks:    []task.Task{{UUID: uuidA, Description: "Buy milk", Project: "Home"}},
			query:    LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home", Creation: true},
			want:     uuidA,
			wantRace: true,
		},
		{
			name:  "other scope rejected",
			tasks: []task.Task{{UUID: uuidA, Description: "Buy milk", Project: "Work"}},
			query: LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"},
		},
		{
			name:  "subproject is another scope",
			tasks: []task.Task{{UUID: uuidA, Description: "Buy milk", Project: "Home.Kitchen"}},
			query: LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"},
		},
		{
			name:  "deleted never matched",
			tasks: []task.Task{{UUID: uuidA, Description: "Buy milk", Project: "Home", Status: task.StatusDeleted}},
			query: LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"},
		},
		{
			name:  "exact title only",
			tasks: []task.Task{{UUID: uuidA, Description: "Buy milk ", Project: "Home"}},
			query: LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"},
		},
		{
			name:  "linked to another remote",
			tasks: []task.Task{{UUID: uuidA, Description: "Buy milk", Project: "Home", Annotations: annotated("7")}},
			query: LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"},
		},
		{
			name: "picks the matching scope among twins",
			tasks: []task.Task{
				{UUID: uuidA, Description: "Buy milk", Project: "Work"},
				{UUID: uuidB, Description: "Buy milk", Project: "Home"},
			},
			query: LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"},
			want:  uuidB,
		},
		{
			name:  "empty project is the default scope",
			tasks: []task.Task{{UUID: uuidA, Description: "Call mum"}},
			query: LocalQuery{RemoteID: "42", Title: "Call mum", Scope: "inbox"},
			want:  uuidA,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.tasks...)
			m, err := f.r.Local(context.Background(), tt.query)
			if err != nil {
				t.Fatalf("Local: %v", err)
			}
			if tt.want == "" {
				if m.Task != nil {
					t.Errorf("matched %s, want none", m.Task.UUID)
				}
				return
			}
			if m.Task == nil || m.Task.UUID != tt.want {
				t.Fatalf("match = %+v, want %s", m, tt.want)
			}
			if m.Confidence != Provisional {
				t.Errorf("confidence = %v, want provisional", m.Confidence)
			}
			if m.Race != tt.wantRace {
				t.Errorf("race = %v, want %v", m.Race, tt.wantRace)
			}
		})
	}
}

func TestLocalAnnotationConflict(t *testing.T) {
	f := setup(t,
		task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home", Annotations: annotated("42")},
	)
	if err := f.index.Link("Home", uuidA, "7"); err != nil {
		t.Fatal(err)
	}
	_, err := f.r.Local(context.Background(), LocalQuery{RemoteID: "42", Title: "Buy milk", Scope: "Home"})
	if syncerr.KindOf(err) != syncerr.KindConflict {
		t.Errorf("err = %v, want conflict", err)
	}
}

func TestRemoteByIndex(t *testing.T) {
	f := setup(t)
	rt := f.remote.Seed("Home", remote.Task{Title: "Buy milk"})
	if err := f.index.Link("Home", uuidA, rt.ID); err != nil {
		t.Fatal(err)
	}
	lt := &task.Task{UUID: uuidA, Description: "Renamed", Project: "Home"}

	m, err := f.r.Remote(context.Background(), RemoteQuery{Local: lt, Scope: "Home", ProjectID: rt.ProjectID})
	if err != nil {
		t.Fatalf("Remote: %v", err)
	}
	if m.Task == nil || m.Task.ID != rt.ID || m.Source != SourceIndex {
		t.Errorf("match = %+v, want index hit on %s", m, rt.ID)
	}
}

func TestRemoteByAnnotation(t *testing.T) {
	f := setup(t)
	rt := f.remote.Seed("Home", remote.Task{Title: "Buy milk"})
	lt := &task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home", Annotations: annotated(rt.ID)}

	m, err := f.r.Remote(context.Background(), RemoteQuery{Local: lt, Scope: "Home", ProjectID: rt.ProjectID})
	if err != nil {
		t.Fatalf("Remote: %v", err)
	}
	if m.Source != SourceAnnotation || m.Confidence != Exact {
		t.Errorf("match = %+v, want annotation hit", m)
	}
	if e, ok := f.index.ByLocal(uuidA); !ok || e.RemoteID != rt.ID {
		t.Errorf("index not repaired: %+v, %v", e, ok)
	}
}

func TestRemoteStaleAnnotationFallsBack(t *testing.T) {
	f := setup(t)
	pid := f.remote.Seed("Home", remote.Task{Title: "Other"}).ProjectID
	lt := &task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home", Annotations: annotated("999")}

	m, err := f.r.Remote(context.Background(), RemoteQuery{Local: lt, Scope: "Home", ProjectID: pid})
	if err != nil {
		t.Fatalf("Remote: %v", err)
	}
	if m.Task != nil || !m.Gone {
		t.Errorf("match = %+v, want none and gone", m)
	}
}

func TestRemoteGoneKeepsContentMatch(t *testing.T) {
	tests := []struct {
		name   string
		linked bool
	}{
		{"annotation", false},
		{"index", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			other := f.remote.Seed("Home", remote.Task{Title: "Buy milk"})
			lt := &task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home"}
			if tt.linked {
				if err := f.index.Link("Home", uuidA, "999"); err != nil {
					t.Fatal(err)
				}
			} else {
				lt.Annotations = annotated("999")
			}

			m, err := f.r.Remote(context.Background(), RemoteQuery{Local: lt, Scope: "Home", ProjectID: other.ProjectID})
			if err != nil {
				t.Fatalf("Remote: %v", err)
			}
			if !m.Gone {
				t.Errorf("Gone = false, want true")
			}
			if m.Task == nil || m.Task.ID != other.ID || m.Confidence != Provisional {
				t.Errorf("match = %+v, want provisional content match on %s", m, other.ID)
			}
		})
	}
}

func TestRemoteContentMatch(t *testing.T) {
	f := setup(t)
	home := f.remote.Seed("Home", remote.Task{Title: "Buy milk"})
	f.remote.Seed("Work", remote.Task{Title: "Buy milk"})
	linked := f.remote.Seed("Home", remote.Task{Title: "Pay rent"})
	if err := f.index.Link("Home", uuidC, linked.ID); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	lt := &task.Task{UUID: uuidA, Description: "Buy milk", Project: "Home"}
	m, err := f.r.Remote(ctx, RemoteQuery{Local: lt, Scope: "Home", ProjectID: home.ProjectID, Creation: true})
	if err != nil {
		t.Fatalf("Remote: %v", err)
	}
	if m.Task == nil || m.Task.ID != home.ID || m.Confidence != Provisional || !m.Race {
		t.Errorf("match = %+v, want provisional race on %s", m, home.ID)
	}

	// A remote record linked to another local record is not a candidate.
	other := &task.Task{UUID: uuidB, Description: "Pay rent", Project: "Home"}
	m, err = f.r.Remote(ctx, RemoteQuery{Local: other, Scope: "Home", ProjectID: home.ProjectID})
	if err != nil {
		t.Fatalf("Remote: %v", err)
	}
	if m.Task != nil {
		t.Errorf("matched %s, want none", m.Task.ID)
	}
}

func TestConfidenceString(t *testing.T) {
	for c, want := range map[Confidence]string{NoMatch: "none", Provisional: "provisional", Exact: "exact"} {
		if got := c.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", c, got, want)
		}
	}
}
