package task

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParse(t *testing.T) {
	line := []byte(`{"uuid":"a1","description":"Buy milk","status":"pending","project":"Home",` +
		`"tags":["x"],"annotations":[{"entry":"20240101T000000Z","description":"remote_id:42"},` +
		`{"entry":"20240102T000000Z","description":"note:first"}]}`)

	got, err := Parse(line)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got.Description != "Buy milk" || got.Project != "Home" {
		t.Errorf("unexpected record: %+v", got)
	}
	if id, ok := got.RemoteID(); !ok || id != "42" {
		t.Errorf("RemoteID = %q, %v; want 42, true", id, ok)
	}
	if diff := cmp.Diff([]string{"first"}, got.Notes()); diff != "" {
		t.Errorf("Notes mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoteIDAndNotes(t *testing.T) {
	tests := []struct {
		name   string
		anns   []string
		wantID string
		notes  []string
	}{
		{"id annotation", []string{"remote_id:42"}, "42", nil},
		{"id mentioned in a note", []string{"note: see remote_id:7"}, "", []string{"see remote_id:7"}},
		{"notes trimmed", []string{"note: bring bags ", "note:", "note:\tcash"}, "", []string{"bring bags", "cash"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lt Task
			for _, d := range tt.anns {
				lt.Annotations = append(lt.Annotations, Annotation{Entry: "20240101T000000Z", Description: d})
			}
			id, ok := lt.RemoteID()
			if id != tt.wantID || ok != (tt.wantID != "") {
				t.Errorf("RemoteID = %q, %v; want %q", id, ok, tt.wantID)
			}
			if diff := cmp.Diff(tt.notes, lt.Notes()); diff != "" {
				t.Errorf("Notes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse([]byte("{not json")); err == nil {
		t.Error("expected error for malformed record")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"valid", Task{UUID: "u", Description: "d"}, false},
		{"missing uuid", Task{Description: "d"}, true},
		{"blank description", Task{UUID: "u", Description: "  "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.task.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestStatusIsOpen(t *testing.T) {
	open := []Status{StatusPending, StatusWaiting, StatusRecurring, ""}
	for _, s := range open {
		if !s.IsOpen() {
			t.Errorf("%q.IsOpen() = false", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusDeleted} {
		if s.IsOpen() {
			t.Errorf("%q.IsOpen() = true", s)
		}
	}
}

func TestTimeRoundTrip(t *testing.T) {
	want := time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)
	s := FormatTime(want)
	if s != "20240315T093000Z" {
		t.Fatalf("FormatTime = %q", s)
	}
	got, ok := ParseTime(s)
	if !ok || !got.Equal(want) {
		t.Errorf("ParseTime(%q) = %v, %v", s, got, ok)
	}
	if _, ok := ParseTime(""); ok {
		t.Error("ParseTime(\"\") should be absent")
	}
	if _, ok := ParseTime("2024-03-15"); ok {
		t.Error("ParseTime should reject other layouts")
	}
}

func TestModificationArgs(t *testing.T) {
	m := Modification{
		Set:        map[string]string{"priority": "H", "due": "20240101T000000Z"},
		Clear:      []string{"scheduled"},
		TagsAdd:    []string{"c"},
		TagsRemove: []string{"a"},
	}
	want := []string{"due:20240101T000000Z", "priority:H", "scheduled:", "+c", "-a"}
	if diff := cmp.Diff(want, m.Args()); diff != "" {
		t.Errorf("Args mismatch (-want +got):\n%s", diff)
	}
	if (Modification{}).IsEmpty() != true {
		t.Error("zero Modification should be empty")
	}
	if m.IsEmpty() {
		t.Error("populated Modification reported empty")
	}
}

func TestModificationApply(t *testing.T) {
	orig := Task{UUID: "u", Description: "old", Tags: []string{"a", "b"}, Scheduled: "20240101T000000Z"}
	m := Modification{
		Set:        map[string]string{"description": "new", "priority": "M"},
		Clear:      []string{"scheduled"},
		TagsAdd:    []string{"c", "b"},
		TagsRemove: []string{"a"},
	}
	got := m.Apply(orig)
	want := Task{UUID: "u", Description: "new", Priority: PriorityMedium, Tags: []string{"b", "c"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Apply mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "b"}, orig.Tags); diff != "" {
		t.Errorf("Apply mutated the original tags:\n%s", diff)
	}
}
