// Package task defines the local task record as the local store exports it.
package task

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a local record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDeleted   Status = "deleted"
	StatusWaiting   Status = "waiting"
	StatusRecurring Status = "recurring"
)

// IsOpen reports whether the status counts as "not done" for sync purposes.
func (s Status) IsOpen() bool {
	switch s {
	case StatusPending, StatusWaiting, StatusRecurring, "":
		return true
	}
	return false
}

// Priority is the local priority tier. The empty value means none.
type Priority string

const (
	PriorityNone   Priority = ""
	PriorityLow    Priority = "L"
	PriorityMedium Priority = "M"
	PriorityHigh   Priority = "H"
)

// TimeLayout is the fixed-width UTC timestamp format of the local store.
const TimeLayout = "20060102T150405Z"

// Annotation prefixes carrying sync metadata.
const (
	RemoteIDPrefix = "remote_id:"
	NotePrefix     = "note:"
)

// Annotation is a timestamped free-text note attached to a record.
type Annotation struct {
	Entry       string `json:"entry"`
	Description string `json:"description"`
}

// NewAnnotation returns an annotation stamped with the current time.
func NewAnnotation(text string) Annotation {
	return Annotation{Entry: FormatTime(time.Now()), Description: text}
}

// Task is one record of the local store.
type Task struct {
	UUID        string       `json:"uuid,omitempty"`
	Description string       `json:"description"`
	Status      Status       `json:"status,omitempty"`
	Project     string       `json:"project,omitempty"`
	Due         string       `json:"due,omitempty"`
	Scheduled   string       `json:"scheduled,omitempty"`
	Until       string       `json:"until,omitempty"`
	Recur       string       `json:"recur,omitempty"`
	Priority    Priority     `json:"priority,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
	Entry       string       `json:"entry,omitempty"`
	Modified    string       `json:"modified,omitempty"`
	End         string       `json:"end,omitempty"`
}

// Parse decodes one line of the local store's JSON record format.
func Parse(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse task record: %w", err)
	}
	return &t, nil
}

// Validate checks the fields every sync path relies on.
func (t *Task) Validate() error {
	if t.UUID == "" {
		return fmt.Errorf("uuid is required")
	}
	if strings.TrimSpace(t.Description) == "" {
		return fmt.Errorf("description is required")
	}
	return nil
}

// IsDeleted reports whether the record is flagged deleted.
func (t *Task) IsDeleted() bool {
	return t.Status == StatusDeleted
}

var remoteIDPattern = regexp.MustCompile(`^remote_id:(\S+)`)

// RemoteID returns the remote identity recorded in the id annotation.
func (t *Task) RemoteID() (string, bool) {
	for _, ann := range t.Annotations {
		if m := remoteIDPattern.FindStringSubmatch(ann.Description); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// Notes returns the trimmed bodies of all note annotations in entry
// order. Empty bodies are skipped.
func (t *Task) Notes() []string {
	var notes []string
	for _, ann := range t.Annotations {
		if body, ok := strings.CutPrefix(ann.Description, NotePrefix); ok {
			if body = strings.TrimSpace(body); body != "" {
				notes = append(notes, body)
			}
		}
	}
	return notes
}

// NoteAnnotations returns the raw note annotations, for denotating.
func (t *Task) NoteAnnotations() []Annotation {
	var out []Annotation
	for _, ann := range t.Annotations {
		if strings.HasPrefix(ann.Description, NotePrefix) {
			out = append(out, ann)
		}
	}
	return out
}

// HasTag reports whether tag is set on the record.
func (t *Task) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if existing == tag {
			return true
		}
	}
	return false
}

// RemoteIDAnnotation formats the id annotation text for a remote identity.
func RemoteIDAnnotation(remoteID string) string {
	return RemoteIDPrefix + remoteID
}

// NoteAnnotation formats a note annotation text.
func NoteAnnotation(body string) string {
	return NotePrefix + body
}

// ParseTime parses a local timestamp. The empty string yields ok=false.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// FormatTime renders t in the local timestamp format (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}
