package mapper

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/task"
)

// Interval lengths used by the recurrence tables, in seconds.
const (
	Day   int64 = 86400
	Week  int64 = 7 * Day
	Month int64 = 30 * Day
	Year  int64 = 365 * Day
)

// PriorityToLocal maps the remote integer scale onto the local tiers.
// Zero and negative values mean no priority.
func PriorityToLocal(p int) task.Priority {
	switch {
	case p >= 4:
		return task.PriorityHigh
	case p >= 2:
		return task.PriorityMedium
	case p >= 1:
		return task.PriorityLow
	default:
		return task.PriorityNone
	}
}

// PriorityToRemote maps a local tier onto the remote scale. No priority
// is an explicit 0, not an absent value.
func PriorityToRemote(p task.Priority) int {
	switch p {
	case task.PriorityHigh:
		return 5
	case task.PriorityMedium:
		return 3
	case task.PriorityLow:
		return 1
	default:
		return 0
	}
}

// RecurToLocal converts a remote repeat interval into a local recurrence
// token. Zero or negative intervals mean no recurrence ("").
func RecurToLocal(seconds int64) string {
	if seconds <= 0 {
		return ""
	}
	switch {
	case seconds == Day:
		return "daily"
	case seconds == Week:
		return "weekly"
	case seconds == 2*Week:
		return "biweekly"
	case within(seconds, Month):
		return "monthly"
	case within(seconds, 3*Month):
		return "quarterly"
	case within(seconds, Year):
		return "yearly"
	}

	days := seconds / Day
	if days <= 0 {
		return "daily"
	}
	if days%7 == 0 {
		if weeks := days / 7; weeks > 1 {
			return fmt.Sprintf("%dweeks", weeks)
		}
		return "weekly"
	}
	if days > 1 {
		return fmt.Sprintf("%ddays", days)
	}
	return "daily"
}

func within(seconds, target int64) bool {
	return seconds >= target-Day && seconds <= target+Day
}

var namedRecur = map[string]int64{
	"daily":      Day,
	"weekly":     Week,
	"biweekly":   2 * Week,
	"monthly":    Month,
	"quarterly":  3 * Month,
	"semiannual": 6 * Month,
	"annual":     Year,
	"yearly":     Year,
}

var recurPattern = regexp.MustCompile(`^(\d+)\s*(day|week|month|year)s?`)

var recurUnits = map[string]int64{
	"day":   Day,
	"week":  Week,
	"month": Month,
	"year":  Year,
}

// RecurToRemote converts a local recurrence token into a remote repeat
// interval and anchor mode. Unrecognized tokens yield (0, 0).
func RecurToRemote(recur string) (seconds int64, mode int) {
	recur = strings.ToLower(strings.TrimSpace(recur))
	if recur == "" {
		return 0, 0
	}
	if s, ok := namedRecur[recur]; ok {
		return s, 0
	}
	m := recurPattern.FindStringSubmatch(recur)
	if m == nil {
		return 0, 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, 0
	}
	return n * recurUnits[m[2]], 0
}

// remoteZero is the remote store's "no date" sentinel.
const remoteZero = "0001-01-01T00:00:00Z"

// ParseRemoteTime parses an ISO-8601 timestamp from the remote store.
// The empty string, the year-0001 sentinel and unparsable values are absent.
func ParseRemoteTime(s string) *time.Time {
	if s == "" || s == remoteZero {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil || t.Year() <= 1 {
		return nil
	}
	t = t.UTC()
	return &t
}

// FormatRemoteTime renders t as ISO-8601 UTC, or "" when absent.
func FormatRemoteTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// LocalTime converts a remote timestamp to the local format ("" when nil).
func LocalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return task.FormatTime(*t)
}

// RemoteTime converts a local timestamp to a remote one (nil when absent
// or unparsable).
func RemoteTime(s string) *time.Time {
	t, ok := task.ParseTime(s)
	if !ok {
		return nil
	}
	return &t
}
