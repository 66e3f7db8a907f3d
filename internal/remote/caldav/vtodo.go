package caldav

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/mschirtzinger/tasksync/internal/mapper"
	"github.com/mschirtzinger/tasksync/internal/remote"
)

const prodID = "-//tasksync//Task Sync//EN"

// Property names managed by the sync. Anything else on a VTODO is kept as
// the server returned it.
const (
	propUID          = "UID"
	propSummary      = "SUMMARY"
	propDescription  = "DESCRIPTION"
	propStatus       = "STATUS"
	propCompleted    = "COMPLETED"
	propDue          = "DUE"
	propStart        = "DTSTART"
	propPriority     = "PRIORITY"
	propCategories   = "CATEGORIES"
	propRRule        = "RRULE"
	propStamp        = "DTSTAMP"
	propLastModified = "LAST-MODIFIED"
)

// decodeCalendar parses one iCalendar object.
func decodeCalendar(data []byte) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to decode calendar object: %w", err)
	}
	return cal, nil
}

// encodeCalendar serializes cal.
func encodeCalendar(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar object: %w", err)
	}
	return buf.Bytes(), nil
}

// findTodo returns the first VTODO of cal.
func findTodo(cal *ical.Calendar) *ical.Component {
	for _, child := range cal.Children {
		if child.Name == ical.CompToDo {
			return child
		}
	}
	return nil
}

// newCalendar wraps a fresh VTODO with the given UID.
func newCalendar(uid string) (*ical.Calendar, *ical.Component) {
	cal := ical.NewCalendar()
	cal.Props.SetText("VERSION", "2.0")
	cal.Props.SetText("PRODID", prodID)

	todo := ical.NewComponent(ical.CompToDo)
	todo.Props.SetText(propUID, uid)
	cal.Children = append(cal.Children, todo)
	return cal, todo
}

// toRemote reads the managed properties of a VTODO.
func toRemote(todo *ical.Component, project string) *remote.Task {
	props := todo.Props
	rt := &remote.Task{
		ID:          text(props, propUID),
		Title:       text(props, propSummary),
		Description: text(props, propDescription),
		Done:        strings.EqualFold(text(props, propStatus), "COMPLETED"),
		Due:         dateTime(props, propDue),
		Start:       dateTime(props, propStart),
		Priority:    priorityFromICal(text(props, propPriority)),
		ProjectID:   project,
	}
	rt.RepeatAfter = repeatFromRRule(text(props, propRRule))
	for _, c := range categories(props) {
		rt.Labels = append(rt.Labels, remote.Label{ID: c, Title: c})
	}
	return rt
}

// applyRemote writes the managed properties of rt onto todo.
func applyRemote(todo *ical.Component, rt *remote.Task, now time.Time) {
	props := todo.Props
	props.SetText(propSummary, rt.Title)
	setOrDel(props, propDescription, rt.Description)

	if rt.Done {
		props.SetText(propStatus, "COMPLETED")
		if props.Get(propCompleted) == nil {
			props.SetDateTime(propCompleted, now.UTC())
		}
	} else {
		props.SetText(propStatus, "NEEDS-ACTION")
		delete(props, propCompleted)
	}

	setDateTime(props, propDue, rt.Due)
	setDateTime(props, propStart, rt.Start)

	if p := priorityToICal(rt.Priority); p > 0 {
		setRaw(props, propPriority, strconv.Itoa(p))
	} else {
		delete(props, propPriority)
	}

	if rule := rruleFromRepeat(rt.RepeatAfter); rule != "" {
		setRaw(props, propRRule, rule)
	} else {
		delete(props, propRRule)
	}

	setCategories(props, rt.LabelTitles())

	props.SetDateTime(propStamp, now.UTC())
	props.SetDateTime(propLastModified, now.UTC())
}

func text(props ical.Props, name string) string {
	p := props.Get(name)
	if p == nil {
		return ""
	}
	s, err := props.Text(name)
	if err != nil {
		return p.Value
	}
	return s
}

func setOrDel(props ical.Props, name, value string) {
	if value == "" {
		delete(props, name)
		return
	}
	props.SetText(name, value)
}

func setRaw(props ical.Props, name, value string) {
	p := ical.NewProp(name)
	p.Value = value
	props.Set(p)
}

func dateTime(props ical.Props, name string) *time.Time {
	if props.Get(name) == nil {
		return nil
	}
	t, err := props.DateTime(name, time.UTC)
	if err != nil || t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func setDateTime(props ical.Props, name string, t *time.Time) {
	if t == nil {
		delete(props, name)
		return
	}
	props.SetDateTime(name, t.UTC())
}

// categories splits CATEGORIES values on unescaped commas.
func categories(props ical.Props) []string {
	var out []string
	for _, p := range props[propCategories] {
		var cur strings.Builder
		escaped := false
		for _, r := range p.Value {
			switch {
			case escaped:
				cur.WriteRune(r)
				escaped = false
			case r == '\\':
				escaped = true
			case r == ',':
				out = append(out, cur.String())
				cur.Reset()
			default:
				cur.WriteRune(r)
			}
		}
		out = append(out, cur.String())
	}
	return mapper.TagSet(out)
}

func setCategories(props ical.Props, labels []string) {
	labels = mapper.TagSet(labels)
	if len(labels) == 0 {
		delete(props, propCategories)
		return
	}
	escaped := make([]string, len(labels))
	for i, l := range labels {
		l = strings.ReplaceAll(l, `\`, `\\`)
		escaped[i] = strings.ReplaceAll(l, ",", `\,`)
	}
	setRaw(props, propCategories, strings.Join(escaped, ","))
}

// iCalendar priorities run 1 (highest) to 9 (lowest), 0 meaning none.
func priorityToICal(p int) int {
	switch {
	case p >= 4:
		return 1
	case p >= 2:
		return 5
	case p >= 1:
		return 9
	default:
		return 0
	}
}

func priorityFromICal(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	switch {
	case n >= 1 && n <= 4:
		return 5
	case n == 5:
		return 3
	case n >= 6 && n <= 9:
		return 1
	default:
		return 0
	}
}

// rruleFromRepeat expresses an interval in seconds as an RRULE.
func rruleFromRepeat(seconds int64) string {
	if seconds <= 0 {
		return ""
	}
	switch {
	case seconds%mapper.Year == 0:
		return rule("YEARLY", seconds/mapper.Year)
	case seconds%mapper.Month == 0:
		return rule("MONTHLY", seconds/mapper.Month)
	case seconds%mapper.Week == 0:
		return rule("WEEKLY", seconds/mapper.Week)
	default:
		days := seconds / mapper.Day
		if days < 1 {
			days = 1
		}
		return rule("DAILY", days)
	}
}

func rule(freq string, interval int64) string {
	if interval <= 1 {
		return "FREQ=" + freq
	}
	return fmt.Sprintf("FREQ=%s;INTERVAL=%d", freq, interval)
}

// repeatFromRRule converts the FREQ and INTERVAL parts of an RRULE into
// seconds. Rules with other frequencies are not representable and yield 0.
func repeatFromRRule(rrule string) int64 {
	if rrule == "" {
		return 0
	}
	var freq string
	interval := int64(1)
	for _, part := range strings.Split(rrule, ";") {
		k, v, _ := strings.Cut(part, "=")
		switch strings.ToUpper(k) {
		case "FREQ":
			freq = strings.ToUpper(v)
		case "INTERVAL":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				interval = n
			}
		}
	}
	switch freq {
	case "DAILY":
		return interval * mapper.Day
	case "WEEKLY":
		return interval * mapper.Week
	case "MONTHLY":
		return interval * mapper.Month
	case "YEARLY":
		return interval * mapper.Year
	}
	return 0
}
