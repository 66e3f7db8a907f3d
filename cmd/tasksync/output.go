package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mschirtzinger/tasksync/internal/engine"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

// printResult writes a one-line summary of r, plus the error if any.
func printResult(w io.Writer, r engine.Result) {
	mark := ui.Mark(ui.Pass)
	switch r.Status {
	case engine.StatusFailed, engine.StatusDiscarded:
		mark = ui.Mark(ui.Fail)
	case engine.StatusQueued, engine.StatusDeferred:
		mark = ui.Mark(ui.Warn)
	}

	var parts []string
	o := r.Outcome
	if o.Title != "" {
		parts = append(parts, fmt.Sprintf("%q", o.Title))
	}
	if o.LocalID != "" {
		parts = append(parts, "local "+o.LocalID)
	} else if r.Entry != "" {
		parts = append(parts, r.Entry)
	}
	if o.RemoteID != "" {
		parts = append(parts, "remote "+o.RemoteID)
	}
	if o.Scope != "" {
		parts = append(parts, "project "+o.Scope)
	}
	fmt.Fprintf(w, "%s %s %s\n", mark, ui.RenderStatus(r.Summary()), ui.RenderMuted(strings.Join(parts, " ")))

	if len(o.Changed) > 0 {
		fmt.Fprintf(w, "   Changed: %s\n", strings.Join(o.Changed, ", "))
	}
	if len(o.Skipped) > 0 {
		fmt.Fprintf(w, "   Skipped: %s\n", strings.Join(o.Skipped, ", "))
	}
	if r.Err != nil {
		fmt.Fprintf(w, "   %s\n", ui.RenderFail(r.Err.Error()))
	}
}

// printDrain writes a drain summary.
func printDrain(w io.Writer, rep engine.DrainReport) {
	switch rep.Status {
	case engine.StatusSkipped:
		fmt.Fprintf(w, "%s Queue is empty\n", ui.Mark(ui.Pass))
		return
	case engine.StatusDeferred:
		fmt.Fprintf(w, "%s Another sync is running; queue left for the next drain\n", ui.Mark(ui.Warn))
		return
	}

	q := rep.Queue
	mark := ui.Mark(ui.Pass)
	if rep.Status == engine.StatusQueued {
		mark = ui.Mark(ui.Warn)
	} else if rep.Status == engine.StatusFailed {
		mark = ui.Mark(ui.Fail)
	}
	fmt.Fprintf(w, "%s Processed %d queued entries\n", mark, q.Processed)
	fmt.Fprintf(w, "   %s\n", ui.RenderKV("Succeeded", fmt.Sprint(q.Succeeded)))
	fmt.Fprintf(w, "   %s\n", ui.RenderKV("Still queued", fmt.Sprint(len(q.Kept))))
	fmt.Fprintf(w, "   %s\n", ui.RenderKV("Dropped", fmt.Sprint(len(q.Dropped))))
	if rep.Err != nil {
		fmt.Fprintf(w, "   %s\n", ui.RenderFail(rep.Err.Error()))
	}
}
