package diagnose

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/tasksync/internal/ui"
)

// WriteText renders the report for a terminal.
func WriteText(w io.Writer, r *Report) error {
	for _, s := range r.Sections {
		if _, err := fmt.Fprintf(w, "%s\n", ui.RenderHeader(s.Name)); err != nil {
			return err
		}
		for _, c := range s.Checks {
			if _, err := fmt.Fprintf(w, "  %s %s%s\n", mark(c.Level), ui.RenderKV(c.Name, ""), c.Detail); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	summary := fmt.Sprintf("Errors: %d  Warnings: %d", r.Errors, r.Warnings)
	switch {
	case r.Errors > 0:
		summary = ui.RenderFail(summary)
	case r.Warnings > 0:
		summary = ui.RenderWarn(summary)
	default:
		summary = ui.RenderPass(summary)
	}
	_, err := fmt.Fprintln(w, summary)
	return err
}

// WriteYAML renders the report as YAML.
func WriteYAML(w io.Writer, r *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return enc.Close()
}

func mark(l Level) string {
	switch l {
	case OK:
		return ui.Mark(ui.Pass)
	case Warn:
		return ui.Mark(ui.Warn)
	default:
		return ui.Mark(ui.Fail)
	}
}
