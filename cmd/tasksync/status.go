package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/tasksync/internal/breaker"
	"github.com/mschirtzinger/tasksync/internal/journal"
	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

// statusReport is what the status command shows.
type statusReport struct {
	Breaker breaker.Snapshot `yaml:"breaker"`
	Pending []string         `yaml:"pending"`
	Last24h map[string]int   `yaml:"last_24h"`
	Recent  []journal.Entry  `yaml:"recent"`
	Journal string           `yaml:"journal"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show recent sync activity",
	Long: `Show the circuit breaker, the retry queue, and the sync journal:
counts per outcome over the last 24 hours and the most recent results.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := mustConfig()
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")
		ctx := cmd.Context()

		rep := statusReport{
			Breaker: newBreaker(c, nil).Snapshot(),
			Journal: c.StatePath(journal.FileName),
		}
		pending, err := newQueue(c, lock.NewGuard(c.StateDir)).Pending(ctx)
		if err != nil {
			fatalf("reading queue: %v", err)
		}
		rep.Pending = pending

		j, err := journal.Open(rep.Journal, logger("journal"))
		if err != nil {
			fatalf("opening journal: %v", err)
		}
		defer j.Close()
		if rep.Last24h, err = j.Counts(ctx, time.Now().Add(-24*time.Hour)); err != nil {
			fatalf("%v", err)
		}
		if rep.Recent, err = j.Recent(ctx, limit); err != nil {
			fatalf("%v", err)
		}

		switch format {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			err = enc.Encode(rep)
		case "text":
			err = writeStatus(os.Stdout, rep)
		default:
			fatalf("unknown format %q (want text or yaml)", format)
		}
		if err != nil {
			fatalf("%v", err)
		}
	},
}

func writeStatus(w io.Writer, rep statusReport) error {
	fmt.Fprintf(w, "\n%s tasksync status\n\n", ui.RenderAccent("📊"))

	b := rep.Breaker
	state := ui.RenderPass(b.State.String())
	if b.State != breaker.Closed {
		state = ui.RenderWarn(fmt.Sprintf("%s since %s", b.State, b.OpenedAt.Format(time.DateTime)))
	}
	fmt.Fprintln(w, ui.RenderKV("Circuit breaker", state))
	fmt.Fprintln(w, ui.RenderKV("Queued", fmt.Sprint(len(rep.Pending))))

	fmt.Fprintf(w, "\n%s\n", ui.RenderHeader("Last 24 hours"))
	if len(rep.Last24h) == 0 {
		fmt.Fprintf(w, "  %s\n", ui.RenderMuted("no activity"))
	}
	summaries := make([]string, 0, len(rep.Last24h))
	for s := range rep.Last24h {
		summaries = append(summaries, s)
	}
	sort.Strings(summaries)
	for _, s := range summaries {
		fmt.Fprintf(w, "  %s\n", ui.RenderKV(ui.RenderStatus(s), fmt.Sprint(rep.Last24h[s])))
	}

	fmt.Fprintf(w, "\n%s\n", ui.RenderHeader("Recent"))
	for _, e := range rep.Recent {
		subject := e.Title
		if subject == "" {
			subject = e.Entry
		}
		line := fmt.Sprintf("  %s  %-8s %s %s", e.At.Local().Format(time.DateTime), e.Trigger,
			ui.RenderStatus(e.Summary), subject)
		if e.Error != "" {
			line += " " + ui.RenderFail(e.Error)
		}
		fmt.Fprintln(w, line)
	}
	_, err := fmt.Fprintln(w)
	return err
}

func init() {
	statusCmd.Flags().Int("limit", 10, "Number of recent results to show")
	statusCmd.Flags().String("format", "text", "Output format: text or yaml")
	rootCmd.AddCommand(statusCmd)
}
