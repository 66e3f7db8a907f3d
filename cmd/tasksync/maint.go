package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/maint"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

// lockWait bounds how long maintenance waits for a running sync.
const lockWait = 30 * time.Second

var cleanupOrphansCmd = &cobra.Command{
	Use:     "cleanup-orphans",
	GroupID: "maint",
	Short:   "Delete local tasks whose remote counterpart is gone",
	Long: `Find local tasks linked to a remote task that no longer exists and
delete them. Remote projects deleted upstream remove their tasks without
sending webhooks; this catches those.

Any remote error aborts before anything is deleted.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		a := mustApp(appOptions{})
		defer a.Close()
		runMaint(cmd.Context(), os.Stdout, a, dryRun, "orphaned", func(ctx context.Context) ([]maint.Candidate, error) {
			return maint.FindOrphans(ctx, a.local, a.backend, logger("maint"))
		})
	},
}

var dedupCmd = &cobra.Command{
	Use:     "dedup",
	GroupID: "maint",
	Short:   "Delete duplicate pending local tasks",
	Long: `Group pending local tasks by description and delete the extras.

Linked tasks win over unlinked ones; among several linked tasks the newest
is kept. When none is linked the newest is kept.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		a := mustApp(appOptions{})
		defer a.Close()
		runMaint(cmd.Context(), os.Stdout, a, dryRun, "duplicate", func(ctx context.Context) ([]maint.Candidate, error) {
			return maint.FindDuplicates(ctx, a.local, a.index)
		})
	},
}

// runMaint plans under the sync lock, prints the plan, and applies it.
func runMaint(ctx context.Context, w io.Writer, a *app, dryRun bool, what string,
	plan func(context.Context) ([]maint.Candidate, error)) {
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	release, err := a.guard.Sync.Acquire(lockCtx)
	cancel()
	if err != nil {
		fatalf("waiting for sync lock: %v", err)
	}
	defer release()

	candidates, err := plan(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if len(candidates) == 0 {
		fmt.Fprintf(w, "%s No %s tasks found\n", ui.Mark(ui.Pass), what)
		return
	}

	fmt.Fprintf(w, "Found %d %s tasks:\n", len(candidates), what)
	for _, c := range candidates {
		fmt.Fprintf(w, "  %s %q %s\n", c.UUID, c.Description, ui.RenderMuted(c.Reason))
	}
	if dryRun {
		fmt.Fprintf(w, "\n%s Dry run, nothing deleted\n", ui.Mark(ui.Warn))
		return
	}

	res := maint.Apply(ctx, a.local, a.index, candidates)
	fmt.Fprintf(w, "\n%s Deleted %d tasks\n", ui.Mark(ui.Pass), len(res.Deleted))
	if len(res.Failed) > 0 {
		for id, msg := range res.Failed {
			fmt.Fprintf(w, "%s %s: %s\n", ui.Mark(ui.Fail), id, msg)
		}
		os.Exit(1)
	}
}

func init() {
	cleanupOrphansCmd.Flags().Bool("dry-run", false, "Show what would be deleted")
	dedupCmd.Flags().Bool("dry-run", false, "Show what would be deleted")
	rootCmd.AddCommand(cleanupOrphansCmd)
	rootCmd.AddCommand(dedupCmd)
}
