package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/engine"
)

var webhookCmd = &cobra.Command{
	Use:     "webhook [file|-]",
	GroupID: "sync",
	Short:   "Apply one remote webhook payload",
	Long: `Read a webhook payload from a file, or stdin when the argument is
omitted or "-", and pull the change into Taskwarrior.

Exits non-zero when the payload was unusable or the sync failed for good.
A payload that could not be applied right now is queued and exits 0.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var body []byte
		var err error
		if len(args) == 0 || args[0] == "-" {
			body, err = io.ReadAll(os.Stdin)
		} else {
			body, err = os.ReadFile(args[0])
		}
		if err != nil {
			fatalf("reading payload: %v", err)
		}

		a := mustApp(appOptions{})
		r := a.engine.HandleWebhook(cmd.Context(), body)
		a.Close()
		exitWith(r)
	},
}

var pushCmd = &cobra.Command{
	Use:     "push <uuid>",
	GroupID: "sync",
	Short:   "Push one local task to the remote store",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(appOptions{})
		r := a.engine.Push(cmd.Context(), args[0])
		a.Close()
		exitWith(r)
	},
}

var processQueueCmd = &cobra.Command{
	Use:     "process-queue",
	GroupID: "sync",
	Short:   "Replay every queued event",
	Long: `Replay the retry queue. Entries that fail transiently stay queued;
entries that can never succeed are dropped.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(appOptions{})
		rep := a.engine.DrainQueue(cmd.Context())
		a.prune(cmd.Context())
		a.Close()

		printDrain(os.Stdout, rep)
		if rep.Status == engine.StatusFailed {
			os.Exit(1)
		}
	},
}

var testProjectMoveCmd = &cobra.Command{
	Use:     "test-project-move <uuid> <project>",
	GroupID: "maint",
	Short:   "Push a task as if it lived in another project",
	Long: `Push the local task with a different project, moving its remote
counterpart, without changing the local record. Useful to check a scope
pairing before editing tasks for real.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		a := mustApp(appOptions{})
		r := a.engine.MoveProject(cmd.Context(), args[0], args[1])
		a.Close()
		exitWith(r)
	},
}

// exitWith prints r and exits non-zero when it was not handled.
func exitWith(r engine.Result) {
	printResult(os.Stdout, r)
	if !r.OK() {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(processQueueCmd)
	rootCmd.AddCommand(testProjectMoveCmd)
}
