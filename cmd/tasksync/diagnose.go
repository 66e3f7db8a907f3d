package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/diagnose"
	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/taskwarrior"
)

var diagnoseCmd = &cobra.Command{
	Use:     "diagnose",
	GroupID: "maint",
	Short:   "Check configuration, hooks, state, and connectivity",
	Long: `Check the tasksync installation and report problems.

Covers:
  - Configuration and secret files
  - Installed Taskwarrior hooks
  - The task binary
  - State directory, retry queue, and lock files
  - Remote API connectivity
  - Circuit breaker state

Exits non-zero when any check fails.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		hookDir, _ := cmd.Flags().GetString("hook-dir")

		opts := diagnose.Options{Config: cfg, ConfigErr: cfgErr, HookDir: hookDir}
		if cfg != nil {
			c := cfg
			b := newBreaker(c, nil)
			guard := lock.NewGuard(c.StateDir)
			opts.TaskVersion = func(ctx context.Context) (string, error) {
				return taskwarrior.Version(ctx, taskwarriorConfig(c))
			}
			opts.Backend = func() (remote.Backend, error) { return newBackend(c, b) }
			opts.Breaker = b
			opts.Queue = newQueue(c, guard)
			opts.LockFiles = []string{guard.Sync.Path(), guard.Queue.Path()}
		}

		report := diagnose.Run(cmd.Context(), opts)

		var err error
		switch format {
		case "yaml":
			err = diagnose.WriteYAML(os.Stdout, report)
		case "text":
			err = diagnose.WriteText(os.Stdout, report)
		default:
			fatalf("unknown format %q (want text or yaml)", format)
		}
		if err != nil {
			fatalf("%v", err)
		}
		if !report.OK() {
			os.Exit(1)
		}
	},
}

func init() {
	diagnoseCmd.Flags().String("format", "text", "Output format: text or yaml")
	diagnoseCmd.Flags().String("hook-dir", defaultHookDir(), "Taskwarrior hook directory")
	rootCmd.AddCommand(diagnoseCmd)
}
