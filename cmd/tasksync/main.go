// Command tasksync keeps Taskwarrior and a remote task store in step.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/logging"
)

var (
	cfgFile string
	debug   bool

	// Set by the root command before any subcommand runs. A config error
	// is kept rather than reported so hooks can still echo their input.
	cfg    *config.Config
	cfgErr error
	logs   *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Bidirectional sync between Taskwarrior and Vikunja or CalDAV",
	Long: `tasksync reconciles Taskwarrior with a remote task store.

Local changes arrive through Taskwarrior hooks, remote changes through
webhooks. Anything that cannot be synced right away is queued and
replayed later by process-queue or the serve daemon.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg, cfgErr = config.Load(cfgFile)

		opts := logging.Options{}
		if cfg != nil {
			opts = logging.Options{
				Level:      cfg.Log.Level,
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			}
		}
		if debug {
			opts.Level = "debug"
		}
		var err error
		logs, err = logging.New(opts)
		if err != nil {
			logs, _ = logging.New(logging.Options{})
			logs.Warn("falling back to stderr logging", "err", err)
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $XDG_CONFIG_HOME/tasksync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// mustConfig returns the loaded config or exits.
func mustConfig() *config.Config {
	if cfgErr != nil {
		fatalf("%v", cfgErr)
	}
	return cfg
}

// logger returns a component logger, usable even before logging is set up.
func logger(component string) *log.Logger {
	if logs == nil {
		return log.Default().WithPrefix(component)
	}
	return logs.For(component)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
