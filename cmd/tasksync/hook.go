package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/diagnose"
	"github.com/mschirtzinger/tasksync/internal/engine"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var hookCmd = &cobra.Command{
	Use:     "hook",
	GroupID: "sync",
	Short:   "Taskwarrior on-add / on-modify hook",
	Long: `Run as a Taskwarrior on-add or on-modify hook.

Reads the hook input from stdin, prints the new or modified record back
unchanged, and pushes it to the remote store. The hook always exits 0 so
Taskwarrior keeps the change even when sync fails; failures are logged
and queued for retry where possible.

Run 'tasksync install-hooks' to install the hook scripts.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runHook(cmd.Context(), os.Stdin, os.Stdout, openHookApp, false)
	},
}

var deleteHookCmd = &cobra.Command{
	Use:     "delete-hook",
	GroupID: "sync",
	Short:   "Taskwarrior on-delete hook",
	Long: `Run as an on-delete hook: echo the deleted record and delete its
remote counterpart. Always exits 0.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runHook(cmd.Context(), os.Stdin, os.Stdout, openHookApp, true)
	},
}

// hookSyncer is the part of the engine a hook needs.
type hookSyncer interface {
	HandleHook(ctx context.Context, input []byte) ([]byte, engine.Result)
	HandleDeleteHook(ctx context.Context, input []byte) ([]byte, engine.Result)
}

func openHookApp() (hookSyncer, func(), error) {
	a, err := openApp(appOptions{})
	if err != nil {
		return nil, nil, err
	}
	return a.engine, a.Close, nil
}

// runHook echoes the hook input on out whatever happens to the sync.
func runHook(ctx context.Context, in io.Reader, out io.Writer,
	open func() (hookSyncer, func(), error), deleted bool) {
	l := logger("hook")
	input, err := io.ReadAll(in)
	if err != nil {
		// Taskwarrior still needs its record back.
		l.Error("failed to read hook input", "err", err)
		_, _ = out.Write(engine.HookEcho(input))
		return
	}

	syncer, closeFn, err := open()
	if err != nil {
		l.Error("sync unavailable, change kept locally only", "err", err)
		_, _ = out.Write(engine.HookEcho(input))
		return
	}
	defer closeFn()

	var echo []byte
	var r engine.Result
	if deleted {
		echo, r = syncer.HandleDeleteHook(ctx, input)
	} else {
		echo, r = syncer.HandleHook(ctx, input)
	}
	if _, err := out.Write(echo); err != nil {
		l.Error("failed to write hook output", "err", err)
	}
	if !r.OK() {
		l.Warn("hook sync did not complete", "status", r.Summary(), "err", r.Err)
	}
}

var installHooksCmd = &cobra.Command{
	Use:     "install-hooks",
	GroupID: "maint",
	Short:   "Install the Taskwarrior hook scripts",
	Long: `Write on-add-tasksync, on-modify-tasksync, and on-delete-tasksync into
the Taskwarrior hook directory. Each script runs this binary with the
matching hook subcommand. Existing scripts are replaced.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		dir, _ := cmd.Flags().GetString("dir")
		self, err := os.Executable()
		if err != nil {
			fatalf("cannot locate tasksync binary: %v", err)
		}
		configFile := cfgFile
		if configFile != "" {
			if configFile, err = filepath.Abs(configFile); err != nil {
				fatalf("%v", err)
			}
		}
		written, err := installHooks(dir, self, configFile)
		if err != nil {
			fatalf("%v", err)
		}
		for _, path := range written {
			fmt.Printf("%s %s\n", ui.Mark(ui.Pass), path)
		}
	},
}

// hookCommands maps each hook script to the subcommand it runs.
var hookCommands = map[string]string{
	diagnose.HookNames[0]: "hook",
	diagnose.HookNames[1]: "hook",
	diagnose.HookNames[2]: "delete-hook",
}

// installHooks writes the hook scripts into dir and returns their paths.
func installHooks(dir, binary, configFile string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create hook directory: %w", err)
	}
	var written []string
	for _, name := range diagnose.HookNames {
		args := fmt.Sprintf("%q", binary)
		if configFile != "" {
			args += fmt.Sprintf(" --config %q", configFile)
		}
		script := fmt.Sprintf("#!/bin/sh\nexec %s %s\n", args, hookCommands[name])
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			return written, fmt.Errorf("failed to write %s: %w", path, err)
		}
		// WriteFile keeps the mode of an existing file.
		if err := os.Chmod(path, 0o755); err != nil {
			return written, fmt.Errorf("failed to chmod %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func defaultHookDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "task", "hooks")
}

func init() {
	installHooksCmd.Flags().String("dir", defaultHookDir(), "Taskwarrior hook directory")

	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(deleteHookCmd)
	rootCmd.AddCommand(installHooksCmd)
}
