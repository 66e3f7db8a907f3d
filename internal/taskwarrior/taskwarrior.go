// Package taskwarrior drives the local task store through its command-line
// interface.
//
// Every command runs as a subprocess with a bounded timeout and with
// TASKSYNC_RUNNING=1 in its environment, so the store's own hooks see that
// the change came from the sync and do not trigger it again. A non-zero
// exit is reported as a syncerr.KindLocal failure with the command's stderr
// attached.
package taskwarrior

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/task"
)

// EnvRunning is set in the environment of every command the sync runs.
// Hooks that find it set must not start another sync.
const EnvRunning = "TASKSYNC_RUNNING"

// Store is the local store collaborator.
type Store interface {
	// Export returns the records matching filter (all records when empty).
	Export(ctx context.Context, filter ...string) ([]task.Task, error)

	// Get returns the record, or nil and no error when it does not exist.
	Get(ctx context.Context, id string) (*task.Task, error)

	// Add imports t and returns its uuid. A uuid is assigned when t has none.
	Add(ctx context.Context, t *task.Task) (string, error)

	// Modify applies a field diff. An empty modification is a no-op.
	Modify(ctx context.Context, id string, mod task.Modification) error

	// Delete flags the record deleted.
	Delete(ctx context.Context, id string) error

	// Complete marks the record done.
	Complete(ctx context.Context, id string) error

	// Annotate appends an annotation.
	Annotate(ctx context.Context, id, text string) error

	// Denotate removes the annotation with exactly this text.
	Denotate(ctx context.Context, id, text string) error
}

// Config configures the CLI wrapper.
type Config struct {
	// Binary is the command to run. Default: "task".
	Binary string

	// Timeout bounds each command. Default: 30s.
	Timeout time.Duration

	// Overrides are rc.* arguments prepended to every command.
	Overrides []string

	// Env is appended to the inherited environment (TASKDATA=..., say).
	Env []string

	Logger *log.Logger
}

// DefaultConfig returns the settings used by the CLI.
func DefaultConfig() Config {
	return Config{
		Binary:  "task",
		Timeout: 30 * time.Second,
		Overrides: []string{
			"rc.confirmation=off",
			"rc.recurrence.confirmation=no",
			"rc.json.array=on",
			"rc.verbose=nothing",
		},
	}
}

type cli struct {
	cfg Config
}

// New returns a Store backed by the task CLI. Zero fields of cfg take
// their defaults.
func New(cfg Config) Store {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Overrides == nil {
		cfg.Overrides = def.Overrides
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("taskwarrior")
	}
	return &cli{cfg: cfg}
}

// Version runs `<binary> --version`. Used by diagnostics.
func Version(ctx context.Context, cfg Config) (string, error) {
	s := New(cfg).(*cli)
	out, err := s.exec(ctx, nil, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// run executes one command with the configured overrides.
func (s *cli) run(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	full := make([]string, 0, len(s.cfg.Overrides)+len(args))
	full = append(full, s.cfg.Overrides...)
	full = append(full, args...)
	return s.exec(ctx, stdin, full...)
}

func (s *cli) exec(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cfg.Binary, args...)
	cmd.Env = append(os.Environ(), EnvRunning+"=1")
	cmd.Env = append(cmd.Env, s.cfg.Env...)
	cmd.WaitDelay = time.Second
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	op := "task " + command(args)
	s.cfg.Logger.Debug("running", "args", strings.Join(args, " "))

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return nil, syncerr.Wrap(syncerr.KindConfig, op, err)
		}
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s", s.cfg.Timeout)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, syncerr.Wrap(syncerr.KindLocal, op, err)
	}
	return stdout.Bytes(), nil
}

// command names the subcommand among args for error messages.
func command(args []string) string {
	for _, a := range args {
		switch a {
		case "export", "import", "modify", "delete", "done", "annotate", "denotate", "--version":
			return a
		}
	}
	return strings.Join(args, " ")
}

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return syncerr.Errorf(syncerr.KindValidation, "task", "invalid uuid %q", id)
	}
	return nil
}

// Export implements Store.
func (s *cli) Export(ctx context.Context, filter ...string) ([]task.Task, error) {
	args := append(append([]string(nil), filter...), "export")
	out, err := s.run(ctx, nil, args...)
	if err != nil {
		return nil, err
	}
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var tasks []task.Task
	if err := json.Unmarshal(out, &tasks); err != nil {
		return nil, syncerr.Wrap(syncerr.KindLocal, "task export", fmt.Errorf("failed to parse export: %w", err))
	}
	return tasks, nil
}

// Get implements Store.
func (s *cli) Get(ctx context.Context, id string) (*task.Task, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	tasks, err := s.Export(ctx, "uuid:"+id)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].UUID == id {
			return &tasks[i], nil
		}
	}
	return nil, nil
}

// Add implements Store. The record goes through `task import` so the uuid
// is known without parsing command output.
func (s *cli) Add(ctx context.Context, t *task.Task) (string, error) {
	rec := *t
	if rec.UUID == "" {
		rec.UUID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = task.StatusPending
	}
	if rec.Entry == "" {
		rec.Entry = task.FormatTime(time.Now())
	}
	if err := rec.Validate(); err != nil {
		return "", syncerr.Wrap(syncerr.KindValidation, "task import", err)
	}

	data, err := json.Marshal([]task.Task{rec})
	if err != nil {
		return "", syncerr.Wrap(syncerr.KindValidation, "task import", err)
	}
	if _, err := s.run(ctx, data, "import"); err != nil {
		return "", err
	}
	s.cfg.Logger.Info("imported task", "uuid", rec.UUID, "description", rec.Description)
	return rec.UUID, nil
}

// Modify implements Store.
func (s *cli) Modify(ctx context.Context, id string, mod task.Modification) error {
	if mod.IsEmpty() {
		return nil
	}
	if err := checkID(id); err != nil {
		return err
	}
	args := append([]string{id, "modify"}, mod.Args()...)
	_, err := s.run(ctx, nil, args...)
	return err
}

// Delete implements Store.
func (s *cli) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := s.run(ctx, []byte("yes\n"), id, "delete")
	return err
}

// Complete implements Store.
func (s *cli) Complete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := s.run(ctx, nil, id, "done")
	return err
}

// Annotate implements Store.
func (s *cli) Annotate(ctx context.Context, id, text string) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := s.run(ctx, nil, id, "annotate", text)
	return err
}

// Denotate implements Store.
func (s *cli) Denotate(ctx context.Context, id, text string) error {
	if err := checkID(id); err != nil {
		return err
	}
	_, err := s.run(ctx, nil, id, "denotate", text)
	return err
}
