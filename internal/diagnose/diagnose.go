// Package diagnose checks a tasksync installation and reports what is
// wrong with it.
package diagnose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mschirtzinger/tasksync/internal/breaker"
	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/remote"
)

// Level grades a check.
type Level string

const (
	OK    Level = "ok"
	Warn  Level = "warn"
	Error Level = "error"
)

// Check is one line of the report.
type Check struct {
	Name   string `json:"name" yaml:"name"`
	Level  Level  `json:"level" yaml:"level"`
	Detail string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Section groups related checks.
type Section struct {
	Name   string  `json:"name" yaml:"name"`
	Checks []Check `json:"checks" yaml:"checks"`
}

// Report is the full diagnosis.
type Report struct {
	Sections []Section `json:"sections" yaml:"sections"`
	Errors   int       `json:"errors" yaml:"errors"`
	Warnings int       `json:"warnings" yaml:"warnings"`
}

// OK reports whether no check failed.
func (r *Report) OK() bool { return r.Errors == 0 }

func (r *Report) add(section string, c Check) {
	switch c.Level {
	case Error:
		r.Errors++
	case Warn:
		r.Warnings++
	}
	for i := range r.Sections {
		if r.Sections[i].Name == section {
			r.Sections[i].Checks = append(r.Sections[i].Checks, c)
			return
		}
	}
	r.Sections = append(r.Sections, Section{Name: section, Checks: []Check{c}})
}

// HookNames are the hook files tasksync installs.
var HookNames = []string{"on-add-tasksync", "on-modify-tasksync", "on-delete-tasksync"}

// maxQueueShown bounds the queued entries listed in the report.
const maxQueueShown = 10

// Options wires the checks. Nil collaborators skip their checks.
type Options struct {
	Config *config.Config

	// ConfigErr explains a nil Config.
	ConfigErr error

	// HookDir defaults to ~/.config/task/hooks.
	HookDir string

	// TaskVersion reports the local task binary version.
	TaskVersion func(ctx context.Context) (string, error)

	// Backend builds the remote backend; an error is reported as a
	// configuration failure.
	Backend func() (remote.Backend, error)

	Breaker *breaker.Breaker
	Queue   *queue.Queue

	// LockFiles are reported as present or absent.
	LockFiles []string
}

// Run performs every check.
func Run(ctx context.Context, opts Options) *Report {
	r := &Report{}
	checkConfig(r, opts.Config, opts.ConfigErr)
	checkHooks(r, opts.HookDir)
	if opts.TaskVersion != nil {
		checkTask(ctx, r, opts.TaskVersion)
	}
	checkState(ctx, r, opts)
	if opts.Backend != nil {
		checkRemote(ctx, r, opts.Backend)
	}
	if opts.Breaker != nil {
		checkBreaker(r, opts.Breaker)
	}
	return r
}

func checkConfig(r *Report, cfg *config.Config, loadErr error) {
	const section = "Configuration"
	if cfg == nil {
		detail := "not loaded"
		if loadErr != nil {
			detail = loadErr.Error()
		}
		r.add(section, Check{Name: "config", Level: Error, Detail: detail})
		return
	}
	file := cfg.File
	if file == "" {
		file = "none (defaults and environment)"
	}
	r.add(section, Check{Name: "config file", Level: OK, Detail: file})
	r.add(section, Check{Name: "backend", Level: OK, Detail: cfg.Backend})

	switch cfg.Backend {
	case config.BackendVikunja:
		r.add(section, setting("VIKUNJA_URL", cfg.Vikunja.URL))
		r.add(section, secret("VIKUNJA_API_TOKEN_FILE", cfg.Vikunja.TokenFile))
	case config.BackendCalDAV:
		r.add(section, setting("CALDAV_URL", cfg.CalDAV.URL))
		r.add(section, setting("CALDAV_USER", cfg.CalDAV.User))
		r.add(section, secret("CALDAV_PASS_FILE", cfg.CalDAV.PassFile))
	}
	r.add(section, Check{Name: "default project", Level: OK, Detail: cfg.DefaultProject})
	if cfg.ScopesFile != "" {
		if pairs, err := config.LoadScopes(cfg.ScopesFile); err != nil {
			r.add(section, Check{Name: "scopes", Level: Error, Detail: err.Error()})
		} else {
			r.add(section, Check{Name: "scopes", Level: OK, Detail: fmt.Sprintf("%d pairings from %s", len(pairs), cfg.ScopesFile)})
		}
	}
}

func setting(name, value string) Check {
	if value == "" {
		return Check{Name: name, Level: Error, Detail: "not set"}
	}
	return Check{Name: name, Level: OK, Detail: value}
}

// secret checks a secret file without revealing its contents.
func secret(name, path string) Check {
	if _, err := config.ReadSecret(name, path); err != nil {
		return Check{Name: name, Level: Error, Detail: err.Error()}
	}
	return Check{Name: name, Level: OK, Detail: path + " (readable)"}
}

func checkHooks(r *Report, dir string) {
	const section = "Taskwarrior hooks"
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			r.add(section, Check{Name: "hook directory", Level: Error, Detail: err.Error()})
			return
		}
		dir = filepath.Join(home, ".config", "task", "hooks")
	}
	for _, name := range HookNames {
		r.add(section, checkHook(filepath.Join(dir, name)))
	}
}

func checkHook(path string) Check {
	name := filepath.Base(path)
	info, err := os.Lstat(path)
	if err != nil {
		return Check{Name: name, Level: Error, Detail: "missing"}
	}
	target := path
	detail := "regular file"
	if info.Mode()&os.ModeSymlink != 0 {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			dest, _ := os.Readlink(path)
			return Check{Name: name, Level: Error, Detail: "broken link to " + dest}
		}
		target = resolved
		detail = "-> " + resolved
	}
	st, err := os.Stat(target)
	if err != nil {
		return Check{Name: name, Level: Error, Detail: err.Error()}
	}
	if st.Mode().Perm()&0o111 == 0 {
		return Check{Name: name, Level: Error, Detail: detail + " (not executable)"}
	}
	return Check{Name: name, Level: OK, Detail: detail}
}

func checkTask(ctx context.Context, r *Report, version func(context.Context) (string, error)) {
	v, err := version(ctx)
	if err != nil {
		r.add("Binaries", Check{Name: "task", Level: Error, Detail: err.Error()})
		return
	}
	r.add("Binaries", Check{Name: "task", Level: OK, Detail: "version " + v})
}

func checkState(ctx context.Context, r *Report, opts Options) {
	const section = "State"
	if opts.Config != nil {
		dir := opts.Config.StateDir
		if info, err := os.Stat(dir); err != nil {
			r.add(section, Check{Name: "state directory", Level: Warn, Detail: dir + " (not created yet)"})
		} else if !info.IsDir() {
			r.add(section, Check{Name: "state directory", Level: Error, Detail: dir + " is not a directory"})
		} else {
			r.add(section, Check{Name: "state directory", Level: OK, Detail: dir})
		}
	}

	if opts.Queue != nil {
		pending, err := opts.Queue.Pending(ctx)
		switch {
		case err != nil:
			r.add(section, Check{Name: "queue", Level: Error, Detail: err.Error()})
		case len(pending) == 0:
			r.add(section, Check{Name: "queue", Level: OK, Detail: "empty"})
		default:
			shown := pending
			if len(shown) > maxQueueShown {
				shown = shown[:maxQueueShown]
			}
			detail := fmt.Sprintf("%d pending: %s", len(pending), strings.Join(shown, ", "))
			if more := len(pending) - len(shown); more > 0 {
				detail += fmt.Sprintf(" ... and %d more", more)
			}
			r.add(section, Check{Name: "queue", Level: Warn, Detail: detail + " (run process-queue to retry)"})
		}
	}

	for _, path := range opts.LockFiles {
		state := "not present"
		if _, err := os.Stat(path); err == nil {
			state = "present"
		}
		r.add(section, Check{Name: filepath.Base(path), Level: OK, Detail: state})
	}
}

func checkRemote(ctx context.Context, r *Report, build func() (remote.Backend, error)) {
	const section = "Remote"
	backend, err := build()
	if err != nil {
		r.add(section, Check{Name: "api", Level: Error, Detail: "configuration error: " + err.Error()})
		return
	}
	projects, err := backend.ListProjects(ctx)
	if err != nil {
		r.add(section, Check{Name: "api", Level: Error, Detail: err.Error()})
		return
	}
	if len(projects) == 0 {
		r.add(section, Check{Name: "api", Level: Warn, Detail: "reachable, but no projects visible"})
		return
	}
	r.add(section, Check{Name: "api", Level: OK, Detail: fmt.Sprintf("reachable (%d projects)", len(projects))})
}

func checkBreaker(r *Report, b *breaker.Breaker) {
	const section = "Circuit breaker"
	snap := b.Snapshot()
	switch snap.State {
	case breaker.Open:
		r.add(section, Check{Name: "state", Level: Warn, Detail: fmt.Sprintf(
			"open since %s after %d failures (failing fast)", snap.OpenedAt.Format("15:04:05"), snap.Failures)})
	case breaker.HalfOpen:
		r.add(section, Check{Name: "state", Level: Warn, Detail: "half-open (testing recovery)"})
	default:
		r.add(section, Check{Name: "state", Level: OK, Detail: fmt.Sprintf("closed (%d consecutive failures)", snap.Failures)})
	}
}
