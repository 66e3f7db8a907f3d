package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mschirtzinger/tasksync/internal/breaker"
	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/correlate"
	"github.com/mschirtzinger/tasksync/internal/engine"
	"github.com/mschirtzinger/tasksync/internal/journal"
	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/remote/caldav"
	"github.com/mschirtzinger/tasksync/internal/remote/vikunja"
	"github.com/mschirtzinger/tasksync/internal/taskwarrior"
)

// Files and directories inside the state directory.
const (
	breakerFile = "breaker.json"
	indexDir    = "index"
)

// app holds everything one sync command needs.
type app struct {
	cfg     *config.Config
	breaker *breaker.Breaker
	backend remote.Backend
	local   taskwarrior.Store
	index   *correlate.Index
	guard   *lock.Guard
	queue   *queue.Queue
	engine  *engine.Engine

	// journal is nil when it could not be opened.
	journal *journal.Journal
}

type appOptions struct {
	// OnBreakerChange is passed to the breaker.
	OnBreakerChange func(from, to breaker.State)
}

// openApp wires the engine from the loaded config.
func openApp(opts appOptions) (*app, error) {
	if cfgErr != nil {
		return nil, cfgErr
	}
	c := cfg

	b := newBreaker(c, opts.OnBreakerChange)
	backend, err := newBackend(c, b)
	if err != nil {
		return nil, err
	}
	scopes, err := c.Scopes()
	if err != nil {
		return nil, err
	}
	index, err := correlate.Open(c.StatePath(indexDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open correlation index: %w", err)
	}
	guard := lock.NewGuard(c.StateDir)
	a := &app{
		cfg:     c,
		breaker: b,
		backend: backend,
		local:   taskwarrior.New(taskwarriorConfig(c)),
		index:   index,
		guard:   guard,
		queue:   newQueue(c, guard),
	}

	var observers []engine.Observer
	if j, err := journal.Open(c.StatePath(journal.FileName), logger("journal")); err != nil {
		logger("journal").Warn("journal unavailable, outcomes will not be recorded", "err", err)
	} else {
		a.journal = j
		observers = append(observers, j)
	}

	a.engine, err = engine.New(engine.Config{
		Local:     a.local,
		Remote:    a.backend,
		Index:     a.index,
		Scopes:    scopes,
		Guard:     a.guard,
		Queue:     a.queue,
		Observers: observers,
		Logger:    logger("engine"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// mustApp opens the app or exits.
func mustApp(opts appOptions) *app {
	a, err := openApp(opts)
	if err != nil {
		fatalf("%v", err)
	}
	return a
}

func (a *app) Close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logger("journal").Warn("failed to close journal", "err", err)
		}
	}
}

// prune drops journal rows past the retention window.
func (a *app) prune(ctx context.Context) {
	if a.journal == nil || a.cfg.Journal.Retention <= 0 {
		return
	}
	n, err := a.journal.Prune(ctx, time.Now().Add(-a.cfg.Journal.Retention))
	if err != nil {
		logger("journal").Warn("failed to prune journal", "err", err)
		return
	}
	if n > 0 {
		logger("journal").Debug("pruned journal", "rows", n)
	}
}

func newBreaker(c *config.Config, onChange func(from, to breaker.State)) *breaker.Breaker {
	return breaker.New(breaker.Config{
		Threshold: c.Breaker.Threshold,
		Cooldown:  c.Breaker.Cooldown,
		StatePath: c.StatePath(breakerFile),
		OnChange:  onChange,
		Logger:    logger("breaker"),
	})
}

// newBackend builds the configured remote backend. Secrets are read here.
func newBackend(c *config.Config, b *breaker.Breaker) (remote.Backend, error) {
	switch c.Backend {
	case config.BackendCalDAV:
		pass, err := c.CalDAVPassword()
		if err != nil {
			return nil, err
		}
		client, err := caldav.New(caldav.Config{
			URL:         c.CalDAV.URL,
			User:        c.CalDAV.User,
			Password:    pass,
			Calendar:    c.CalDAV.Calendar,
			Timeout:     c.HTTP.Timeout,
			MaxRetries:  c.HTTP.MaxRetries,
			BackoffBase: c.HTTP.BackoffBase,
			Breaker:     b,
			Logger:      logger("caldav"),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		token, err := c.VikunjaToken()
		if err != nil {
			return nil, err
		}
		client, err := vikunja.New(vikunja.Config{
			URL:         c.Vikunja.URL,
			Token:       token,
			Timeout:     c.HTTP.Timeout,
			MaxRetries:  c.HTTP.MaxRetries,
			BackoffBase: c.HTTP.BackoffBase,
			Breaker:     b,
			Logger:      logger("vikunja"),
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func taskwarriorConfig(c *config.Config) taskwarrior.Config {
	tc := taskwarrior.DefaultConfig()
	tc.Binary = c.Taskwarrior.Binary
	tc.Timeout = c.Taskwarrior.Timeout
	if c.Taskwarrior.TaskData != "" {
		tc.Env = append(tc.Env, "TASKDATA="+c.Taskwarrior.TaskData)
	}
	tc.Logger = logger("taskwarrior")
	return tc
}

func newQueue(c *config.Config, guard *lock.Guard) *queue.Queue {
	return queue.New(c.StatePath(queue.FileName), guard.Queue, logger("queue"))
}
