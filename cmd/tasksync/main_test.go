package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/mschirtzinger/tasksync/internal/engine"
	"github.com/mschirtzinger/tasksync/internal/reconcile"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

func init() { ui.DisableColor() }

type fakeHooks struct {
	deleted bool
	status  engine.Status
}

func (f *fakeHooks) HandleHook(_ context.Context, input []byte) ([]byte, engine.Result) {
	return engine.HookEcho(input), engine.Result{Status: f.status}
}

func (f *fakeHooks) HandleDeleteHook(_ context.Context, input []byte) ([]byte, engine.Result) {
	f.deleted = true
	return engine.HookEcho(input), engine.Result{Status: f.status}
}

func TestRunHook(t *testing.T) {
	const original = `{"uuid":"a","description":"x"}`
	const modified = `{"uuid":"a","description":"y"}`

	tests := []struct {
		name    string
		input   string
		deleted bool
		openErr error
		status  engine.Status
		want    string
	}{
		{"on-add", original, false, nil, engine.StatusDone, original + "\n"},
		{"on-modify", original + "\n" + modified + "\n", false, nil, engine.StatusDone, modified + "\n"},
		{"sync failed", original + "\n" + modified, false, nil, engine.StatusFailed, modified + "\n"},
		{"on-delete", original + "\n", true, nil, engine.StatusDone, original + "\n"},
		{"no config", original + "\n" + modified, false, errors.New("vikunja.token_file not configured"), "", modified + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeHooks{status: tt.status}
			closed := false
			open := func() (hookSyncer, func(), error) {
				if tt.openErr != nil {
					return nil, nil, tt.openErr
				}
				return fake, func() { closed = true }, nil
			}

			var out bytes.Buffer
			runHook(context.Background(), strings.NewReader(tt.input), &out, open, tt.deleted)

			if out.String() != tt.want {
				t.Errorf("output = %q, want %q", out.String(), tt.want)
			}
			if tt.openErr == nil && !closed {
				t.Error("app not closed")
			}
			if fake.deleted != tt.deleted {
				t.Errorf("delete hook called = %v, want %v", fake.deleted, tt.deleted)
			}
		})
	}
}

func TestRunHookEchoesPartialInput(t *testing.T) {
	const original = `{"uuid":"a","description":"x"}`
	in := io.MultiReader(strings.NewReader(original+"\n"), iotest.ErrReader(errors.New("stdin closed")))
	opened := false
	open := func() (hookSyncer, func(), error) {
		opened = true
		return &fakeHooks{}, func() {}, nil
	}

	var out bytes.Buffer
	runHook(context.Background(), in, &out, open, false)

	if out.String() != original+"\n" {
		t.Errorf("output = %q, want %q", out.String(), original+"\n")
	}
	if opened {
		t.Error("sync attempted on unreadable input")
	}
}

func TestInstallHooks(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "hooks")
	stale := filepath.Join(dir, "on-add-tasksync")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	written, err := installHooks(dir, "/usr/local/bin/tasksync", "/etc/tasksync.yaml")
	if err != nil {
		t.Fatalf("installHooks: %v", err)
	}
	if len(written) != 3 {
		t.Fatalf("wrote %d hooks, want 3", len(written))
	}

	want := map[string]string{
		"on-add-tasksync":    `exec "/usr/local/bin/tasksync" --config "/etc/tasksync.yaml" hook`,
		"on-modify-tasksync": `exec "/usr/local/bin/tasksync" --config "/etc/tasksync.yaml" hook`,
		"on-delete-tasksync": `exec "/usr/local/bin/tasksync" --config "/etc/tasksync.yaml" delete-hook`,
	}
	for name, line := range want {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(string(data), "#!/bin/sh\n") || !strings.Contains(string(data), line) {
			t.Errorf("%s = %q", name, data)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o755 {
			t.Errorf("%s mode = %v", name, info.Mode().Perm())
		}
	}
}

func TestPrintResult(t *testing.T) {
	tests := []struct {
		name string
		r    engine.Result
		want []string
	}{
		{
			name: "pulled",
			r: engine.Result{
				Status: engine.StatusDone,
				Outcome: reconcile.Outcome{
					Direction: reconcile.Pull, Action: reconcile.ActionUpdated,
					LocalID: "a", RemoteID: "42", Scope: "home", Title: "Buy milk",
					Changed: []string{"due"},
				},
			},
			want: []string{"✓ updated", `"Buy milk" local a remote 42 project home`, "Changed: due"},
		},
		{
			name: "circuit open",
			r: engine.Result{
				Entry:  "b",
				Status: engine.StatusQueued,
				Err:    syncerr.New(syncerr.KindCircuitOpen, "create task", "circuit breaker open"),
			},
			want: []string{"⚠ circuit open b", "circuit breaker open"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printResult(&buf, tt.r)
			for _, w := range tt.want {
				if !strings.Contains(buf.String(), w) {
					t.Errorf("output missing %q:\n%s", w, buf.String())
				}
			}
		})
	}
}
