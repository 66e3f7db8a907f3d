package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// isolate points every lookup at an empty temp home.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("XDG_STATE_HOME", "")
	for _, names := range legacyEnv {
		for _, name := range names {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
	return home
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend != BackendVikunja || cfg.DefaultProject != "inbox" {
		t.Errorf("backend/project = %q/%q", cfg.Backend, cfg.DefaultProject)
	}
	if want := filepath.Join(home, ".local", "state", "tasksync"); cfg.StateDir != want {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, want)
	}
	want := HTTPConfig{Timeout: 30 * time.Second, MaxRetries: 3, BackoffBase: time.Second}
	if diff := cmp.Diff(want, cfg.HTTP); diff != "" {
		t.Errorf("HTTP mismatch (-want +got):\n%s", diff)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.Cooldown != time.Minute {
		t.Errorf("Breaker = %+v", cfg.Breaker)
	}
	if cfg.Daemon.Listen != ":8088" || cfg.Daemon.DrainInterval != 5*time.Minute || cfg.Daemon.Debounce != 500*time.Millisecond {
		t.Errorf("Daemon = %+v", cfg.Daemon)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	home := isolate(t)
	path := writeFile(t, filepath.Join(home, ".config", "tasksync", "config.yaml"), `
backend: caldav
state_dir: ~/sync-state
http:
  timeout: 5s
  max_retries: 2
caldav:
  url: https://dav.example.com/cal/
  calendar: Tasks
`)
	t.Setenv("CALDAV_USER", "alice")
	t.Setenv("VIKUNJA_CALDAV_PASS_FILE", "~/secret")
	t.Setenv("TASKSYNC_BREAKER_THRESHOLD", "9")
	t.Setenv("VIKUNJA_DEFAULT_PROJECT", "todo")
	t.Setenv("VIKUNJA_DEBUG", "1")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.Backend != BackendCalDAV || cfg.StateDir != filepath.Join(home, "sync-state") {
		t.Errorf("backend/state = %q/%q", cfg.Backend, cfg.StateDir)
	}
	if cfg.HTTP.Timeout != 5*time.Second || cfg.HTTP.MaxRetries != 2 || cfg.HTTP.BackoffBase != time.Second {
		t.Errorf("HTTP = %+v", cfg.HTTP)
	}
	wantDAV := CalDAVConfig{
		URL:      "https://dav.example.com/cal/",
		User:     "alice",
		PassFile: filepath.Join(home, "secret"),
		Calendar: "Tasks",
	}
	if diff := cmp.Diff(wantDAV, cfg.CalDAV); diff != "" {
		t.Errorf("CalDAV mismatch (-want +got):\n%s", diff)
	}
	if cfg.Breaker.Threshold != 9 {
		t.Errorf("Threshold = %d, want 9", cfg.Breaker.Threshold)
	}
	if cfg.DefaultProject != "todo" || !cfg.Debug || cfg.Log.Level != "debug" {
		t.Errorf("project/debug/level = %q/%v/%q", cfg.DefaultProject, cfg.Debug, cfg.Log.Level)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := map[string]struct {
		file string
		env  map[string]string
	}{
		"explicit file missing": {file: "missing.yaml"},
		"unknown backend":       {env: map[string]string{"TASKSYNC_BACKEND": "jira"}},
		"zero retries":          {env: map[string]string{"TASKSYNC_HTTP_MAX_RETRIES": "0"}},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			home := isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.file != "" {
				path = filepath.Join(home, tt.file)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load succeeded")
			}
			if syncerr.KindOf(err) != syncerr.KindConfig {
				t.Errorf("kind = %v, want config", syncerr.KindOf(err))
			}
		})
	}
}

func TestReadSecret(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, filepath.Join(dir, "token"), "  abc123\n")
	empty := writeFile(t, filepath.Join(dir, "empty"), "\n")

	got, err := ReadSecret("vikunja.token_file", good)
	if err != nil || got != "abc123" {
		t.Errorf("ReadSecret = %q, %v", got, err)
	}
	for name, path := range map[string]string{
		"unset":   "",
		"missing": filepath.Join(dir, "nope"),
		"empty":   empty,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadSecret("vikunja.token_file", path)
			if syncerr.KindOf(err) != syncerr.KindConfig {
				t.Errorf("err = %v, want a config error", err)
			}
			if syncerr.IsRetryable(err) {
				t.Error("config errors must not be retryable")
			}
		})
	}

	cfg := &Config{}
	if s, err := cfg.WebhookSecret(); err != nil || s != "" {
		t.Errorf("unset webhook secret = %q, %v", s, err)
	}
}

func TestLoadScopes(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, filepath.Join(dir, "scopes.toml"), `
[projects]
work = "Work"
home = "Household"
`)
	pairs, err := LoadScopes(good)
	if err != nil {
		t.Fatalf("LoadScopes: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"work": "Work", "home": "Household"}, pairs); diff != "" {
		t.Errorf("pairs mismatch (-want +got):\n%s", diff)
	}

	cfg := &Config{ScopesFile: good, DefaultProject: "inbox"}
	scopes, err := cfg.Scopes()
	if err != nil {
		t.Fatal(err)
	}
	if scopes.Remote("home") != "Household" || scopes.Local("Work") != "work" || scopes.Remote("") != "inbox" {
		t.Errorf("scopes not applied: %q %q %q", scopes.Remote("home"), scopes.Local("Work"), scopes.Remote(""))
	}

	bad := map[string]string{
		"duplicate title": "[projects]\na = \"X\"\nb = \"X\"\n",
		"empty title":     "[projects]\na = \"\"\n",
		"unknown key":     "[project]\na = \"X\"\n",
		"syntax":          "[projects\n",
	}
	for name, content := range bad {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, filepath.Join(t.TempDir(), "scopes.toml"), content)
			if _, err := LoadScopes(path); syncerr.KindOf(err) != syncerr.KindConfig {
				t.Errorf("err = %v, want a config error", err)
			}
		})
	}

	if pairs, err := LoadScopes(""); err != nil || len(pairs) != 0 {
		t.Errorf("LoadScopes(\"\") = %v, %v", pairs, err)
	}
}
