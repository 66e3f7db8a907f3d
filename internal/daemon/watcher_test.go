package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func expectChange(t *testing.T, fw *FileWatcher, want bool) {
	t.Helper()
	select {
	case <-fw.Changes():
		if !want {
			t.Fatal("unexpected change notification")
		}
	case <-time.After(300 * time.Millisecond):
		if want {
			t.Fatal("no change notification")
		}
	}
}

func TestFileWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.txt")

	fw, err := NewFileWatcher(path)
	if err != nil {
		t.Fatalf("NewFileWatcher: %v", err)
	}
	if err := fw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer fw.Stop()

	if err := fw.Start(); err == nil {
		t.Error("second Start succeeded")
	}

	t.Run("other files are ignored", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "sync.lock"), nil, 0o644); err != nil {
			t.Fatal(err)
		}
		expectChange(t, fw, false)
	})

	t.Run("write is reported", func(t *testing.T) {
		if err := os.WriteFile(path, []byte("abc\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		expectChange(t, fw, true)
	})

	t.Run("rename onto the file is reported", func(t *testing.T) {
		// Let the previous write's events settle.
		time.Sleep(50 * time.Millisecond)
		for len(fw.Changes()) > 0 {
			<-fw.Changes()
		}
		tmp := filepath.Join(dir, ".queue.tmp")
		if err := os.WriteFile(tmp, []byte("def\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.Rename(tmp, path); err != nil {
			t.Fatal(err)
		}
		expectChange(t, fw, true)
	})
}

func TestFileWatcherStop(t *testing.T) {
	fw, err := NewFileWatcher(filepath.Join(t.TempDir(), "queue.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if err := fw.Start(); err != nil {
		t.Fatal(err)
	}
	if !fw.IsRunning() {
		t.Fatal("not running after Start")
	}
	if err := fw.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fw.IsRunning() {
		t.Error("still running after Stop")
	}
	if _, ok := <-fw.Changes(); ok {
		t.Error("Changes channel open after Stop")
	}
	if err := fw.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}
