package correlate

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openTestIndex(t *testing.T) (*Index, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "index")
	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return idx, dir
}

func TestLinkAndLookup(t *testing.T) {
	idx, _ := openTestIndex(t)

	if err := idx.Link("Home", "u1", "42"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	e, ok := idx.ByLocal("u1")
	if !ok || e.RemoteID != "42" || e.Scope != "Home" {
		t.Errorf("ByLocal = %+v, %v", e, ok)
	}
	e, ok = idx.ByRemote("42")
	if !ok || e.LocalID != "u1" {
		t.Errorf("ByRemote = %+v, %v", e, ok)
	}
	if _, ok := idx.ByLocal("missing"); ok {
		t.Error("ByLocal(missing) should miss")
	}
}

func TestLinkIdempotent(t *testing.T) {
	idx, _ := openTestIndex(t)
	for i := 0; i < 2; i++ {
		if err := idx.Link("Home", "u1", "42"); err != nil {
			t.Fatalf("Link #%d failed: %v", i, err)
		}
	}
	if idx.Len() != 1 {
		t.Errorf("Len = %d, want 1", idx.Len())
	}
}

func TestLinkConflict(t *testing.T) {
	idx, _ := openTestIndex(t)
	if err := idx.Link("Home", "u1", "42"); err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	tests := []struct {
		name   string
		local  string
		remote string
	}{
		{"local already linked", "u1", "43"},
		{"remote already linked", "u2", "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := idx.Link("Home", tt.local, tt.remote)
			if !errors.Is(err, ErrConflict) {
				t.Errorf("Link = %v, want ErrConflict", err)
			}
		})
	}

	if e, _ := idx.ByLocal("u1"); e.RemoteID != "42" {
		t.Errorf("conflicting link altered entry: %+v", e)
	}
}

func TestLinkMovesScope(t *testing.T) {
	idx, dir := openTestIndex(t)
	if err := idx.Link("Home", "u1", "42"); err != nil {
		t.Fatal(err)
	}
	if err := idx.Link("Work", "u1", "42"); err != nil {
		t.Fatalf("moving link failed: %v", err)
	}

	if got := idx.Entries("Home"); len(got) != 0 {
		t.Errorf("Home still has entries: %v", got)
	}
	if got := idx.Entries("Work"); len(got) != 1 {
		t.Errorf("Work entries = %v", got)
	}

	data, err := os.ReadFile(filepath.Join(dir, "Home.idx"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "u1=") {
		t.Errorf("Home.idx still lists u1:\n%s", data)
	}
}

func TestUnlink(t *testing.T) {
	idx, _ := openTestIndex(t)
	_ = idx.Link("Home", "u1", "42")
	_ = idx.Link("Home", "u2", "43")

	if err := idx.UnlinkLocal("u1"); err != nil {
		t.Fatalf("UnlinkLocal failed: %v", err)
	}
	if err := idx.UnlinkRemote("43"); err != nil {
		t.Fatalf("UnlinkRemote failed: %v", err)
	}
	if idx.Len() != 0 {
		t.Errorf("Len = %d after unlinking everything", idx.Len())
	}

	// Absent entries unlink cleanly.
	if err := idx.UnlinkLocal("u1"); err != nil {
		t.Errorf("second UnlinkLocal = %v", err)
	}
	if err := idx.UnlinkRemote("nope"); err != nil {
		t.Errorf("UnlinkRemote(absent) = %v", err)
	}

	// The freed identities can be linked again.
	if err := idx.Link("Home", "u3", "42"); err != nil {
		t.Errorf("relink after unlink failed: %v", err)
	}
}

func TestPersistAndReload(t *testing.T) {
	idx, dir := openTestIndex(t)
	_ = idx.Link("Home", "u1", "42")
	_ = idx.Link("Work/Sub", "u2", "43")
	_ = idx.Link("", "u3", "44")

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}

	want := []Entry{{Scope: "Work/Sub", LocalID: "u2", RemoteID: "43"}}
	if diff := cmp.Diff(want, reopened.Entries("Work/Sub")); diff != "" {
		t.Errorf("Entries mismatch (-want +got):\n%s", diff)
	}
	if e, ok := reopened.ByRemote("44"); !ok || e.Scope != "" {
		t.Errorf("default scope entry = %+v, %v", e, ok)
	}
	if reopened.Len() != 3 {
		t.Errorf("Len = %d, want 3", reopened.Len())
	}

	for _, name := range []string{"Home.idx", "Work%2FSub.idx", "_default.idx"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestReloadSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	content := "# header\n\nu1=42\nbroken line\n=9\nu2=\nu3=43\nu4=42\n"
	if err := os.WriteFile(filepath.Join(dir, "Home.idx"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	idx, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if idx.Len() != 2 {
		t.Errorf("Len = %d, want 2 (u1, u3)", idx.Len())
	}
	if _, ok := idx.ByLocal("u4"); ok {
		t.Error("duplicate remote id should be dropped")
	}
}

func TestLinkRejectsReservedCharacters(t *testing.T) {
	idx, _ := openTestIndex(t)
	if err := idx.Link("Home", "a=b", "1"); err == nil {
		t.Error("expected error for '=' in identity")
	}
	if err := idx.Link("Home", "", "1"); err == nil {
		t.Error("expected error for empty identity")
	}
}
