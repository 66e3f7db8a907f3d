// Package correlate persists the one-to-one mapping between local and
// remote record identities.
//
// Entries are grouped by sync scope (a local project paired with a remote
// project). Each scope lives in its own file under the index directory:
//
//	<dir>/<escaped scope>.idx
//
// holding one `local_id=remote_id` pair per line. Files are replaced
// atomically on every change so a crash mid-write never truncates them.
//
// The index may lag behind the stores (another process can link records
// between two reads). Callers reload it at the start of each run and fall
// back to the id annotation when a lookup misses.
package correlate

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

// ErrConflict is returned when a link would map one identity to two
// counterparts.
var ErrConflict = errors.New("correlation conflict")

const (
	fileExt      = ".idx"
	fileHeader   = "# tasksync correlation index v1"
	defaultScope = "_default"
)

// Entry is one correlation.
type Entry struct {
	Scope    string
	LocalID  string
	RemoteID string
}

// Index is the in-memory view of every scope file in a directory.
type Index struct {
	dir string

	mu       sync.RWMutex
	byLocal  map[string]Entry
	byRemote map[string]Entry
}

// Open loads every scope file in dir, creating dir if needed.
func Open(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	idx := &Index{dir: dir}
	if err := idx.Reload(); err != nil {
		return nil, err
	}
	return idx, nil
}

// Reload discards the in-memory view and re-reads every scope file.
func (idx *Index) Reload() error {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		return fmt.Errorf("failed to read index directory: %w", err)
	}

	byLocal := make(map[string]Entry)
	byRemote := make(map[string]Entry)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		scope, err := url.PathUnescape(strings.TrimSuffix(e.Name(), fileExt))
		if err != nil {
			continue
		}
		if scope == defaultScope {
			scope = ""
		}
		pairs, err := readScope(filepath.Join(idx.dir, e.Name()))
		if err != nil {
			return err
		}
		for _, p := range pairs {
			entry := Entry{Scope: scope, LocalID: p[0], RemoteID: p[1]}
			// Files written by an older process can disagree; the first
			// pair read wins and the rest are dropped on next write.
			if _, dup := byLocal[entry.LocalID]; dup {
				continue
			}
			if _, dup := byRemote[entry.RemoteID]; dup {
				continue
			}
			byLocal[entry.LocalID] = entry
			byRemote[entry.RemoteID] = entry
		}
	}

	idx.mu.Lock()
	idx.byLocal = byLocal
	idx.byRemote = byRemote
	idx.mu.Unlock()
	return nil
}

func readScope(path string) ([][2]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read index file %s: %w", path, err)
	}
	var pairs [][2]string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		local, remoteID, ok := strings.Cut(line, "=")
		if !ok || local == "" || remoteID == "" {
			continue
		}
		pairs = append(pairs, [2]string{local, remoteID})
	}
	return pairs, sc.Err()
}

// ByLocal returns the entry for a local identity.
func (idx *Index) ByLocal(localID string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.byLocal[localID]
	return e, ok
}

// ByRemote returns the entry for a remote identity.
func (idx *Index) ByRemote(remoteID string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.byRemote[remoteID]
	return e, ok
}

// Link records local ↔ remote in scope.
//
// Re-linking an existing pair is a no-op, except that a pair found under a
// different scope is moved (the record changed project). Linking either
// identity to a different counterpart returns ErrConflict; the caller must
// Unlink the stale pair first.
func (idx *Index) Link(scope, localID, remoteID string) error {
	if localID == "" || remoteID == "" {
		return fmt.Errorf("link requires both identities")
	}
	if strings.ContainsAny(localID+remoteID, "=\n") {
		return fmt.Errorf("identity contains a reserved character")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if e, ok := idx.byLocal[localID]; ok && e.RemoteID != remoteID {
		return fmt.Errorf("%w: local %s already linked to remote %s", ErrConflict, localID, e.RemoteID)
	}
	if e, ok := idx.byRemote[remoteID]; ok && e.LocalID != localID {
		return fmt.Errorf("%w: remote %s already linked to local %s", ErrConflict, remoteID, e.LocalID)
	}

	prev, existed := idx.byLocal[localID]
	if existed && prev.Scope == scope {
		return nil
	}

	entry := Entry{Scope: scope, LocalID: localID, RemoteID: remoteID}
	idx.byLocal[localID] = entry
	idx.byRemote[remoteID] = entry

	dirty := []string{scope}
	if existed {
		dirty = append(dirty, prev.Scope)
	}
	if err := idx.persist(dirty...); err != nil {
		// Roll back so memory matches disk.
		delete(idx.byLocal, localID)
		delete(idx.byRemote, remoteID)
		if existed {
			idx.byLocal[localID] = prev
			idx.byRemote[remoteID] = prev
		}
		return err
	}
	return nil
}

// UnlinkLocal removes the entry for a local identity. Removing an absent
// entry succeeds.
func (idx *Index) UnlinkLocal(localID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.byLocal[localID]
	if !ok {
		return nil
	}
	return idx.unlink(e)
}

// UnlinkRemote removes the entry for a remote identity. Removing an absent
// entry succeeds.
func (idx *Index) UnlinkRemote(remoteID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	e, ok := idx.byRemote[remoteID]
	if !ok {
		return nil
	}
	return idx.unlink(e)
}

func (idx *Index) unlink(e Entry) error {
	delete(idx.byLocal, e.LocalID)
	delete(idx.byRemote, e.RemoteID)
	if err := idx.persist(e.Scope); err != nil {
		idx.byLocal[e.LocalID] = e
		idx.byRemote[e.RemoteID] = e
		return err
	}
	return nil
}

// Entries returns every entry of a scope, sorted by local identity.
func (idx *Index) Entries(scope string) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.collect(scope)
}

// Len returns the total number of entries across scopes.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byLocal)
}

func (idx *Index) collect(scope string) []Entry {
	var out []Entry
	for _, e := range idx.byLocal {
		if e.Scope == scope {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

// persist rewrites the given scope files. Caller holds mu.
func (idx *Index) persist(scopes ...string) error {
	seen := make(map[string]bool, len(scopes))
	for _, scope := range scopes {
		if seen[scope] {
			continue
		}
		seen[scope] = true

		var buf bytes.Buffer
		buf.WriteString(fileHeader + "\n")
		for _, e := range idx.collect(scope) {
			fmt.Fprintf(&buf, "%s=%s\n", e.LocalID, e.RemoteID)
		}
		if err := atomic.WriteFile(idx.path(scope), &buf); err != nil {
			return fmt.Errorf("failed to write index for scope %q: %w", scope, err)
		}
	}
	return nil
}

func (idx *Index) path(scope string) string {
	name := defaultScope
	if scope != "" {
		name = url.PathEscape(scope)
	}
	return filepath.Join(idx.dir, name+fileExt)
}
