// Package queue implements the durable retry queue.
//
// The queue is a newline-delimited file of event identifiers. Entries are
// deduplicated on read (first occurrence wins) and the file is only ever
// replaced atomically, under the queue lock.
//
// A drain snapshots the file, releases the lock while replaying entries,
// then merges: entries that still fail transiently stay at the front in
// their original order, followed by anything appended during the replay.
package queue

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/natefinch/atomic"

	"github.com/mschirtzinger/tasksync/internal/lock"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// FileName is the queue file inside the state directory.
const FileName = "queue.txt"

// remotePrefix marks entries that name a remote record rather than a
// local one.
const remotePrefix = "remote:"

// RemoteEntry returns the queue entry for a remote identity.
func RemoteEntry(remoteID string) string {
	return remotePrefix + remoteID
}

// ParseEntry splits an entry into its identity and whether it names a
// remote record.
func ParseEntry(entry string) (id string, isRemote bool) {
	if id, ok := strings.CutPrefix(entry, remotePrefix); ok {
		return id, true
	}
	return entry, false
}

// Result summarizes a drain.
type Result struct {
	Processed int
	Succeeded int
	Kept      []string
	Dropped   []string
}

// Queue is the retry queue file guarded by a lock region.
type Queue struct {
	path   string
	region lock.Region
	logger *log.Logger
}

// New returns a queue stored at path, guarded by region.
func New(path string, region lock.Region, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default().WithPrefix("queue")
	}
	return &Queue{path: path, region: region, logger: logger}
}

// Path returns the queue file path.
func (q *Queue) Path() string { return q.path }

// Append adds an entry to the end of the queue.
func (q *Queue) Append(ctx context.Context, entry string) error {
	entry = strings.TrimSpace(entry)
	if entry == "" || strings.Contains(entry, "\n") {
		return fmt.Errorf("invalid queue entry %q", entry)
	}

	release, err := q.region.Acquire(ctx)
	if err != nil {
		return syncerr.Wrap(syncerr.KindLocal, "queue append", err)
	}
	defer release()

	lines, err := q.read()
	if err != nil {
		return err
	}
	if err := q.write(append(lines, entry)); err != nil {
		return err
	}
	q.logger.Info("queued for retry", "entry", entry)
	return nil
}

// Pending returns the deduplicated entries in arrival order.
func (q *Queue) Pending(ctx context.Context) ([]string, error) {
	release, err := q.region.Acquire(ctx)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindLocal, "queue read", err)
	}
	defer release()

	lines, err := q.read()
	if err != nil {
		return nil, err
	}
	return dedup(lines), nil
}

// Drain replays every pending entry through fn.
//
// An entry is removed when fn succeeds or fails with a non-retryable
// error, and kept when the error is retryable. Drain stops early, keeping
// the unprocessed entries, if ctx is cancelled.
func (q *Queue) Drain(ctx context.Context, fn func(ctx context.Context, entry string) error) (Result, error) {
	var res Result

	snapshot, err := q.snapshot(ctx)
	if err != nil {
		return res, err
	}
	if len(snapshot) == 0 {
		return res, nil
	}

	pending := dedup(snapshot)
	for i, entry := range pending {
		if ctx.Err() != nil {
			res.Kept = append(res.Kept, pending[i:]...)
			break
		}
		res.Processed++
		err := fn(ctx, entry)
		switch {
		case err == nil:
			res.Succeeded++
		case syncerr.IsRetryable(err):
			q.logger.Warn("retry failed, keeping", "entry", entry, "err", err)
			res.Kept = append(res.Kept, entry)
		default:
			q.logger.Warn("dropping entry", "entry", entry, "err", err)
			res.Dropped = append(res.Dropped, entry)
		}
	}

	// The merge must happen even if ctx was cancelled mid-drain.
	if err := q.merge(context.WithoutCancel(ctx), snapshot, res.Kept); err != nil {
		return res, err
	}
	q.logger.Info("queue drained",
		"processed", res.Processed, "succeeded", res.Succeeded,
		"kept", len(res.Kept), "dropped", len(res.Dropped))
	return res, nil
}

func (q *Queue) snapshot(ctx context.Context) ([]string, error) {
	release, err := q.region.Acquire(ctx)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindLocal, "queue snapshot", err)
	}
	defer release()
	return q.read()
}

// merge rewrites the file as kept + whatever was appended after snapshot.
func (q *Queue) merge(ctx context.Context, snapshot, kept []string) error {
	release, err := q.region.Acquire(ctx)
	if err != nil {
		return syncerr.Wrap(syncerr.KindLocal, "queue merge", err)
	}
	defer release()

	current, err := q.read()
	if err != nil {
		return err
	}

	var appended []string
	if len(current) >= len(snapshot) && slices.Equal(current[:len(snapshot)], snapshot) {
		appended = current[len(snapshot):]
	} else {
		// Someone rewrote the file under us; keep anything we did not see.
		seen := make(map[string]bool, len(snapshot))
		for _, e := range snapshot {
			seen[e] = true
		}
		for _, e := range current {
			if !seen[e] {
				appended = append(appended, e)
			}
		}
	}
	return q.write(dedup(append(slices.Clone(kept), appended...)))
}

func (q *Queue) read() ([]string, error) {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindLocal, "queue read", err)
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// write replaces the file, or removes it when lines is empty.
func (q *Queue) write(lines []string) error {
	if len(lines) == 0 {
		if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
			return syncerr.Wrap(syncerr.KindLocal, "queue write", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return syncerr.Wrap(syncerr.KindLocal, "queue write", err)
	}
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	if err := atomic.WriteFile(q.path, &buf); err != nil {
		return syncerr.Wrap(syncerr.KindLocal, "queue write", err)
	}
	return nil
}

func dedup(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
