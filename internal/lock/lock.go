// Package lock provides the exclusive regions that serialize sync runs and
// retry-queue access.
//
// Each region is an in-process semaphore paired with an OS advisory lock on
// a file, so it excludes both goroutines of the daemon and separate hook
// processes. The lock files are empty; only their flock state matters.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by TryAcquire when the region is held elsewhere.
var ErrLocked = errors.New("lock held by another run")

// File names inside the state directory.
const (
	SyncLockFile  = "sync.lock"
	QueueLockFile = "queue.lock"
)

// pollInterval is how often a blocking Acquire retries the file lock.
const pollInterval = 50 * time.Millisecond

// Release gives up a held region. It is safe to call more than once.
type Release func()

// Region is an exclusive region.
type Region interface {
	// TryAcquire takes the region without waiting, or returns ErrLocked.
	TryAcquire() (Release, error)

	// Acquire blocks until the region is taken or ctx is done.
	Acquire(ctx context.Context) (Release, error)

	// Path returns the backing lock file.
	Path() string
}

// fileRegion implements Region.
type fileRegion struct {
	path string
	sem  chan struct{}
	fl   *flock.Flock
}

// NewRegion returns a region backed by the lock file at path. The parent
// directory is created on first use.
func NewRegion(path string) Region {
	return &fileRegion{
		path: path,
		sem:  make(chan struct{}, 1),
		fl:   flock.New(path),
	}
}

func (r *fileRegion) Path() string { return r.path }

func (r *fileRegion) TryAcquire() (Release, error) {
	select {
	case r.sem <- struct{}{}:
	default:
		return nil, ErrLocked
	}

	if err := r.ensureDir(); err != nil {
		<-r.sem
		return nil, err
	}
	ok, err := r.fl.TryLock()
	if err != nil {
		<-r.sem
		return nil, fmt.Errorf("failed to lock %s: %w", r.path, err)
	}
	if !ok {
		<-r.sem
		return nil, ErrLocked
	}
	return r.releaser(), nil
}

func (r *fileRegion) Acquire(ctx context.Context) (Release, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := r.ensureDir(); err != nil {
		<-r.sem
		return nil, err
	}
	ok, err := r.fl.TryLockContext(ctx, pollInterval)
	if err != nil {
		<-r.sem
		return nil, fmt.Errorf("failed to lock %s: %w", r.path, err)
	}
	if !ok {
		<-r.sem
		return nil, ErrLocked
	}
	return r.releaser(), nil
}

func (r *fileRegion) releaser() Release {
	done := false
	return func() {
		if done {
			return
		}
		done = true
		_ = r.fl.Unlock()
		<-r.sem
	}
}

func (r *fileRegion) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	return nil
}

// Guard bundles the two regions used by the engine. The sync region is
// always taken before the queue region.
type Guard struct {
	Sync  Region
	Queue Region
}

// NewGuard returns the sync and queue regions for a state directory.
func NewGuard(stateDir string) *Guard {
	return &Guard{
		Sync:  NewRegion(filepath.Join(stateDir, SyncLockFile)),
		Queue: NewRegion(filepath.Join(stateDir, QueueLockFile)),
	}
}
