// Package breaker implements a consecutive-failure circuit breaker guarding
// calls to the remote store.
//
// State machine:
//
//	closed --(Threshold consecutive failures)--> open
//	open   --(Cooldown elapsed, next Allow)--> half-open (one probe)
//	half-open --(probe succeeds)--> closed
//	half-open --(probe fails)--> open
//
// Hooks run as separate short-lived processes, so the breaker can persist
// its counters to a small JSON file. Each process loads the file when the
// breaker is created and rewrites it on every state change.
package breaker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/natefinch/atomic"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText lets State appear by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = Closed
	case "open":
		*s = Open
	case "half-open":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", b)
	}
	return nil
}

// Config holds breaker settings.
type Config struct {
	// Threshold is the number of consecutive failures that opens the breaker.
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration

	// StatePath, if set, persists the breaker between processes.
	StatePath string

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// OnChange, if set, is called after every state transition.
	OnChange func(from, to State)

	Logger *log.Logger
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  60 * time.Second,
	}
}

// Snapshot is a point-in-time copy of the breaker's counters.
type Snapshot struct {
	State       State     `json:"state" yaml:"state"`
	Failures    int       `json:"failures" yaml:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero" yaml:"last_failure,omitempty"`
	OpenedAt    time.Time `json:"opened_at,omitzero" yaml:"opened_at,omitempty"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config

	mu      sync.Mutex
	snap    Snapshot
	probing bool
}

// New creates a breaker, loading persisted state if StatePath is set.
// An unreadable state file is logged and ignored.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default().WithPrefix("breaker")
	}

	b := &Breaker{cfg: cfg}
	if cfg.StatePath != "" {
		if err := b.load(); err != nil {
			cfg.Logger.Warn("ignoring breaker state file", "path", cfg.StatePath, "err", err)
		}
	}
	return b
}

// Allow reports whether a call may proceed. It returns ErrOpen while the
// breaker is open, or while a half-open probe is already in flight.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.snap.State {
	case Closed:
		return nil
	case Open:
		if b.cfg.Now().Sub(b.snap.OpenedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	default: // HalfOpen
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.snap.State == Closed && b.snap.Failures == 0 {
		return
	}
	b.snap.Failures = 0
	b.snap.OpenedAt = time.Time{}
	b.transition(Closed)
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	b.probing = false
	b.snap.Failures++
	b.snap.LastFailure = now

	switch {
	case b.snap.State == HalfOpen:
		b.snap.OpenedAt = now
		b.transition(Open)
	case b.snap.State == Closed && b.snap.Failures >= b.cfg.Threshold:
		b.snap.OpenedAt = now
		b.transition(Open)
	default:
		b.save()
	}
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snap
}

// State returns the current state.
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	b.snap.Failures = 0
	b.snap.OpenedAt = time.Time{}
	b.transition(Closed)
}

// transition changes state, persists, and notifies. Caller holds mu.
func (b *Breaker) transition(to State) {
	from := b.snap.State
	b.snap.State = to
	b.save()
	if from == to {
		return
	}
	b.cfg.Logger.Info("state change", "from", from, "to", to, "failures", b.snap.Failures)
	if b.cfg.OnChange != nil {
		b.cfg.OnChange(from, to)
	}
}

func (b *Breaker) load() error {
	data, err := os.ReadFile(b.cfg.StatePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	// A probe cannot survive its process.
	if snap.State == HalfOpen {
		snap.State = Open
	}
	b.snap = snap
	return nil
}

// save persists the snapshot. Caller holds mu.
func (b *Breaker) save() {
	if b.cfg.StatePath == "" {
		return
	}
	data, err := json.Marshal(b.snap)
	if err != nil {
		return
	}
	if err := atomic.WriteFile(b.cfg.StatePath, bytes.NewReader(data)); err != nil {
		b.cfg.Logger.Warn("failed to persist breaker state", "path", b.cfg.StatePath, "err", err)
	}
}
