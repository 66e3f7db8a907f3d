package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/tasksync/internal/breaker"
	"github.com/mschirtzinger/tasksync/internal/engine"
	"github.com/mschirtzinger/tasksync/internal/queue"
	"github.com/mschirtzinger/tasksync/internal/remote/vikunja"
)

// Syncer is the part of the engine the daemon drives.
type Syncer interface {
	HandleWebhook(ctx context.Context, payload []byte) engine.Result
	DrainQueue(ctx context.Context) engine.DrainReport
}

// Counter reports recent result counts. The journal implements it.
type Counter interface {
	Counts(ctx context.Context, since time.Time) (map[string]int, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Addr is the HTTP listen address (default: ":8088").
	Addr string

	// DrainInterval is how often the queue is drained regardless of
	// file activity (default: 5m).
	DrainInterval time.Duration

	// DebounceInterval is how long the queue file must be quiet before a
	// file-triggered drain (default: 500ms).
	DebounceInterval time.Duration

	// WebhookSecret, if set, requires every webhook to carry a valid
	// HMAC-SHA256 signature.
	WebhookSecret string

	// MaxBodyBytes caps webhook payloads (default: 1 MiB).
	MaxBodyBytes int64

	// Queue is watched and reported on /status. Required.
	Queue *queue.Queue

	// Optional collaborators reported on /status.
	Breaker *breaker.Breaker
	Journal Counter

	// Dashboard, if set, is served on /ws.
	Dashboard http.Handler

	// OnDrain, if set, is called after every drain.
	OnDrain func(engine.DrainReport)

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             ":8088",
		DrainInterval:    5 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		MaxBodyBytes:     1 << 20,
	}
}

// Daemon serves webhooks and drains the retry queue.
type Daemon struct {
	syncer Syncer
	config Config
	logger *log.Logger

	listener net.Listener
	server   *http.Server
	watcher  *FileWatcher

	// settled holds the entries the last drain kept; a queue change that
	// adds nothing beyond them does not trigger a drain.
	mu        sync.Mutex
	settled   map[string]bool
	lastDrain *engine.DrainReport
	started   time.Time

	drainNow chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon. Use Start or Run to begin serving.
func New(syncer Syncer, config Config) (*Daemon, error) {
	if syncer == nil {
		return nil, errors.New("syncer cannot be nil")
	}
	if config.Queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.DrainInterval <= 0 {
		config.DrainInterval = def.DrainInterval
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = def.MaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = log.Default().WithPrefix("daemon")
	}

	watcher, err := NewFileWatcher(config.Queue.Path())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		syncer:   syncer,
		config:   config,
		logger:   config.Logger,
		watcher:  watcher,
		settled:  make(map[string]bool),
		drainNow: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start binds the listener and starts the background loops. It returns
// once the daemon is serving.
func (d *Daemon) Start() error {
	d.logger.Info("starting daemon", "addr", d.config.Addr, "queue", d.config.Queue.Path())

	if err := d.watcher.Start(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", d.config.Addr)
	if err != nil {
		_ = d.watcher.Stop()
		return fmt.Errorf("failed to listen on %s: %w", d.config.Addr, err)
	}
	d.listener = ln
	d.server = &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.started = time.Now()

	d.wg.Add(2)
	go d.serve()
	go d.loop()

	// Catch up on anything queued while the daemon was down.
	d.requestDrain()
	return nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	case <-d.ctx.Done():
	}
	return d.Stop()
}

// Stop shuts down the HTTP server and waits for in-flight work.
func (d *Daemon) Stop() error {
	d.logger.Info("stopping daemon")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs []error
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	d.cancel()
	if err := d.watcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	d.wg.Wait()

	d.logger.Info("daemon stopped")
	return errors.Join(errs...)
}

// Addr returns the listening address.
func (d *Daemon) Addr() string {
	if d.listener != nil {
		return d.listener.Addr().String()
	}
	return d.config.Addr
}

func (d *Daemon) serve() {
	defer d.wg.Done()
	if err := d.server.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Error("server error", "err", err)
		d.cancel()
	}
}

// requestDrain asks the loop for a drain without blocking.
func (d *Daemon) requestDrain() {
	select {
	case d.drainNow <- struct{}{}:
	default:
	}
}

// loop serializes drains: ticker, debounced file changes, and requests.
func (d *Daemon) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(d.config.DebounceInterval)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.drain("interval")

		case <-d.drainNow:
			d.drain("request")

		case _, ok := <-d.watcher.Changes():
			if !ok {
				return
			}
			debounce.Reset(d.config.DebounceInterval)

		case <-debounce.C:
			if d.hasNewEntries() {
				d.drain("queue changed")
			}

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Warn("watcher error", "err", err)
		}
	}
}

// hasNewEntries reports whether the queue holds entries the last drain
// did not keep.
func (d *Daemon) hasNewEntries() bool {
	pending, err := d.config.Queue.Pending(d.ctx)
	if err != nil {
		d.logger.Warn("failed to read queue", "err", err)
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, entry := range pending {
		if !d.settled[entry] {
			return true
		}
	}
	return false
}

func (d *Daemon) drain(reason string) {
	d.logger.Debug("draining queue", "reason", reason)
	rep := d.syncer.DrainQueue(d.ctx)

	// A deferred drain touched nothing; keep the previous view.
	if rep.Status != engine.StatusDeferred {
		settled := make(map[string]bool, len(rep.Queue.Kept))
		for _, entry := range rep.Queue.Kept {
			settled[entry] = true
		}
		d.mu.Lock()
		d.settled = settled
		d.lastDrain = &rep
		d.mu.Unlock()
	}

	if rep.Err != nil {
		d.logger.Error("queue drain failed", "err", rep.Err)
	} else if rep.Status != engine.StatusSkipped {
		d.logger.Info("queue drain finished", "status", rep.Status,
			"processed", rep.Queue.Processed, "kept", len(rep.Queue.Kept))
	}
	if d.config.OnDrain != nil {
		d.config.OnDrain(rep)
	}
}

// Handler returns the daemon's HTTP routes.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", d.handleWebhook)
	mux.HandleFunc("GET /health", d.handleHealth)
	mux.HandleFunc("GET /status", d.handleStatus)
	if d.config.Dashboard != nil {
		mux.Handle("/ws", d.config.Dashboard)
	}
	return mux
}

func (d *Daemon) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, d.config.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}
	if d.config.WebhookSecret != "" {
		sig := r.Header.Get(vikunja.SignatureHeader)
		if !vikunja.VerifySignature(body, sig, d.config.WebhookSecret) {
			d.logger.Warn("rejected webhook with bad signature", "remote", r.RemoteAddr)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}
	}

	// The sync outlives the request so a dropped connection cannot leave
	// a half-applied event.
	res := d.syncer.HandleWebhook(context.WithoutCancel(r.Context()), body)

	code := http.StatusOK
	switch res.Status {
	case engine.StatusDiscarded:
		code = http.StatusUnprocessableEntity
	case engine.StatusFailed:
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(d.started).Round(time.Second).String(),
	})
}

// StatusReport is the /status payload.
type StatusReport struct {
	Started   time.Time           `json:"started"`
	Breaker   *breaker.Snapshot   `json:"breaker,omitempty"`
	Pending   []string            `json:"pending"`
	LastDrain *engine.DrainReport `json:"last_drain,omitempty"`
	Last24h   map[string]int      `json:"last_24h,omitempty"`
	Errors    []string            `json:"errors,omitempty"`
}

// Status collects the current state. Partial failures are listed in
// Errors rather than failing the whole report.
func (d *Daemon) Status(ctx context.Context) StatusReport {
	rep := StatusReport{Started: d.started, Pending: []string{}}
	if d.config.Breaker != nil {
		snap := d.config.Breaker.Snapshot()
		rep.Breaker = &snap
	}
	if pending, err := d.config.Queue.Pending(ctx); err != nil {
		rep.Errors = append(rep.Errors, err.Error())
	} else if pending != nil {
		rep.Pending = pending
	}
	if d.config.Journal != nil {
		counts, err := d.config.Journal.Counts(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
		}
		rep.Last24h = counts
	}
	d.mu.Lock()
	rep.LastDrain = d.lastDrain
	d.mu.Unlock()
	return rep
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Status(r.Context()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
