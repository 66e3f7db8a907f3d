// Package daemon runs tasksync as a long-lived service.
//
// The daemon:
//  1. Receives Vikunja webhooks on POST /webhook and hands them to the engine
//  2. Drains the retry queue on a ticker
//  3. Watches the queue file and drains shortly after hooks queue new work
//  4. Serves /health, /status, and the dashboard WebSocket on /ws
//  5. Shuts down gracefully when its context is cancelled
//
// Hooks and one-shot commands keep working while the daemon runs: all
// of them coordinate through the sync lock, and whichever run loses the
// race defers its event to the queue, which the daemon then drains.
//
// # Queue watching
//
// The watcher observes the queue file's directory, since the queue is
// rewritten by atomic rename. Bursts of writes are debounced. A drain
// rewrites the queue itself, so a file-triggered drain only runs when the
// queue holds entries the previous drain did not already keep; the ticker
// retries kept entries on its own schedule.
package daemon
