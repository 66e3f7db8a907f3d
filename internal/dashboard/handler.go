package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/tasksync/internal/breaker"
	"github.com/mschirtzinger/tasksync/internal/engine"
)

// BreakerData reports a breaker transition.
type BreakerData struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DrainData reports a finished drain.
type DrainData struct {
	Status    string   `json:"status"`
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Kept      []string `json:"kept,omitempty"`
	Dropped   []string `json:"dropped,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// StatsData contains the running totals since the daemon started.
type StatsData struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	BySummary map[string]int `json:"by_summary"`
	Breaker   string         `json:"breaker"`
	Drains    int            `json:"drains"`
	LastDrain time.Time      `json:"last_drain,omitzero"`
}

// Handler formats engine activity as dashboard messages. It implements
// engine.Observer and is safe for concurrent use.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler connected to server and registers itself
// as the server's welcome message.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default().WithPrefix("dashboard")
	}
	h := &Handler{
		server: server,
		logger: logger,
		stats: StatsData{
			ByStatus:  make(map[string]int),
			BySummary: make(map[string]int),
			Breaker:   breaker.Closed.String(),
		},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// Observe implements engine.Observer.
func (h *Handler) Observe(r engine.Result) {
	h.mu.Lock()
	h.stats.Total++
	h.stats.ByStatus[string(r.Status)]++
	h.stats.BySummary[r.Summary()]++
	h.mu.Unlock()

	h.server.BroadcastData(MessageTypeOutcome, r)
	h.broadcastStats()
}

// OnBreakerChange matches breaker.Config.OnChange.
func (h *Handler) OnBreakerChange(from, to breaker.State) {
	h.logger.Info("breaker changed", "from", from, "to", to)

	h.mu.Lock()
	h.stats.Breaker = to.String()
	h.mu.Unlock()

	h.server.BroadcastData(MessageTypeBreaker, BreakerData{From: from.String(), To: to.String()})
	h.broadcastStats()
}

// OnDrain reports a finished drain.
func (h *Handler) OnDrain(rep engine.DrainReport) {
	data := DrainData{
		Status:    string(rep.Status),
		Processed: rep.Queue.Processed,
		Succeeded: rep.Queue.Succeeded,
		Kept:      rep.Queue.Kept,
		Dropped:   rep.Queue.Dropped,
	}
	if rep.Err != nil {
		data.Error = rep.Err.Error()
	}

	h.mu.Lock()
	h.stats.Drains++
	h.stats.LastDrain = time.Now()
	h.mu.Unlock()

	h.server.BroadcastData(MessageTypeDrain, data)
	h.broadcastStats()
}

// Stats returns a copy of the running totals.
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.stats
	out.ByStatus = make(map[string]int, len(h.stats.ByStatus))
	for k, v := range h.stats.ByStatus {
		out.ByStatus[k] = v
	}
	out.BySummary = make(map[string]int, len(h.stats.BySummary))
	for k, v := range h.stats.BySummary {
		out.BySummary[k] = v
	}
	return out
}

func (h *Handler) broadcastStats() {
	h.server.BroadcastData(MessageTypeStats, h.Stats())
}

func (h *Handler) statsMessage() Message {
	msg := Message{Type: MessageTypeStats, Timestamp: time.Now()}
	if raw, err := json.Marshal(h.Stats()); err == nil {
		msg.Data = raw
	}
	return msg
}
