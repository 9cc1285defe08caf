package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sawpanic/replyrun/internal/net/budget"
	"github.com/sawpanic/replyrun/internal/net/ratelimit"
	"github.com/sawpanic/replyrun/internal/scheduler"
)

// LoopSource reports the reply loop state
type LoopSource interface {
	Snapshot() scheduler.Snapshot
}

// QuotaSource reports the client-side quota and breaker state
type QuotaSource interface {
	QuotaStats() map[string]ratelimit.WindowStats
	ReplyBudget() (budget.Stats, bool)
	BreakerState() string
}

// StatusHandler serves /health and /status
type StatusHandler struct {
	loop      LoopSource
	quota     QuotaSource
	version   string
	startTime time.Time
}

// NewStatusHandler creates the handler. quota may be nil.
func NewStatusHandler(loop LoopSource, quota QuotaSource, version string) *StatusHandler {
	return &StatusHandler{loop: loop, quota: quota, version: version, startTime: time.Now()}
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status  string `json:"status"` // "healthy" or "degraded"
	State   string `json:"state"`
	Breaker string `json:"breaker,omitempty"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

// StatusResponse is the /status body
type StatusResponse struct {
	Loop        scheduler.Snapshot               `json:"loop"`
	Windows     map[string]ratelimit.WindowStats `json:"windows,omitempty"`
	ReplyBudget *budget.Stats                    `json:"reply_budget,omitempty"`
	Breaker     string                           `json:"breaker,omitempty"`
	Timestamp   time.Time                        `json:"timestamp"`
}

// Health reports degraded while the loop is backing off or the breaker is open
func (h *StatusHandler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.loop.Snapshot()
	resp := HealthResponse{
		Status:  "healthy",
		State:   snap.State,
		Uptime:  time.Since(h.startTime).Truncate(time.Second).String(),
		Version: h.version,
	}
	if h.quota != nil {
		resp.Breaker = h.quota.BreakerState()
	}
	if snap.State == scheduler.StateErrorBackoff.String() || resp.Breaker == "open" {
		resp.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, resp)
}

// Status reports the loop snapshot with quota details
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Loop:      h.loop.Snapshot(),
		Timestamp: time.Now().UTC(),
	}
	if h.quota != nil {
		resp.Windows = h.quota.QuotaStats()
		resp.Breaker = h.quota.BreakerState()
		if stats, ok := h.quota.ReplyBudget(); ok {
			resp.ReplyBudget = &stats
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
	}
}
