package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/irrigation-core/internal/core"
	"github.com/nerrad567/irrigation-core/internal/device"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string                    `json:"timestamp"`
	Version       string                    `json:"version"`
	UptimeSeconds int64                     `json:"uptime_seconds"`
	Runtime       RuntimeMetrics            `json:"runtime"`
	WebSocket     WSMetrics                 `json:"websocket"`
	Feeds         map[core.Feed]FeedMetrics `json:"feeds"`
	Mode          device.Mode               `json:"mode"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// FeedMetrics describes one reconciler feed.
type FeedMetrics struct {
	State    core.FeedState `json:"state"`
	Attempts int            `json:"attempts"`
	Since    string         `json:"since,omitempty"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	// Collect runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	// Build metrics response
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
	}

	view := s.state.View()
	metrics.Mode = view.Mode
	metrics.Feeds = make(map[core.Feed]FeedMetrics, len(view.Feeds))
	for feed, st := range view.Feeds {
		fm := FeedMetrics{State: st.State, Attempts: st.Attempts}
		if !st.Since.IsZero() {
			fm.Since = st.Since.UTC().Format(time.RFC3339)
		}
		metrics.Feeds[feed] = fm
	}

	writeJSON(w, http.StatusOK, metrics)
}
