package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the response of GET /api/system.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	State         string         `json:"state"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Core          CoreMetrics    `json:"core"`
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

// CoreMetrics summarises the bus, state machine and service registry.
type CoreMetrics struct {
	Entities   int `json:"entities"`
	Services   int `json:"services"`
	Listeners  int `json:"listeners"`
	Components int `json:"components"`
}

// handleSystem returns runtime and core statistics.
func (s *Server) handleSystem(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	services := 0
	for _, svcs := range s.core.Services.Services() {
		services += len(svcs)
	}
	listeners := 0
	for _, n := range s.core.Bus.Listeners() {
		listeners += n
	}

	writeJSON(w, http.StatusOK, SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.core.Version(),
		State:         string(s.core.State()),
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
		Core: CoreMetrics{
			Entities:   len(s.core.States.All()),
			Services:   services,
			Listeners:  listeners,
			Components: len(s.core.Components()),
		},
	})
}
