package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemStatusResponse is the GET /api/system/status payload.
type systemStatusResponse struct {
	Status        string     `json:"status"`
	Version       string     `json:"version"`
	UptimeSeconds int64      `json:"uptime_seconds"`
	CPUPercent    float64    `json:"cpu_percent"`
	MemoryPercent float64    `json:"memory_percent"`
	MemoryUsedMB  uint64     `json:"memory_used_mb"`
	Goroutines    int        `json:"goroutines"`
	Jobs          jobsStatus `json:"jobs"`
}

type jobsStatus struct {
	InFlight int `json:"in_flight"`
	Queued   int `json:"queued"`
}

// handleSystemStatus returns host metrics and pipeline occupancy.
// GET /api/system/status
func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := systemStatusResponse{
		Status:        "ok",
		Version:       Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}

	// Short sample interval: the dashboard polls frequently and a 1s
	// blocking sample would dominate the request latency.
	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err != nil {
		s.log.Warn().Err(err).Msg("Failed to read CPU usage")
	} else if len(cpuPercent) > 0 {
		resp.CPUPercent = cpuPercent[0]
	}

	if memStat, err := mem.VirtualMemory(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to read memory usage")
	} else {
		resp.MemoryPercent = memStat.UsedPercent
		resp.MemoryUsedMB = memStat.Used / 1024 / 1024
	}

	inFlight, queued := s.pipeline.ActiveJobs()
	resp.Jobs = jobsStatus{InFlight: inFlight, Queued: queued}

	s.writeJSON(w, http.StatusOK, resp)
}
