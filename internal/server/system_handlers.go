package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/factorhub/factorhub/internal/queue"
)

// handleHealth reports process and queue health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := map[string]any{
		"status": "running",
		"time":   time.Now().UTC(),
		"memory": map[string]any{
			"alloc_mb":       m.Alloc / 1024 / 1024,
			"total_alloc_mb": m.TotalAlloc / 1024 / 1024,
			"sys_mb":         m.Sys / 1024 / 1024,
			"num_gc":         m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		response["cpu_percent"] = cpuPercent[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		response["system_memory_percent"] = memStat.UsedPercent
	}

	queues := map[string]any{}
	for _, name := range []string{string(queue.JobTypeEvaluation), string(queue.JobTypeMetricsSync)} {
		pending, err := s.broker.Pending(r.Context(), name)
		if err != nil {
			queues[name] = map[string]any{"error": err.Error()}
			continue
		}
		queues[name] = map[string]any{"pending": pending}
	}
	response["queues"] = queues

	s.writeJSON(w, http.StatusOK, response)
}
