package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

var processStart = time.Now()

// SystemHealth reports host resource usage for operator dashboards.
func (h *Handlers) SystemHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"uptime_seconds": int64(time.Since(processStart).Seconds()),
		"goroutines":     runtime.NumGoroutine(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["cpu_pct"] = percents[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memory_pct"] = vm.UsedPercent
		payload["memory_used_mb"] = vm.Used / 1024 / 1024
	}

	if du, err := disk.Usage("/"); err == nil {
		payload["disk_pct"] = du.UsedPercent
		payload["disk_free_gb"] = du.Free / 1024 / 1024 / 1024
	}

	writeJSON(w, http.StatusOK, payload)
}
