package api

import (
	"runtime"
)

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// collectRuntimeMetrics snapshots the Go runtime for the health endpoint.
// Prometheus collectors cover the same ground on /metrics; this is the
// human-readable view.
func collectRuntimeMetrics() RuntimeMetrics {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
		MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
		NumGC:         memStats.NumGC,
	}
}
