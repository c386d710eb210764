package daemon

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/castdio/castd/pkg/format"
)

// Health aggregates subsystem status for the /health endpoint. The daemon
// reports degraded when the database ping fails or any plugin is
// unhealthy; it never reports hard-down while it can answer at all.
func (d *Daemon) Health(ctx context.Context) map[string]any {
	status := "healthy"

	dbBlock := map[string]any{"enabled": false}
	if d.db != nil {
		dbBlock = map[string]any{
			"enabled": true,
			"driver":  d.db.Driver(),
		}
		if err := d.db.Ping(ctx); err != nil {
			status = "degraded"
			dbBlock["status"] = "unreachable"
			dbBlock["error"] = err.Error()
		} else {
			dbBlock["status"] = "ok"
			dbBlock["stats"] = d.db.Stats()
		}
	}

	plugins := d.registry.List()
	healthyPlugins := 0
	for _, p := range plugins {
		if p.Healthy {
			healthyPlugins++
		}
	}
	if healthyPlugins < len(plugins) {
		status = "degraded"
	}

	stats := d.queue.Stats()
	uptime := time.Since(d.startedAt)

	return map[string]any{
		"status":         status,
		"version":        d.version,
		"uptime":         format.Uptime(uptime),
		"uptime_seconds": int64(uptime.Seconds()),
		"system":         systemStats(ctx),
		"database":       dbBlock,
		"plugins": map[string]any{
			"total":   len(plugins),
			"healthy": healthyPlugins,
		},
		"jobs": map[string]any{
			"pending":      stats.Pending,
			"processing":   stats.Processing,
			"completed":    stats.Completed,
			"failed":       stats.Failed,
			"workers":      stats.WorkersTotal,
			"workers_busy": stats.WorkersBusy,
		},
		"channels": map[string]any{
			"radio":     len(d.radio.List("")),
			"tv":        len(d.tv.List("")),
			"listeners": d.radio.TotalListeners(),
			"viewers":   d.tv.TotalViewers(),
		},
		"broadcast": map[string]any{
			"mounts":    len(d.broadcaster.MountNames()),
			"listeners": d.broadcaster.TotalListeners(),
		},
	}
}

// systemStats is best-effort: a probe that fails just leaves its field
// out.
func systemStats(ctx context.Context) map[string]any {
	sys := map[string]any{
		"cpus":       runtime.NumCPU(),
		"goroutines": runtime.NumGoroutine(),
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		sys["memory_used"] = format.Bytes(int64(vm.Used))   //nolint:gosec
		sys["memory_total"] = format.Bytes(int64(vm.Total)) //nolint:gosec
		sys["memory_used_percent"] = format.Percentage(vm.UsedPercent, 1)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		sys["load_1m"] = avg.Load1
		sys["load_5m"] = avg.Load5
		sys["load_15m"] = avg.Load15
	}
	return sys
}
