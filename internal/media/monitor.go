package media

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for an encoder process.
type ProcessStats struct {
	PID int `json:"pid"`

	CPUPercent     float64 `json:"cpu_percent"`
	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	MemoryPercent  float64 `json:"memory_percent"`

	BytesWritten  uint64  `json:"bytes_written"`
	BytesRead     uint64  `json:"bytes_read"`
	WriteRateBps  float64 `json:"write_rate_bps"`
	WriteRateKbps float64 `json:"write_rate_kbps"`

	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	LastUpdated time.Time     `json:"last_updated"`
}

// ProcessMonitor samples resource usage of an encoder process.
type ProcessMonitor struct {
	pid       int
	startedAt time.Time
	interval  time.Duration

	mu    sync.RWMutex
	stats ProcessStats
	proc  *process.Process

	lastBytesWritten uint64
	lastBytesCheck   time.Time

	// Byte counters fed by CountingWriter/CountingReader.
	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessMonitor creates a monitor for the given PID.
func NewProcessMonitor(pid int) *ProcessMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &ProcessMonitor{
		pid:       pid,
		startedAt: time.Now(),
		interval:  time.Second,
		ctx:       ctx,
		cancel:    cancel,
	}

	// Handle lookup failure by sampling bytes only.
	if proc, err := process.NewProcess(int32(pid)); err == nil {
		pm.proc = proc
	}

	return pm
}

// Start begins sampling in the background.
func (pm *ProcessMonitor) Start() {
	pm.mu.Lock()
	pm.lastBytesCheck = time.Now()
	pm.mu.Unlock()

	pm.wg.Add(1)
	go pm.loop()
}

// Stop halts sampling and waits for the loop to exit.
func (pm *ProcessMonitor) Stop() {
	pm.cancel()
	pm.wg.Wait()
}

// Stats returns the latest sampled statistics.
func (pm *ProcessMonitor) Stats() ProcessStats {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	stats := pm.stats
	stats.BytesWritten = pm.bytesWritten.Load()
	stats.BytesRead = pm.bytesRead.Load()
	return stats
}

// AddBytesWritten adds to the bytes written counter.
func (pm *ProcessMonitor) AddBytesWritten(n uint64) {
	pm.bytesWritten.Add(n)
}

// AddBytesRead adds to the bytes read counter.
func (pm *ProcessMonitor) AddBytesRead(n uint64) {
	pm.bytesRead.Add(n)
}

// SetInterval sets the sampling interval.
func (pm *ProcessMonitor) SetInterval(d time.Duration) {
	pm.mu.Lock()
	pm.interval = d
	pm.mu.Unlock()
}

func (pm *ProcessMonitor) loop() {
	defer pm.wg.Done()

	pm.mu.RLock()
	interval := pm.interval
	pm.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.sample()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.sample()
		}
	}
}

func (pm *ProcessMonitor) sample() {
	now := time.Now()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.stats.PID = pm.pid
	pm.stats.StartedAt = pm.startedAt
	pm.stats.Duration = now.Sub(pm.startedAt)
	pm.stats.LastUpdated = now

	if pm.proc != nil {
		// Errors mean the process exited; keep the last good sample.
		if cpuPct, err := pm.proc.CPUPercentWithContext(pm.ctx); err == nil {
			pm.stats.CPUPercent = cpuPct
		}
		if memInfo, err := pm.proc.MemoryInfoWithContext(pm.ctx); err == nil {
			pm.stats.MemoryRSSBytes = memInfo.RSS
		}
		if memPct, err := pm.proc.MemoryPercentWithContext(pm.ctx); err == nil {
			pm.stats.MemoryPercent = float64(memPct)
		}
	}

	currentBytes := pm.bytesWritten.Load()
	elapsed := now.Sub(pm.lastBytesCheck)
	if elapsed > 0 {
		delta := currentBytes - pm.lastBytesWritten
		pm.stats.WriteRateBps = float64(delta) / elapsed.Seconds()
		pm.stats.WriteRateKbps = pm.stats.WriteRateBps * 8 / 1000
	}
	pm.stats.BytesWritten = currentBytes
	pm.stats.BytesRead = pm.bytesRead.Load()
	pm.lastBytesWritten = currentBytes
	pm.lastBytesCheck = now
}

// CountingWriter wraps an io.Writer and reports bytes to a monitor.
type CountingWriter struct {
	w       io.Writer
	monitor *ProcessMonitor
}

// NewCountingWriter creates a writer that counts bytes written.
func NewCountingWriter(w io.Writer, monitor *ProcessMonitor) *CountingWriter {
	return &CountingWriter{w: w, monitor: monitor}
}

// Write implements io.Writer.
func (cw *CountingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 && cw.monitor != nil {
		cw.monitor.AddBytesWritten(uint64(n))
	}
	return n, err
}

// CountingReader wraps an io.Reader and reports bytes to a monitor.
type CountingReader struct {
	r       io.Reader
	monitor *ProcessMonitor
}

// NewCountingReader creates a reader that counts bytes read.
func NewCountingReader(r io.Reader, monitor *ProcessMonitor) *CountingReader {
	return &CountingReader{r: r, monitor: monitor}
}

// Read implements io.Reader.
func (cr *CountingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 && cr.monitor != nil {
		cr.monitor.AddBytesRead(uint64(n))
	}
	return n, err
}
