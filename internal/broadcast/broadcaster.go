// Package broadcast fans out byte chunks produced by channel loops to every
// HTTP listener attached to a mount. Slow listeners are pruned rather than
// allowed to stall the producer.
package broadcast

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Errors returned by broadcaster operations.
var (
	// ErrMountNotFound is returned when attaching to a mount that was never
	// created or was already removed.
	ErrMountNotFound = errors.New("mount not found")
	// ErrMountClosed is returned by Write after the mount was removed.
	// Producers treat it as the signal to stop their loop.
	ErrMountClosed = errors.New("mount closed")
)

// Config holds broadcaster tuning.
type Config struct {
	// ListenerBuffer is the per-listener chunk buffer. A listener whose
	// buffer is full when a chunk arrives is pruned.
	ListenerBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenerBuffer: 64,
	}
}

// Broadcaster owns all mounts. The global mutex only guards the mount map;
// fan-out happens under each mount's own lock so producers on different
// mounts never contend.
type Broadcaster struct {
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	mounts map[string]*Mount
}

// New creates a broadcaster.
func New(config Config, logger *slog.Logger) *Broadcaster {
	if config.ListenerBuffer <= 0 {
		config.ListenerBuffer = DefaultConfig().ListenerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		config: config,
		logger: logger.With(slog.String("component", "broadcast")),
		mounts: make(map[string]*Mount),
	}
}

// CreateMount allocates mount state if absent. Idempotent.
func (b *Broadcaster) CreateMount(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mounts[name]; ok {
		return
	}
	b.mounts[name] = newMount(name, b.config.ListenerBuffer)
	b.logger.Debug("mount created", slog.String("mount", name))
}

// RemoveMount drops the mount and closes every listener attached to it.
// Subsequent writes to the mount return ErrMountClosed. Idempotent.
func (b *Broadcaster) RemoveMount(name string) {
	b.mu.Lock()
	m, ok := b.mounts[name]
	if ok {
		delete(b.mounts, name)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	m.close()
	b.logger.Debug("mount removed", slog.String("mount", name))
}

// IsActive reports whether the mount exists.
func (b *Broadcaster) IsActive(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.mounts[name]
	return ok
}

// MountNames returns the active mount names, sorted.
func (b *Broadcaster) MountNames() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.mounts))
	for name := range b.mounts {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Attach adds a listener to the mount and returns its handle. The caller
// owns draining Chunks until it returns closed; the broadcaster owns the
// handle's lifetime and closes it on prune or mount removal.
func (b *Broadcaster) Attach(name string) (*Listener, error) {
	b.mu.RLock()
	m, ok := b.mounts[name]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrMountNotFound
	}
	return m.attach()
}

// Detach removes a listener from the mount and closes it. Detaching an
// already-pruned listener is a no-op.
func (b *Broadcaster) Detach(name string, id uuid.UUID) {
	b.mu.RLock()
	m, ok := b.mounts[name]
	b.mu.RUnlock()
	if !ok {
		return
	}
	m.detach(id)
}

// Write fans data out to every listener on the mount. Listeners whose
// buffers are full are pruned in place. The data slice is copied once; the
// caller may reuse its buffer. Only the per-mount lock is held during
// fan-out, never the global mount-map lock.
func (b *Broadcaster) Write(name string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b.mu.RLock()
	m, ok := b.mounts[name]
	b.mu.RUnlock()
	if !ok {
		return ErrMountClosed
	}
	return m.write(data)
}

// ListenerCount returns the number of listeners attached to the mount, or
// zero if the mount does not exist.
func (b *Broadcaster) ListenerCount(name string) int {
	b.mu.RLock()
	m, ok := b.mounts[name]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return m.listenerCount()
}

// TotalListeners returns the listener count across all mounts.
func (b *Broadcaster) TotalListeners() int {
	b.mu.RLock()
	mounts := make([]*Mount, 0, len(b.mounts))
	for _, m := range b.mounts {
		mounts = append(mounts, m)
	}
	b.mu.RUnlock()

	total := 0
	for _, m := range mounts {
		total += m.listenerCount()
	}
	return total
}

// MountStats is a point-in-time snapshot of one mount.
type MountStats struct {
	Name      string    `json:"name"`
	Listeners int       `json:"listeners"`
	BytesOut  uint64    `json:"bytes_out"`
	Pruned    uint64    `json:"pruned_listeners"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats snapshots every mount, sorted by name.
func (b *Broadcaster) Stats() []MountStats {
	names := b.MountNames()
	stats := make([]MountStats, 0, len(names))
	for _, name := range names {
		b.mu.RLock()
		m, ok := b.mounts[name]
		b.mu.RUnlock()
		if !ok {
			continue
		}
		stats = append(stats, m.stats())
	}
	return stats
}

// Shutdown removes every mount, closing all listeners.
func (b *Broadcaster) Shutdown() {
	for _, name := range b.MountNames() {
		b.RemoveMount(name)
	}
}

// MountWriter adapts one mount to io.Writer for producer loops. Write
// surfaces ErrMountClosed so io.Copy-style pumps terminate when the channel
// stops.
type MountWriter struct {
	b     *Broadcaster
	mount string
	n     atomic.Uint64
}

// Writer returns an io.Writer bound to the mount.
func (b *Broadcaster) Writer(mount string) *MountWriter {
	return &MountWriter{b: b, mount: mount}
}

// Write implements io.Writer.
func (w *MountWriter) Write(p []byte) (int, error) {
	if err := w.b.Write(w.mount, p); err != nil {
		return 0, err
	}
	w.n.Add(uint64(len(p)))
	return len(p), nil
}

// BytesWritten reports the total bytes accepted by the mount writer.
func (w *MountWriter) BytesWritten() uint64 {
	return w.n.Load()
}
