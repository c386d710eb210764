package broadcast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Mount is one named sink. Its lock serializes writes from producers and
// guards the listener set; it is always the innermost lock held by any
// goroutine touching the broadcaster.
type Mount struct {
	name   string
	buffer int

	mu        sync.Mutex
	listeners map[uuid.UUID]*Listener
	closed    bool

	bytesOut  atomic.Uint64
	pruned    atomic.Uint64
	createdAt time.Time
}

func newMount(name string, buffer int) *Mount {
	return &Mount{
		name:      name,
		buffer:    buffer,
		listeners: make(map[uuid.UUID]*Listener),
		createdAt: time.Now(),
	}
}

func (m *Mount) attach() (*Listener, error) {
	l := &Listener{
		ID:         uuid.New(),
		mount:      m.name,
		ch:         make(chan []byte, m.buffer),
		attachedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMountNotFound
	}
	m.listeners[l.ID] = l
	return l, nil
}

func (m *Mount) detach(id uuid.UUID) {
	m.mu.Lock()
	l, ok := m.listeners[id]
	if ok {
		delete(m.listeners, id)
	}
	m.mu.Unlock()
	if ok {
		l.close()
	}
}

// write copies data once and hands the same read-only slice to every
// listener. A listener that cannot take the chunk without blocking is
// pruned before the loop continues.
func (m *Mount) write(data []byte) error {
	chunk := make([]byte, len(data))
	copy(chunk, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMountClosed
	}

	for id, l := range m.listeners {
		if !l.send(chunk) {
			delete(m.listeners, id)
			l.close()
			m.pruned.Add(1)
		}
	}
	m.bytesOut.Add(uint64(len(chunk)))
	return nil
}

func (m *Mount) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	listeners := make([]*Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.listeners = make(map[uuid.UUID]*Listener)
	m.mu.Unlock()

	for _, l := range listeners {
		l.close()
	}
}

func (m *Mount) listenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *Mount) stats() MountStats {
	return MountStats{
		Name:      m.name,
		Listeners: m.listenerCount(),
		BytesOut:  m.bytesOut.Load(),
		Pruned:    m.pruned.Load(),
		CreatedAt: m.createdAt,
	}
}

// Listener is one attached HTTP response sink. After attach, every chunk
// written to the mount arrives on Chunks in write order until the listener
// is pruned, detached, or the mount is removed, at which point Chunks is
// closed.
type Listener struct {
	ID    uuid.UUID
	mount string

	ch        chan []byte
	closeOnce sync.Once

	attachedAt time.Time
	bytes      atomic.Uint64
}

// Mount returns the mount the listener is attached to.
func (l *Listener) Mount() string {
	return l.mount
}

// Chunks returns the receive side of the listener's buffer. The channel is
// closed when the listener is released.
func (l *Listener) Chunks() <-chan []byte {
	return l.ch
}

// AttachedAt returns when the listener attached.
func (l *Listener) AttachedAt() time.Time {
	return l.attachedAt
}

// BytesSent returns the number of bytes buffered to this listener so far.
func (l *Listener) BytesSent() uint64 {
	return l.bytes.Load()
}

// send offers a chunk without blocking. False means the listener's buffer
// is full and the caller must prune it.
func (l *Listener) send(chunk []byte) bool {
	select {
	case l.ch <- chunk:
		l.bytes.Add(uint64(len(chunk)))
		return true
	default:
		return false
	}
}

func (l *Listener) close() {
	l.closeOnce.Do(func() {
		close(l.ch)
	})
}
