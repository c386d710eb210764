package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castdio/castd/internal/metrics"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/observability"
)

// entry is one registered plugin instance. The registry mutex guards refs
// and retired; everything else is immutable after load except healthy,
// which the probe updates atomically.
type entry struct {
	plugin   Plugin
	desc     Descriptor
	path     string
	kill     func()
	loadedAt time.Time

	healthy atomic.Bool

	refs    int
	retired bool
}

// Status is the externally visible state of one plugin.
type Status struct {
	Descriptor Descriptor  `json:"descriptor"`
	Healthy    bool        `json:"healthy"`
	LoadedAt   models.Time `json:"loaded_at"`
	Path       string      `json:"path,omitempty"`
}

// artifactLoader is the seam between the registry and the process-launching
// loader, replaceable in tests.
type artifactLoader interface {
	Load(ctx context.Context, path, configDir string) (*loaded, error)
}

// Handle is a borrowed reference to a plugin. The registry will not tear
// the instance down while any handle is outstanding, so a worker may run
// Process for as long as it needs even across a reload. Release returns the
// reference; it is idempotent.
type Handle struct {
	e    *entry
	r    *Registry
	once sync.Once
}

// Descriptor returns the plugin's descriptor.
func (h *Handle) Descriptor() Descriptor {
	return h.e.desc
}

// CanHandle asks the plugin whether it accepts the request shape.
func (h *Handle) CanHandle(jobType models.JobType, params models.JobParams) bool {
	return h.e.plugin.CanHandle(jobType, params)
}

// Process runs the job on the underlying plugin.
func (h *Handle) Process(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	return h.e.plugin.Process(ctx, req, progress)
}

// Cancel forwards a best-effort cancellation for the given job.
func (h *Handle) Cancel(jobID models.ULID) error {
	return h.e.plugin.Cancel(jobID)
}

// Streamer returns the plugin's streaming capability if it has one.
func (h *Handle) Streamer() (Streamer, bool) {
	s, ok := h.e.plugin.(Streamer)
	return s, ok
}

// Release returns the borrowed reference. After Release the handle must not
// be used again.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.r.release(h.e)
	})
}

// Registry owns every plugin instance in the process. Built-ins are
// registered at startup; dynamic plugins are loaded from artifacts on disk.
// Routing order is deterministic: built-ins before dynamic plugins,
// lexicographic by id within each group.
//
// The registry mutex is only ever held for map and counter bookkeeping,
// never across a call into a plugin.
type Registry struct {
	logger        *slog.Logger
	metrics       *metrics.Metrics
	loader        artifactLoader
	configDir     string
	probeInterval time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	probeCancel context.CancelFunc
	probeDone   chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetrics wires plugin health gauges.
func WithMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithHandshakeTimeout bounds dynamic plugin startup.
func WithHandshakeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if l, ok := r.loader.(*Loader); ok {
			l.WithHandshakeTimeout(d)
		}
	}
}

// WithConfigDir sets the directory passed to plugin Initialize calls.
func WithConfigDir(dir string) RegistryOption {
	return func(r *Registry) { r.configDir = dir }
}

// WithProbeInterval sets the health probe cadence.
func WithProbeInterval(d time.Duration) RegistryOption {
	return func(r *Registry) { r.probeInterval = d }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	log := observability.WithComponent(logger, "plugin-registry")
	r := &Registry{
		logger:        log,
		loader:        NewLoader(log),
		entries:       make(map[string]*entry),
		probeInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register initializes and registers a built-in plugin. The descriptor's
// Builtin flag and APIVersion are forced; built-ins always match the host.
func (r *Registry) Register(ctx context.Context, p Plugin) error {
	desc := p.Descriptor()
	if err := desc.Validate(); err != nil {
		return models.Validationf("plugin descriptor: %v", err)
	}

	r.mu.RLock()
	_, exists := r.entries[desc.ID]
	r.mu.RUnlock()
	if exists {
		return models.Conflictf("plugin %q already registered", desc.ID)
	}

	if err := p.Initialize(ctx, r.configDir); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInitFailed, desc.ID, err)
	}

	desc.Builtin = true
	desc.APIVersion = APIVersion
	e := &entry{plugin: p, desc: desc, loadedAt: time.Now()}
	e.healthy.Store(true)

	r.mu.Lock()
	if _, exists := r.entries[desc.ID]; exists {
		r.mu.Unlock()
		return models.Conflictf("plugin %q already registered", desc.ID)
	}
	r.entries[desc.ID] = e
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetPluginHealth(desc.ID, true)
	}
	r.logger.Info("builtin plugin registered",
		slog.String("plugin", desc.ID),
		slog.String("version", desc.Version),
	)
	return nil
}

// LoadDir scans a directory for plugin artifacts and loads each one.
// Individual load failures are logged and skipped so one bad artifact does
// not block the rest. It returns the number of plugins loaded.
func (r *Registry) LoadDir(ctx context.Context, dir string) (int, error) {
	infos, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading plugin dir: %w", err)
	}

	loaded := 0
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		path := filepath.Join(dir, info.Name())
		if !isPluginArtifact(path, info) {
			continue
		}
		if _, err := r.Load(ctx, path); err != nil {
			r.logger.Warn("skipping plugin artifact",
				slog.String("path", path),
				slog.Any("error", err),
			)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// isPluginArtifact reports whether a directory entry looks like a loadable
// plugin: either a *.plugin file or any executable.
func isPluginArtifact(path string, info os.DirEntry) bool {
	if strings.HasSuffix(info.Name(), ".plugin") {
		return true
	}
	fi, err := info.Info()
	if err != nil {
		return false
	}
	return fi.Mode()&0o111 != 0
}

// Load launches a dynamic plugin artifact, verifies its API version and
// registers it. The artifact is rejected without being initialized when the
// version does not match.
func (r *Registry) Load(ctx context.Context, path string) (Descriptor, error) {
	inst, err := r.loader.Load(ctx, path, r.configDir)
	if err != nil {
		return Descriptor{}, err
	}

	e := &entry{
		plugin:   inst.plugin,
		desc:     inst.desc,
		path:     path,
		kill:     inst.kill,
		loadedAt: time.Now(),
	}
	e.healthy.Store(true)

	r.mu.Lock()
	if _, exists := r.entries[inst.desc.ID]; exists {
		r.mu.Unlock()
		go r.teardown(e)
		return Descriptor{}, models.Conflictf("plugin %q already registered", inst.desc.ID)
	}
	r.entries[inst.desc.ID] = e
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetPluginHealth(inst.desc.ID, true)
	}
	r.logger.Info("plugin loaded",
		slog.String("plugin", inst.desc.ID),
		slog.String("version", inst.desc.Version),
		slog.String("path", path),
	)
	return inst.desc, nil
}

// Reload replaces a dynamic plugin with a freshly loaded instance from the
// same artifact. The new instance is loaded first; only on success is the
// old one retired. On any load failure the old instance stays in place and
// keeps serving. In-flight work on the old instance finishes before it is
// torn down.
func (r *Registry) Reload(ctx context.Context, id string) (Descriptor, error) {
	r.mu.RLock()
	old, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, models.NotFoundf("plugin %q not loaded", id)
	}
	if old.path == "" {
		return Descriptor{}, models.Validationf("plugin %q is built in and cannot be reloaded", id)
	}

	inst, err := r.loader.Load(ctx, old.path, r.configDir)
	if err != nil {
		r.logger.Warn("plugin reload failed, old instance kept",
			slog.String("plugin", id),
			slog.Any("error", err),
		)
		return Descriptor{}, err
	}
	if inst.desc.ID != id {
		r.teardown(&entry{plugin: inst.plugin, desc: inst.desc, kill: inst.kill})
		return Descriptor{}, models.Conflictf(
			"artifact for plugin %q now identifies as %q", id, inst.desc.ID)
	}

	fresh := &entry{
		plugin:   inst.plugin,
		desc:     inst.desc,
		path:     old.path,
		kill:     inst.kill,
		loadedAt: time.Now(),
	}
	fresh.healthy.Store(true)

	r.mu.Lock()
	current, ok := r.entries[id]
	if !ok || current != old {
		// Lost a race with another reload or a shutdown; discard ours.
		r.mu.Unlock()
		go r.teardown(fresh)
		return Descriptor{}, models.Conflictf("plugin %q changed during reload", id)
	}
	r.entries[id] = fresh
	old.retired = true
	drainNow := old.refs == 0
	r.mu.Unlock()

	if drainNow {
		go r.teardown(old)
	}
	if r.metrics != nil {
		r.metrics.SetPluginHealth(id, true)
	}
	r.logger.Info("plugin reloaded",
		slog.String("plugin", id),
		slog.String("version", inst.desc.Version),
	)
	return inst.desc, nil
}

// Acquire borrows a handle on a plugin by id.
func (r *Registry) Acquire(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.retired {
		return nil, models.NotFoundf("plugin %q not loaded", id)
	}
	e.refs++
	return &Handle{e: e, r: r}, nil
}

// FindFor routes a request to the first plugin that accepts it, in stable
// routing order. The returned handle must be released by the caller. When
// no plugin accepts, the error carries the plugin_error kind so dispatch
// failures classify correctly.
func (r *Registry) FindFor(jobType models.JobType, params models.JobParams) (*Handle, error) {
	candidates := r.routeOrder(jobType)
	if len(candidates) == 0 {
		return nil, models.PluginErrorf("no plugin handles job type %s", jobType)
	}
	for _, id := range candidates {
		h, err := r.Acquire(id)
		if err != nil {
			continue
		}
		if h.CanHandle(jobType, params) {
			return h, nil
		}
		h.Release()
	}
	return nil, models.PluginErrorf("no plugin accepts this %s request", jobType)
}

// FindStreamer routes to the first plugin declaring both the job type and
// the streaming capability.
func (r *Registry) FindStreamer(jobType models.JobType) (*Handle, error) {
	for _, id := range r.routeOrder(jobType) {
		h, err := r.Acquire(id)
		if err != nil {
			continue
		}
		if _, ok := h.Streamer(); ok && h.Descriptor().HasTag(TagStreaming) {
			return h, nil
		}
		h.Release()
	}
	return nil, models.PluginErrorf("no streaming plugin for job type %s", jobType)
}

// routeOrder returns candidate plugin ids for a job type in routing order:
// built-ins lexicographic, then dynamic plugins lexicographic.
func (r *Registry) routeOrder(jobType models.JobType) []string {
	r.mu.RLock()
	var builtins, dynamic []string
	for id, e := range r.entries {
		if e.retired || !e.desc.Handles(jobType) {
			continue
		}
		if e.desc.Builtin {
			builtins = append(builtins, id)
		} else {
			dynamic = append(dynamic, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(builtins)
	sort.Strings(dynamic)
	return append(builtins, dynamic...)
}

// List returns the status of every registered plugin in routing order.
func (r *Registry) List() []Status {
	r.mu.RLock()
	var builtins, dynamic []*entry
	for _, e := range r.entries {
		if e.retired {
			continue
		}
		if e.desc.Builtin {
			builtins = append(builtins, e)
		} else {
			dynamic = append(dynamic, e)
		}
	}
	r.mu.RUnlock()

	byID := func(s []*entry) {
		sort.Slice(s, func(i, j int) bool { return s[i].desc.ID < s[j].desc.ID })
	}
	byID(builtins)
	byID(dynamic)

	out := make([]Status, 0, len(builtins)+len(dynamic))
	for _, e := range append(builtins, dynamic...) {
		out = append(out, Status{
			Descriptor: e.desc,
			Healthy:    e.healthy.Load(),
			LoadedAt:   e.loadedAt,
			Path:       e.path,
		})
	}
	return out
}

// Get returns the status of one plugin.
func (r *Registry) Get(id string) (Status, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok || e.retired {
		return Status{}, models.NotFoundf("plugin %q not loaded", id)
	}
	return Status{
		Descriptor: e.desc,
		Healthy:    e.healthy.Load(),
		LoadedAt:   e.loadedAt,
		Path:       e.path,
	}, nil
}

// StartProbe runs the periodic health probe until Shutdown or ctx
// cancellation. The probe observes and reports; it never evicts a plugin.
func (r *Registry) StartProbe(ctx context.Context) {
	probeCtx, cancel := context.WithCancel(ctx)
	r.probeCancel = cancel
	r.probeDone = make(chan struct{})

	go func() {
		defer close(r.probeDone)
		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				r.ProbeHealth(probeCtx)
			}
		}
	}()
}

// ProbeHealth checks every plugin once and records the result. Probe calls
// run outside the registry lock.
func (r *Registry) ProbeHealth(ctx context.Context) {
	r.mu.RLock()
	snapshot := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		if !e.retired {
			snapshot[id] = e
		}
	}
	r.mu.RUnlock()

	for id, e := range snapshot {
		ok := e.plugin.Healthy(ctx)
		prev := e.healthy.Swap(ok)
		if r.metrics != nil {
			r.metrics.SetPluginHealth(id, ok)
		}
		if prev != ok {
			if ok {
				r.logger.Info("plugin recovered", slog.String("plugin", id))
			} else {
				r.logger.Warn("plugin unhealthy", slog.String("plugin", id))
			}
		}
	}
}

// Shutdown retires every plugin and tears down those with no outstanding
// handles. Entries still borrowed are torn down when their last handle is
// released.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.probeCancel != nil {
		r.probeCancel()
		<-r.probeDone
		r.probeCancel = nil
	}

	r.mu.Lock()
	var drained []*entry
	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		ids = append(ids, id)
		if !e.retired {
			e.retired = true
			if e.refs == 0 {
				drained = append(drained, e)
			}
		}
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range drained {
		r.teardownCtx(ctx, e)
	}
	if r.metrics != nil {
		for _, id := range ids {
			r.metrics.RemovePlugin(id)
		}
	}
	r.logger.Info("plugin registry shut down", slog.Int("plugins", len(ids)))
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	e.refs--
	drain := e.retired && e.refs == 0
	r.mu.Unlock()
	if drain {
		go r.teardown(e)
	}
}

func (r *Registry) teardown(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.teardownCtx(ctx, e)
}

// teardownCtx shuts a retired instance down. Never called with the registry
// lock held.
func (r *Registry) teardownCtx(ctx context.Context, e *entry) {
	if err := e.plugin.Shutdown(ctx); err != nil {
		r.logger.Warn("plugin shutdown error",
			slog.String("plugin", e.desc.ID),
			slog.Any("error", err),
		)
	}
	if e.kill != nil {
		e.kill()
	}
	r.logger.Debug("plugin instance torn down", slog.String("plugin", e.desc.ID))
}
