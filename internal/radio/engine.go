package radio

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/castdio/castd/internal/broadcast"
	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/metrics"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/plugin"
)

// maxConsecutiveFailures is how many tracks may fail back to back before
// the loop gives up and takes the channel off air.
const maxConsecutiveFailures = 3

// stopWait bounds how long Stop waits for the loop goroutine to exit
// before removing the mount out from under it.
const stopWait = 5 * time.Second

// Notifier delivers stream lifecycle events. Best-effort; internal/dbal
// provides the production implementation.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Store is the best-effort write-through for channel definitions. Errors
// are logged and swallowed.
type Store interface {
	SaveChannel(ctx context.Context, c *models.Channel) error
	DeleteChannel(ctx context.Context, id models.ULID) error
}

// channelState pairs a channel definition with its runtime state. The
// engine map lock guards membership; the state's own mutex guards the
// definition and now-playing fields so the loop and the API never race.
type channelState struct {
	mu         sync.Mutex
	def        *models.Channel
	nowPlaying *NowPlaying
	stopReason string
	startedAt  time.Time

	live      atomic.Bool
	dirty     atomic.Bool
	listeners atomic.Int64

	stop    chan struct{}
	done    chan struct{}
	watcher *folderWatcher
}

// NowPlaying describes the track currently on air.
type NowPlaying struct {
	Track     models.Track `json:"track"`
	Index     int          `json:"index"`
	StartedAt time.Time    `json:"started_at"`
}

// Status is a point-in-time snapshot of one channel.
type Status struct {
	Channel    *models.Channel `json:"channel"`
	Live       bool            `json:"live"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Mount      string          `json:"mount"`
	Listeners  int64           `json:"listeners"`
	NowPlaying *NowPlaying     `json:"now_playing,omitempty"`
	// Position is how far into the current track playback is.
	Position   float64 `json:"position_seconds,omitempty"`
	StopReason string  `json:"stop_reason,omitempty"`
}

// Engine owns every radio channel: definitions, the per-channel playback
// loops, and listener accounting. At most one loop runs per channel.
type Engine struct {
	cfg         config.RadioConfig
	broadcaster *broadcast.Broadcaster
	registry    *plugin.Registry
	logger      *slog.Logger
	metrics     *metrics.Metrics
	notifier    Notifier
	store       Store
	decoder     TrackDecoder

	mu       sync.RWMutex
	channels map[models.ULID]*channelState
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics wires the listener gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStore enables channel write-through.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithNotifier enables stream notifications.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithDecoder overrides the track decoder, used by tests to synthesize
// PCM without an encoder binary.
func WithDecoder(d TrackDecoder) Option {
	return func(e *Engine) { e.decoder = d }
}

// New creates a radio engine.
func New(cfg config.RadioConfig, enc config.EncoderConfig, broadcaster *broadcast.Broadcaster, registry *plugin.Registry, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		broadcaster: broadcaster,
		registry:    registry,
		logger:      observability.WithComponent(logger, "radio"),
		decoder:     NewFFmpegDecoder(enc),
		channels:    make(map[models.ULID]*channelState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create validates and registers a channel definition with live=false.
func (e *Engine) Create(ctx context.Context, def *models.Channel) (*models.Channel, error) {
	def.Kind = models.ChannelKindRadio
	e.applyDefaults(def)
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.ID.IsZero() {
		def.ID = models.NewULID()
	}
	now := models.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, models.Unavailablef("radio engine is shutting down")
	}
	if _, exists := e.channels[def.ID]; exists {
		e.mu.Unlock()
		return nil, models.Conflictf("channel %s already exists", def.ID)
	}
	st := &channelState{def: def.Clone()}
	e.channels[def.ID] = st
	e.mu.Unlock()

	e.persist(ctx, def)
	e.logger.Info("channel created",
		slog.String("channel_id", def.ID.String()),
		slog.String("name", def.Name),
	)
	return def.Clone(), nil
}

// applyDefaults fills encoding defaults from configuration so sparse
// definitions still produce a usable stream.
func (e *Engine) applyDefaults(def *models.Channel) {
	if def.SampleRate == 0 {
		def.SampleRate = 44100
	}
	if def.Channels == 0 {
		def.Channels = 2
	}
	if def.CrossfadeSeconds == 0 && e.cfg.DefaultCrossfade > 0 {
		def.CrossfadeSeconds = e.cfg.DefaultCrossfade.Seconds()
	}
	if def.LoudnessTarget == 0 && e.cfg.DefaultLoudness < 0 {
		def.LoudnessTarget = e.cfg.DefaultLoudness
	}
	if def.Output == "" {
		def.Output = models.OutputStream
	}
}

// Restore seeds the engine with persisted definitions at startup. Live
// state is not restored; every channel starts off air.
func (e *Engine) Restore(defs []*models.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, def := range defs {
		if def.Kind != models.ChannelKindRadio {
			continue
		}
		if _, exists := e.channels[def.ID]; exists {
			continue
		}
		e.channels[def.ID] = &channelState{def: def.Clone()}
	}
}

// Update mutates a channel definition. Changes that affect encoding take
// effect at the next track boundary; the running loop restarts its
// persistent encoder there with the fresh settings.
func (e *Engine) Update(ctx context.Context, id models.ULID, def *models.Channel) (*models.Channel, error) {
	def.Kind = models.ChannelKindRadio
	e.applyDefaults(def)
	if err := def.Validate(); err != nil {
		return nil, err
	}

	st, err := e.state(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	def.ID = id
	def.CreatedAt = st.def.CreatedAt
	def.UpdatedAt = models.Now()
	def.TenantID = st.def.TenantID
	st.def = def.Clone()
	st.mu.Unlock()
	st.dirty.Store(true)

	e.persist(ctx, def)
	return def.Clone(), nil
}

// Delete removes a stopped channel. Deleting a live channel is a conflict.
func (e *Engine) Delete(ctx context.Context, id models.ULID) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}
	if st.live.Load() {
		return models.Conflictf("channel %s is live, stop it first", id)
	}

	e.mu.Lock()
	delete(e.channels, id)
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.DeleteChannel(ctx, id); err != nil {
			e.logger.Warn("channel delete write-through failed",
				slog.String("channel_id", id.String()),
				slog.Any("error", err),
			)
		}
	}
	e.logger.Info("channel deleted", slog.String("channel_id", id.String()))
	return nil
}

// Start takes the channel live: the broadcaster mount is created and the
// playback loop launched. Starting a live channel is a no-op that returns
// the same mount. An empty playlist without auto-DJ still goes live; the
// loop idles until tracks arrive.
func (e *Engine) Start(ctx context.Context, id models.ULID) (string, error) {
	st, err := e.state(id)
	if err != nil {
		return "", err
	}

	st.mu.Lock()
	def := st.def.Clone()
	mount := def.Mount()
	if st.live.Load() {
		st.mu.Unlock()
		return mount, nil
	}

	e.broadcaster.CreateMount(mount)
	st.live.Store(true)
	st.startedAt = time.Now()
	st.stopReason = ""
	st.nowPlaying = nil
	st.stop = make(chan struct{})
	st.done = make(chan struct{})

	if def.AutoDJ.Enabled && len(def.AutoDJ.Folders) > 0 {
		w, werr := newFolderWatcher(def.AutoDJ.Folders, e.logger, func() { st.dirty.Store(true) })
		if werr != nil {
			e.logger.Warn("auto-dj watcher unavailable, relying on rescan at empty playlist",
				slog.String("channel_id", id.String()),
				slog.Any("error", werr),
			)
		} else {
			st.watcher = w
		}
		st.dirty.Store(true)
	}
	st.mu.Unlock()

	go e.runLoop(st, id, mount)

	e.notify(models.StreamNotification(models.NotifyStreamStarted, def, map[string]any{
		"mount": mount,
	}))
	e.logger.Info("channel started",
		slog.String("channel_id", id.String()),
		slog.String("mount", mount),
	)
	return mount, nil
}

// Stop takes the channel off air: the loop is signalled, waited for
// briefly, and the mount removed so every listener is released. Stopping a
// stopped channel is a no-op.
func (e *Engine) Stop(ctx context.Context, id models.ULID) error {
	st, err := e.state(id)
	if err != nil {
		return err
	}
	e.stopChannel(st, id, "stopped by request")
	return nil
}

func (e *Engine) stopChannel(st *channelState, id models.ULID, reason string) {
	st.mu.Lock()
	if !st.live.Load() {
		st.mu.Unlock()
		return
	}
	st.live.Store(false)
	def := st.def.Clone()
	stop := st.stop
	done := st.done
	watcher := st.watcher
	st.watcher = nil
	if st.stopReason == "" {
		st.stopReason = reason
	}
	st.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopWait):
			e.logger.Warn("channel loop did not exit in time",
				slog.String("channel_id", id.String()),
			)
		}
	}
	if watcher != nil {
		watcher.Close()
	}

	mount := def.Mount()
	if e.metrics != nil {
		e.metrics.RadioListeners.Sub(float64(e.broadcaster.ListenerCount(mount)))
	}
	e.broadcaster.RemoveMount(mount)
	st.listeners.Store(0)

	e.notify(models.StreamNotification(models.NotifyStreamStopped, def, map[string]any{
		"mount":  mount,
		"reason": reason,
	}))
	e.logger.Info("channel stopped",
		slog.String("channel_id", id.String()),
		slog.String("reason", reason),
	)
}

// SetPlaylist replaces the channel's playlist. A running loop picks the
// new list up at the next track boundary.
func (e *Engine) SetPlaylist(ctx context.Context, id models.ULID, tracks []models.Track) error {
	for _, t := range tracks {
		if t.Path == "" {
			return models.Validationf("playlist track needs a path")
		}
	}
	st, err := e.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.def.Playlist = append([]models.Track(nil), tracks...)
	st.def.UpdatedAt = models.Now()
	def := st.def.Clone()
	st.mu.Unlock()
	st.dirty.Store(true)

	e.persist(ctx, def)
	return nil
}

// Playlist returns the channel's current playlist.
func (e *Engine) Playlist(id models.ULID) ([]models.Track, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]models.Track(nil), st.def.Playlist...), nil
}

// NowPlaying returns the track currently on air, or nil when the channel
// is idle or stopped.
func (e *Engine) NowPlaying(id models.ULID) (*NowPlaying, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.nowPlaying == nil {
		return nil, nil
	}
	np := *st.nowPlaying
	return &np, nil
}

// Status snapshots one channel.
func (e *Engine) Status(id models.ULID) (*Status, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	return e.snapshot(st), nil
}

// List snapshots every channel, optionally filtered by tenant, ordered by
// channel id.
func (e *Engine) List(tenantID string) []*Status {
	e.mu.RLock()
	states := make([]*channelState, 0, len(e.channels))
	for _, st := range e.channels {
		states = append(states, st)
	}
	e.mu.RUnlock()

	out := make([]*Status, 0, len(states))
	for _, st := range states {
		s := e.snapshot(st)
		if tenantID != "" && s.Channel.TenantID != tenantID {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Channel.ID.Compare(out[j].Channel.ID) < 0
	})
	return out
}

func (e *Engine) snapshot(st *channelState) *Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	s := &Status{
		Channel:    st.def.Clone(),
		Live:       st.live.Load(),
		Mount:      st.def.Mount(),
		Listeners:  st.listeners.Load(),
		StopReason: st.stopReason,
	}
	if s.Live {
		t := st.startedAt
		s.StartedAt = &t
	}
	if st.nowPlaying != nil {
		np := *st.nowPlaying
		s.NowPlaying = &np
		s.Position = time.Since(np.StartedAt).Seconds()
	}
	return s
}

// ResolveMount finds the channel serving a mount name. The HTTP adaptor
// uses it to pick the stream content type and to route listener deltas.
func (e *Engine) ResolveMount(mount string) (*Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, st := range e.channels {
		st.mu.Lock()
		match := st.def.Mount() == mount
		st.mu.Unlock()
		if match {
			return e.snapshot(st), true
		}
	}
	return nil, false
}

// ListenerDelta adjusts the channel's listener count as the HTTP adaptor
// attaches and detaches stream listeners. The count never goes negative.
func (e *Engine) ListenerDelta(id models.ULID, delta int64) {
	st, err := e.state(id)
	if err != nil {
		return
	}
	for {
		cur := st.listeners.Load()
		next := cur + delta
		if next < 0 {
			next = 0
		}
		if st.listeners.CompareAndSwap(cur, next) {
			if e.metrics != nil {
				e.metrics.RadioListeners.Add(float64(next - cur))
			}
			return
		}
	}
}

// TotalListeners sums listener counts across all channels.
func (e *Engine) TotalListeners() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total int64
	for _, st := range e.channels {
		total += st.listeners.Load()
	}
	return total
}

// Shutdown stops every live channel and refuses further operations.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closed = true
	states := make(map[models.ULID]*channelState, len(e.channels))
	for id, st := range e.channels {
		states[id] = st
	}
	e.mu.Unlock()

	for id, st := range states {
		e.stopChannel(st, id, "daemon shutting down")
	}
}

func (e *Engine) state(id models.ULID) (*channelState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.channels[id]
	if !ok {
		return nil, models.NotFoundf("channel %s not found", id)
	}
	return st, nil
}

func (e *Engine) persist(ctx context.Context, def *models.Channel) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveChannel(ctx, def); err != nil {
		e.logger.Warn("channel write-through failed",
			slog.String("channel_id", def.ID.String()),
			slog.Any("error", err),
		)
	}
}

func (e *Engine) notify(n models.Notification) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(context.Background(), n)
}
