// Package tv implements the TV engine: channel definitions with wall-clock
// schedules, the per-channel segmenting loop with commercial breaks and
// bumper filler, rolling variant playlists plus a master playlist, and the
// EPG projection. Completed segments of the first variant also land on the
// channel's broadcaster mount as a raw transport stream.
package tv

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
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

// maxConsecutiveFailures is how many schedule items may fail back to back
// before the loop gives up and takes the channel off air.
const maxConsecutiveFailures = 3

// stopWait bounds how long Stop waits for the loop goroutine to exit.
const stopWait = 10 * time.Second

// Notifier delivers stream lifecycle events. Best-effort; internal/dbal
// provides the production implementation.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Store is the best-effort write-through for channel definitions.
type Store interface {
	SaveChannel(ctx context.Context, c *models.Channel) error
	DeleteChannel(ctx context.Context, id models.ULID) error
}

// channelState pairs a channel definition with its runtime state.
type channelState struct {
	mu         sync.Mutex
	def        *models.Channel
	nowShowing *NowShowing
	stopReason string
	startedAt  time.Time

	live    atomic.Bool
	viewers atomic.Int64

	stop chan struct{}
	done chan struct{}
}

// NowShowing describes the schedule item currently on air.
type NowShowing struct {
	Title     string    `json:"title"`
	Path      string    `json:"path"`
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
}

// Status is a point-in-time snapshot of one channel.
type Status struct {
	Channel    *models.Channel `json:"channel"`
	Live       bool            `json:"live"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	Mount      string          `json:"mount"`
	Viewers    int64           `json:"viewers"`
	NowShowing *NowShowing     `json:"now_showing,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
}

// Engine owns every TV channel: definitions, the per-channel schedule loops,
// and viewer accounting. At most one loop runs per channel.
type Engine struct {
	cfg         config.TVConfig
	broadcaster *broadcast.Broadcaster
	registry    *plugin.Registry
	logger      *slog.Logger
	metrics     *metrics.Metrics
	notifier    Notifier
	store       Store
	prober      SegmentProber

	mu       sync.RWMutex
	channels map[models.ULID]*channelState
	closed   bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics wires the viewer gauge.
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

// WithProber overrides the segment duration prober, used by tests.
func WithProber(p SegmentProber) Option {
	return func(e *Engine) { e.prober = p }
}

// New creates a TV engine.
func New(cfg config.TVConfig, enc config.EncoderConfig, broadcaster *broadcast.Broadcaster, registry *plugin.Registry, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 6
	}
	if cfg.PlaylistWindow <= 0 {
		cfg.PlaylistWindow = 6
	}
	e := &Engine{
		cfg:         cfg,
		broadcaster: broadcaster,
		registry:    registry,
		logger:      observability.WithComponent(logger, "tv"),
		prober:      NewTSProber(enc),
		channels:    make(map[models.ULID]*channelState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create validates and registers a channel definition with live=false.
func (e *Engine) Create(ctx context.Context, def *models.Channel) (*models.Channel, error) {
	def.Kind = models.ChannelKindTV
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
		return nil, models.Unavailablef("tv engine is shutting down")
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

func (e *Engine) applyDefaults(def *models.Channel) {
	if def.AudioCodec == "" {
		def.AudioCodec = "aac"
	}
	if def.AudioBitrate == 0 {
		def.AudioBitrate = 128
	}
	if def.SampleRate == 0 {
		def.SampleRate = 44100
	}
	if def.Channels == 0 {
		def.Channels = 2
	}
	if def.SegmentSeconds <= 0 {
		def.SegmentSeconds = e.cfg.SegmentSeconds
	}
	if def.Output == "" {
		def.Output = models.OutputSegments
	}
}

// Restore seeds the engine with persisted definitions at startup. Every
// channel starts off air.
func (e *Engine) Restore(defs []*models.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, def := range defs {
		if def.Kind != models.ChannelKindTV {
			continue
		}
		if _, exists := e.channels[def.ID]; exists {
			continue
		}
		e.channels[def.ID] = &channelState{def: def.Clone()}
	}
}

// Update mutates a channel definition. Encoding changes take effect at the
// next schedule item boundary; the running loop re-reads the definition
// when it opens an item.
func (e *Engine) Update(ctx context.Context, id models.ULID, def *models.Channel) (*models.Channel, error) {
	def.Kind = models.ChannelKindTV
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

// Start takes the channel live: segment directories are created, the master
// playlist written, the broadcaster mount created and the schedule loop
// launched. Starting a live channel is a no-op that returns the same mount.
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

	if err := e.prepareOutputDirs(def, mount); err != nil {
		st.mu.Unlock()
		return "", err
	}

	e.broadcaster.CreateMount(mount)
	st.live.Store(true)
	st.startedAt = time.Now()
	st.stopReason = ""
	st.nowShowing = nil
	st.stop = make(chan struct{})
	st.done = make(chan struct{})
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

// prepareOutputDirs creates per-variant segment directories and writes the
// master playlist.
func (e *Engine) prepareOutputDirs(def *models.Channel, mount string) error {
	root := filepath.Join(e.cfg.SegmentDir, mount)
	for _, v := range def.Variants {
		if err := os.MkdirAll(filepath.Join(root, v.Name), 0o755); err != nil {
			return models.StorageErrorf("creating segment dir for variant %s: %v", v.Name, err)
		}
	}
	if err := writeMasterPlaylist(filepath.Join(root, "master.m3u8"), def.Variants); err != nil {
		return err
	}
	return nil
}

// Stop takes the channel off air. The loop is signalled, waited for, and
// the mount removed so every viewer of the raw stream is released. Stopping
// a stopped channel is a no-op.
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

	mount := def.Mount()
	if e.metrics != nil {
		e.metrics.TVViewers.Sub(float64(st.viewers.Load()))
	}
	e.broadcaster.RemoveMount(mount)
	st.viewers.Store(0)

	e.notify(models.StreamNotification(models.NotifyStreamStopped, def, map[string]any{
		"mount":  mount,
		"reason": reason,
	}))
	e.logger.Info("channel stopped",
		slog.String("channel_id", id.String()),
		slog.String("reason", reason),
	)
}

// SetSchedule replaces the channel's schedule. A running loop picks the new
// schedule up at the next item boundary.
func (e *Engine) SetSchedule(ctx context.Context, id models.ULID, programs []models.Program) error {
	for _, p := range programs {
		if p.Path == "" {
			return models.Validationf("schedule program needs a path")
		}
		if p.Duration <= 0 {
			return models.Validationf("schedule program needs a positive duration")
		}
	}
	st, err := e.state(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	st.def.Schedule = append([]models.Program(nil), programs...)
	st.def.UpdatedAt = models.Now()
	def := st.def.Clone()
	st.mu.Unlock()

	e.persist(ctx, def)
	return nil
}

// Schedule returns the channel's schedule sorted by start time.
func (e *Engine) Schedule(id models.ULID) ([]models.Program, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.def.ScheduleSorted(), nil
}

// NowShowing returns the schedule item currently on air, or nil when the
// channel is idle or stopped.
func (e *Engine) NowShowing(id models.ULID) (*NowShowing, error) {
	st, err := e.state(id)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.nowShowing == nil {
		return nil, nil
	}
	ns := *st.nowShowing
	return &ns, nil
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
		Viewers:    st.viewers.Load(),
		StopReason: st.stopReason,
	}
	if s.Live {
		t := st.startedAt
		s.StartedAt = &t
	}
	if st.nowShowing != nil {
		ns := *st.nowShowing
		s.NowShowing = &ns
	}
	return s
}

// ResolveMount finds the channel serving a mount name.
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

// PlaylistDir returns the directory holding the channel's master and
// variant playlists. The HTTP adaptor serves it read-only.
func (e *Engine) PlaylistDir(id models.ULID) (string, error) {
	st, err := e.state(id)
	if err != nil {
		return "", err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return filepath.Join(e.cfg.SegmentDir, st.def.Mount()), nil
}

// ViewerDelta adjusts the channel's viewer count as the HTTP adaptor
// attaches and detaches stream viewers. The count never goes negative.
func (e *Engine) ViewerDelta(id models.ULID, delta int64) {
	st, err := e.state(id)
	if err != nil {
		return
	}
	for {
		cur := st.viewers.Load()
		next := cur + delta
		if next < 0 {
			next = 0
		}
		if st.viewers.CompareAndSwap(cur, next) {
			if e.metrics != nil {
				e.metrics.TVViewers.Add(float64(next - cur))
			}
			return
		}
	}
}

// TotalViewers sums viewer counts across all channels.
func (e *Engine) TotalViewers() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total int64
	for _, st := range e.channels {
		total += st.viewers.Load()
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
