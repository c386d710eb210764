// Package daemon wires the castd subsystems together: persistence, the
// plugin registry, the job queue, the radio and TV engines, the
// broadcaster, and the HTTP API. It owns startup and shutdown ordering.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/castdio/castd/internal/broadcast"
	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/database"
	"github.com/castdio/castd/internal/dbal"
	castdhttp "github.com/castdio/castd/internal/http"
	"github.com/castdio/castd/internal/http/handlers"
	"github.com/castdio/castd/internal/metrics"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/plugin"
	"github.com/castdio/castd/internal/plugin/builtin"
	"github.com/castdio/castd/internal/queue"
	"github.com/castdio/castd/internal/radio"
	"github.com/castdio/castd/internal/repository"
	"github.com/castdio/castd/internal/tv"
)

// Daemon owns every long-lived subsystem and their lifecycle.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	db          *database.DB
	channelRepo repository.ChannelRepository
	metrics     *metrics.Metrics
	broadcaster *broadcast.Broadcaster
	registry    *plugin.Registry
	notifier    *dbal.Notifier
	queue       *queue.Queue
	radio       *radio.Engine
	tv          *tv.Engine
	server      *castdhttp.Server
	cron        *cron.Cron

	startedAt time.Time
	cancel    context.CancelFunc
	serverErr chan error

	stopOnce sync.Once
}

// New builds the daemon from configuration. Persistence is best-effort: a
// database that fails to open is logged and the daemon runs in-memory
// only. Everything else failing to construct is fatal.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Daemon, error) {
	log := observability.WithComponent(logger, "daemon")

	d := &Daemon{
		cfg:       cfg,
		logger:    log,
		version:   version,
		metrics:   metrics.New(),
		serverErr: make(chan error, 1),
	}

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		log.Warn("database unavailable, running without persistence", "error", err)
	} else if err := db.Migrate(); err != nil {
		log.Warn("database migration failed, running without persistence", "error", err)
		_ = db.Close()
	} else {
		d.db = db
	}

	d.broadcaster = broadcast.New(broadcast.Config{
		ListenerBuffer: cfg.Broadcast.ListenerBuffer,
	}, logger)

	registryOpts := []plugin.RegistryOption{
		plugin.WithMetrics(d.metrics),
		plugin.WithConfigDir(cfg.Plugins.ConfigDir),
	}
	if cfg.Plugins.HandshakeTimeout > 0 {
		registryOpts = append(registryOpts, plugin.WithHandshakeTimeout(cfg.Plugins.HandshakeTimeout))
	}
	if cfg.Plugins.ProbeInterval > 0 {
		registryOpts = append(registryOpts, plugin.WithProbeInterval(cfg.Plugins.ProbeInterval))
	}
	d.registry = plugin.NewRegistry(logger, registryOpts...)

	queueOpts := []queue.Option{queue.WithMetrics(d.metrics)}
	radioOpts := []radio.Option{radio.WithMetrics(d.metrics)}
	tvOpts := []tv.Option{tv.WithMetrics(d.metrics)}

	if d.db != nil {
		jobRepo := repository.NewJobRepository(d.db.DB)
		d.channelRepo = repository.NewChannelRepository(d.db.DB)
		queueOpts = append(queueOpts, queue.WithStore(jobRepo))
		radioOpts = append(radioOpts, radio.WithStore(d.channelRepo))
		tvOpts = append(tvOpts, tv.WithStore(d.channelRepo))
	}

	if cfg.DBAL.Enabled() {
		d.notifier = dbal.NewNotifier(cfg.DBAL, logger)
		queueOpts = append(queueOpts, queue.WithNotifier(d.notifier))
		radioOpts = append(radioOpts, radio.WithNotifier(d.notifier))
		tvOpts = append(tvOpts, tv.WithNotifier(d.notifier))
	}

	d.queue = queue.New(cfg.Jobs, d.registry, logger, queueOpts...)
	d.radio = radio.New(cfg.Radio, cfg.Encoder, d.broadcaster, d.registry, logger, radioOpts...)
	d.tv = tv.New(cfg.TV, cfg.Encoder, d.broadcaster, d.registry, logger, tvOpts...)

	d.server = castdhttp.NewServer(cfg.Server, logger, version)
	d.registerRoutes()

	d.cron = cron.New()
	if err := d.registerMaintenance(); err != nil {
		return nil, fmt.Errorf("registering maintenance jobs: %w", err)
	}

	return d, nil
}

func (d *Daemon) registerRoutes() {
	api := d.server.API()
	handlers.NewJobHandler(d.queue).Register(api)
	handlers.NewRadioHandler(d.radio, d.broadcaster).Register(api)
	handlers.NewTVHandler(d.tv, d.broadcaster).Register(api)
	handlers.NewPluginHandler(d.registry).Register(api)
	handlers.NewHealthHandler(d).Register(api)

	router := d.server.Router()
	if d.cfg.DBAL.RequirePermission && d.cfg.DBAL.Enabled() {
		gate := castdhttp.PermissionGate(dbal.NewPermissionClient(d.cfg.DBAL, d.logger))
		router.Use(gate)
	}
	handlers.RegisterJobEvents(router, d.queue)
	castdhttp.NewStreamHandler(d.broadcaster, d.radio, d.tv, d.logger).Register(router)
	router.Handle("/metrics", d.metrics.Handler())
}

func (d *Daemon) registerMaintenance() error {
	if d.db != nil {
		if _, err := d.cron.AddFunc("@every 1m", d.pingDatabase); err != nil {
			return err
		}
	}
	_, err := d.cron.AddFunc("@every 5m", d.logRuntimeStats)
	return err
}

func (d *Daemon) pingDatabase() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.db.Ping(ctx); err != nil {
		d.logger.Warn("database ping failed", "error", err)
	}
}

func (d *Daemon) logRuntimeStats() {
	stats := d.queue.Stats()
	d.logger.Info("runtime stats",
		"jobs_pending", stats.Pending,
		"jobs_processing", stats.Processing,
		"workers_busy", stats.WorkersBusy,
		"listeners", d.radio.TotalListeners(),
		"viewers", d.tv.TotalViewers(),
		"mounts", len(d.broadcaster.MountNames()),
	)
}

// Start brings every subsystem up and begins serving. It returns once the
// daemon is running; Err reports a server failure afterwards.
func (d *Daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.startedAt = time.Now()

	for _, p := range builtin.All(d.cfg, d.logger) {
		if err := d.registry.Register(runCtx, p); err != nil {
			return fmt.Errorf("registering built-in plugin: %w", err)
		}
	}

	if dir := d.cfg.Plugins.Dir; dir != "" {
		n, err := d.registry.LoadDir(runCtx, dir)
		if err != nil {
			d.logger.Warn("plugin directory scan failed", "dir", dir, "error", err)
		} else if n > 0 {
			d.logger.Info("loaded dynamic plugins", "count", n, "dir", dir)
		}
	}
	d.registry.StartProbe(runCtx)

	if err := d.queue.Start(runCtx); err != nil {
		return fmt.Errorf("starting job queue: %w", err)
	}

	d.restoreChannels(runCtx)
	if file := d.cfg.Channels.BootstrapFile; file != "" {
		if err := d.bootstrapChannels(runCtx, file); err != nil {
			d.logger.Warn("channel bootstrap failed", "file", file, "error", err)
		}
	}

	d.cron.Start()

	go func() {
		d.serverErr <- d.server.Start()
	}()

	d.logger.Info("daemon started",
		"version", d.version,
		"addr", d.cfg.Server.Address(),
		"persistence", d.db != nil,
	)
	return nil
}

// Err reports a fatal HTTP server error. The channel receives at most one
// value.
func (d *Daemon) Err() <-chan error {
	return d.serverErr
}

// restoreChannels reloads persisted channel definitions into the engines.
// Restored channels come back stopped; clients restart them explicitly.
func (d *Daemon) restoreChannels(ctx context.Context) {
	if d.channelRepo == nil {
		return
	}
	defs, err := d.channelRepo.ListChannels(ctx)
	if err != nil {
		d.logger.Warn("channel restore failed", "error", err)
		return
	}
	var radioDefs, tvDefs []*models.Channel
	for _, def := range defs {
		switch def.Kind {
		case models.ChannelKindRadio:
			radioDefs = append(radioDefs, def)
		case models.ChannelKindTV:
			tvDefs = append(tvDefs, def)
		}
	}
	d.radio.Restore(radioDefs)
	d.tv.Restore(tvDefs)
	if len(defs) > 0 {
		d.logger.Info("restored channels", "radio", len(radioDefs), "tv", len(tvDefs))
	}
}

// Stop shuts the daemon down: HTTP first so no new work arrives, then the
// engines and the queue, then the registry and the broadcaster. With wait
// set, in-flight jobs finish before the queue stops.
func (d *Daemon) Stop(wait bool) {
	d.stopOnce.Do(func() {
		d.logger.Info("daemon stopping", "wait", wait)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.shutdownTimeout())
		defer cancel()

		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http shutdown", "error", err)
		}
		d.cron.Stop()

		d.radio.Shutdown(shutdownCtx)
		d.tv.Shutdown(shutdownCtx)
		d.queue.Shutdown(wait)
		d.registry.Shutdown(shutdownCtx)
		d.broadcaster.Shutdown()

		if d.notifier != nil {
			d.notifier.Close()
		}
		if d.db != nil {
			if err := d.db.Close(); err != nil {
				d.logger.Warn("database close", "error", err)
			}
		}
		if d.cancel != nil {
			d.cancel()
		}
		d.logger.Info("daemon stopped")
	})
}

func (d *Daemon) shutdownTimeout() time.Duration {
	if d.cfg.Server.ShutdownTimeout > 0 {
		return d.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// Run starts the daemon and blocks until ctx is cancelled or the server
// fails, then shuts down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		d.Stop(false)
		return err
	}
	select {
	case <-ctx.Done():
		d.Stop(true)
		return nil
	case err := <-d.serverErr:
		d.Stop(false)
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
