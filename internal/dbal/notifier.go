// Package dbal talks to the external notification and permission service.
// Notifications are fire-and-forget: a buffered queue feeds a background
// sender, and delivery failure never reaches the code that emitted the
// event. Permission checks are synchronous and fail closed.
package dbal

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/httpclient"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/version"
)

const (
	notifyPath     = "/notifications"
	permissionPath = "/permissions/check"

	defaultQueueSize = 256

	// deliverTimeout bounds one notification including all its retries.
	deliverTimeout = 30 * time.Second
)

// Notifier posts notifications to the configured service. Notify never
// blocks: events are buffered and sent in the background, and new events
// are dropped when the buffer is full.
type Notifier struct {
	cfg      config.DBALConfig
	client   *httpclient.Client
	logger   *slog.Logger
	endpoint string

	queue chan models.Notification
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewNotifier builds a notifier and starts its sender. Attempt count and
// backoff come from the DBAL configuration.
func NewNotifier(cfg config.DBALConfig, logger *slog.Logger) *Notifier {
	size := cfg.NotifyQueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	hc := httpclient.DefaultConfig()
	hc.Logger = observability.WithComponent(logger, "dbal")
	hc.UserAgent = version.UserAgent()
	hc.BearerToken = cfg.APIKey
	if cfg.NotifyAttempts > 0 {
		hc.RetryAttempts = cfg.NotifyAttempts - 1
	}
	if cfg.NotifyBackoff > 0 {
		hc.RetryDelay = cfg.NotifyBackoff
	}

	n := &Notifier{
		cfg:      cfg,
		client:   httpclient.New(hc),
		logger:   observability.WithComponent(logger, "dbal-notifier"),
		endpoint: strings.TrimSuffix(cfg.BaseURL, "/") + notifyPath,
		queue:    make(chan models.Notification, size),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify queues a notification for delivery. When the buffer is full the
// event is dropped and logged.
func (n *Notifier) Notify(_ context.Context, note models.Notification) {
	select {
	case n.queue <- note:
	default:
		n.logger.Warn("notification queue full, dropping event",
			slog.String("kind", string(note.Kind)),
			slog.String("job_id", note.JobID),
		)
	}
}

// Close stops the sender after delivering anything already queued.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.stop) })
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case note := <-n.queue:
			n.deliver(note)
		case <-n.stop:
			for {
				select {
				case note := <-n.queue:
					n.deliver(note)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(note models.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	defer cancel()

	resp, err := n.client.PostJSON(ctx, n.endpoint, note)
	if err != nil {
		n.logger.Warn("notification delivery failed",
			slog.String("kind", string(note.Kind)),
			slog.String("job_id", note.JobID),
			slog.Any("error", err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		n.logger.Warn("notification rejected",
			slog.String("kind", string(note.Kind)),
			slog.Int("status", resp.StatusCode),
		)
		return
	}
	n.logger.Debug("notification delivered",
		slog.String("kind", string(note.Kind)),
		slog.String("job_id", note.JobID),
	)
}

// Noop discards every notification. Used when no external service is
// configured.
type Noop struct{}

// Notify implements the notifier contract and does nothing.
func (Noop) Notify(context.Context, models.Notification) {}
