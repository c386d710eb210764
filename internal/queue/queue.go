// Package queue implements the in-memory job queue: submission, per-type
// worker pools, progress tracking, cancellation, retry, and retention. The
// records map is the authoritative store; persistence is a best-effort
// write-through. Scheduling is per job type: a priority heap with a
// condition variable feeding a pool of workers sized from configuration.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/castdio/castd/internal/config"
	"github.com/castdio/castd/internal/metrics"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/observability"
	"github.com/castdio/castd/internal/plugin"
)

// Notifier delivers queue events to the external service. Delivery is
// best-effort and must never block the caller; internal/dbal provides the
// production implementation.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Store is the best-effort write-through behind the in-memory records.
// Errors are logged and swallowed; the in-memory record stays
// authoritative.
type Store interface {
	SaveJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, id models.ULID) error
}

// record pairs a job with the worker-side state the queue tracks for it.
// All fields are guarded by the queue's records mutex.
type record struct {
	job             *models.Job
	cancelRequested bool
	handle          *plugin.Handle
	lastProgress    time.Time
}

// Queue accepts job submissions and schedules them onto per-type worker
// pools. The records mutex guards the records and subscribers maps and is
// never held across a plugin call; each typeQueue has its own lock and
// condition variable.
type Queue struct {
	cfg      config.JobsConfig
	registry *plugin.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	store    Store
	notifier Notifier

	mu          sync.RWMutex
	records     map[models.ULID]*record
	subscribers map[string]*Subscriber
	seq         uint64
	closed      bool
	started     bool

	queues map[models.JobType]*typeQueue

	ctx      context.Context
	cancel   context.CancelFunc
	stopping chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithMetrics wires the job and worker gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithStore enables the write-through store.
func WithStore(s Store) Option {
	return func(q *Queue) { q.store = s }
}

// WithNotifier enables external notifications.
func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

// New creates a queue. Workers do not run until Start is called; jobs
// submitted before Start stay pending.
func New(cfg config.JobsConfig, registry *plugin.Registry, logger *slog.Logger, opts ...Option) *Queue {
	q := &Queue{
		cfg:         cfg,
		registry:    registry,
		logger:      observability.WithComponent(logger, "job-queue"),
		records:     make(map[models.ULID]*record),
		subscribers: make(map[string]*Subscriber),
		queues:      make(map[models.JobType]*typeQueue, len(models.JobTypes)),
		stopping:    make(chan struct{}),
	}
	for _, t := range models.JobTypes {
		q.queues[t] = newTypeQueue()
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.metrics != nil {
		q.metrics.WorkersTotal.Set(float64(cfg.Workers.Total()))
	}
	return q
}

// Start launches the per-type worker pools and the retention sweeper. If
// the parent context is cancelled the queue shuts down hard, cancelling
// outstanding jobs.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return models.Conflictf("job queue already started")
	}
	q.started = true
	q.mu.Unlock()

	q.ctx, q.cancel = context.WithCancel(ctx)

	workers := 0
	for _, t := range models.JobTypes {
		n := q.cfg.Workers.For(t)
		for i := 0; i < n; i++ {
			q.wg.Add(1)
			go q.worker(t, i)
		}
		workers += n
	}

	if q.cfg.SweepInterval > 0 {
		q.wg.Add(1)
		go q.sweepLoop()
	}

	go q.watchContext(ctx)

	q.logger.Info("job queue started",
		slog.Int("workers", workers),
		slog.Duration("process_timeout", q.cfg.ProcessTimeout),
	)
	return nil
}

// watchContext converts parent-context cancellation into a hard shutdown
// so workers blocked on their condition variables still wind down.
func (q *Queue) watchContext(ctx context.Context) {
	select {
	case <-ctx.Done():
		q.Shutdown(false)
	case <-q.stopping:
	}
}

// Shutdown stops the queue. With wait set, workers drain the remaining
// pending jobs and finish their current ones. Without it, pending jobs are
// cancelled immediately, processing jobs get a best-effort plugin cancel,
// and the call returns as soon as workers have wound down.
func (q *Queue) Shutdown(wait bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true

	var cancelled []*models.Job
	var handles []*plugin.Handle
	var handleJobs []models.ULID
	if !wait {
		for _, rec := range q.records {
			switch {
			case rec.job.Pending():
				rec.job.MarkCancelled()
				if q.metrics != nil {
					q.metrics.JobsPending.Dec()
				}
				snap := rec.job.Clone()
				q.broadcastLocked(snap, EventCancelled)
				cancelled = append(cancelled, snap)
			case rec.job.Processing() && !rec.cancelRequested:
				rec.cancelRequested = true
				if rec.handle != nil {
					handles = append(handles, rec.handle)
					handleJobs = append(handleJobs, rec.job.ID)
				}
			}
		}
	}
	q.mu.Unlock()

	for _, tq := range q.queues {
		tq.close(wait)
	}
	close(q.stopping)

	if !wait {
		for i, h := range handles {
			if err := h.Cancel(handleJobs[i]); err != nil {
				q.logger.Debug("plugin cancel during shutdown",
					slog.String("job_id", handleJobs[i].String()),
					slog.Any("error", err),
				)
			}
		}
		if q.cancel != nil {
			q.cancel()
		}
	}

	q.wg.Wait()

	if wait && q.cancel != nil {
		q.cancel()
	}

	for _, snap := range cancelled {
		q.persist(snap)
	}

	q.mu.Lock()
	q.closeSubscribersLocked()
	q.mu.Unlock()

	q.logger.Info("job queue stopped", slog.Bool("drained", wait))
}

// SubmitRequest describes a job to enqueue.
type SubmitRequest struct {
	Type       models.JobType
	Priority   models.JobPriority
	TenantID   string
	UserID     string
	Params     models.JobParams
	MaxRetries int
}

// Submit validates the request, records the job as pending, and enqueues
// it for its type's worker pool. It never blocks on worker availability.
// The returned job is a snapshot.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	return q.submit(ctx, req, nil)
}

func (q *Queue) submit(ctx context.Context, req SubmitRequest, parentID *models.ULID) (*models.Job, error) {
	if !req.Type.Valid() {
		return nil, models.Validationf("unknown job type %q", req.Type)
	}
	if err := req.Params.Validate(req.Type); err != nil {
		return nil, err
	}
	if req.MaxRetries < 0 {
		return nil, models.Validationf("max_retries must not be negative")
	}

	job := &models.Job{
		ID:          models.NewULID(),
		Type:        req.Type,
		Priority:    req.Priority,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		SubmittedAt: models.Now(),
		Params:      req.Params.Clone(),
		MaxRetries:  req.MaxRetries,
		ParentID:    parentID,
		Status:      models.JobStatusPending,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, models.Unavailablef("job queue is shutting down")
	}
	q.seq++
	seq := q.seq
	q.records[job.ID] = &record{job: job}
	if q.metrics != nil {
		q.metrics.JobsPending.Inc()
	}
	snap := job.Clone()
	q.mu.Unlock()

	q.queues[job.Type].push(entry{id: job.ID, priority: job.Priority, seq: seq})
	q.persistCtx(ctx, snap)
	q.notify(models.JobNotification(models.NotifyJobStarted, snap, map[string]any{
		"type":     string(job.Type),
		"priority": job.Priority.String(),
	}))
	q.logger.Info("job submitted",
		slog.String("job_id", job.ID.String()),
		slog.String("job_type", string(job.Type)),
		slog.String("priority", job.Priority.String()),
		slog.String("tenant_id", job.TenantID),
	)
	return snap, nil
}

// Get returns a snapshot of one job.
func (q *Queue) Get(id models.ULID) (*models.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	rec, ok := q.records[id]
	if !ok {
		return nil, models.NotFoundf("job %s not found", id)
	}
	return rec.job.Clone(), nil
}

// ListFilter narrows List results. Zero values match everything; a zero
// Limit returns every match.
type ListFilter struct {
	TenantID string
	UserID   string
	Status   models.JobStatus
	Type     models.JobType
	// Since drops jobs submitted before the given instant. Zero means no
	// cutoff.
	Since  time.Time
	Limit  int
	Offset int
}

func (f ListFilter) matches(j *models.Job) bool {
	if f.TenantID != "" && j.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && j.UserID != f.UserID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && j.SubmittedAt.Before(f.Since) {
		return false
	}
	return true
}

// List returns a page of job snapshots ordered by submission time, newest
// first, plus the total number of matches before pagination.
func (q *Queue) List(filter ListFilter) ([]*models.Job, int) {
	q.mu.RLock()
	matched := make([]*models.Job, 0, len(q.records))
	for _, rec := range q.records {
		if filter.matches(rec.job) {
			matched = append(matched, rec.job.Clone())
		}
	}
	q.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].ID.Compare(matched[j].ID) > 0
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= total {
			return []*models.Job{}, total
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total
}

// Cancel requests cancellation of a job. Pending jobs become cancelled
// immediately; their queue entries are skipped lazily at dequeue.
// Processing jobs get a cancel flag and a best-effort plugin cancel; the
// owning worker decides the terminal status when the plugin returns, so a
// job in late completion may still finish completed. Cancelling an
// already-cancelled job is a no-op; other terminal states conflict.
func (q *Queue) Cancel(id models.ULID) error {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return models.NotFoundf("job %s not found", id)
	}
	switch rec.job.Status {
	case models.JobStatusPending:
		rec.job.MarkCancelled()
		if q.metrics != nil {
			q.metrics.JobsPending.Dec()
		}
		snap := rec.job.Clone()
		q.broadcastLocked(snap, EventCancelled)
		q.mu.Unlock()
		q.persist(snap)
		q.logger.Info("job cancelled", slog.String("job_id", id.String()))
		return nil
	case models.JobStatusProcessing:
		if rec.cancelRequested {
			q.mu.Unlock()
			return nil
		}
		rec.cancelRequested = true
		handle := rec.handle
		q.mu.Unlock()
		if handle != nil {
			if err := handle.Cancel(id); err != nil {
				q.logger.Debug("plugin cancel failed",
					slog.String("job_id", id.String()),
					slog.Any("error", err),
				)
			}
		}
		q.logger.Info("job cancel requested", slog.String("job_id", id.String()))
		return nil
	case models.JobStatusCancelled:
		q.mu.Unlock()
		return nil
	default:
		status := rec.job.Status
		q.mu.Unlock()
		return models.Conflictf("job %s already %s", id, status)
	}
}

// Retry resubmits a failed job as a new job linked by parent id. The new
// job carries the same parameters and one less retry from the budget.
func (q *Queue) Retry(ctx context.Context, id models.ULID) (*models.Job, error) {
	q.mu.RLock()
	rec, ok := q.records[id]
	if !ok {
		q.mu.RUnlock()
		return nil, models.NotFoundf("job %s not found", id)
	}
	if rec.job.Status != models.JobStatusFailed {
		status := rec.job.Status
		q.mu.RUnlock()
		return nil, models.Conflictf("only failed jobs can be retried, job %s is %s", id, status)
	}
	if rec.job.MaxRetries <= 0 {
		q.mu.RUnlock()
		return nil, models.Conflictf("retry budget exhausted for job %s", id)
	}
	parent := rec.job.Clone()
	q.mu.RUnlock()

	parentID := parent.ID
	child, err := q.submit(ctx, SubmitRequest{
		Type:       parent.Type,
		Priority:   parent.Priority,
		TenantID:   parent.TenantID,
		UserID:     parent.UserID,
		Params:     parent.Params,
		MaxRetries: parent.MaxRetries - 1,
	}, &parentID)
	if err != nil {
		return nil, err
	}
	q.logger.Info("job retried",
		slog.String("job_id", parentID.String()),
		slog.String("retry_job_id", child.ID.String()),
	)
	return child, nil
}

// Stats is a point-in-time summary of queue occupancy.
type Stats struct {
	Pending      int                    `json:"pending"`
	Processing   int                    `json:"processing"`
	Completed    int                    `json:"completed"`
	Failed       int                    `json:"failed"`
	Cancelled    int                    `json:"cancelled"`
	WorkersTotal int                    `json:"workers_total"`
	WorkersBusy  int                    `json:"workers_busy"`
	ByType       map[models.JobType]int `json:"by_type"`
}

// Stats counts the tracked jobs by status and type.
func (q *Queue) Stats() Stats {
	s := Stats{
		WorkersTotal: q.cfg.Workers.Total(),
		ByType:       make(map[models.JobType]int),
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, rec := range q.records {
		switch rec.job.Status {
		case models.JobStatusPending:
			s.Pending++
		case models.JobStatusProcessing:
			s.Processing++
		case models.JobStatusCompleted:
			s.Completed++
		case models.JobStatusFailed:
			s.Failed++
		case models.JobStatusCancelled:
			s.Cancelled++
		}
		s.ByType[rec.job.Type]++
	}
	s.WorkersBusy = s.Processing
	return s
}

func (q *Queue) persist(j *models.Job) {
	q.persistCtx(context.Background(), j)
}

func (q *Queue) persistCtx(ctx context.Context, j *models.Job) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(ctx, j); err != nil {
		q.logger.Warn("job write-through failed",
			slog.String("job_id", j.ID.String()),
			slog.Any("error", err),
		)
	}
}

func (q *Queue) notify(n models.Notification) {
	if q.notifier == nil {
		return
	}
	q.notifier.Notify(context.Background(), n)
}
