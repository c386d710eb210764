package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/plugin"
)

// worker is one scheduling loop for a job type. It blocks on the type
// queue's condition variable, pops the highest-priority entry, and runs
// the job to a terminal status. Entries whose record is no longer pending
// are discarded, which is how lazy cancellation of queued jobs lands.
func (q *Queue) worker(jobType models.JobType, n int) {
	defer q.wg.Done()
	log := q.logger.With(
		slog.String("job_type", string(jobType)),
		slog.Int("worker", n),
	)
	log.Debug("worker started")

	tq := q.queues[jobType]
	for {
		ent, ok := tq.pop()
		if !ok {
			log.Debug("worker stopping")
			return
		}
		q.runJob(ent.id, log)
	}
}

// runJob drives one job from pending to a terminal status. The records
// mutex is held only for state flips; routing and the plugin call happen
// outside it. The terminal status is decided here, at plugin return, so a
// cancel racing a late completion loses to success.
func (q *Queue) runJob(id models.ULID, log *slog.Logger) {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok || !rec.job.Pending() {
		q.mu.Unlock()
		return
	}
	rec.job.MarkProcessing()
	if q.metrics != nil {
		q.metrics.JobsPending.Dec()
		q.metrics.JobsProcessing.Inc()
		q.metrics.WorkersBusy.Inc()
	}
	snap := rec.job.Clone()
	q.broadcastLocked(snap, EventStarted)
	q.mu.Unlock()

	q.persist(snap)
	log = log.With(slog.String("job_id", id.String()))
	log.Info("job processing",
		slog.String("priority", snap.Priority.String()),
		slog.String("tenant_id", snap.TenantID),
	)

	handle, err := q.registry.FindFor(snap.Type, snap.Params)
	if err != nil {
		final := q.settle(id, func(rec *record) {
			rec.job.MarkFailed(err.Error())
		})
		q.afterJob(final, log)
		return
	}

	procCtx := q.ctx
	cancel := context.CancelFunc(func() {})
	if q.cfg.ProcessTimeout > 0 {
		procCtx, cancel = context.WithTimeout(q.ctx, q.cfg.ProcessTimeout)
	}
	defer cancel()

	q.mu.Lock()
	rec.handle = handle
	alreadyCancelled := rec.cancelRequested
	q.mu.Unlock()

	var (
		res  plugin.Result
		perr error
	)
	if alreadyCancelled {
		perr = context.Canceled
	} else {
		req := plugin.Request{
			JobID:    snap.ID,
			Type:     snap.Type,
			Params:   snap.Params,
			TenantID: snap.TenantID,
			UserID:   snap.UserID,
		}
		res, perr = handle.Process(procCtx, req, q.progressSink(id))
	}
	timedOut := errors.Is(procCtx.Err(), context.DeadlineExceeded)

	final := q.settle(id, func(rec *record) {
		switch {
		case perr == nil:
			rec.job.MarkCompleted(res.OutputPath)
		case rec.cancelRequested || errors.Is(perr, context.Canceled):
			rec.job.MarkCancelled()
		case timedOut:
			rec.job.MarkFailed(models.WrapError(models.KindTranscodeError, perr,
				"processing exceeded %s", q.cfg.ProcessTimeout).Error())
		default:
			rec.job.MarkFailed(perr.Error())
		}
	})
	handle.Release()
	q.afterJob(final, log)
}

// settle applies the worker's terminal decision under the records mutex
// and emits the bookkeeping that follows: metrics, subscriber events, and
// the persistence write-through. Returns the terminal snapshot, or nil if
// the record vanished mid-flight.
func (q *Queue) settle(id models.ULID, decide func(rec *record)) *models.Job {
	q.mu.Lock()
	rec, ok := q.records[id]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	decide(rec)
	rec.handle = nil
	if q.metrics != nil {
		q.metrics.JobsProcessing.Dec()
		q.metrics.WorkersBusy.Dec()
		switch rec.job.Status {
		case models.JobStatusCompleted:
			q.metrics.JobsCompleted.Inc()
		case models.JobStatusFailed:
			q.metrics.JobsFailed.Inc()
		}
	}
	snap := rec.job.Clone()
	q.broadcastLocked(snap, eventTypeFor(snap.Status))
	q.mu.Unlock()

	q.persist(snap)
	return snap
}

// afterJob fires the terminal notification and log line. Cancellation
// sends no notification.
func (q *Queue) afterJob(snap *models.Job, log *slog.Logger) {
	if snap == nil {
		return
	}
	var took time.Duration
	if snap.StartedAt != nil && snap.EndedAt != nil {
		took = snap.EndedAt.Sub(*snap.StartedAt)
	}
	switch snap.Status {
	case models.JobStatusCompleted:
		q.notify(models.JobNotification(models.NotifyJobCompleted, snap, map[string]any{
			"output_path": snap.OutputPath,
		}))
		log.Info("job completed", slog.Duration("took", took))
	case models.JobStatusFailed:
		q.notify(models.JobNotification(models.NotifyJobFailed, snap, map[string]any{
			"error": snap.Error,
		}))
		log.Warn("job failed",
			slog.String("error", snap.Error),
			slog.Duration("took", took),
		)
	case models.JobStatusCancelled:
		log.Info("job cancelled", slog.Duration("took", took))
	}
}

// progressSink returns the ProgressFunc handed to the plugin for one job.
// Reports inside the coalescing window are merged away, except that a 100
// percent report always lands. Percent is clamped monotonic on the record,
// so subscribers only ever observe a non-decreasing sequence.
func (q *Queue) progressSink(id models.ULID) plugin.ProgressFunc {
	return func(percent float64, stage string) {
		q.mu.Lock()
		rec, ok := q.records[id]
		if !ok || !rec.job.Processing() {
			q.mu.Unlock()
			return
		}
		now := time.Now()
		if percent < 100 && now.Sub(rec.lastProgress) < q.cfg.ProgressCoalesce {
			q.mu.Unlock()
			return
		}
		rec.lastProgress = now
		rec.job.UpdateProgress(percent, stage)
		snap := rec.job.Clone()
		q.broadcastLocked(snap, EventProgress)
		q.mu.Unlock()
	}
}
