package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/castdio/castd/internal/models"
)

// sweepLoop periodically removes expired terminal records.
func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			q.Sweep()
		case <-q.stopping:
			return
		}
	}
}

// Sweep removes terminal jobs whose end time is older than the retention
// window for their status and returns how many were removed. Completed and
// cancelled jobs share one window, failed jobs another; a non-positive
// window keeps records forever. Output artifacts are never touched.
func (q *Queue) Sweep() int {
	now := time.Now()
	q.mu.Lock()
	var removed []models.ULID
	for id, rec := range q.records {
		j := rec.job
		if !j.Finished() || j.EndedAt == nil {
			continue
		}
		retention := q.cfg.RetentionCompleted
		if j.Status == models.JobStatusFailed {
			retention = q.cfg.RetentionFailed
		}
		if retention <= 0 || now.Sub(*j.EndedAt) < retention {
			continue
		}
		delete(q.records, id)
		removed = append(removed, id)
	}
	q.mu.Unlock()

	for _, id := range removed {
		q.unpersist(id)
	}
	if len(removed) > 0 {
		q.logger.Info("swept expired jobs", slog.Int("count", len(removed)))
	}
	return len(removed)
}

func (q *Queue) unpersist(id models.ULID) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteJob(context.Background(), id); err != nil {
		q.logger.Warn("job delete write-through failed",
			slog.String("job_id", id.String()),
			slog.Any("error", err),
		)
	}
}
