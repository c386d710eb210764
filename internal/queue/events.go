package queue

import (
	"log/slog"
	"time"

	"github.com/castdio/castd/internal/models"
)

// Event types delivered to subscribers.
const (
	EventQueued    = "queued"
	EventStarted   = "started"
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// Event is one observable change to a job, carrying a snapshot of the
// record at the time of the change. Progress percents across the events of
// one job are non-decreasing.
type Event struct {
	Type      string      `json:"type"`
	Job       *models.Job `json:"job"`
	Timestamp time.Time   `json:"timestamp"`
}

// Terminal reports whether this event announced a terminal status.
func (e Event) Terminal() bool {
	return e.Job != nil && e.Job.Status.Terminal()
}

// Subscriber receives events for a single job until unsubscribed. Events
// is buffered; a subscriber that stops draining loses events rather than
// blocking the queue.
type Subscriber struct {
	ID     string
	JobID  models.ULID
	Events chan Event
}

const subscriberBuffer = 64

// Subscribe registers interest in one job's events. The current state is
// delivered as the first event, so a subscriber attaching after the job
// reached a terminal status still observes it. The caller must Unsubscribe
// when done.
func (q *Queue) Subscribe(jobID models.ULID) (*Subscriber, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, models.Unavailablef("job queue is shutting down")
	}
	rec, ok := q.records[jobID]
	if !ok {
		return nil, models.NotFoundf("job %s not found", jobID)
	}

	sub := &Subscriber{
		ID:     models.NewULID().String(),
		JobID:  jobID,
		Events: make(chan Event, subscriberBuffer),
	}
	snap := rec.job.Clone()
	sub.Events <- Event{Type: eventTypeFor(snap.Status), Job: snap, Timestamp: time.Now()}
	q.subscribers[sub.ID] = sub

	q.logger.Debug("subscriber added",
		slog.String("subscriber_id", sub.ID),
		slog.String("job_id", jobID.String()),
	)
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored so callers can unsubscribe unconditionally.
func (q *Queue) Unsubscribe(subscriberID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if sub, ok := q.subscribers[subscriberID]; ok {
		close(sub.Events)
		delete(q.subscribers, subscriberID)
		q.logger.Debug("subscriber removed", slog.String("subscriber_id", subscriberID))
	}
}

// broadcastLocked fans an event out to every subscriber of the job. The
// caller holds q.mu and passes a snapshot clone, never the live record.
// Sends never block: a full subscriber channel drops the event.
func (q *Queue) broadcastLocked(snap *models.Job, eventType string) {
	ev := Event{Type: eventType, Job: snap, Timestamp: time.Now()}
	for _, sub := range q.subscribers {
		if sub.JobID != snap.ID {
			continue
		}
		select {
		case sub.Events <- ev:
		default:
			q.logger.Warn("subscriber event channel full, dropping event",
				slog.String("subscriber_id", sub.ID),
				slog.String("job_id", snap.ID.String()),
			)
		}
	}
}

// closeSubscribersLocked drops every subscriber. Called during shutdown
// with q.mu held.
func (q *Queue) closeSubscribersLocked() {
	for id, sub := range q.subscribers {
		close(sub.Events)
		delete(q.subscribers, id)
	}
}

// eventTypeFor maps a job status to the event type announcing it.
func eventTypeFor(status models.JobStatus) string {
	switch status {
	case models.JobStatusProcessing:
		return EventStarted
	case models.JobStatusCompleted:
		return EventCompleted
	case models.JobStatusFailed:
		return EventFailed
	case models.JobStatusCancelled:
		return EventCancelled
	default:
		return EventQueued
	}
}
