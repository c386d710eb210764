package models

// NotificationKind enumerates the events the daemon reports to the external
// DBAL service.
type NotificationKind string

const (
	NotifyJobStarted    NotificationKind = "job_started"
	NotifyJobProgress   NotificationKind = "job_progress"
	NotifyJobCompleted  NotificationKind = "job_completed"
	NotifyJobFailed     NotificationKind = "job_failed"
	NotifyStreamStarted NotificationKind = "stream_started"
	NotifyStreamStopped NotificationKind = "stream_stopped"
)

// Notification is a best-effort event emitted by the queue or an engine.
// Delivery failure never affects the operation that produced it.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	TenantID  string           `json:"tenantId"`
	UserID    string           `json:"userId,omitempty"`
	JobID     string           `json:"jobId,omitempty"`
	ChannelID string           `json:"channelId,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`
}

// JobNotification builds a job-scoped notification.
func JobNotification(kind NotificationKind, j *Job, payload map[string]any) Notification {
	return Notification{
		Kind:     kind,
		TenantID: j.TenantID,
		UserID:   j.UserID,
		JobID:    j.ID.String(),
		Payload:  payload,
	}
}

// StreamNotification builds a channel-scoped notification.
func StreamNotification(kind NotificationKind, c *Channel, payload map[string]any) Notification {
	return Notification{
		Kind:      kind,
		TenantID:  c.TenantID,
		ChannelID: c.ID.String(),
		Payload:   payload,
	}
}
