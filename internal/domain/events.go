package domain

import "time"

// EventKind tags a lifecycle event for WebSocket consumers.
type EventKind string

const (
	EventStarted   EventKind = "JOB_STARTED"
	EventProgress  EventKind = "JOB_PROGRESS"
	EventCompleted EventKind = "JOB_COMPLETED"
	EventFailed    EventKind = "JOB_FAILED"
	// EventRequeued is the neutral note emitted when a job is evicted by a
	// higher-priority operation; it is not a failure.
	EventRequeued EventKind = "JOB_REQUEUED"
	// EventNotice carries system-wide broadcasts.
	EventNotice EventKind = "SYSTEM_NOTICE"
)

// Transient reports whether events of this kind are skipped by the replay
// buffer. High-frequency in-flight progress is delivered live only.
func (k EventKind) Transient() bool { return k == EventProgress }

// Event is one lifecycle notification. Timestamp is unix milliseconds and is
// the replay cursor: re-attaching with resumeAfter=t delivers buffered
// non-transient events strictly newer than t.
type Event struct {
	Kind      EventKind      `json:"type"`
	UserID    string         `json:"-"`
	JobID     string         `json:"-"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// NewEvent builds a lifecycle event for a job, stamping the jobId into the
// payload so the wire envelope stays {type, payload, timestamp}.
func NewEvent(kind EventKind, userID, jobID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	if jobID != "" {
		payload["jobId"] = jobID
	}
	return Event{
		Kind:      kind,
		UserID:    userID,
		JobID:     jobID,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}
