// Package audit keeps the job audit trail: one document per job plus an
// append-only event stream, recorded according to the configured audit
// mode. The trail is observational; queue behavior never depends on it.
package audit

import (
	"fmt"
)

// Mode controls how much of the trail is recorded.
type Mode string

const (
	// ModeFull records job documents and per-transition events.
	ModeFull Mode = "full"
	// ModeJobsOnly records job documents but no events.
	ModeJobsOnly Mode = "jobs_only"
	// ModeOff records nothing.
	ModeOff Mode = "off"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeFull, ModeJobsOnly, ModeOff:
		return Mode(s), nil
	}
	return "", fmt.Errorf("invalid audit mode %q", s)
}

// JobStatus is a job's position in its lifecycle.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusDelivered JobStatus = "delivered"
	StatusAcked     JobStatus = "acked"
	StatusFailed    JobStatus = "failed"
	StatusDLQ       JobStatus = "dlq"
)

// ValidStatus reports whether s is a known job status.
func ValidStatus(s JobStatus) bool {
	switch s {
	case StatusQueued, StatusDelivered, StatusAcked, StatusFailed, StatusDLQ:
		return true
	}
	return false
}

// Job is the audit document for one published message.
type Job struct {
	JobID         string            `json:"jobId"`
	MessageID     string            `json:"messageId"`
	Queue         string            `json:"queue"`
	Status        JobStatus         `json:"status"`
	Attempts      int               `json:"attempts"`
	CorrelationID string            `json:"correlationId,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CreatedAtMs   int64             `json:"createdAtMs"`
	UpdatedAtMs   int64             `json:"updatedAtMs"`
}

// EventType names a job lifecycle transition.
type EventType string

const (
	EventCreated   EventType = "created"
	EventDelivered EventType = "delivered"
	EventAcked     EventType = "acked"
	EventNacked    EventType = "nacked"
	EventRetried   EventType = "retried"
	EventDLQ       EventType = "dlq"
)

// Event is one recorded transition of a job.
type Event struct {
	JobID string         `json:"jobId"`
	Type  EventType      `json:"type"`
	Meta  map[string]any `json:"meta,omitempty"`
	AtMs  int64          `json:"atMs"`
}

// eventTypeFor maps a status transition to its event type.
func eventTypeFor(status JobStatus) EventType {
	switch status {
	case StatusAcked:
		return EventAcked
	case StatusDLQ:
		return EventDLQ
	case StatusDelivered:
		return EventDelivered
	default:
		return EventNacked
	}
}
