// Package task owns the canonical task record, its serialization and the
// legal state-machine transitions. Every other component mutates tasks
// through Apply so the transition check is in exactly one place.
package task

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is embedded in every serialized task and dead-letter
// envelope so future migrations are mechanical.
const SchemaVersion = 1

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusAssigned   Status = "assigned"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusDead       Status = "dead"
)

// Terminal reports whether no further transitions are legal from s.
// StatusFailed is only terminal when dead-lettering is disabled; the
// engine routes failed tasks onward before anyone else observes them.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDead:
		return true
	}
	return false
}

// Priority is one of the four discrete priority bands.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists the bands in claim-drain order, highest first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Score maps a priority band to its numeric score.
func (p Priority) Score() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority validates a priority string, defaulting empty to medium.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), nil
	case "":
		return PriorityMedium, nil
	}
	return "", errors.New("task: unknown priority " + s)
}

// Task is the durable record of one unit of deferred work.
type Task struct {
	SchemaVersion int                    `json:"schema_version"`
	ID            string                 `json:"id"`
	Type          string                 `json:"type,omitempty"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	Priority      Priority               `json:"priority"`
	Status        Status                 `json:"status"`
	AssigneeID    string                 `json:"assignee_id,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	RetryCount       int   `json:"retry_count"`
	MaxRetries       int   `json:"max_retries"`
	BaseRetryDelayMS int64 `json:"base_retry_delay_ms,omitempty"`

	RequiredSkills []string `json:"required_skills,omitempty"`
	StickyKey      string   `json:"sticky_key,omitempty"`
	RoutingHint    string   `json:"routing_hint,omitempty"`

	Progress     int                    `json:"progress"`
	ProgressData map[string]interface{} `json:"progress_data,omitempty"`

	LastError        string                 `json:"last_error,omitempty"`
	ErrorHistory     []string               `json:"error_history,omitempty"`
	DeadLetterReason string                 `json:"dead_letter_reason,omitempty"`
	Output           interface{}            `json:"output,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// NewID mints an opaque task id.
func NewID() string {
	return uuid.NewString()
}

// ErrIllegalTransition is returned when a requested transition is not in
// the legal table. The stored record is left untouched.
var ErrIllegalTransition = errors.New("task: illegal transition")

// transitions is the complete legal transition table. failed is reachable
// only through the engine's failure path, which immediately routes it to
// scheduled (retry) or dead (exhausted budget).
var transitions = map[Status][]Status{
	StatusPending:    {StatusAssigned, StatusCancelled},
	StatusScheduled:  {StatusPending, StatusCancelled},
	StatusAssigned:   {StatusProcessing, StatusPending, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusScheduled, StatusDead},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusDead:       {},
}

// CanTransition reports whether from -> to is in the legal table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply moves the task to the requested status, updating the fields that
// belong to that transition. It returns ErrIllegalTransition without
// touching the task when the move is not legal.
func (t *Task) Apply(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return ErrIllegalTransition
	}

	from := t.Status
	t.Status = to

	switch to {
	case StatusProcessing:
		// started-at marks the first advance to processing; retries keep it.
		if t.StartedAt == nil {
			ts := now
			t.StartedAt = &ts
		}
	case StatusCompleted:
		ts := now
		t.CompletedAt = &ts
		t.AssigneeID = ""
	case StatusPending:
		// Promotion or requeue: the task is claimable again.
		t.AssigneeID = ""
		if from == StatusScheduled {
			t.ScheduledFor = nil
		}
	case StatusScheduled:
		t.AssigneeID = ""
	case StatusFailed, StatusCancelled, StatusDead:
		t.AssigneeID = ""
	}

	return nil
}

// RecordError appends to the task's accumulated error history.
func (t *Task) RecordError(msg string) {
	t.LastError = msg
	t.ErrorHistory = append(t.ErrorHistory, msg)
}

// BackoffDelay computes the retry delay for the given attempt (1-based):
// min(base * 2^(attempt-1), max).
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// DeadLetterEntry is the envelope parked on the dead-letter list.
type DeadLetterEntry struct {
	SchemaVersion int      `json:"schema_version"`
	Task          *Task    `json:"task"`
	DiedAtMS      int64    `json:"died_at_ms"`
	Reason        string   `json:"reason"`
	ErrorHistory  []string `json:"error_history,omitempty"`
}
