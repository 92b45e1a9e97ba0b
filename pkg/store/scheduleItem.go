package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a schedule item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Kind distinguishes the two supported schedule kinds.
type Kind string

const (
	KindStatusTransition Kind = "status_transition"
	KindNotification     Kind = "notification"
)

// ErrMalformedPayload marks a permanent data error: the payload of a claimed
// item cannot be decoded, so retrying will not help.
var ErrMalformedPayload = errors.New("malformed schedule payload")

// ScheduleItem is one row of pending work against a wall-clock due time.
// id, subject_id and due_at are immutable after creation; re-scheduling
// creates a new row.
type ScheduleItem struct {
	ID           string
	SubjectID    string
	Kind         Kind
	DueAt        time.Time
	Status       Status
	AttemptCount int
	Payload      json.RawMessage
	ClaimedBy    sql.NullString
	ClaimedAt    sql.NullTime
	LastError    sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StatusTransitionPayload is the payload of a KindStatusTransition item.
type StatusTransitionPayload struct {
	TargetStatus string `json:"target_status"`
}

// NotificationPayload is the payload of a KindNotification item.
type NotificationPayload struct {
	OffsetMinutes int    `json:"offset_minutes"`
	Channel       string `json:"channel"`
}

// StatusTransition decodes the payload of a status-transition item.
func (i *ScheduleItem) StatusTransition() (StatusTransitionPayload, error) {
	var p StatusTransitionPayload
	if i.Kind != KindStatusTransition {
		return p, fmt.Errorf("%w: item %s has kind %q", ErrMalformedPayload, i.ID, i.Kind)
	}
	if err := json.Unmarshal(i.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: item %s: %v", ErrMalformedPayload, i.ID, err)
	}
	if p.TargetStatus == "" {
		return p, fmt.Errorf("%w: item %s: empty target_status", ErrMalformedPayload, i.ID)
	}
	return p, nil
}

// Notification decodes the payload of a notification item.
func (i *ScheduleItem) Notification() (NotificationPayload, error) {
	var p NotificationPayload
	if i.Kind != KindNotification {
		return p, fmt.Errorf("%w: item %s has kind %q", ErrMalformedPayload, i.ID, i.Kind)
	}
	if err := json.Unmarshal(i.Payload, &p); err != nil {
		return p, fmt.Errorf("%w: item %s: %v", ErrMalformedPayload, i.ID, err)
	}
	return p, nil
}
