package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of outbound event.
type Type string

const (
	TypeGameStatusChanged Type = "GameStatusChanged"
	TypeReminderDue       Type = "ReminderDue"
)

// Broker topics, one durable queue per event type.
const (
	TopicStatusTransitioned = "status.transitioned"
	TopicReminderDue        = "reminder.due"
)

// Topics lists every topic the scheduler publishes to. Consumers bind
// their queues against this set.
func Topics() []string {
	return []string{TopicStatusTransitioned, TopicReminderDue}
}

// StatusChange carries the fields of a GameStatusChanged event.
type StatusChange struct {
	NewStatus string `json:"new_status"`
}

// Reminder carries the fields of a ReminderDue event.
type Reminder struct {
	OffsetMinutes int    `json:"offset_minutes"`
	Channel       string `json:"channel"`
}

// OutboundEvent is the message placed on the broker. Exactly one of
// StatusChange or Reminder is set, matching Type. Immutable once published.
type OutboundEvent struct {
	Type       Type      `json:"event_type"`
	SubjectID  string    `json:"subject_id"`
	OccurredAt time.Time `json:"occurred_at"`

	StatusChange *StatusChange `json:"status_change,omitempty"`
	Reminder     *Reminder     `json:"reminder,omitempty"`
}

// Topic returns the broker topic this event is published to.
func (e *OutboundEvent) Topic() string {
	switch e.Type {
	case TypeGameStatusChanged:
		return TopicStatusTransitioned
	case TypeReminderDue:
		return TopicReminderDue
	default:
		return ""
	}
}

// DedupeKey is the identity consumers deduplicate on. Replaying an event
// with the same key must be a no-op for a conforming consumer.
func (e *OutboundEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%d", e.SubjectID, e.Type, e.OccurredAt.UTC().UnixMilli())
}

// Validate checks that the variant payload matches the declared type.
func (e *OutboundEvent) Validate() error {
	if e.SubjectID == "" {
		return fmt.Errorf("event missing subject_id")
	}
	switch e.Type {
	case TypeGameStatusChanged:
		if e.StatusChange == nil || e.StatusChange.NewStatus == "" {
			return fmt.Errorf("GameStatusChanged event missing status_change")
		}
	case TypeReminderDue:
		if e.Reminder == nil {
			return fmt.Errorf("ReminderDue event missing reminder")
		}
	default:
		return fmt.Errorf("unknown event type: %q", e.Type)
	}
	return nil
}

// Encode serializes the event for publication.
func (e *OutboundEvent) Encode() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses a broker payload back into an OutboundEvent.
func Decode(data []byte) (*OutboundEvent, error) {
	var e OutboundEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode outbound event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
