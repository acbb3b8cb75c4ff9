// Package model holds the records shared by the monitor components.
package model

import "time"

// Subject is one monitored account. Subjects are loaded from config at
// startup and never mutated during a run.
type Subject struct {
	ID           string // profile source uid
	Label        string
	OwnerContact string
	// ThresholdDays overrides the global threshold when > 0.
	ThresholdDays int
}

type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomeProbeError     Outcome = "probe_error"
	OutcomeEvaluatorError Outcome = "evaluator_error"
)

type State string

const (
	StateActive   State = "active"
	StateInactive State = "inactive"
	StateUnknown  State = "unknown"
)

type Delivery string

const (
	DeliverySent   Delivery = "sent"
	DeliveryFailed Delivery = "failed"
)

// CheckRecord is one row per probe attempt. Append-only.
type CheckRecord struct {
	ID             int64      `json:"id,omitempty"`
	SubjectID      string     `json:"subject_id"`
	CycleID        string     `json:"cycle_id,omitempty"`
	CheckedAt      time.Time  `json:"checked_at"`
	Outcome        Outcome    `json:"outcome"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	InactiveDays   *int       `json:"inactive_days,omitempty"`
	State          State      `json:"state"`
	Detail         string     `json:"detail,omitempty"`
}

// NotificationRecord is one row per alert attempt. Append-only.
type NotificationRecord struct {
	ID           int64     `json:"id,omitempty"`
	SubjectID    string    `json:"subject_id"`
	CycleID      string    `json:"cycle_id,omitempty"`
	SentAt       time.Time `json:"sent_at"`
	StateAtSend  State     `json:"state_at_send"`
	InactiveDays *int      `json:"inactive_days,omitempty"`
	Delivery     Delivery  `json:"delivery_outcome"`
	Error        string    `json:"error,omitempty"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
