package notifier

import (
	"errors"
	"fmt"
	"time"

	"deadman/internal/model"
)

var (
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
)

// DeliveryError classifies a transport failure.
type DeliveryError struct {
	Permanent bool
	Code      int // SMTP reply code, 0 when none
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("smtp %d: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() []error {
	if e.Permanent {
		return []error{ErrPermanentDelivery, e.Err}
	}
	return []error{ErrTransientDelivery, e.Err}
}

// Permanent reports whether err must not be retried. Unclassified errors
// are treated as transient.
func Permanent(err error) bool {
	return errors.Is(err, ErrPermanentDelivery)
}

// Config controls message composition and delivery retries.
type Config struct {
	From          string
	To            []string
	SubjectPrefix string

	RetryMax     int           // total attempts, default 3
	RetryBackoff time.Duration // base of the exponential backoff, default 2s
	Timeout      time.Duration // per attempt, default 30s
}

// Alert is the content of one inactivity notification.
type Alert struct {
	Subject        model.Subject
	CycleID        string
	State          model.State
	LastActivityAt *time.Time
	InactiveDays   int
	ThresholdDays  int
	CheckedAt      time.Time
	// Detail is free-form status information (profile name, feed size).
	Detail map[string]any
}

// NotificationEvent is published on the event bus after each delivery.
type NotificationEvent struct {
	SubjectID string         `json:"subject_id"`
	CycleID   string         `json:"cycle_id,omitempty"`
	Delivery  model.Delivery `json:"delivery"`
	Attempts  int            `json:"attempts"`
	At        time.Time      `json:"at"`
	Error     string         `json:"error,omitempty"`
}
