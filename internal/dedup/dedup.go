// Package dedup decides whether an inactive subject may be alerted.
//
// An inactive episode starts after the subject's most recent check in the
// active state. At most one delivered alert is allowed per episode; failed
// deliveries do not count. All state comes from the store on every call.
package dedup

import (
	"context"
	"time"

	"deadman/internal/model"
)

// Store is the subset of storage.Store the deduplicator reads.
type Store interface {
	LatestCheckInState(ctx context.Context, subjectID string, state model.State) (model.CheckRecord, bool, error)
	SentAfter(ctx context.Context, subjectID string, after time.Time) (model.NotificationRecord, bool, error)
}

// Decision explains a ShouldNotify answer.
type Decision struct {
	Notify bool
	// Boundary is checked_at of the latest active check; zero if never active.
	Boundary time.Time
	// Prior is the sent alert that suppresses this one, when Notify is false.
	Prior *model.NotificationRecord
}

// ShouldNotify is true iff no sent alert exists after the episode boundary.
// Errors are storage errors; callers must not notify on error.
func ShouldNotify(ctx context.Context, st Store, subjectID string) (Decision, error) {
	var boundary time.Time
	active, ok, err := st.LatestCheckInState(ctx, subjectID, model.StateActive)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		boundary = active.CheckedAt
	}

	prior, found, err := st.SentAfter(ctx, subjectID, boundary)
	if err != nil {
		return Decision{Boundary: boundary}, err
	}
	if found {
		return Decision{Boundary: boundary, Prior: &prior}, nil
	}
	return Decision{Notify: true, Boundary: boundary}, nil
}
