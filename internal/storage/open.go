package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"deadman/internal/model"
	logx "deadman/pkg/logx"
)

// Store is the persistence API used by the monitor.
//
// There is no update or delete: retention is an operational concern.
type Store interface {
	// AppendCheck inserts rec and sets rec.ID.
	AppendCheck(ctx context.Context, rec *model.CheckRecord) error
	// LatestCheck returns the most recent check for a subject.
	LatestCheck(ctx context.Context, subjectID string) (model.CheckRecord, bool, error)
	// LatestCheckInState returns the most recent check with the given state.
	LatestCheckInState(ctx context.Context, subjectID string, state model.State) (model.CheckRecord, bool, error)
	// AppendNotification inserts rec and sets rec.ID.
	AppendNotification(ctx context.Context, rec *model.NotificationRecord) error
	// SentAfter returns the earliest delivered notification with sent_at
	// strictly after the given time. A zero time matches any.
	SentAfter(ctx context.Context, subjectID string, after time.Time) (model.NotificationRecord, bool, error)
	// LatestChecks returns the most recent check of every subject.
	LatestChecks(ctx context.Context) ([]model.CheckRecord, error)
	// RecentChecks returns up to limit checks, newest first.
	RecentChecks(ctx context.Context, subjectID string, limit int) ([]model.CheckRecord, error)
	// RecentNotifications returns up to limit notifications, newest first.
	RecentNotifications(ctx context.Context, subjectID string, limit int) ([]model.NotificationRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// opContext bounds a single store call.
func opContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
