package scheduler

import (
	"context"
	"sync"
	"time"

	"deadman/internal/eventbus"
	"deadman/internal/model"
	"deadman/internal/notifier"
	"deadman/internal/probe"
	"deadman/internal/timesync"
	logx "deadman/pkg/logx"
)

// Config controls the check loop.
type Config struct {
	Subjects []model.Subject

	// Interval between cycle starts. Ignored when Schedule is set.
	Interval time.Duration
	// Schedule is a cron expression, Go duration or HH:MM interval.
	Schedule string
	Timezone string // IANA TZ for cron schedules, e.g. "Asia/Shanghai"

	ThresholdDays int           // global; Subject.ThresholdDays overrides
	ClockSkew     time.Duration // evaluator tolerance for future timestamps
	Workers       int           // > 1 parallelizes probes only
}

// Prober is implemented by *probe.Prober.
type Prober interface {
	Probe(ctx context.Context, s model.Subject) probe.Result
}

// Store is the subset of storage.Store the loop uses.
type Store interface {
	AppendCheck(ctx context.Context, rec *model.CheckRecord) error
	LatestCheck(ctx context.Context, subjectID string) (model.CheckRecord, bool, error)
	LatestCheckInState(ctx context.Context, subjectID string, state model.State) (model.CheckRecord, bool, error)
	SentAfter(ctx context.Context, subjectID string, after time.Time) (model.NotificationRecord, bool, error)
}

// Notifier is implemented by *notifier.Service.
type Notifier interface {
	Notify(ctx context.Context, a notifier.Alert) (model.NotificationRecord, error)
}

// ClockVerifier is implemented by *timesync.Checker.
type ClockVerifier interface {
	Verify(ctx context.Context) (timesync.Result, error)
}

type Deps struct {
	Prober   Prober
	Store    Store
	Notifier Notifier
	// Verifier is optional; when set, alerts are only sent with a trusted clock.
	Verifier ClockVerifier
	Bus      eventbus.Bus
	Log      logx.Logger
}

type Service struct {
	mu sync.Mutex

	cfg  Config
	deps Deps
	log  logx.Logger

	now     func() time.Time
	trigger chan struct{}

	snap Snapshot
}

// CycleSummary is the outcome of one cycle.
type CycleSummary struct {
	CycleID    string        `json:"cycle_id"`
	Reason     string        `json:"reason"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	Subjects   int           `json:"subjects"`
	Checked    int           `json:"checked"`
	OK         int           `json:"ok"`
	Failed     int           `json:"failed"`
	Alerts     int           `json:"alerts"`
	Suppressed int           `json:"suppressed"`
	Canceled   bool          `json:"canceled,omitempty"`
}

// Snapshot is a point-in-time view for the status endpoint.
type Snapshot struct {
	Running   bool          `json:"running"`
	Current   string        `json:"current_cycle_id,omitempty"`
	Cycles    uint64        `json:"cycles"`
	Last      *CycleSummary `json:"last_cycle,omitempty"`
	NextRunAt time.Time     `json:"next_run_at"`
	Schedule  string        `json:"schedule"`
	Subjects  int           `json:"subjects"`
	Threshold int           `json:"threshold_days"`
}
