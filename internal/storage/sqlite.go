package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"deadman/internal/model"
	logx "deadman/pkg/logx"
)

type sqliteStore struct {
	db        *sqlx.DB
	log       logx.Logger
	opTimeout time.Duration
}

type checkRow struct {
	ID             int64          `db:"id"`
	SubjectID      string         `db:"subject_id"`
	CycleID        sql.NullString `db:"cycle_id"`
	CheckedAt      int64          `db:"checked_at"`
	Outcome        string         `db:"outcome"`
	LastActivityAt sql.NullInt64  `db:"last_activity_at"`
	InactiveDays   sql.NullInt64  `db:"inactive_days"`
	State          string         `db:"state"`
	Detail         sql.NullString `db:"detail"`
}

type notificationRow struct {
	ID           int64          `db:"id"`
	SubjectID    string         `db:"subject_id"`
	CycleID      sql.NullString `db:"cycle_id"`
	SentAt       int64          `db:"sent_at"`
	StateAtSend  string         `db:"state_at_send"`
	InactiveDays sql.NullInt64  `db:"inactive_days"`
	Delivery     string         `db:"delivery_outcome"`
	Error        sql.NullString `db:"error"`
}

const checkColumns = `id, subject_id, cycle_id, checked_at, outcome, last_activity_at, inactive_days, state, detail`
const notificationColumns = `id, subject_id, cycle_id, sent_at, state_at_send, inactive_days, delivery_outcome, error`

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, wrap("create db dir", err)
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open sqlite", err)
	}
	// Single connection: one writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := newSQLiteStore(db, cfg.OpTimeout, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", err)
	}
	return st, nil
}

func newSQLiteStore(db *sqlx.DB, opTimeout time.Duration, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, opTimeout: opTimeout}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	current := 0
	var tables int
	if err := s.db.GetContext(ctx, &tables,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`); err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM schema_version`); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", m.version, err)
		}
		s.log.Debug("schema migrated", logx.Int("version", m.version))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	ctx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()
	return wrap("ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) AppendCheck(ctx context.Context, rec *model.CheckRecord) error {
	if rec == nil {
		return nil
	}
	ctx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO check_records (subject_id, cycle_id, checked_at, outcome, last_activity_at, inactive_days, state, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SubjectID, nullStr(rec.CycleID), rec.CheckedAt.UnixMilli(), string(rec.Outcome),
		nullTime(rec.LastActivityAt), nullInt(rec.InactiveDays), string(rec.State), nullStr(rec.Detail),
	)
	if err != nil {
		return wrap("append check", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *sqliteStore) LatestCheck(ctx context.Context, subjectID string) (model.CheckRecord, bool, error) {
	return s.getCheck(ctx, "latest check",
		`SELECT `+checkColumns+` FROM check_records WHERE subject_id = ? ORDER BY checked_at DESC, id DESC LIMIT 1`,
		subjectID)
}

func (s *sqliteStore) LatestCheckInState(ctx context.Context, subjectID string, state model.State) (model.CheckRecord, bool, error) {
	return s.getCheck(ctx, "latest check in state",
		`SELECT `+checkColumns+` FROM check_records WHERE subject_id = ? AND state = ? ORDER BY checked_at DESC, id DESC LIMIT 1`,
		subjectID, string(state))
}

func (s *sqliteStore) getCheck(ctx context.Context, op, q string, args ...any) (model.CheckRecord, bool, error) {
	ctx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	var row checkRow
	err := s.db.GetContext(ctx, &row, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CheckRecord{}, false, nil
	}
	if err != nil {
		return model.CheckRecord{}, false, wrap(op, err)
	}
	return row.record(), true, nil
}

func (s *sqliteStore) AppendNotification(ctx context.Context, rec *model.NotificationRecord) error {
	if rec == nil {
		return nil
	}
	ctx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_records (subject_id, cycle_id, sent_at, state_at_send, inactive_days, delivery_outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SubjectID, nullStr(rec.CycleID), rec.SentAt.UnixMilli(), string(rec.StateAtSend),
		nullInt(rec.InactiveDays), string(rec.Delivery), nullStr(rec.Error),
	)
	if err != nil {
		return wrap("append notification", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *sqliteStore) SentAfter(ctx context.Context, subjectID string, after time.Time) (model.NotificationRecord, bool, error) {
	ctx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	q := `SELECT ` + notificationColumns + ` FROM notification_records
	      WHERE subject_id = ? AND delivery_outcome = 'sent'`
	args := []any{subjectID}
	if !after.IsZero() {
		q += ` AND sent_at > ?`
		args = append(args, after.UnixMilli())
	}
	q += ` ORDER BY sent_at ASC, id ASC LIMIT 1`

	var row notificationRow
	err := s.db.GetContext(ctx, &row, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NotificationRecord{}, false, nil
	}
	if err != nil {
		return model.NotificationRecord{}, false, wrap("sent after", err)
	}
	return row.record(), true, nil
}

func (s *sqliteStore) LatestChecks(ctx context.Context) ([]model.CheckRecord, error) {
	ctx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	var rows []checkRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+prefixed("c", checkColumns)+`
		FROM check_records c
		JOIN (SELECT subject_id, MAX(id) AS id FROM check_records GROUP BY subject_id) l ON c.id = l.id
		ORDER BY c.subject_id`)
	if err != nil {
		return nil, wrap("latest checks", err)
	}
	return checkRecords(rows), nil
}

func (s *sqliteStore) RecentChecks(ctx context.Context, subjectID string, limit int) ([]model.CheckRecord, error) {
	ctx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()
	if limit <= 0 {
		limit = 20
	}
	var rows []checkRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+checkColumns+` FROM check_records WHERE subject_id = ? ORDER BY checked_at DESC, id DESC LIMIT ?`,
		subjectID, limit)
	if err != nil {
		return nil, wrap("recent checks", err)
	}
	return checkRecords(rows), nil
}

func (s *sqliteStore) RecentNotifications(ctx context.Context, subjectID string, limit int) ([]model.NotificationRecord, error) {
	ctx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()
	if limit <= 0 {
		limit = 20
	}
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+notificationColumns+` FROM notification_records WHERE subject_id = ? ORDER BY sent_at DESC, id DESC LIMIT ?`,
		subjectID, limit)
	if err != nil {
		return nil, wrap("recent notifications", err)
	}
	out := make([]model.NotificationRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (r checkRow) record() model.CheckRecord {
	rec := model.CheckRecord{
		ID:        r.ID,
		SubjectID: r.SubjectID,
		CycleID:   r.CycleID.String,
		CheckedAt: time.UnixMilli(r.CheckedAt),
		Outcome:   model.Outcome(r.Outcome),
		State:     model.State(r.State),
		Detail:    r.Detail.String,
	}
	if r.LastActivityAt.Valid {
		rec.LastActivityAt = model.TimePtr(time.UnixMilli(r.LastActivityAt.Int64))
	}
	if r.InactiveDays.Valid {
		rec.InactiveDays = model.IntPtr(int(r.InactiveDays.Int64))
	}
	return rec
}

func (r notificationRow) record() model.NotificationRecord {
	rec := model.NotificationRecord{
		ID:          r.ID,
		SubjectID:   r.SubjectID,
		CycleID:     r.CycleID.String,
		SentAt:      time.UnixMilli(r.SentAt),
		StateAtSend: model.State(r.StateAtSend),
		Delivery:    model.Delivery(r.Delivery),
		Error:       r.Error.String,
	}
	if r.InactiveDays.Valid {
		rec.InactiveDays = model.IntPtr(int(r.InactiveDays.Int64))
	}
	return rec
}

func checkRecords(rows []checkRow) []model.CheckRecord {
	out := make([]model.CheckRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out
}

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UnixMilli()
}
