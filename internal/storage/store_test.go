package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"deadman/internal/model"
	logx "deadman/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for name, cfg := range map[string]Config{
		"sqlite-file": {Driver: "sqlite", Path: filepath.Join(dir, "db", "monitor.db")},
		"sqlite-mem":  {Driver: "sqlite", Path: ":memory:"},
		"file":        {Driver: "file", Path: filepath.Join(dir, "journal", "monitor.db")},
	} {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[name] = st
	}
	return out
}

func TestStoreContract(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, st := range openDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, ok, err := st.LatestCheck(ctx, "1"); err != nil || ok {
				t.Fatalf("empty store LatestCheck = ok:%v err:%v", ok, err)
			}

			last := base.Add(-10 * 24 * time.Hour)
			recs := []model.CheckRecord{
				{SubjectID: "1", CheckedAt: base, Outcome: model.OutcomeSuccess, State: model.StateActive,
					LastActivityAt: model.TimePtr(base.Add(-time.Hour)), InactiveDays: model.IntPtr(0)},
				{SubjectID: "1", CheckedAt: base.Add(6 * time.Hour), Outcome: model.OutcomeSuccess, State: model.StateInactive,
					LastActivityAt: &last, InactiveDays: model.IntPtr(10), CycleID: "c2"},
				{SubjectID: "1", CheckedAt: base.Add(12 * time.Hour), Outcome: model.OutcomeProbeError, State: model.StateUnknown,
					Detail: "timeout"},
				{SubjectID: "2", CheckedAt: base, Outcome: model.OutcomeSuccess, State: model.StateUnknown},
			}
			for i := range recs {
				if err := st.AppendCheck(ctx, &recs[i]); err != nil {
					t.Fatalf("AppendCheck: %v", err)
				}
				if recs[i].ID == 0 {
					t.Fatalf("AppendCheck should assign an id")
				}
			}

			latest, ok, err := st.LatestCheck(ctx, "1")
			if err != nil || !ok {
				t.Fatalf("LatestCheck: ok=%v err=%v", ok, err)
			}
			if latest.Outcome != model.OutcomeProbeError || latest.Detail != "timeout" || latest.LastActivityAt != nil {
				t.Fatalf("unexpected latest: %+v", latest)
			}

			active, ok, err := st.LatestCheckInState(ctx, "1", model.StateActive)
			if err != nil || !ok || !active.CheckedAt.Equal(base) {
				t.Fatalf("LatestCheckInState active = %+v ok=%v err=%v", active, ok, err)
			}
			inactive, ok, _ := st.LatestCheckInState(ctx, "1", model.StateInactive)
			if !ok || inactive.InactiveDays == nil || *inactive.InactiveDays != 10 || inactive.CycleID != "c2" {
				t.Fatalf("unexpected inactive record: %+v", inactive)
			}
			if inactive.LastActivityAt == nil || !inactive.LastActivityAt.Equal(last) {
				t.Fatalf("last activity not preserved: %v", inactive.LastActivityAt)
			}

			// Notifications: failed never counts as sent.
			failed := model.NotificationRecord{SubjectID: "1", SentAt: base.Add(6 * time.Hour), StateAtSend: model.StateInactive,
				Delivery: model.DeliveryFailed, Error: "smtp down"}
			if err := st.AppendNotification(ctx, &failed); err != nil {
				t.Fatalf("AppendNotification: %v", err)
			}
			if _, ok, _ := st.SentAfter(ctx, "1", time.Time{}); ok {
				t.Fatal("failed delivery must not be reported as sent")
			}
			sent := model.NotificationRecord{SubjectID: "1", SentAt: base.Add(7 * time.Hour), StateAtSend: model.StateInactive,
				Delivery: model.DeliverySent, InactiveDays: model.IntPtr(10)}
			if err := st.AppendNotification(ctx, &sent); err != nil {
				t.Fatalf("AppendNotification: %v", err)
			}
			got, ok, err := st.SentAfter(ctx, "1", base)
			if err != nil || !ok || got.ID != sent.ID {
				t.Fatalf("SentAfter(base) = %+v ok=%v err=%v", got, ok, err)
			}
			if _, ok, _ := st.SentAfter(ctx, "1", sent.SentAt); ok {
				t.Fatal("SentAfter must be strictly after")
			}
			if _, ok, _ := st.SentAfter(ctx, "2", time.Time{}); ok {
				t.Fatal("subjects must not share notifications")
			}

			all, err := st.LatestChecks(ctx)
			if err != nil || len(all) != 2 || all[0].SubjectID != "1" || all[1].SubjectID != "2" {
				t.Fatalf("LatestChecks = %+v err=%v", all, err)
			}
			if all[0].Outcome != model.OutcomeProbeError {
				t.Fatalf("LatestChecks should return newest per subject, got %+v", all[0])
			}

			hist, err := st.RecentChecks(ctx, "1", 2)
			if err != nil || len(hist) != 2 || !hist[0].CheckedAt.After(hist[1].CheckedAt) {
				t.Fatalf("RecentChecks = %+v err=%v", hist, err)
			}
			notifs, err := st.RecentNotifications(ctx, "1", 10)
			if err != nil || len(notifs) != 2 || notifs[0].Delivery != model.DeliverySent {
				t.Fatalf("RecentNotifications = %+v err=%v", notifs, err)
			}

			if err := st.Ping(ctx); err != nil {
				t.Fatalf("Ping: %v", err)
			}
		})
	}
}

func TestStoresSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, cfg := range []Config{
		{Driver: "sqlite", Path: filepath.Join(dir, "a.db")},
		{Driver: "file", Path: filepath.Join(dir, "b.db")},
	} {
		st, err := Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", cfg.Driver, err)
		}
		rec := model.CheckRecord{SubjectID: "9", CheckedAt: ts, Outcome: model.OutcomeSuccess, State: model.StateActive}
		if err := st.AppendCheck(context.Background(), &rec); err != nil {
			t.Fatal(err)
		}
		_ = st.Close()

		st, err = Open(cfg, logx.Nop())
		if err != nil {
			t.Fatalf("reopen %s: %v", cfg.Driver, err)
		}
		got, ok, err := st.LatestCheckInState(context.Background(), "9", model.StateActive)
		if err != nil || !ok || !got.CheckedAt.Equal(ts) {
			t.Fatalf("%s: record lost across reopen: %+v ok=%v err=%v", cfg.Driver, got, ok, err)
		}
		next := model.CheckRecord{SubjectID: "9", CheckedAt: ts.Add(time.Hour), Outcome: model.OutcomeSuccess, State: model.StateActive}
		if err := st.AppendCheck(context.Background(), &next); err != nil {
			t.Fatal(err)
		}
		if next.ID <= got.ID {
			t.Fatalf("%s: ids must keep increasing after reopen (%d <= %d)", cfg.Driver, next.ID, got.ID)
		}
		_ = st.Close()
	}
}

func TestFileStoreRepairsTornJournalTail(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "m.db")}
	sentAt := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	// A complete record whose newline never made it, and a cut-off one.
	whole := `{"id":1,"subject_id":"7","checked_at":"2026-01-31T08:00:00Z","outcome":"success","state":"active"}`
	if err := os.WriteFile(filepath.Join(dir, "m.checks.jsonl"), []byte(whole), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "m.notifications.jsonl"), []byte(`{"id":2,"subject_id":"7","sent_at":"2026-01`), 0o600); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	st, err := Open(cfg, logx.NewWriter(&logs, "WARN"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	rec := model.NotificationRecord{SubjectID: "7", SentAt: sentAt, StateAtSend: model.StateInactive, Delivery: model.DeliverySent}
	if err := st.AppendNotification(context.Background(), &rec); err != nil {
		t.Fatal(err)
	}
	chk := model.CheckRecord{SubjectID: "7", CheckedAt: sentAt, Outcome: model.OutcomeSuccess, State: model.StateInactive}
	if err := st.AppendCheck(context.Background(), &chk); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if !strings.Contains(logs.String(), "truncating torn journal tail") {
		t.Fatalf("torn tail not reported: %s", logs.String())
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, ok, err := st.SentAfter(context.Background(), "7", time.Time{})
	if err != nil || !ok || !got.SentAt.Equal(sentAt) {
		t.Fatalf("sent record lost after restart: %+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := st.LatestCheckInState(context.Background(), "7", model.StateActive); !ok {
		t.Fatal("unterminated but complete check record was dropped")
	}
	if last, _, _ := st.LatestCheck(context.Background(), "7"); last.State != model.StateInactive {
		t.Fatalf("latest check = %+v", last)
	}
}

func TestFileStoreLogsUndecodableLines(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "m.checks.jsonl"), []byte("not json\n\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	var logs bytes.Buffer
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "m.db")}, logx.NewWriter(&logs, "WARN"))
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if !strings.Contains(logs.String(), "skipping undecodable journal line") || !strings.Contains(logs.String(), `"line":1`) {
		t.Fatalf("bad line not logged: %s", logs.String())
	}
}

func TestClosedFileStoreReportsStorageError(t *testing.T) {
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "x.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	err = st.AppendCheck(context.Background(), &model.CheckRecord{SubjectID: "1"})
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

// newMockStore creates a sqlmock-backed store with expectation checking.
func newMockStore(t *testing.T) (*sqliteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		db.Close()
	})
	return newSQLiteStore(sqlx.NewDb(db, "sqlite"), time.Second, logx.Nop()), mock
}

func TestSQLiteAppendErrorIsWrapped(t *testing.T) {
	st, mock := newMockStore(t)
	ioErr := errors.New("disk I/O error")
	mock.ExpectExec("INSERT INTO check_records").WillReturnError(ioErr)

	err := st.AppendCheck(context.Background(), &model.CheckRecord{
		SubjectID: "1", CheckedAt: time.Now(), Outcome: model.OutcomeSuccess, State: model.StateActive,
	})
	if !errors.Is(err, ErrStorage) || !errors.Is(err, ioErr) {
		t.Fatalf("expected wrapped storage error, got %v", err)
	}
}

func TestSQLiteSentAfterQueryShape(t *testing.T) {
	st, mock := newMockStore(t)
	after := time.UnixMilli(1_700_000_000_000)
	mock.ExpectQuery("FROM notification_records\\s+WHERE subject_id = \\? AND delivery_outcome = 'sent' AND sent_at > \\?").
		WithArgs("42", after.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "subject_id", "cycle_id", "sent_at", "state_at_send", "inactive_days", "delivery_outcome", "error",
		}).AddRow(7, "42", "c1", after.UnixMilli()+1, "inactive", 9, "sent", nil))

	got, ok, err := st.SentAfter(context.Background(), "42", after)
	if err != nil || !ok {
		t.Fatalf("SentAfter: ok=%v err=%v", ok, err)
	}
	if got.ID != 7 || got.InactiveDays == nil || *got.InactiveDays != 9 || got.Error != "" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestSQLiteLookupErrorIsWrapped(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery("FROM check_records WHERE subject_id = \\? AND state = \\?").
		WithArgs("1", "active").
		WillReturnError(errors.New("database is locked"))

	_, _, err := st.LatestCheckInState(context.Background(), "1", model.StateActive)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}
