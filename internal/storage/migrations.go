package storage

type migration struct {
	version int
	sql     string
}

// migrations are applied in order; each runs once, tracked in schema_version.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS check_records (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id       TEXT    NOT NULL,
	cycle_id         TEXT,
	checked_at       INTEGER NOT NULL,
	outcome          TEXT    NOT NULL CHECK (outcome IN ('success', 'probe_error', 'evaluator_error')),
	last_activity_at INTEGER,
	inactive_days    INTEGER,
	state            TEXT    NOT NULL CHECK (state IN ('active', 'inactive', 'unknown')),
	detail           TEXT
);

CREATE TABLE IF NOT EXISTS notification_records (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	subject_id       TEXT    NOT NULL,
	cycle_id         TEXT,
	sent_at          INTEGER NOT NULL,
	state_at_send    TEXT    NOT NULL,
	inactive_days    INTEGER,
	delivery_outcome TEXT    NOT NULL CHECK (delivery_outcome IN ('sent', 'failed')),
	error            TEXT
);

INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, CAST(strftime('%s','now') AS INTEGER) * 1000);
`,
	},
	{
		version: 2,
		sql: `
CREATE INDEX IF NOT EXISTS idx_check_subject_time  ON check_records (subject_id, checked_at);
CREATE INDEX IF NOT EXISTS idx_check_subject_state ON check_records (subject_id, state, checked_at);
CREATE INDEX IF NOT EXISTS idx_notif_subject_time  ON notification_records (subject_id, delivery_outcome, sent_at);

INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (2, CAST(strftime('%s','now') AS INTEGER) * 1000);
`,
	},
}
