package store

import (
	"context"
	"fmt"
	"strings"
)

// schema is a development bootstrap. Production databases are migrated
// out of band; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS class_groups (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		stream TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS topics (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS issuers (
		roll_no TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS subjects (
		id TEXT PRIMARY KEY,
		roll_number TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		group_id BIGINT NOT NULL REFERENCES class_groups(id),
		face_descriptor TEXT,
		enrolled_at {{TS}}
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL REFERENCES subjects(id),
		topic_id TEXT NOT NULL REFERENCES topics(id),
		issuer_id TEXT NOT NULL REFERENCES issuers(roll_no),
		group_id BIGINT NOT NULL,
		challenge_group_id BIGINT,
		attendance_date TEXT NOT NULL,
		marked_at {{TS}} NOT NULL,
		status TEXT NOT NULL,
		face_verified BOOLEAN NOT NULL DEFAULT FALSE,
		challenge_payload TEXT NOT NULL DEFAULT '',
		UNIQUE (subject_id, topic_id, attendance_date)
	)`,
	`CREATE TABLE IF NOT EXISTS issuer_aggregates (
		id TEXT PRIMARY KEY,
		issuer_id TEXT NOT NULL REFERENCES issuers(roll_no),
		topic_id TEXT NOT NULL REFERENCES topics(id),
		group_id BIGINT NOT NULL,
		attendance_date TEXT NOT NULL,
		total_students INTEGER NOT NULL DEFAULT 0,
		present_students INTEGER NOT NULL DEFAULT 0,
		absent_students INTEGER NOT NULL DEFAULT 0,
		percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at {{TS}} NOT NULL,
		updated_at {{TS}} NOT NULL,
		UNIQUE (issuer_id, topic_id, group_id, attendance_date)
	)`,
	`CREATE TABLE IF NOT EXISTS issuer_details (
		id TEXT PRIMARY KEY,
		aggregate_id TEXT NOT NULL REFERENCES issuer_aggregates(id),
		subject_id TEXT NOT NULL REFERENCES subjects(id),
		status TEXT NOT NULL,
		face_verified BOOLEAN NOT NULL DEFAULT FALSE,
		group_mismatch BOOLEAN NOT NULL DEFAULT FALSE,
		marked_at {{TS}},
		UNIQUE (aggregate_id, subject_id)
	)`,
	`CREATE TABLE IF NOT EXISTS issuer_notifications (
		id TEXT PRIMARY KEY,
		issuer_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		topic_code TEXT NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		group_mismatch BOOLEAN NOT NULL DEFAULT FALSE,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at {{TS}} NOT NULL,
		read_at {{TS}}
	)`,
	`CREATE INDEX IF NOT EXISTS idx_subjects_group ON subjects (group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_aggregates_issuer_date ON issuer_aggregates (issuer_id, attendance_date)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_issuer ON issuer_notifications (issuer_id, is_read, created_at)`,
}

// EnsureSchema creates the tables the ledger reads and writes.
func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{TS}}", d.Dialect.timestampType())
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
