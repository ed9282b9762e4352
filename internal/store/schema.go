package store

import "fmt"

// The DDL below is accepted verbatim by both SQLite and PostgreSQL.
var schemaStmts = []string{
	`CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		contact_email TEXT NOT NULL DEFAULT '',
		contact_phone TEXT NOT NULL DEFAULT '',
		website_url TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS procedures (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL REFERENCES entities(id),
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		requirements TEXT NOT NULL DEFAULT '[]',
		cost BIGINT NOT NULL DEFAULT 0,
		estimated_time TEXT NOT NULL DEFAULT '',
		process_steps TEXT NOT NULL DEFAULT '[]',
		online_available BOOLEAN NOT NULL DEFAULT FALSE,
		online_url TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		UNIQUE (entity_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS social_programs (
		id TEXT PRIMARY KEY,
		entity_id TEXT REFERENCES entities(id),
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		eligibility_criteria TEXT NOT NULL DEFAULT '',
		benefits TEXT NOT NULL DEFAULT '',
		application_process TEXT NOT NULL DEFAULT '',
		website_url TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS bot_users (
		telegram_user_id BIGINT PRIMARY KEY,
		username TEXT NOT NULL DEFAULT '',
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		language_code TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		interaction_count INTEGER NOT NULL DEFAULT 0,
		last_interaction TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		step TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		started_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		completed_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_conversations_active
		ON conversations (user_id, kind) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS pqrsd_requests (
		id TEXT PRIMARY KEY,
		tracking_number TEXT NOT NULL UNIQUE,
		user_id BIGINT NOT NULL,
		entity_id TEXT REFERENCES entities(id),
		request_type TEXT NOT NULL,
		subject TEXT NOT NULL,
		description TEXT NOT NULL,
		citizen_name TEXT NOT NULL,
		citizen_id TEXT NOT NULL,
		citizen_email TEXT NOT NULL,
		citizen_phone TEXT NOT NULL,
		citizen_address TEXT NOT NULL,
		classification_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		priority TEXT NOT NULL DEFAULT 'normal',
		status TEXT NOT NULL DEFAULT 'pending',
		response TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		resolved_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_status ON pqrsd_requests (status)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_created ON pqrsd_requests (created_at)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		notification_type TEXT NOT NULL DEFAULT 'general',
		target_audience TEXT NOT NULL DEFAULT 'all',
		scheduled_at TEXT NOT NULL,
		sent_at TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		message TEXT NOT NULL,
		scheduled_for TEXT NOT NULL,
		sent BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders (sent, scheduled_for)`,
	`CREATE TABLE IF NOT EXISTS analytics_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		user_id BIGINT,
		entity_id TEXT,
		procedure_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created ON analytics_events (created_at)`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}
