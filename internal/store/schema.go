package store

// schemaDDL creates all tables and indexes. Statements are idempotent so
// init-db can run against an existing database.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS aliases (
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (kind, value)
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		ts TIMESTAMPTZ NOT NULL,
		name TEXT NOT NULL,
		props JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_user_ts ON events (user_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_events_name_ts ON events (name, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS trait_definitions (
		key TEXT PRIMARY KEY,
		expression TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS segment_definitions (
		key TEXT PRIMARY KEY,
		rule TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS flag_definitions (
		key TEXT PRIMARY KEY,
		rule TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS user_traits (
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value JSONB,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, key)
	)`,

	`CREATE TABLE IF NOT EXISTS user_segments (
		user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		in_segment BOOLEAN NOT NULL,
		since TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, key),
		CHECK ((since IS NULL) = (in_segment = false))
	)`,

	`CREATE TABLE IF NOT EXISTS api_keys (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}
