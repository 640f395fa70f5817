package store

// migration is one forward-only schema step, gated by SQLite's user_version
// pragma rather than a try/ignore ALTER TABLE loop: each step runs exactly
// once, in order, inside a transaction, and bumps user_version to its own
// version number on success.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE executions (
				execution_id             TEXT PRIMARY KEY,
				slug                     TEXT NOT NULL,
				up_token                 TEXT NOT NULL,
				down_token               TEXT NOT NULL,
				target_shares            TEXT NOT NULL,
				state                    TEXT NOT NULL,
				created_at               TEXT NOT NULL,
				updated_at               TEXT NOT NULL,
				leg_a_external_id        TEXT,
				leg_b_external_id        TEXT,
				leg_a_raw_blob           TEXT,
				leg_b_raw_blob           TEXT,
				estimated_total_notional TEXT NOT NULL,
				backend_tag              TEXT
			);
			CREATE INDEX idx_executions_state ON executions(state);
			CREATE INDEX idx_executions_created_at ON executions(created_at);
			CREATE INDEX idx_executions_slug ON executions(slug);
		`,
	},
}
