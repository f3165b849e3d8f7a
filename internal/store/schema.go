package store

// migrations bring the schema from version i to i+1; migrations[0] is the
// initial schema. Append only.
var migrations = []string{
	`
-- One row per delivery attempt.
CREATE TABLE IF NOT EXISTS deliveries (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	group_key   TEXT    NOT NULL DEFAULT '',
	sink        TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	chars       INTEGER NOT NULL DEFAULT 0,
	events      INTEGER NOT NULL DEFAULT 0,
	error       TEXT    NOT NULL DEFAULT '',
	created_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries(created_at);

-- Key-value store for daemon metadata (schema version, last start, etc).
CREATE TABLE IF NOT EXISTS daemon_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL
);
`,

	`
CREATE INDEX IF NOT EXISTS idx_deliveries_outcome ON deliveries(outcome);
CREATE INDEX IF NOT EXISTS idx_deliveries_group ON deliveries(group_key);
`,
}

// schemaVersion is the version after all migrations have run.
var schemaVersion = len(migrations)
