package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS model_selection (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	text_model  TEXT NOT NULL,
	vision_model TEXT NOT NULL DEFAULT '',
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS oauth_tokens (
	user_id    TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sync_journal (
	id            TEXT PRIMARY KEY,
	idem_key      TEXT NOT NULL UNIQUE,
	user_id       TEXT NOT NULL,
	source        TEXT NOT NULL,
	entry_kind    TEXT NOT NULL,
	title         TEXT NOT NULL,
	external_id   TEXT NOT NULL DEFAULT '',
	external_link TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_user ON sync_journal(user_id);
CREATE INDEX IF NOT EXISTS idx_journal_created ON sync_journal(created_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS usage_log (
	id                TEXT PRIMARY KEY,
	occurred_at       DATETIME NOT NULL,
	source            TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	model             TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	drafts            INTEGER NOT NULL DEFAULT 0,
	synced            INTEGER NOT NULL DEFAULT 0,
	failed            INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_usage_occurred ON usage_log(occurred_at);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
