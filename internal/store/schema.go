package store

// migration is a monotonically versioned schema script. Scripts are applied
// in order inside a single transaction each; the highest applied version is
// recorded in schema_version.
type migration struct {
	Version int
	Script  string
}

var migrations = []migration{
	{
		Version: 1,
		Script: `
CREATE TABLE IF NOT EXISTS principals (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	name          TEXT NOT NULL,
	email         TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agents (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'offline',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_sessions (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	status        TEXT NOT NULL,
	started_at    DATETIME NOT NULL,
	ended_at      DATETIME,
	error_message TEXT,
	metadata      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sessions_agent ON agent_sessions(agent_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON agent_sessions(agent_id, status);

CREATE TABLE IF NOT EXISTS memory_entries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	agent_id     TEXT NOT NULL,
	session_id   TEXT,
	kind         TEXT NOT NULL,
	key          TEXT NOT NULL,
	value        TEXT NOT NULL,
	is_encrypted BOOLEAN NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	expires_at   DATETIME
);
CREATE INDEX IF NOT EXISTS idx_memory_lookup ON memory_entries(agent_id, key, kind);
CREATE INDEX IF NOT EXISTS idx_memory_session ON memory_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_memory_expiry ON memory_entries(expires_at);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	from_agent_id TEXT,
	to_agent_id   TEXT,
	type          TEXT NOT NULL,
	payload       TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	created_at    DATETIME NOT NULL,
	processed_at  DATETIME
);
CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent_id, status);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);

CREATE TABLE IF NOT EXISTS connections (
	client_key   TEXT PRIMARY KEY,
	principal_id INTEGER,
	agent_id     TEXT,
	connected_at DATETIME NOT NULL,
	last_ping    DATETIME NOT NULL,
	is_active    BOOLEAN NOT NULL DEFAULT 1
);
`,
	},
}
