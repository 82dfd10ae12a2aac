package audit

import "database/sql"

// Schema contains the DDL for the protocol audit tables. Call Init(db) to
// apply it, or embed the constant in your own schema management.
const Schema = `
-- Inspector attachments: one row per websocket connection.
CREATE TABLE IF NOT EXISTS inspector_sessions (
    session_id TEXT PRIMARY KEY,
    page_id TEXT NOT NULL,
    remote_addr TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_sessions_page ON inspector_sessions(page_id, started_at DESC);

-- Protocol traffic: commands received and events emitted.
CREATE TABLE IF NOT EXISTS protocol_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    session_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    method TEXT NOT NULL,
    params TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_protocol_session ON protocol_log(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_protocol_method ON protocol_log(method);
CREATE INDEX IF NOT EXISTS idx_protocol_timestamp ON protocol_log(timestamp DESC);
`

// Init applies the audit schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
