package hub

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// InitDatabase opens (creating if needed) the hub's optional persistent
// store. It backs only the peer directory (identity → last-seen
// capabilities, written on each endpoint registration; list_clients reads
// the live registry and does not consult it) and the plugin loader's
// load-attempt audit log — never PendingCommand or command-history state, which spec
// §1's Non-goals explicitly excludes from persistence.
func InitDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("hub: open database: %w", err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("hub: enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("hub: create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS peer_directory (
		identity TEXT PRIMARY KEY,
		capabilities TEXT NOT NULL,
		last_seen DATETIME NOT NULL,
		last_peer_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS plugin_load_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		plugin_name TEXT NOT NULL,
		success INTEGER NOT NULL,
		error_message TEXT,
		attempted_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_plugin_attempts_name ON plugin_load_attempts(plugin_name);
	`
	_, err := db.Exec(schema)
	return err
}

// RecordPeerSeen upserts an endpoint's last-seen capability set into the
// peer directory.
func RecordPeerSeen(db *sql.DB, identity, capabilitiesCSV string, peerID int64) error {
	_, err := db.Exec(`
		INSERT INTO peer_directory (identity, capabilities, last_seen, last_peer_id)
		VALUES (?, ?, CURRENT_TIMESTAMP, ?)
		ON CONFLICT(identity) DO UPDATE SET
			capabilities = excluded.capabilities,
			last_seen = excluded.last_seen,
			last_peer_id = excluded.last_peer_id
	`, identity, capabilitiesCSV, peerID)
	return err
}

// RecordPluginLoadAttempt appends one row to the plugin load audit log.
func RecordPluginLoadAttempt(db *sql.DB, pluginName string, success bool, errMsg string) error {
	_, err := db.Exec(`
		INSERT INTO plugin_load_attempts (plugin_name, success, error_message)
		VALUES (?, ?, ?)
	`, pluginName, success, errMsg)
	return err
}
