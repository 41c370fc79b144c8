// Package hoststore is a SQLite-backed stand-in for the browser host: it
// implements the history, bookmark and settings stores so histkeep can run
// as a standalone binary.
package hoststore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/histkeep/internal/host"
	"github.com/starford/histkeep/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS history (
	url             TEXT PRIMARY KEY,
	title           TEXT NOT NULL DEFAULT '',
	visit_count     INTEGER NOT NULL DEFAULT 0,
	last_visit_time INTEGER NOT NULL DEFAULT 0,
	typed_count     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_history_last_visit ON history(last_visit_time);

CREATE TABLE IF NOT EXISTS bookmarks (
	id           TEXT PRIMARY KEY,
	parent_id    TEXT,
	title        TEXT NOT NULL DEFAULT '',
	url          TEXT,
	position     INTEGER NOT NULL DEFAULT 0,
	date_added   INTEGER NOT NULL DEFAULT 0,
	unmodifiable TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_bookmarks_parent ON bookmarks(parent_id, position);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// seedRoots are the reserved folders every host tree starts with.
var seedRoots = []struct {
	id, parent, title string
	position          int
}{
	{models.RootID, "", "", 0},
	{models.BookmarksBarID, models.RootID, "Bookmarks bar", 0},
	{models.OtherBookmarkID, models.RootID, "Other bookmarks", 1},
}

// Store wraps a sql.DB holding the emulated host state.
type Store struct {
	conn *sql.DB
}

var (
	_ host.HistoryStore  = (*Store)(nil)
	_ host.BookmarkStore = (*Store)(nil)
	_ host.SettingsStore = (*Store)(nil)
)

// Open opens (or creates) the SQLite database, applies the schema and seeds
// the reserved bookmark roots.
func Open(dsn string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("hoststore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hoststore: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hoststore: apply schema: %w", err)
	}
	for _, r := range seedRoots {
		var parent any
		if r.parent != "" {
			parent = r.parent
		}
		if _, err := conn.Exec(
			`INSERT OR IGNORE INTO bookmarks (id, parent_id, title, position) VALUES (?, ?, ?, ?)`,
			r.id, parent, r.title, r.position,
		); err != nil {
			conn.Close()
			return nil, fmt.Errorf("hoststore: seed %s: %w", r.id, err)
		}
	}
	return &Store{conn: conn}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}
