// Package persistence stores snapshots durably in SQLite. The gateway
// is a plain key/value table: one row per snapshot name, JSON value,
// overwritten in place on every save.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/marionette/pkg/chat"
)

const (
	sessionsKey = "sessions"
	settingsKey = "settings"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
    name TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// SQLiteGateway persists snapshots in a single SQLite database.
type SQLiteGateway struct {
	db *sql.DB
}

// DSNForFile derives a DSN with WAL and a busy timeout for a database
// file path, creating the parent directory if needed.
func DSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "create database directory")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

// NewSQLiteGateway opens (or creates) the snapshot database at path.
func NewSQLiteGateway(path string) (*SQLiteGateway, error) {
	dsn, err := DSNForFile(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	g := &SQLiteGateway{db: db}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "init schema")
	}
	return g, nil
}

func (g *SQLiteGateway) Close() error {
	return g.db.Close()
}

// Save writes the session snapshot synchronously (write-through).
func (g *SQLiteGateway) Save(snap chat.Snapshot) error {
	return g.put(sessionsKey, snap)
}

// Load reads the session snapshot. A missing row yields an empty
// snapshot. When the active-session pointer references a session that
// is not present, it falls back to the first session in the list, or to
// none when the list is empty.
func (g *SQLiteGateway) Load() (chat.Snapshot, error) {
	var snap chat.Snapshot
	if err := g.get(sessionsKey, &snap); err != nil {
		return chat.Snapshot{}, err
	}
	snap.ActiveSessionID = normalizeActiveID(snap)
	return snap, nil
}

// SaveSettings persists the default generation parameters alongside the
// session snapshot.
func (g *SQLiteGateway) SaveSettings(params chat.GenerationParams) error {
	return g.put(settingsKey, params)
}

// LoadSettings returns the persisted parameters, or the defaults when
// none were saved yet.
func (g *SQLiteGateway) LoadSettings() (chat.GenerationParams, error) {
	params := chat.DefaultParams()
	if err := g.get(settingsKey, &params); err != nil {
		return chat.DefaultParams(), err
	}
	return params, nil
}

func (g *SQLiteGateway) put(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s snapshot", name)
	}
	_, err = g.db.Exec(
		"INSERT OR REPLACE INTO snapshots(name, value, updated_at) VALUES(?,?,?)",
		name, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrapf(err, "write %s snapshot", name)
	}
	return nil
}

func (g *SQLiteGateway) get(name string, v any) error {
	var data string
	err := g.db.QueryRow("SELECT value FROM snapshots WHERE name=?", name).Scan(&data)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %s snapshot", name)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return errors.Wrapf(err, "decode %s snapshot", name)
	}
	return nil
}

func normalizeActiveID(snap chat.Snapshot) string {
	if snap.ActiveSessionID == "" {
		if len(snap.Sessions) > 0 {
			return snap.Sessions[0].ID
		}
		return ""
	}
	for _, s := range snap.Sessions {
		if s.ID == snap.ActiveSessionID {
			return snap.ActiveSessionID
		}
	}
	if len(snap.Sessions) > 0 {
		log.Warn().Str("active_session_id", snap.ActiveSessionID).Msg("active session not found in snapshot, falling back to first session")
		return snap.Sessions[0].ID
	}
	return ""
}
