package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pii-entanglement/internal/entanglement"
)

// The record columns besides record_json exist for operators querying the
// table directly; record_json is the source of truth.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_records (
    session_id    TEXT PRIMARY KEY,
    document_id   TEXT NOT NULL,
    fingerprint   TEXT NOT NULL,
    risk_score    REAL NOT NULL,
    recorded_ns   INTEGER NOT NULL,
    record_json   BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_records_recorded ON session_records(recorded_ns);
CREATE INDEX IF NOT EXISTS idx_session_records_fingerprint ON session_records(fingerprint);
`

// sqliteStore is a RecordStore backed by a SQLite database.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates the SQLite database at path and applies the
// schema.
func NewSQLite(path string) (entanglement.RecordStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(sessionID string) (entanglement.Record, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT record_json FROM session_records WHERE session_id = ?`, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return entanglement.Record{}, false, nil
	}
	if err != nil {
		return entanglement.Record{}, false, fmt.Errorf("query session %s: %w", sessionID, err)
	}

	var rec entanglement.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return entanglement.Record{}, false, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return rec, true, nil
}

func (s *sqliteStore) Put(sessionID string, rec entanglement.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO session_records (session_id, document_id, fingerprint, risk_score, recorded_ns, record_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			document_id = excluded.document_id,
			fingerprint = excluded.fingerprint,
			risk_score  = excluded.risk_score,
			recorded_ns = excluded.recorded_ns,
			record_json = excluded.record_json`,
		sessionID, rec.DocumentID, rec.Fingerprint.String(), rec.RiskScore, rec.Timestamp.UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sessionID, err)
	}
	return nil
}

func (s *sqliteStore) Remove(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM session_records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *sqliteStore) SessionIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT session_id FROM session_records ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM session_records WHERE recorded_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return int(n), nil
}

func (s *sqliteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
