package sandbox

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// RecordStore persists sandbox records in SQLite so that orphaned
// instances can be swept after a process crash. The in-memory Registry
// stays authoritative for live routing; this store only backs recovery.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore opens (or creates) the record database at the given path.
func NewRecordStore(dbPath string) (*RecordStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening record database: %w", err)
	}

	// WAL keeps writers from blocking the recovery sweep's reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sandboxes (
			sandbox_id TEXT PRIMARY KEY,
			owner_id   TEXT NOT NULL,
			subject    TEXT NOT NULL DEFAULT '',
			image      TEXT NOT NULL DEFAULT '',
			endpoint   TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'starting',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_sandboxes_owner_id
			ON sandboxes(owner_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &RecordStore{db: db}, nil
}

// Close closes the database connection.
func (s *RecordStore) Close() error {
	return s.db.Close()
}

// Put upserts a record.
func (s *RecordStore) Put(rec *Record) error {
	_, err := s.db.Exec(
		`INSERT INTO sandboxes (sandbox_id, owner_id, subject, image, endpoint, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(sandbox_id) DO UPDATE SET
			endpoint = excluded.endpoint,
			status   = excluded.status`,
		rec.SandboxID, rec.OwnerID, rec.Subject, rec.Image, rec.Endpoint,
		string(rec.Status), rec.CreatedAt,
	)
	return err
}

// Delete removes a record; unknown IDs are a no-op.
func (s *RecordStore) Delete(sandboxID string) error {
	_, err := s.db.Exec(`DELETE FROM sandboxes WHERE sandbox_id = ?`, sandboxID)
	return err
}

// List returns every persisted record.
func (s *RecordStore) List() ([]*Record, error) {
	rows, err := s.db.Query(
		`SELECT sandbox_id, owner_id, subject, image, endpoint, status, created_at
		 FROM sandboxes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var status string
		var createdAt time.Time
		if err := rows.Scan(&rec.SandboxID, &rec.OwnerID, &rec.Subject,
			&rec.Image, &rec.Endpoint, &status, &createdAt); err != nil {
			return nil, err
		}
		rec.Status = Status(status)
		rec.CreatedAt = createdAt
		out = append(out, &rec)
	}
	return out, rows.Err()
}
