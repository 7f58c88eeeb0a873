package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS uploads (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    filename TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    size INTEGER NOT NULL,
    digest TEXT NOT NULL,
    blob_key TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_uploads_filename ON uploads(filename, created_at);
CREATE INDEX IF NOT EXISTS idx_uploads_created ON uploads(created_at);`
	_, err := d.db.Exec(schema)
	return err
}

const uploadColumns = `id, session_id, filename, mime_type, size, digest, blob_key, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(s scanner) (*Upload, error) {
	u := &Upload{}
	if err := s.Scan(&u.ID, &u.SessionID, &u.Filename, &u.MimeType, &u.Size, &u.Digest, &u.BlobKey, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUpload inserts a new upload record.
func (d *DB) CreateUpload(u *Upload) error {
	_, err := d.db.Exec(
		`INSERT INTO uploads (`+uploadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.SessionID, u.Filename, u.MimeType, u.Size, u.Digest, u.BlobKey, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

// GetUpload retrieves an upload by ID.
func (d *DB) GetUpload(id string) (*Upload, error) {
	u, err := scanUpload(d.db.QueryRow(`SELECT `+uploadColumns+` FROM uploads WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get upload: %w", err)
	}
	return u, nil
}

// LatestByFilename returns the newest upload stored under filename.
func (d *DB) LatestByFilename(filename string) (*Upload, error) {
	u, err := scanUpload(d.db.QueryRow(
		`SELECT `+uploadColumns+` FROM uploads WHERE filename = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, filename,
	))
	if err != nil {
		return nil, fmt.Errorf("latest upload for %s: %w", filename, err)
	}
	return u, nil
}

// ListUploads returns up to limit uploads, newest first. A limit <= 0
// returns all of them.
func (d *DB) ListUploads(limit int) ([]Upload, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.Query(
		`SELECT `+uploadColumns+` FROM uploads ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// LatestUploads returns the newest upload for every distinct filename,
// oldest first so that replaying them in order leaves the newest on top.
func (d *DB) LatestUploads() ([]Upload, error) {
	rows, err := d.db.Query(
		`SELECT ` + uploadColumns + ` FROM uploads u
		 WHERE rowid = (SELECT rowid FROM uploads WHERE filename = u.filename
		                ORDER BY created_at DESC, rowid DESC LIMIT 1)
		 ORDER BY created_at ASC, rowid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("latest uploads: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// DeleteUpload removes an upload record by ID.
func (d *DB) DeleteUpload(id string) error {
	res, err := d.db.Exec(`DELETE FROM uploads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete upload rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete upload: %w", sql.ErrNoRows)
	}
	return nil
}

func collect(rows *sql.Rows) ([]Upload, error) {
	var out []Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}
