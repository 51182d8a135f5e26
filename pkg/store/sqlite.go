package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_entries (
	key   TEXT    NOT NULL,
	pos   INTEGER NOT NULL,
	value TEXT    NOT NULL,
	PRIMARY KEY (key, pos)
);`

// SQLiteList stores lists as ordered rows.
type SQLiteList struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteList, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteList{db: db}, nil
}

// Load implements the persistent list contract.
func (s *SQLiteList) Load(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT value FROM queue_entries WHERE key = ? ORDER BY pos`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", key, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Save replaces the list in one transaction.
func (s *SQLiteList) Save(ctx context.Context, key string, values []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear %s: %w", key, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO queue_entries (key, pos, value) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()
	for i, v := range values {
		if _, err := stmt.ExecContext(ctx, key, i, v); err != nil {
			return fmt.Errorf("failed to insert %s[%d]: %w", key, i, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (s *SQLiteList) Close() error {
	return s.db.Close()
}
