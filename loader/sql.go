package loader

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/go-airspeed/airspeed/parser"
)

// SQLLoader stores template source rows in a SQL table keyed by name, with
// a modified_at column exposed through Modified. It does not cache parsed
// templates: LoadTemplate reads and parses the row on every call. Built on
// modernc.org/sqlite, a pure-Go driver requiring no cgo toolchain.
type SQLLoader struct {
	db    *sql.DB
	table string
}

// NewSQLLoader opens (or creates) a SQLite database at dsn and ensures the
// template table exists.
func NewSQLLoader(dsn string) (*SQLLoader, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("loader: open sqlite: %w", err)
	}
	l := &SQLLoader{db: db, table: "templates"}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS templates (
		name TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		modified_at INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("loader: create table: %w", err)
	}
	return l, nil
}

// PutTemplate inserts or replaces the source row for name, stamping
// modified_at with the current time.
func (l *SQLLoader) PutTemplate(name, source string) error {
	_, err := l.db.Exec(
		`INSERT INTO templates (name, source, modified_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET source = excluded.source, modified_at = excluded.modified_at`,
		name, source, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("loader: put template %s: %w", name, err)
	}
	return nil
}

// LoadText returns the raw source row for `#include`.
func (l *SQLLoader) LoadText(name string) (string, error) {
	var source string
	err := l.db.QueryRow(`SELECT source FROM templates WHERE name = ?`, name).Scan(&source)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("loader: template not found: %s", name)
	}
	if err != nil {
		return "", fmt.Errorf("loader: %w", err)
	}
	return source, nil
}

// LoadTemplate parses and returns the named template. modernc.org/sqlite
// has no page-level mtime of its own, so freshness here means "the row
// present right now" — each call re-reads the row and reparses; hosts
// that want caching should wrap a SQLLoader behind their own cache keyed
// on the modified_at column via Modified.
func (l *SQLLoader) LoadTemplate(name string) (*parser.TemplateNode, error) {
	src, err := l.LoadText(name)
	if err != nil {
		return nil, err
	}
	return parser.Parse(name, src)
}

// Modified returns the modified_at timestamp of the named template row,
// for hosts layering their own freshness check on top of SQLLoader.
func (l *SQLLoader) Modified(name string) (time.Time, error) {
	var unix int64
	err := l.db.QueryRow(`SELECT modified_at FROM templates WHERE name = ?`, name).Scan(&unix)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("loader: template not found: %s", name)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("loader: %w", err)
	}
	return time.Unix(unix, 0), nil
}

// Close closes the underlying database handle.
func (l *SQLLoader) Close() error { return l.db.Close() }
