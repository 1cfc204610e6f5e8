/*
Outbox - Centralized outbound mail queue.
Copyright © 2024 Outbox contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package storage implements the durable queue state on top of SQLite.
//
// All mutations run inside immediate (write) transactions so that no
// partial writes are ever observable by concurrent readers. The database
// is the sole coordination point between the HTTP process and the
// delivery worker.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/outbox-mail/outbox/framework/log"
)

// ErrNotFound is returned by lookup operations when no row matches.
var ErrNotFound = errors.New("storage: no such row")

// timeLayout is a fixed-width RFC 3339 variant. Fixed width matters:
// timestamps are stored as TEXT and compared lexicographically in SQL
// (next_retry_at <= now, updated_at < cutoff).
const timeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime serializes t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func now() string {
	return FormatTime(time.Now())
}

type Store struct {
	DB  *sql.DB
	Log log.Logger

	path string
}

// Open creates the database file if necessary and returns a ready to use
// Store. WAL journaling, foreign key enforcement and a 5 second busy
// timeout are always enabled. Transactions started via Store.tx acquire
// the write lock immediately (BEGIN IMMEDIATE).
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	dsn := "file:" + url.PathEscape(path) +
		"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1&_txlock=immediate"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	// SQLite allows one writer; keeping a single connection per process
	// avoids SQLITE_BUSY churn between pooled handles.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	return &Store{
		DB:   db,
		Log:  log.Logger{Name: "storage"},
		path: path,
	}, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

// Path returns the database file location, for diagnostics.
func (s *Store) Path() string {
	return s.path
}

// tx runs f inside a write transaction, committing on success and rolling
// back on any error.
func (s *Store) tx(f func(tx *sql.Tx) error) error {
	tx, err := s.DB.Begin()
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.Log.Error("rollback failed", rbErr)
		}
		return err
	}

	return tx.Commit()
}
