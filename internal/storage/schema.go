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

package storage

import (
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_key (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	key          TEXT NOT NULL UNIQUE,
	description  TEXT NOT NULL DEFAULT '',
	enabled      INTEGER NOT NULL DEFAULT 1,
	created_at   TEXT NOT NULL,
	last_used_at TEXT
);

CREATE TABLE IF NOT EXISTS message (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid              TEXT NOT NULL UNIQUE,
	status            TEXT NOT NULL DEFAULT 'queued',
	delivery_type     TEXT NOT NULL DEFAULT 'email',
	from_address      TEXT NOT NULL,
	to_recipients     TEXT NOT NULL,
	cc_recipients     TEXT,
	bcc_recipients    TEXT,
	subject           TEXT NOT NULL DEFAULT '',
	body              TEXT NOT NULL DEFAULT '',
	body_type         TEXT NOT NULL DEFAULT 'plain',
	retries_remaining INTEGER NOT NULL DEFAULT 0,
	next_retry_at     TEXT,
	last_error        TEXT,
	source_app        TEXT,
	source_api_key_id INTEGER REFERENCES api_key(id) ON DELETE SET NULL,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL,
	sent_at           TEXT
);

CREATE INDEX IF NOT EXISTS message_status_idx  ON message(status);
CREATE INDEX IF NOT EXISTS message_created_idx ON message(created_at);
CREATE INDEX IF NOT EXISTS message_retry_idx   ON message(status, next_retry_at);

CREATE TABLE IF NOT EXISTS attachment (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id   INTEGER NOT NULL REFERENCES message(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	sha256       TEXT NOT NULL,
	disk_path    TEXT NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS attachment_message_idx ON attachment(message_id);
CREATE INDEX IF NOT EXISTS attachment_sha256_idx  ON attachment(sha256);

CREATE TABLE IF NOT EXISTS app_setting (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	actor     TEXT,
	action    TEXT NOT NULL,
	target    TEXT,
	details   TEXT
);
`

// InitSchema creates all tables and seeds the secret_key setting. It is
// idempotent and safe to run on every startup.
func (s *Store) InitSchema() error {
	return s.tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(schema); err != nil {
			return fmt.Errorf("storage: schema: %w", err)
		}

		// Used for signing by the (externally provided) admin session
		// layer. Generated once per database.
		var dummy string
		err := tx.QueryRow(`SELECT value FROM app_setting WHERE name = 'secret_key'`).Scan(&dummy)
		if err == sql.ErrNoRows {
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("storage: secret key: %w", err)
			}
			_, err = tx.Exec(`INSERT INTO app_setting (name, value) VALUES ('secret_key', ?)`,
				base64.RawURLEncoding.EncodeToString(raw))
			return err
		}
		return err
	})
}

// Setting reads one app_setting row. ErrNotFound is returned for unknown
// names.
func (s *Store) Setting(name string) (string, error) {
	var value string
	err := s.DB.QueryRow(`SELECT value FROM app_setting WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetSetting inserts or replaces one app_setting row.
func (s *Store) SetSetting(name, value string) error {
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO app_setting (name, value) VALUES (?, ?)
			ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
		return err
	})
}
