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

// APIKey is a credential for HTTP API callers. The raw key is an opaque
// secret prefixed "ob_".
type APIKey struct {
	ID          int64
	Key         string
	Description string
	Enabled     bool
	CreatedAt   string
	LastUsedAt  *string
}

const apiKeyColumns = `id, key, description, enabled, created_at, last_used_at`

func scanAPIKey(row rowScanner) (*APIKey, error) {
	k := APIKey{}
	err := row.Scan(&k.ID, &k.Key, &k.Description, &k.Enabled, &k.CreatedAt, &k.LastUsedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &k, nil
}

// GenerateAPIKey creates a new enabled key with 256 bits of randomness.
// The returned object carries the full raw key.
func (s *Store) GenerateAPIKey(description string) (*APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	k := &APIKey{
		Key:         "ob_" + base64.RawURLEncoding.EncodeToString(raw),
		Description: description,
		Enabled:     true,
		CreatedAt:   now(),
	}

	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`INSERT INTO api_key (key, description, enabled, created_at)
			VALUES (?, ?, 1, ?)`, k.Key, k.Description, k.CreatedAt)
		if err != nil {
			return err
		}
		k.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return k, nil
}

// VerifyAPIKey looks up an enabled key by its raw value and records the
// use. ErrNotFound is returned both for unknown and for disabled keys.
func (s *Store) VerifyAPIKey(raw string) (*APIKey, error) {
	row := s.DB.QueryRow(`SELECT `+apiKeyColumns+` FROM api_key
		WHERE key = ? AND enabled = 1`, raw)
	k, err := scanAPIKey(row)
	if err != nil {
		return nil, err
	}

	stamp := now()
	err = s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE api_key SET last_used_at = ? WHERE id = ?`, stamp, k.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	k.LastUsedAt = &stamp
	return k, nil
}

func (s *Store) APIKeyByID(id int64) (*APIKey, error) {
	row := s.DB.QueryRow(`SELECT `+apiKeyColumns+` FROM api_key WHERE id = ?`, id)
	return scanAPIKey(row)
}

func (s *Store) ListAPIKeys() ([]*APIKey, error) {
	rows, err := s.DB.Query(`SELECT ` + apiKeyColumns + ` FROM api_key ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer rows.Close()

	var list []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, k)
	}
	return list, rows.Err()
}

// SetAPIKeyEnabled enables or disables a key. Disabled keys fail
// verification but keep their audit association with past messages.
func (s *Store) SetAPIKeyEnabled(id int64, enabled bool) error {
	return s.apiKeyUpdate(id, `UPDATE api_key SET enabled = ? WHERE id = ?`, enabled, id)
}

// DeleteAPIKey removes the key row. Messages submitted with it stay
// around; their source_api_key_id is nulled by the foreign key action.
func (s *Store) DeleteAPIKey(id int64) error {
	return s.apiKeyUpdate(id, `DELETE FROM api_key WHERE id = ?`, id)
}

func (s *Store) apiKeyUpdate(id int64, query string, args ...interface{}) error {
	var affected int64
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
