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
	"database/sql"
	"fmt"
)

// AuditEntry is one append-only record of an administrator or API-key
// action. Entries are never mutated.
type AuditEntry struct {
	ID        int64
	Timestamp string
	Actor     *string
	Action    string
	Target    *string
	Details   *string
}

// AppendAudit writes one audit_log row. actor, target and details may be
// empty; empty strings are stored as NULL.
func (s *Store) AppendAudit(actor, action, target, details string) error {
	nullable := func(v string) *string {
		if v == "" {
			return nil
		}
		return &v
	}

	err := s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO audit_log (timestamp, actor, action, target, details)
			VALUES (?, ?, ?, ?, ?)`,
			now(), nullable(actor), action, nullable(target), nullable(details))
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	return nil
}

// ListAudit returns audit entries in insertion order, oldest first.
func (s *Store) ListAudit(limit, offset int) ([]*AuditEntry, error) {
	rows, err := s.DB.Query(`SELECT id, timestamp, actor, action, target, details
		FROM audit_log ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer rows.Close()

	var list []*AuditEntry
	for rows.Next() {
		e := AuditEntry{}
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.Target, &e.Details); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
