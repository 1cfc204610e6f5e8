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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the delivery state of a message. See the state machine in the
// queue package documentation for allowed transitions.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
	StatusCancelled Status = "cancelled"
)

// KnownStatus reports whether s is one of the defined states. Used to
// validate user-supplied filter values.
func KnownStatus(s Status) bool {
	switch s {
	case StatusQueued, StatusSending, StatusSent, StatusFailed, StatusDead, StatusCancelled:
		return true
	}
	return false
}

// ErrWrongState is returned by conditional transitions (RetryMessage,
// CancelMessage, MarkMessageSending) when the row exists but is not in a
// state that permits the transition.
var ErrWrongState = errors.New("storage: message is not in an allowed state")

// Message is one outbound delivery attempt-set.
//
// Recipient lists are stored as serialized JSON arrays; use ToList, CcList
// and BccList to decode them. Timestamps are stored as fixed-width RFC
// 3339 strings (see FormatTime).
type Message struct {
	ID           int64
	UUID         string
	Status       Status
	DeliveryType string
	FromAddress  string

	ToRecipients  string
	CcRecipients  *string
	BccRecipients *string

	Subject  string
	Body     string
	BodyType string

	RetriesRemaining int
	NextRetryAt      *string
	LastError        *string

	SourceApp      *string
	SourceAPIKeyID *int64

	CreatedAt string
	UpdatedAt string
	SentAt    *string
}

// decodeRcpts tolerates the pre-JSON format where the column held a single
// bare address string.
func decodeRcpts(raw string) []string {
	if raw == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return []string{raw}
	}
	return list
}

func (m *Message) ToList() []string {
	return decodeRcpts(m.ToRecipients)
}

func (m *Message) CcList() []string {
	if m.CcRecipients == nil {
		return nil
	}
	return decodeRcpts(*m.CcRecipients)
}

func (m *Message) BccList() []string {
	if m.BccRecipients == nil {
		return nil
	}
	return decodeRcpts(*m.BccRecipients)
}

// AllRecipients returns the full SMTP envelope: To + Cc + Bcc.
func (m *Message) AllRecipients() []string {
	var all []string
	all = append(all, m.ToList()...)
	all = append(all, m.CcList()...)
	all = append(all, m.BccList()...)
	return all
}

const messageColumns = `id, uuid, status, delivery_type, from_address, to_recipients,
	cc_recipients, bcc_recipients, subject, body, body_type, retries_remaining,
	next_retry_at, last_error, source_app, source_api_key_id, created_at, updated_at, sent_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	m := Message{}
	err := row.Scan(
		&m.ID, &m.UUID, &m.Status, &m.DeliveryType, &m.FromAddress,
		&m.ToRecipients, &m.CcRecipients, &m.BccRecipients,
		&m.Subject, &m.Body, &m.BodyType, &m.RetriesRemaining,
		&m.NextRetryAt, &m.LastError, &m.SourceApp, &m.SourceAPIKeyID,
		&m.CreatedAt, &m.UpdatedAt, &m.SentAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &m, nil
}

// NewMessage is the input to CreateMessage.
type NewMessage struct {
	FromAddress  string
	To           []string
	Cc           []string
	Bcc          []string
	Subject      string
	Body         string
	BodyType     string
	DeliveryType string

	SourceApp      string
	SourceAPIKeyID *int64

	// Initial value of retries_remaining.
	MaxRetries int
}

func encodeRcpts(list []string) (*string, error) {
	if len(list) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	s := string(raw)
	return &s, nil
}

func createMessageTx(tx *sql.Tx, p NewMessage) (*Message, error) {
	toJSON, err := encodeRcpts(p.To)
	if err != nil {
		return nil, err
	}
	if toJSON == nil {
		return nil, errors.New("storage: message without recipients")
	}
	ccJSON, err := encodeRcpts(p.Cc)
	if err != nil {
		return nil, err
	}
	bccJSON, err := encodeRcpts(p.Bcc)
	if err != nil {
		return nil, err
	}

	m := &Message{
		UUID:             uuid.New().String(),
		Status:           StatusQueued,
		DeliveryType:     p.DeliveryType,
		FromAddress:      p.FromAddress,
		ToRecipients:     *toJSON,
		CcRecipients:     ccJSON,
		BccRecipients:    bccJSON,
		Subject:          p.Subject,
		Body:             p.Body,
		BodyType:         p.BodyType,
		RetriesRemaining: p.MaxRetries,
		SourceAPIKeyID:   p.SourceAPIKeyID,
		CreatedAt:        now(),
	}
	m.UpdatedAt = m.CreatedAt
	if p.SourceApp != "" {
		m.SourceApp = &p.SourceApp
	}

	res, err := tx.Exec(`INSERT INTO message
		(uuid, status, delivery_type, from_address, to_recipients, cc_recipients,
		 bcc_recipients, subject, body, body_type, retries_remaining,
		 source_app, source_api_key_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UUID, m.Status, m.DeliveryType, m.FromAddress, m.ToRecipients,
		m.CcRecipients, m.BccRecipients, m.Subject, m.Body, m.BodyType,
		m.RetriesRemaining, m.SourceApp, m.SourceAPIKeyID, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	m.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return m, nil
}

// CreateMessage inserts a new queued message without attachments.
func (s *Store) CreateMessage(p NewMessage) (*Message, error) {
	var m *Message
	err := s.tx(func(tx *sql.Tx) error {
		var err error
		m, err = createMessageTx(tx, p)
		return err
	})
	return m, err
}

// CreateMessageWithAttachments inserts the message row and all attachment
// rows in one transaction, so the delivery worker can never observe a
// queued message with an incomplete attachment set. Blob files referenced
// by atts are expected to exist already (they are content-addressed and
// cheap to re-put on a retried submission).
func (s *Store) CreateMessageWithAttachments(p NewMessage, atts []NewAttachment) (*Message, []*Attachment, error) {
	var (
		m    *Message
		rows []*Attachment
	)
	err := s.tx(func(tx *sql.Tx) error {
		var err error
		m, err = createMessageTx(tx, p)
		if err != nil {
			return err
		}
		for _, a := range atts {
			row, err := createAttachmentTx(tx, m.ID, a)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return m, rows, nil
}

func (s *Store) MessageByUUID(msgUUID string) (*Message, error) {
	row := s.DB.QueryRow(`SELECT `+messageColumns+` FROM message WHERE uuid = ?`, msgUUID)
	return scanMessage(row)
}

func (s *Store) MessageByID(id int64) (*Message, error) {
	row := s.DB.QueryRow(`SELECT `+messageColumns+` FROM message WHERE id = ?`, id)
	return scanMessage(row)
}

// UpdateMessageStatus writes the new status along with last_error,
// next_retry_at and the in-memory retries_remaining value of m, setting
// updated_at to the current time. sent_at is set if and only if the new
// status is sent. The in-memory copy is updated to match.
//
// lastError == "" clears the column; nextRetryAt == nil clears the column.
func (s *Store) UpdateMessageStatus(m *Message, status Status, lastError string, nextRetryAt *time.Time) error {
	stamp := now()

	var lastErrCol *string
	if lastError != "" {
		lastErrCol = &lastError
	}
	var retryCol *string
	if nextRetryAt != nil {
		v := FormatTime(*nextRetryAt)
		retryCol = &v
	}
	sentAt := m.SentAt
	if status == StatusSent {
		sentAt = &stamp
	}

	err := s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE message SET status = ?, last_error = ?, next_retry_at = ?,
			sent_at = ?, updated_at = ?, retries_remaining = ? WHERE id = ?`,
			status, lastErrCol, retryCol, sentAt, stamp, m.RetriesRemaining, m.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	m.Status = status
	m.LastError = lastErrCol
	m.NextRetryAt = retryCol
	m.UpdatedAt = stamp
	m.SentAt = sentAt
	return nil
}

// MarkMessageSending claims a message for delivery. The transition is
// conditional on the row still being in a deliverable state so that a
// concurrent admin cancel is never overwritten.
func (s *Store) MarkMessageSending(m *Message) error {
	stamp := now()
	var affected int64
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE message SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			StatusSending, stamp, m.ID, StatusQueued, StatusFailed)
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
		return ErrWrongState
	}

	m.Status = StatusSending
	m.UpdatedAt = stamp
	return nil
}

// RetryMessage resets a failed or dead message back to queued with a full
// retry budget. Returns ErrWrongState when the message is in any other
// state, ErrNotFound when there is no such row.
func (s *Store) RetryMessage(id int64, maxRetries int) error {
	return s.conditionalTransition(id,
		`UPDATE message SET status = ?, retries_remaining = ?, next_retry_at = NULL,
			updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		StatusQueued, maxRetries, now(), id, StatusFailed, StatusDead)
}

// CancelMessage moves a queued message to cancelled. Returns ErrWrongState
// for messages in any other state - a message already handed to the relay
// cannot be unsent.
func (s *Store) CancelMessage(id int64) error {
	return s.conditionalTransition(id,
		`UPDATE message SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		StatusCancelled, now(), id, StatusQueued)
}

func (s *Store) conditionalTransition(id int64, query string, args ...interface{}) error {
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
	if affected != 0 {
		return nil
	}
	if _, err := s.MessageByID(id); err != nil {
		return err
	}
	return ErrWrongState
}

// ListFilter narrows down ListMessages output. Zero value lists everything:
// a Limit of zero or less means no limit.
type ListFilter struct {
	Status Status
	// Case-insensitive substring match against subject, serialized To
	// list, from address and UUID.
	Search string
	Limit  int
	Offset int
}

// ListMessages returns messages newest first.
func (s *Store) ListMessages(f ListFilter) ([]*Message, error) {
	where := ""
	var args []interface{}

	if f.Status != "" {
		where = " WHERE status = ?"
		args = append(args, f.Status)
	}
	if f.Search != "" {
		if where == "" {
			where = " WHERE "
		} else {
			where += " AND "
		}
		where += "(subject LIKE ? OR to_recipients LIKE ? OR from_address LIKE ? OR uuid LIKE ?)"
		term := "%" + f.Search + "%"
		args = append(args, term, term, term, term)
	}
	limit := f.Limit
	if limit <= 0 {
		// Negative LIMIT means no limit to SQLite.
		limit = -1
	}
	args = append(args, limit, f.Offset)

	rows, err := s.DB.Query(`SELECT `+messageColumns+` FROM message`+where+
		` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer rows.Close()

	var list []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// CountMessages returns the number of messages, optionally filtered by
// status.
func (s *Store) CountMessages(status Status) (int, error) {
	var (
		count int
		err   error
	)
	if status != "" {
		err = s.DB.QueryRow(`SELECT COUNT(*) FROM message WHERE status = ?`, status).Scan(&count)
	} else {
		err = s.DB.QueryRow(`SELECT COUNT(*) FROM message`).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}
	return count, nil
}

// MessageStats returns per-status counts plus a "total" entry.
func (s *Store) MessageStats() (map[string]int, error) {
	rows, err := s.DB.Query(`SELECT status, COUNT(*) FROM message GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{}
	total := 0
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		stats[status] = count
		total += count
	}
	stats["total"] = total
	return stats, rows.Err()
}

// PendingBatch returns up to batchSize messages ready for delivery, oldest
// first: everything queued plus failed messages whose retry time has come.
func (s *Store) PendingBatch(batchSize int) ([]*Message, error) {
	rows, err := s.DB.Query(`SELECT `+messageColumns+` FROM message
		WHERE status = ?
		OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		StatusQueued, StatusFailed, now(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer rows.Close()

	var batch []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, m)
	}
	return batch, rows.Err()
}

// PurgeOldMessages deletes terminal (sent, dead, cancelled) messages whose
// last update is older than the retention cutoff. Attachment rows go away
// via ON DELETE CASCADE; blob files are left for offline garbage
// collection. Returns the number of deleted messages.
func (s *Store) PurgeOldMessages(retentionDays int) (int64, error) {
	cutoff := FormatTime(time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour))

	var affected int64
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM message WHERE status IN (?, ?, ?) AND updated_at < ?`,
			StatusSent, StatusDead, StatusCancelled, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: %w", err)
	}
	return affected, nil
}
