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

// Attachment is the metadata row for one file attached to one message.
// The content bytes live in the blob store under DiskPath; multiple rows
// may share one DiskPath (content-addressed dedup).
type Attachment struct {
	ID          int64
	MessageID   int64
	Filename    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	DiskPath    string
	CreatedAt   string
}

// NewAttachment is the input to attachment creation; the blob is expected
// to be written already.
type NewAttachment struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	DiskPath    string
}

const attachmentColumns = `id, message_id, filename, content_type, size_bytes, sha256, disk_path, created_at`

func scanAttachment(row rowScanner) (*Attachment, error) {
	a := Attachment{}
	err := row.Scan(&a.ID, &a.MessageID, &a.Filename, &a.ContentType,
		&a.SizeBytes, &a.SHA256, &a.DiskPath, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &a, nil
}

func createAttachmentTx(tx *sql.Tx, messageID int64, p NewAttachment) (*Attachment, error) {
	a := &Attachment{
		MessageID:   messageID,
		Filename:    p.Filename,
		ContentType: p.ContentType,
		SizeBytes:   p.SizeBytes,
		SHA256:      p.SHA256,
		DiskPath:    p.DiskPath,
		CreatedAt:   now(),
	}

	res, err := tx.Exec(`INSERT INTO attachment
		(message_id, filename, content_type, size_bytes, sha256, disk_path, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.MessageID, a.Filename, a.ContentType, a.SizeBytes, a.SHA256, a.DiskPath, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return a, nil
}

// AttachmentsForMessage returns all attachments of one message in
// insertion order.
func (s *Store) AttachmentsForMessage(messageID int64) ([]*Attachment, error) {
	rows, err := s.DB.Query(`SELECT `+attachmentColumns+` FROM attachment
		WHERE message_id = ? ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	defer rows.Close()

	var list []*Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

// AttachmentBySHA256 returns any attachment row with the given content
// digest, for dedup. ErrNotFound if none exists.
func (s *Store) AttachmentBySHA256(digest string) (*Attachment, error) {
	row := s.DB.QueryRow(`SELECT `+attachmentColumns+` FROM attachment
		WHERE sha256 = ? LIMIT 1`, digest)
	return scanAttachment(row)
}
