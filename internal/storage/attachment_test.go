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
	"errors"
	"testing"
	"time"
)

func TestCreateMessageWithAttachments(t *testing.T) {
	s := testStore(t)

	m, atts, err := s.CreateMessageWithAttachments(NewMessage{
		FromAddress:  "noreply@example.org",
		To:           []string{"rcpt@example.com"},
		Subject:      "with files",
		Body:         "see attached",
		BodyType:     "plain",
		DeliveryType: "email",
		MaxRetries:   5,
	}, []NewAttachment{
		{Filename: "report.pdf", ContentType: "application/pdf", SizeBytes: 3, SHA256: "aa00", DiskPath: "/tmp/blobs/aa/aa00"},
		{Filename: "notes.txt", ContentType: "text/plain", SizeBytes: 5, SHA256: "bb11", DiskPath: "/tmp/blobs/bb/bb11"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 2 {
		t.Fatalf("wrong attachment count: %d", len(atts))
	}

	list, err := s.AttachmentsForMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("wrong attachment count after fetch: %d", len(list))
	}
	if list[0].Filename != "report.pdf" || list[1].Filename != "notes.txt" {
		t.Errorf("wrong order: %v, %v", list[0].Filename, list[1].Filename)
	}
	if list[0].MessageID != m.ID {
		t.Errorf("wrong message_id: %d", list[0].MessageID)
	}

	found, err := s.AttachmentBySHA256("bb11")
	if err != nil {
		t.Fatal(err)
	}
	if found.Filename != "notes.txt" {
		t.Errorf("wrong attachment by digest: %v", found.Filename)
	}
	if _, err := s.AttachmentBySHA256("ffff"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// Purging a message must take its attachment rows with it.
func TestAttachmentCascadeDelete(t *testing.T) {
	s := testStore(t)

	m, _, err := s.CreateMessageWithAttachments(NewMessage{
		FromAddress:  "noreply@example.org",
		To:           []string{"rcpt@example.com"},
		Subject:      "short-lived",
		Body:         "bye",
		BodyType:     "plain",
		DeliveryType: "email",
		MaxRetries:   5,
	}, []NewAttachment{
		{Filename: "a.bin", ContentType: "application/octet-stream", SizeBytes: 1, SHA256: "cc22", DiskPath: "/tmp/blobs/cc/cc22"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateMessageStatus(m, StatusSent, "", nil); err != nil {
		t.Fatal(err)
	}
	stale := FormatTime(time.Now().AddDate(0, 0, -40))
	if _, err := s.DB.Exec(`UPDATE message SET updated_at = ? WHERE id = ?`, stale, m.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := s.PurgeOldMessages(30); err != nil {
		t.Fatal(err)
	}

	list, err := s.AttachmentsForMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("attachment rows survived cascade: %d", len(list))
	}
}
