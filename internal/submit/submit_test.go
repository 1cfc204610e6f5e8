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

package submit

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/outbox-mail/outbox/internal/storage"
	"github.com/outbox-mail/outbox/internal/storage/blob"
	"github.com/outbox-mail/outbox/internal/testutils"
)

func testSubmitter(t *testing.T) *Submitter {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.Open(filepath.Join(dir, "outbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		store.Close()
	})

	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"), 1024)
	if err != nil {
		t.Fatal(err)
	}

	return &Submitter{
		Store:         store,
		Blobs:         blobs,
		Log:           testutils.Logger(t, "submit"),
		MaxRetries:    5,
		DefaultSender: "outbox@example.org",
	}
}

func TestSubmit(t *testing.T) {
	s := testSubmitter(t)

	m, err := s.Submit(Request{
		FromAddress: "app@example.org",
		To:          []string{"rcpt@example.com"},
		Subject:     "hi",
		Body:        "hello",
	})
	if err != nil {
		t.Fatal(err)
	}

	if m.Status != storage.StatusQueued {
		t.Errorf("wrong status: %v", m.Status)
	}
	if m.RetriesRemaining != 5 {
		t.Errorf("wrong retry budget: %d", m.RetriesRemaining)
	}
	// Defaults applied.
	if m.BodyType != "plain" {
		t.Errorf("wrong body type default: %q", m.BodyType)
	}
	if m.DeliveryType != "email" {
		t.Errorf("wrong delivery type default: %q", m.DeliveryType)
	}
}

func TestSubmitDefaultSender(t *testing.T) {
	s := testSubmitter(t)

	m, err := s.Submit(Request{
		To:      []string{"rcpt@example.com"},
		Subject: "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.FromAddress != "outbox@example.org" {
		t.Errorf("default sender not applied: %q", m.FromAddress)
	}

	s.DefaultSender = ""
	if _, err := s.Submit(Request{To: []string{"rcpt@example.com"}}); !IsValidationError(err) {
		t.Errorf("expected validation error without sender, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	s := testSubmitter(t)

	cases := []struct {
		name string
		req  Request
	}{
		{"no recipients", Request{FromAddress: "a@example.org"}},
		{"empty recipient", Request{FromAddress: "a@example.org", To: []string{""}}},
		{"empty cc entry", Request{FromAddress: "a@example.org", To: []string{"b@example.com"}, Cc: []string{""}}},
		{"bad body type", Request{FromAddress: "a@example.org", To: []string{"b@example.com"}, BodyType: "rtf"}},
		{"bad base64", Request{
			FromAddress: "a@example.org",
			To:          []string{"b@example.com"},
			Attachments: []Attachment{{Filename: "x", ContentBase64: "!!not base64!!"}},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Submit(tc.req); !IsValidationError(err) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	// Nothing was persisted.
	count, err := s.Store.CountMessages("")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("rejected submissions left %d rows", count)
	}
}

func TestSubmitAttachments(t *testing.T) {
	s := testSubmitter(t)

	payload := []byte("pretend this is a PDF")
	m, err := s.Submit(Request{
		FromAddress: "app@example.org",
		To:          []string{"rcpt@example.com"},
		Subject:     "files",
		Attachments: []Attachment{
			{
				Filename:      "report.pdf",
				ContentType:   "application/pdf",
				ContentBase64: base64.StdEncoding.EncodeToString(payload),
			},
			{
				// No filename or content type given.
				ContentBase64: base64.StdEncoding.EncodeToString([]byte("x")),
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	atts, err := s.Store.AttachmentsForMessage(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 2 {
		t.Fatalf("wrong attachment count: %d", len(atts))
	}

	if atts[0].Filename != "report.pdf" || atts[0].SizeBytes != int64(len(payload)) {
		t.Errorf("wrong attachment row: %+v", atts[0])
	}
	stored, err := os.ReadFile(atts[0].DiskPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(stored) != string(payload) {
		t.Error("blob content mismatch")
	}

	if atts[1].Filename != "attachment" || atts[1].ContentType != "application/octet-stream" {
		t.Errorf("defaults not applied: %+v", atts[1])
	}
}

func TestSubmitAttachmentTooLarge(t *testing.T) {
	s := testSubmitter(t)

	big := make([]byte, 2048)
	_, err := s.Submit(Request{
		FromAddress: "app@example.org",
		To:          []string{"rcpt@example.com"},
		Attachments: []Attachment{
			{Filename: "huge.bin", ContentBase64: base64.StdEncoding.EncodeToString(big)},
		},
	})
	if !IsValidationError(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	count, err := s.Store.CountMessages("")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("oversized submission left %d rows", count)
	}
}

// Two messages with the same attachment content share one blob.
func TestSubmitAttachmentDedup(t *testing.T) {
	s := testSubmitter(t)

	att := Attachment{
		Filename:      "logo.png",
		ContentType:   "image/png",
		ContentBase64: base64.StdEncoding.EncodeToString([]byte("png bytes")),
	}

	m1, err := s.Submit(Request{FromAddress: "a@example.org", To: []string{"x@example.com"}, Attachments: []Attachment{att}})
	if err != nil {
		t.Fatal(err)
	}
	m2, err := s.Submit(Request{FromAddress: "a@example.org", To: []string{"y@example.com"}, Attachments: []Attachment{att}})
	if err != nil {
		t.Fatal(err)
	}

	atts1, err := s.Store.AttachmentsForMessage(m1.ID)
	if err != nil {
		t.Fatal(err)
	}
	atts2, err := s.Store.AttachmentsForMessage(m2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if atts1[0].DiskPath != atts2[0].DiskPath || atts1[0].SHA256 != atts2[0].SHA256 {
		t.Errorf("blobs not shared: %q vs %q", atts1[0].DiskPath, atts2[0].DiskPath)
	}
}
