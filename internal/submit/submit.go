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

// Package submit validates and persists new messages together with their
// attachments.
//
// Attachment blobs are written before the database rows: blob writes are
// content-addressed and idempotent, so a submission that fails halfway
// leaves at worst an unreferenced blob file and never a queued message
// with a missing attachment. The message row and all attachment rows are
// inserted in one transaction.
package submit

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/outbox-mail/outbox/framework/log"
	"github.com/outbox-mail/outbox/internal/compose"
	"github.com/outbox-mail/outbox/internal/storage"
	"github.com/outbox-mail/outbox/internal/storage/blob"
)

// ValidationError describes a rejected submission. No database row is
// written when it is returned.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a submission validation
// failure, including oversized attachments.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr) || errors.Is(err, blob.ErrTooLarge)
}

// Attachment is one file in a submission request, content transferred as
// base64.
type Attachment struct {
	Filename      string
	ContentType   string
	ContentBase64 string
}

// Request is a complete submission.
type Request struct {
	FromAddress  string
	To           []string
	Cc           []string
	Bcc          []string
	Subject      string
	Body         string
	BodyType     string
	DeliveryType string
	SourceApp    string

	// Set when the submission came through the HTTP API.
	SourceAPIKeyID *int64

	Attachments []Attachment
}

type Submitter struct {
	Store *storage.Store
	Blobs *blob.Store
	Log   log.Logger

	// Initial retry budget for new messages.
	MaxRetries int

	// Used when the request carries no from_address.
	DefaultSender string
}

// Submit validates req, stores the attachment blobs and inserts the
// message in state queued. The returned message carries the generated
// UUID.
func (s *Submitter) Submit(req Request) (*storage.Message, error) {
	from := req.FromAddress
	if from == "" {
		from = s.DefaultSender
	}
	if from == "" {
		return nil, validationErrorf("from_address is required")
	}
	if len(req.To) == 0 {
		return nil, validationErrorf("to must be a non-empty list of email addresses")
	}
	for _, rcpt := range append(append(append([]string{}, req.To...), req.Cc...), req.Bcc...) {
		if rcpt == "" {
			return nil, validationErrorf("empty recipient address")
		}
	}

	bodyType := req.BodyType
	if bodyType == "" {
		bodyType = compose.BodyTypePlain
	}
	if !compose.ValidBodyType(bodyType) {
		return nil, validationErrorf("body_type must be plain, html, or markdown")
	}

	deliveryType := req.DeliveryType
	if deliveryType == "" {
		deliveryType = "email"
	}

	// Decode everything before writing anything, so a bad attachment in
	// the middle of the list cannot leave blobs of a rejected submission
	// behind.
	decoded := make([][]byte, len(req.Attachments))
	for i, att := range req.Attachments {
		data, err := base64.StdEncoding.DecodeString(att.ContentBase64)
		if err != nil {
			return nil, validationErrorf("invalid base64 in attachment %q", att.Filename)
		}
		decoded[i] = data
	}

	attRows := make([]storage.NewAttachment, 0, len(req.Attachments))
	for i, att := range req.Attachments {
		digest, path, err := s.Blobs.Put(decoded[i])
		if err != nil {
			if errors.Is(err, blob.ErrTooLarge) {
				return nil, fmt.Errorf("attachment %q: %w", att.Filename, err)
			}
			return nil, err
		}

		filename := att.Filename
		if filename == "" {
			filename = "attachment"
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		attRows = append(attRows, storage.NewAttachment{
			Filename:    filename,
			ContentType: contentType,
			SizeBytes:   int64(len(decoded[i])),
			SHA256:      digest,
			DiskPath:    path,
		})
	}

	m, _, err := s.Store.CreateMessageWithAttachments(storage.NewMessage{
		FromAddress:    from,
		To:             req.To,
		Cc:             req.Cc,
		Bcc:            req.Bcc,
		Subject:        req.Subject,
		Body:           req.Body,
		BodyType:       bodyType,
		DeliveryType:   deliveryType,
		SourceApp:      req.SourceApp,
		SourceAPIKeyID: req.SourceAPIKeyID,
		MaxRetries:     s.MaxRetries,
	}, attRows)
	if err != nil {
		return nil, err
	}

	s.Log.DebugMsg("message accepted", "uuid", m.UUID, "rcpts", len(m.ToList()), "attachments", len(attRows))
	return m, nil
}
