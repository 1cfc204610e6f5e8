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

// Package compose builds the MIME representation of a queued message.
//
// Body layout depends on body_type:
//   - plain:    a single text/plain part
//   - html:     a single text/html part
//   - markdown: multipart/alternative with the raw source as text/plain
//     and the rendered HTML as text/html
//
// Attachments wrap the body in multipart/mixed. Bcc recipients are never
// emitted as a header; they exist only in the SMTP envelope.
package compose

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/yuin/goldmark"

	"github.com/outbox-mail/outbox/internal/storage"
)

const (
	BodyTypePlain    = "plain"
	BodyTypeHTML     = "html"
	BodyTypeMarkdown = "markdown"
)

// ValidBodyType reports whether t is an accepted body_type value.
func ValidBodyType(t string) bool {
	switch t {
	case BodyTypePlain, BodyTypeHTML, BodyTypeMarkdown:
		return true
	}
	return false
}

// File is one attachment with its content bytes loaded.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Build renders m plus its loaded attachments into a complete RFC 5322
// message.
func Build(m *storage.Message, atts []File) ([]byte, error) {
	h := makeHeader(m)

	var buf bytes.Buffer
	if len(atts) == 0 {
		if err := writeBare(&buf, h, m); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	if err := writeBodyPart(mw, m); err != nil {
		return nil, err
	}
	for _, f := range atts {
		if err := writeAttachment(mw, f); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	return buf.Bytes(), nil
}

func makeHeader(m *storage.Message) mail.Header {
	var h mail.Header
	h.SetDate(time.Now())
	h.Set("From", m.FromAddress)
	h.Set("To", strings.Join(m.ToList(), ", "))
	if cc := m.CcList(); len(cc) != 0 {
		h.Set("Cc", strings.Join(cc, ", "))
	}
	h.SetSubject(m.Subject)
	return h
}

// writeBare writes a message without attachments: either a single text
// part or a bare multipart/alternative for markdown.
func writeBare(buf *bytes.Buffer, h mail.Header, m *storage.Message) error {
	if m.BodyType == BodyTypeMarkdown {
		iw, err := mail.CreateInlineWriter(buf, h)
		if err != nil {
			return fmt.Errorf("compose: %w", err)
		}
		if err := writeAlternative(iw, m.Body); err != nil {
			return err
		}
		if err := iw.Close(); err != nil {
			return fmt.Errorf("compose: %w", err)
		}
		return nil
	}

	h.SetContentType(textContentType(m.BodyType), map[string]string{"charset": "utf-8"})
	w, err := mail.CreateSingleInlineWriter(buf, h)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if _, err := io.WriteString(w, m.Body); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	return nil
}

func writeBodyPart(mw *mail.Writer, m *storage.Message) error {
	if m.BodyType == BodyTypeMarkdown {
		iw, err := mw.CreateInline()
		if err != nil {
			return fmt.Errorf("compose: %w", err)
		}
		if err := writeAlternative(iw, m.Body); err != nil {
			return err
		}
		if err := iw.Close(); err != nil {
			return fmt.Errorf("compose: %w", err)
		}
		return nil
	}

	var th mail.InlineHeader
	th.SetContentType(textContentType(m.BodyType), map[string]string{"charset": "utf-8"})
	w, err := mw.CreateSingleInline(th)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if _, err := io.WriteString(w, m.Body); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	return nil
}

// writeAlternative emits the text/plain and text/html renditions of a
// markdown body into iw, least preferred first per RFC 2046.
func writeAlternative(iw *mail.InlineWriter, src string) error {
	var ph mail.InlineHeader
	ph.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if _, err := io.WriteString(pw, src); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("compose: %w", err)
	}

	var rendered bytes.Buffer
	if err := goldmark.Convert([]byte(src), &rendered); err != nil {
		return fmt.Errorf("compose: markdown: %w", err)
	}

	var hh mail.InlineHeader
	hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	hw, err := iw.CreatePart(hh)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if _, err := hw.Write(rendered.Bytes()); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if err := hw.Close(); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	return nil
}

func writeAttachment(mw *mail.Writer, f File) error {
	var ah mail.AttachmentHeader
	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	ah.Set("Content-Type", ct)
	ah.SetFilename(f.Filename)

	aw, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if _, err := aw.Write(f.Data); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("compose: %w", err)
	}
	return nil
}

func textContentType(bodyType string) string {
	if bodyType == BodyTypeHTML {
		return "text/html"
	}
	return "text/plain"
}
