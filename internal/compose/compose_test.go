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

package compose

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-message/mail"

	"github.com/outbox-mail/outbox/internal/storage"
)

func strPtr(s string) *string {
	return &s
}

func testMsg(bodyType, body string) *storage.Message {
	return &storage.Message{
		FromAddress:  "noreply@example.org",
		ToRecipients: `["a@example.com","b@example.com"]`,
		Subject:      "test subject",
		Body:         body,
		BodyType:     bodyType,
	}
}

type parsed struct {
	header      mail.Header
	inline      []string
	inlineTypes []string
	attachments map[string][]byte
}

func parse(t *testing.T, raw []byte) parsed {
	t.Helper()

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	out := parsed{header: mr.Header, attachments: map[string][]byte{}}
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}

		body, err := io.ReadAll(p.Body)
		if err != nil {
			t.Fatal(err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, err := h.ContentType()
			if err != nil {
				t.Fatal(err)
			}
			out.inline = append(out.inline, string(body))
			out.inlineTypes = append(out.inlineTypes, ct)
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			if err != nil {
				t.Fatal(err)
			}
			out.attachments[filename] = body
		}
	}
	return out
}

func TestBuildPlain(t *testing.T) {
	m := testMsg(BodyTypePlain, "hello there")
	m.CcRecipients = strPtr(`["c@example.com"]`)
	m.BccRecipients = strPtr(`["hidden@example.com"]`)

	raw, err := Build(m, nil)
	if err != nil {
		t.Fatal(err)
	}

	p := parse(t, raw)
	if subj, _ := p.header.Subject(); subj != "test subject" {
		t.Errorf("wrong subject: %q", subj)
	}
	if from := p.header.Get("From"); from != "noreply@example.org" {
		t.Errorf("wrong From: %q", from)
	}
	if to := p.header.Get("To"); to != "a@example.com, b@example.com" {
		t.Errorf("wrong To: %q", to)
	}
	if cc := p.header.Get("Cc"); cc != "c@example.com" {
		t.Errorf("wrong Cc: %q", cc)
	}

	if len(p.inline) != 1 || p.inline[0] != "hello there" {
		t.Errorf("wrong body: %v", p.inline)
	}
	if p.inlineTypes[0] != "text/plain" {
		t.Errorf("wrong content type: %q", p.inlineTypes[0])
	}
}

// Bcc recipients go in the envelope only and must never leak into the
// rendered headers.
func TestBuildNoBccHeader(t *testing.T) {
	m := testMsg(BodyTypePlain, "secret")
	m.BccRecipients = strPtr(`["hidden@example.com"]`)

	raw, err := Build(m, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("hidden@example.com")) {
		t.Error("bcc address leaked into message")
	}
}

func TestBuildHTML(t *testing.T) {
	raw, err := Build(testMsg(BodyTypeHTML, "<p>hi</p>"), nil)
	if err != nil {
		t.Fatal(err)
	}

	p := parse(t, raw)
	if len(p.inlineTypes) != 1 || p.inlineTypes[0] != "text/html" {
		t.Errorf("wrong content type: %v", p.inlineTypes)
	}
	if p.inline[0] != "<p>hi</p>" {
		t.Errorf("wrong body: %q", p.inline[0])
	}
}

func TestBuildMarkdown(t *testing.T) {
	raw, err := Build(testMsg(BodyTypeMarkdown, "# Title\n\nsome *emphasis*"), nil)
	if err != nil {
		t.Fatal(err)
	}

	p := parse(t, raw)
	if len(p.inline) != 2 {
		t.Fatalf("expected 2 alternative parts, got %d", len(p.inline))
	}
	// Least preferred rendition first.
	if p.inlineTypes[0] != "text/plain" || p.inlineTypes[1] != "text/html" {
		t.Errorf("wrong part order: %v", p.inlineTypes)
	}
	if !strings.Contains(p.inline[0], "# Title") {
		t.Errorf("plain part is not the markdown source: %q", p.inline[0])
	}
	if !strings.Contains(p.inline[1], "<h1>") || !strings.Contains(p.inline[1], "<em>emphasis</em>") {
		t.Errorf("html part not rendered: %q", p.inline[1])
	}
}

func TestBuildWithAttachments(t *testing.T) {
	raw, err := Build(testMsg(BodyTypePlain, "see attached"), []File{
		{Filename: "data.bin", ContentType: "application/octet-stream", Data: []byte{0x00, 0x01, 0xff}},
		{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("remember")},
	})
	if err != nil {
		t.Fatal(err)
	}

	p := parse(t, raw)
	if len(p.inline) != 1 || p.inline[0] != "see attached" {
		t.Errorf("wrong body part: %v", p.inline)
	}
	if len(p.attachments) != 2 {
		t.Fatalf("wrong attachment count: %d", len(p.attachments))
	}
	if !bytes.Equal(p.attachments["data.bin"], []byte{0x00, 0x01, 0xff}) {
		t.Errorf("binary attachment corrupted: %v", p.attachments["data.bin"])
	}
	if string(p.attachments["notes.txt"]) != "remember" {
		t.Errorf("text attachment corrupted: %q", p.attachments["notes.txt"])
	}
}

func TestBuildMarkdownWithAttachments(t *testing.T) {
	raw, err := Build(testMsg(BodyTypeMarkdown, "body *text*"), []File{
		{Filename: "a.txt", ContentType: "text/plain", Data: []byte("x")},
	})
	if err != nil {
		t.Fatal(err)
	}

	p := parse(t, raw)
	if len(p.inline) != 2 {
		t.Errorf("expected 2 alternative parts, got %d", len(p.inline))
	}
	if len(p.attachments) != 1 {
		t.Errorf("wrong attachment count: %d", len(p.attachments))
	}
}

func TestValidBodyType(t *testing.T) {
	for _, ok := range []string{"plain", "html", "markdown"} {
		if !ValidBodyType(ok) {
			t.Errorf("%q rejected", ok)
		}
	}
	for _, bad := range []string{"", "rtf", "text"} {
		if ValidBodyType(bad) {
			t.Errorf("%q accepted", bad)
		}
	}
}
