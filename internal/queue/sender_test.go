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

package queue

import (
	"context"
	"strings"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/outbox-mail/outbox/internal/smtpconn"
	"github.com/outbox-mail/outbox/internal/testutils"
)

func TestSMTPSender(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:20125")
	defer srv.Close()

	sender := &SMTPSender{
		Endpoint: smtpconn.Endpoint{Host: "127.0.0.1", Port: 20125},
		Hostname: "outbox.example.org",
		Log:      testutils.Logger(t, "smtp"),
	}

	msg := []byte("From: noreply@example.org\r\n\r\nbody\r\n")
	err := sender.Send(context.Background(), "noreply@example.org",
		[]string{"a@example.com", "b@example.com"}, msg)
	if err != nil {
		t.Fatal(err)
	}

	be.CheckMsg(t, 0, "noreply@example.org", []string{"a@example.com", "b@example.com"})
	if !strings.Contains(string(be.Messages[0].Data), "body") {
		t.Errorf("wrong DATA payload: %q", be.Messages[0].Data)
	}
}

func TestSMTPSenderRcptRejected(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:20126")
	defer srv.Close()
	be.RcptErr = map[string]error{
		"blocked@example.com": &smtp.SMTPError{Code: 550, Message: "User not found"},
	}

	sender := &SMTPSender{
		Endpoint: smtpconn.Endpoint{Host: "127.0.0.1", Port: 20126},
		Hostname: "outbox.example.org",
		Log:      testutils.Logger(t, "smtp"),
	}

	err := sender.Send(context.Background(), "noreply@example.org",
		[]string{"blocked@example.com"}, []byte("From: x\r\n\r\nbody\r\n"))
	if err == nil {
		t.Fatal("expected error for rejected recipient")
	}
	if !strings.Contains(err.Error(), "User not found") {
		t.Errorf("server error lost: %v", err)
	}
}

func TestSMTPSenderAuth(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:20127")
	defer srv.Close()

	sender := &SMTPSender{
		Endpoint: smtpconn.Endpoint{Host: "127.0.0.1", Port: 20127},
		Username: "outbox",
		Password: "swordfish",
		Hostname: "outbox.example.org",
		Log:      testutils.Logger(t, "smtp"),
	}

	err := sender.Send(context.Background(), "noreply@example.org",
		[]string{"a@example.com"}, []byte("From: x\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	if be.Messages[0].AuthUser != "outbox" || be.Messages[0].AuthPass != "swordfish" {
		t.Errorf("wrong credentials: %q/%q", be.Messages[0].AuthUser, be.Messages[0].AuthPass)
	}
}

// Credentials are ignored when the relay does not offer AUTH.
func TestSMTPSenderAuthNotOffered(t *testing.T) {
	be, srv := testutils.SMTPServer(t, "127.0.0.1:20128", testutils.AuthDisabled)
	defer srv.Close()

	sender := &SMTPSender{
		Endpoint: smtpconn.Endpoint{Host: "127.0.0.1", Port: 20128},
		Username: "outbox",
		Password: "swordfish",
		Hostname: "outbox.example.org",
		Log:      testutils.Logger(t, "smtp"),
	}

	err := sender.Send(context.Background(), "noreply@example.org",
		[]string{"a@example.com"}, []byte("From: x\r\n\r\nbody\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if be.Messages[0].AuthUser != "" {
		t.Errorf("AUTH attempted against a server not offering it: %q", be.Messages[0].AuthUser)
	}
}

func TestSMTPSenderNotConfigured(t *testing.T) {
	sender := &SMTPSender{Log: testutils.Logger(t, "smtp")}

	err := sender.Send(context.Background(), "a@example.org", []string{"b@example.com"}, []byte("x"))
	if err == nil {
		t.Fatal("expected error without a relay configured")
	}
}
