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
	"bytes"
	"context"
	"crypto/tls"
	"errors"

	"github.com/emersion/go-smtp"
	"github.com/outbox-mail/outbox/framework/log"
	"github.com/outbox-mail/outbox/internal/smtpconn"
)

// SMTPSender delivers composed messages through a single upstream relay.
// One connection per message; the relay is expected to be close and the
// queue is the cheap part of the pipeline anyway.
type SMTPSender struct {
	Endpoint  smtpconn.Endpoint
	StartTLS  bool
	TLSConfig *tls.Config

	// Credentials for AUTH PLAIN. Both empty disables authentication.
	Username string
	Password string

	// EHLO hostname.
	Hostname string

	Log log.Logger
}

func (s *SMTPSender) Send(ctx context.Context, from string, rcpts []string, msg []byte) error {
	if s.Endpoint.Host == "" {
		return errors.New("queue: no relay configured")
	}

	c := smtpconn.New()
	c.Log = s.Log
	if s.Hostname != "" {
		c.Hostname = s.Hostname
	}

	if _, err := c.Connect(ctx, s.Endpoint, s.StartTLS, s.TLSConfig); err != nil {
		return err
	}
	defer c.Close()

	if err := c.TryAuth(s.Username, s.Password); err != nil {
		return err
	}

	if err := c.Mail(ctx, from, smtp.MailOptions{}); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if err := c.Rcpt(ctx, rcpt); err != nil {
			return err
		}
	}

	return c.Data(ctx, bytes.NewReader(msg))
}
