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

// Package smtpconn implements the wrapper over the SMTP connection
// (go-smtp.Client) object used to talk to the upstream relay, with the
// following features added:
//   - Logging of certain errors (e.g. QUIT command errors)
//   - Wrapping of returned errors using the exterrors package.
//   - Optional STARTTLS and SASL PLAIN authentication.
package smtpconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/outbox-mail/outbox/framework/exterrors"
	"github.com/outbox-mail/outbox/framework/log"
)

// Endpoint identifies the upstream relay.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, fmt.Sprint(e.Port))
}

// The C object represents the SMTP connection and is a wrapper around
// go-smtp.Client with additional outbox-specific logic.
//
// The C object represents one session and cannot be reused.
type C struct {
	// Dialer to use to establish new network connections. Set to
	// net.Dialer DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for most session commands (EHLO, MAIL, RCPT, DATA,
	// STARTTLS). Set to 5 mins by New.
	CommandTimeout time.Duration

	// Timeout for the initial TCP connection establishment.
	ConnectTimeout time.Duration

	// Timeout for the final dot. Set to 12 mins by New.
	// (see go-smtp source for explanation of used defaults).
	SubmissionTimeout time.Duration

	// Hostname to send in the EHLO/HELO command. Set to
	// 'localhost.localdomain' by New.
	Hostname string

	// Logger to use for debug log and certain errors.
	Log log.Logger

	serverName string
	cl         *smtp.Client
	rcpts      []string
}

// New creates the new instance of the C object, populating the required
// fields with reasonable default values.
func New() *C {
	return &C{
		Dialer:            (&net.Dialer{}).DialContext,
		ConnectTimeout:    5 * time.Minute,
		CommandTimeout:    5 * time.Minute,
		SubmissionTimeout: 12 * time.Minute,
		Hostname:          "localhost.localdomain",
	}
}

func (c *C) wrapClientErr(err error) error {
	if err == nil {
		return nil
	}

	switch err := err.(type) {
	case TLSError:
		return err
	case *smtp.SMTPError:
		// *smtp.SMTPError implements Temporary() based on the status
		// code class; just attach the server identity.
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": c.serverName,
			"smtp_code":     err.Code,
			"smtp_msg":      err.Message,
		})
	default:
		// Connection-level failures (refused, reset, timed out) say
		// nothing about the message itself.
		return exterrors.WithFields(exterrors.WithTemporary(err, true), map[string]interface{}{
			"remote_server": c.serverName,
		})
	}
}

// TLSError is returned by Connect to indicate the error during STARTTLS
// command execution.
type TLSError struct {
	Err error
}

func (err TLSError) Error() string {
	return "smtpconn: " + err.Err.Error()
}

func (err TLSError) Unwrap() error {
	return err.Err
}

// Connect establishes the network connection with the relay, executes
// EHLO and, if starttls is set and the relay offers it, the STARTTLS
// command.
func (c *C) Connect(ctx context.Context, endp Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, err error) {
	didTLS, cl, err := c.attemptConnect(ctx, endp, starttls, tlsConfig)
	if err != nil {
		c.serverName = endp.Host
		return false, c.wrapClientErr(err)
	}

	c.serverName = endp.Host
	c.cl = cl
	return didTLS, nil
}

func (c *C) attemptConnect(ctx context.Context, endp Endpoint, starttls bool, tlsConfig *tls.Config) (didTLS bool, cl *smtp.Client, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	conn, err := c.Dialer(dialCtx, "tcp", endp.Address())
	cancel()
	if err != nil {
		return false, nil, err
	}

	// This uses initial greeting timeout of 5 minutes (hardcoded).
	cl, err = smtp.NewClient(conn, endp.Host)
	if err != nil {
		conn.Close()
		return false, nil, err
	}

	cl.CommandTimeout = c.CommandTimeout
	cl.SubmissionTimeout = c.SubmissionTimeout

	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return false, nil, err
	}

	if !starttls {
		return false, cl, nil
	}
	if ok, _ := cl.Extension("STARTTLS"); !ok {
		return false, cl, nil
	}

	if tlsConfig == nil {
		tlsConfig = &tls.Config{}
	}
	cfg := tlsConfig.Clone()
	cfg.ServerName = endp.Host
	if err := cl.StartTLS(cfg); err != nil {
		// The connection may be in a bad state after a handshake
		// failure. We attempt to send the proper QUIT command anyway in
		// case the error happened *after* the handshake (e.g. PKI
		// verification fail).
		if err := cl.Quit(); err != nil {
			cl.Close()
		}

		return false, nil, TLSError{err}
	}

	return true, cl, nil
}

// TryAuth performs SASL PLAIN authentication, but only when the relay
// advertises the AUTH extension. Relays without AUTH (e.g. a trusted
// internal smarthost) are used as-is.
func (c *C) TryAuth(username, password string) error {
	if username == "" && password == "" {
		return nil
	}
	if ok, _ := c.cl.Extension("AUTH"); !ok {
		c.Log.DebugMsg("AUTH not offered, proceeding unauthenticated", "remote_server", c.serverName)
		return nil
	}
	if err := c.cl.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return c.wrapClientErr(err)
	}
	return nil
}

// Mail sends the MAIL FROM command to the relay.
func (c *C) Mail(ctx context.Context, from string, opts smtp.MailOptions) error {
	if err := c.cl.Mail(from, &opts); err != nil {
		return c.wrapClientErr(err)
	}
	return nil
}

// Rcpt sends the RCPT TO command to the relay.
func (c *C) Rcpt(ctx context.Context, to string) error {
	if err := c.cl.Rcpt(to); err != nil {
		return c.wrapClientErr(err)
	}

	c.rcpts = append(c.rcpts, to)
	return nil
}

// Rcpts returns the list of recipients accepted so far in this session.
func (c *C) Rcpts() []string {
	return c.rcpts
}

func (c *C) ServerName() string {
	return c.serverName
}

// Data sends the DATA command to the relay followed by the complete
// message from msg.
//
// If the Data command fails, the connection may be in an unclean state
// (e.g. in the middle of message data stream). It is not safe to continue
// using it.
func (c *C) Data(ctx context.Context, msg io.Reader) error {
	wc, err := c.cl.Data()
	if err != nil {
		return c.wrapClientErr(err)
	}

	if _, err := io.Copy(wc, msg); err != nil {
		return c.wrapClientErr(err)
	}

	if err := wc.Close(); err != nil {
		return c.wrapClientErr(err)
	}

	return nil
}

// Close sends the QUIT command, if it fails - it directly closes the
// connection.
func (c *C) Close() error {
	if c.cl == nil {
		return nil
	}
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err))
		return c.cl.Close()
	}
	return nil
}

// DirectClose closes the underlying connection without sending the QUIT
// command.
func (c *C) DirectClose() error {
	if c.cl == nil {
		return nil
	}
	return c.cl.Close()
}
