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

// Package admin implements the operator-facing mutations on the queue.
// Every mutation that changes a message or an API key is recorded in the
// audit log with the acting identity.
package admin

import (
	"fmt"

	"github.com/outbox-mail/outbox/framework/log"
	"github.com/outbox-mail/outbox/internal/storage"
)

// Audit actions written by this package and the API layer.
const (
	ActionMessageSubmitted = "message_submitted"
	ActionMessageRetried   = "message_retried"
	ActionMessageCancelled = "message_cancelled"
	ActionAPIKeyCreated    = "api_key_created"
	ActionAPIKeyEnabled    = "api_key_enabled"
	ActionAPIKeyDisabled   = "api_key_disabled"
	ActionAPIKeyDeleted    = "api_key_deleted"
)

type Ops struct {
	Store *storage.Store
	Log   log.Logger

	// MaxRetries is the budget a retried message gets back.
	MaxRetries int
}

// RetryMessage resets a failed or dead message back to queued with a full
// retry budget. The worker picks it up on the next poll.
func (o *Ops) RetryMessage(actor, uuid string) (*storage.Message, error) {
	m, err := o.Store.MessageByUUID(uuid)
	if err != nil {
		return nil, err
	}

	if err := o.Store.RetryMessage(m.ID, o.MaxRetries); err != nil {
		return nil, err
	}
	o.audit(actor, ActionMessageRetried, uuid, "")

	return o.Store.MessageByUUID(uuid)
}

// CancelMessage withdraws a queued message. Anything past queued is
// either already handed to the relay or terminal and cannot be cancelled.
func (o *Ops) CancelMessage(actor, uuid string) (*storage.Message, error) {
	m, err := o.Store.MessageByUUID(uuid)
	if err != nil {
		return nil, err
	}

	if err := o.Store.CancelMessage(m.ID); err != nil {
		return nil, err
	}
	o.audit(actor, ActionMessageCancelled, uuid, "")

	return o.Store.MessageByUUID(uuid)
}

// CreateAPIKey mints a new key for the described application.
func (o *Ops) CreateAPIKey(actor, description string) (*storage.APIKey, error) {
	key, err := o.Store.GenerateAPIKey(description)
	if err != nil {
		return nil, err
	}
	o.audit(actor, ActionAPIKeyCreated, fmt.Sprintf("api_key:%d", key.ID), description)
	return key, nil
}

func (o *Ops) SetAPIKeyEnabled(actor string, id int64, enabled bool) error {
	if err := o.Store.SetAPIKeyEnabled(id, enabled); err != nil {
		return err
	}
	action := ActionAPIKeyDisabled
	if enabled {
		action = ActionAPIKeyEnabled
	}
	o.audit(actor, action, fmt.Sprintf("api_key:%d", id), "")
	return nil
}

func (o *Ops) DeleteAPIKey(actor string, id int64) error {
	if err := o.Store.DeleteAPIKey(id); err != nil {
		return err
	}
	o.audit(actor, ActionAPIKeyDeleted, fmt.Sprintf("api_key:%d", id), "")
	return nil
}

// audit records the action, logging instead of failing the caller if the
// write does not go through. The mutation itself already happened.
func (o *Ops) audit(actor, action, target, details string) {
	if err := o.Store.AppendAudit(actor, action, target, details); err != nil {
		o.Log.Error("audit write failed", err, "action", action, "target", target)
	}
}
