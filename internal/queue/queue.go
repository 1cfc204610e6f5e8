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

/*
Package queue implements the delivery engine which keeps messages in the
database and tries delivery to the configured relay multiple times until
the retry budget is exhausted.

Implementation summary follows.

The engine polls the store for a batch of deliverable messages: everything
in queued plus failed messages whose next_retry_at has come. Each message
is claimed by a conditional transition to sending (so an admin cancel that
raced the pick-up wins), composed into MIME and handed to the Sender.

Any send error - connect, TLS, auth, rcpt, data, timeout - counts
uniformly as one failed attempt. With retries left, the message goes back
to failed with an exponential backoff schedule: the delay before the k-th
retry (1-indexed) is min(retryMax, retryBase * 2^(k-1)). With the budget
exhausted, the message is moved to dead and stays there until an operator
retries or retention purges it.

Exactly one engine process is assumed. A message found in sending on
startup is ambiguous (the relay may or may not have accepted it before
the crash) and is deliberately left alone; duplicates are worse than
delayed redelivery, so resolving it takes an explicit operator retry.

Messages in terminal states (sent, dead, cancelled) older than the
retention cutoff are purged once per poll cycle.
*/
package queue

import (
	"context"
	"errors"
	"os"
	"runtime/debug"
	"time"

	"github.com/outbox-mail/outbox/framework/exterrors"
	"github.com/outbox-mail/outbox/framework/log"
	"github.com/outbox-mail/outbox/internal/compose"
	"github.com/outbox-mail/outbox/internal/storage"
)

// Sender hands one composed message to the relay. Implementations report
// success only when the message was accepted after connection teardown.
type Sender interface {
	Send(ctx context.Context, from string, rcpts []string, msg []byte) error
}

type Engine struct {
	Store  *storage.Store
	Sender Sender
	Log    log.Logger

	PollInterval time.Duration
	BatchSize    int

	MaxRetries int
	RetryBase  time.Duration
	RetryMax   time.Duration

	RetentionDays int
}

// Run executes the poll loop until ctx is cancelled. A message being sent
// when cancellation arrives is completed first; there is no way to abort
// an SMTP transaction halfway.
func (e *Engine) Run(ctx context.Context) error {
	e.Log.Msg("worker started",
		"poll_interval", e.PollInterval,
		"batch_size", e.BatchSize,
		"max_retries", e.MaxRetries,
		"retention_days", e.RetentionDays)

	for {
		e.cycle(ctx)

		select {
		case <-ctx.Done():
			e.Log.Msg("worker stopped")
			return nil
		case <-time.After(e.PollInterval):
		}
	}
}

// cycle runs one poll iteration. It never lets a single-message failure
// escape: the loop must outlive anything that goes wrong with one row.
func (e *Engine) cycle(ctx context.Context) {
	defer func() {
		if err := recover(); err != nil {
			stack := debug.Stack()
			e.Log.Msg("panic in worker cycle", "panic", err, "stack", string(stack))
		}
	}()

	batch, err := e.Store.PendingBatch(e.BatchSize)
	if err != nil {
		e.Log.Error("batch selection failed", err)
		return
	}
	if len(batch) != 0 {
		e.Log.DebugMsg("processing batch", "messages", len(batch))
	}

	for _, m := range batch {
		if ctx.Err() != nil {
			return
		}
		e.handleOne(ctx, m)
	}

	purged, err := e.Store.PurgeOldMessages(e.RetentionDays)
	if err != nil {
		e.Log.Error("retention purge failed", err)
	} else if purged != 0 {
		purgedMsgs.Add(float64(purged))
		e.Log.Msg("purged old messages", "count", purged)
	}
}

func (e *Engine) handleOne(ctx context.Context, m *storage.Message) {
	if err := e.Store.MarkMessageSending(m); err != nil {
		if errors.Is(err, storage.ErrWrongState) {
			// Cancelled (or otherwise transitioned) between batch
			// selection and pick-up.
			e.Log.DebugMsg("skipping message, state changed", "uuid", m.UUID)
			return
		}
		e.Log.Error("cannot claim message", err, "uuid", m.UUID)
		return
	}

	e.Log.Msg("sending message", "uuid", m.UUID, "rcpts", m.ToList())

	err := e.deliver(ctx, m)
	if err == nil {
		if err := e.Store.UpdateMessageStatus(m, storage.StatusSent, "", nil); err != nil {
			e.Log.Error("cannot mark message sent", err, "uuid", m.UUID)
			return
		}
		sentMsgs.Inc()
		e.Log.Msg("message sent", "uuid", m.UUID)
		return
	}

	m.RetriesRemaining--
	if m.RetriesRemaining > 0 {
		attempt := e.MaxRetries - m.RetriesRemaining
		delay := retryDelay(e.RetryBase, e.RetryMax, attempt)
		nextRetry := time.Now().Add(delay)

		if err := e.Store.UpdateMessageStatus(m, storage.StatusFailed, err.Error(), &nextRetry); err != nil {
			e.Log.Error("cannot mark message failed", err, "uuid", m.UUID)
			return
		}
		failedAttempts.Inc()
		e.Log.Error("send failed, will retry", err,
			"uuid", m.UUID, "delay", delay, "retries_remaining", m.RetriesRemaining,
			"temporary_err", exterrors.IsTemporaryOrUnspec(err))
		return
	}

	m.RetriesRemaining = 0
	if err := e.Store.UpdateMessageStatus(m, storage.StatusDead, err.Error(), nil); err != nil {
		e.Log.Error("cannot mark message dead", err, "uuid", m.UUID)
		return
	}
	failedAttempts.Inc()
	deadMsgs.Inc()
	e.Log.Error("message is dead, no retries left", err, "uuid", m.UUID,
		"temporary_err", exterrors.IsTemporaryOrUnspec(err))
}

// retryDelay computes the backoff before the attempt-th retry (1-indexed):
// min(retryMax, retryBase * 2^(attempt-1)).
func retryDelay(retryBase, retryMax time.Duration, attempt int) time.Duration {
	delay := retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= retryMax {
			return retryMax
		}
	}
	if delay > retryMax {
		return retryMax
	}
	return delay
}

func (e *Engine) deliver(ctx context.Context, m *storage.Message) error {
	atts, err := e.loadAttachments(m)
	if err != nil {
		return err
	}

	msg, err := compose.Build(m, atts)
	if err != nil {
		return err
	}

	return e.Sender.Send(ctx, m.FromAddress, m.AllRecipients(), msg)
}

// loadAttachments reads the blob file of every attachment row. A file
// that has vanished from the blob store is skipped with a warning and
// delivery proceeds with the remaining attachments.
func (e *Engine) loadAttachments(m *storage.Message) ([]compose.File, error) {
	rows, err := e.Store.AttachmentsForMessage(m.ID)
	if err != nil {
		return nil, err
	}

	files := make([]compose.File, 0, len(rows))
	for _, a := range rows {
		data, err := os.ReadFile(a.DiskPath)
		if err != nil {
			skippedAttachments.Inc()
			e.Log.Error("attachment blob unreadable, skipping", err,
				"uuid", m.UUID, "filename", a.Filename, "path", a.DiskPath)
			continue
		}
		files = append(files, compose.File{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        data,
		})
	}
	return files, nil
}
