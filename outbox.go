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

// Package outbox ties the storage, queue and API pieces into one
// runnable service.
package outbox

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/outbox-mail/outbox/framework/log"
	"github.com/outbox-mail/outbox/internal/admin"
	"github.com/outbox-mail/outbox/internal/api"
	"github.com/outbox-mail/outbox/internal/config"
	"github.com/outbox-mail/outbox/internal/queue"
	"github.com/outbox-mail/outbox/internal/smtpconn"
	"github.com/outbox-mail/outbox/internal/storage"
	"github.com/outbox-mail/outbox/internal/storage/blob"
	"github.com/outbox-mail/outbox/internal/submit"
)

// Version is set by the linker in release builds.
var Version = "unknown"

func BuildInfo() string {
	if info, ok := debug.ReadBuildInfo(); ok && Version == "unknown" {
		return info.Main.Version
	}
	return Version
}

// Options selects which parts of the service to run. Both false runs
// everything.
type Options struct {
	// APIOnly disables the delivery worker; another process is expected
	// to drain the queue.
	APIOnly bool
	// WorkerOnly disables the HTTP listener.
	WorkerOnly bool
}

// Start runs the service until SIGINT or SIGTERM.
func Start(cfg *config.Config, opts Options) error {
	logger := log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Debug: cfg.Debug,
	}
	log.DefaultLogger = logger

	logger.Msg("starting", "version", BuildInfo(), "db", cfg.DatabasePath, "listen", cfg.ListenAddr)

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()
	store.Log = log.Logger{Name: "storage", Out: logger.Out, Debug: cfg.Debug}

	if err := store.InitSchema(); err != nil {
		return err
	}

	blobs, err := blob.NewStore(cfg.BlobDirectory, cfg.MaxBlobBytes())
	if err != nil {
		return err
	}

	submitter := &submit.Submitter{
		Store:         store,
		Blobs:         blobs,
		Log:           log.Logger{Name: "submit", Out: logger.Out, Debug: cfg.Debug},
		MaxRetries:    cfg.QueueMaxRetries,
		DefaultSender: cfg.MailDefaultSender,
	}
	ops := &admin.Ops{
		Store:      store,
		Log:        log.Logger{Name: "admin", Out: logger.Out, Debug: cfg.Debug},
		MaxRetries: cfg.QueueMaxRetries,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if !opts.APIOnly {
		engine := &queue.Engine{
			Store: store,
			Sender: &queue.SMTPSender{
				Endpoint: smtpconn.Endpoint{
					Host: cfg.SMTPServer,
					Port: cfg.SMTPPort,
				},
				StartTLS: cfg.SMTPUseTLS,
				Username: cfg.SMTPUsername,
				Password: cfg.SMTPPassword,
				Hostname: cfg.Hostname,
				Log:      log.Logger{Name: "smtp", Out: logger.Out, Debug: cfg.Debug},
			},
			Log:           log.Logger{Name: "queue", Out: logger.Out, Debug: cfg.Debug},
			PollInterval:  cfg.QueuePollInterval,
			BatchSize:     cfg.QueueBatchSize,
			MaxRetries:    cfg.QueueMaxRetries,
			RetryBase:     cfg.QueueRetryBase,
			RetryMax:      cfg.QueueRetryMax,
			RetentionDays: cfg.RetentionDays,
		}
		g.Go(func() error {
			return engine.Run(ctx)
		})
	}

	if !opts.WorkerOnly {
		srv := &http.Server{
			Addr: cfg.ListenAddr,
			Handler: (&api.Server{
				Store:     store,
				Submitter: submitter,
				Admin:     ops,
				Log:       log.Logger{Name: "api", Out: logger.Out, Debug: cfg.Debug},
			}).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Msg("http listener started", "addr", cfg.ListenAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	}

	err = g.Wait()
	logger.Msg("shutdown complete")
	return err
}
