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

// Package config loads the outbox INI configuration file.
//
// The file is split into sections mirroring the subsystems:
//
//	[server]    LISTEN, DEBUG, HOSTNAME
//	[database]  PATH
//	[blobs]     DIRECTORY, MAX_SIZE_MB
//	[mail]      SMTP_SERVER, SMTP_PORT, SMTP_USE_TLS, SMTP_USERNAME,
//	            SMTP_PASSWORD, MAIL_DEFAULT_SENDER
//	[queue]     POLL_INTERVAL, MAX_RETRIES, RETRY_BASE_SECONDS,
//	            RETRY_MAX_SECONDS, BATCH_SIZE
//	[retention] DAYS
//
// Every key is optional; Default() documents the fallback values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/ini.v1"
)

type Config struct {
	// Address the HTTP API listens on.
	ListenAddr string
	// Enables debug level logging globally.
	Debug bool
	// Hostname used in the EHLO command when talking to the relay.
	Hostname string

	DatabasePath string

	BlobDirectory string
	BlobMaxSizeMB int64

	SMTPServer        string
	SMTPPort          int
	SMTPUseTLS        bool
	SMTPUsername      string
	SMTPPassword      string
	MailDefaultSender string

	QueuePollInterval time.Duration
	QueueMaxRetries   int
	QueueRetryBase    time.Duration
	QueueRetryMax     time.Duration
	QueueBatchSize    int

	RetentionDays int
}

// MaxBlobBytes is the attachment size cap in bytes.
func (c *Config) MaxBlobBytes() int64 {
	return c.BlobMaxSizeMB * 1024 * 1024
}

func Default() *Config {
	return &Config{
		ListenAddr:        "127.0.0.1:8025",
		Hostname:          "localhost.localdomain",
		DatabasePath:      "outbox.db",
		BlobDirectory:     "blobs",
		BlobMaxSizeMB:     25,
		SMTPPort:          587,
		SMTPUseTLS:        true,
		QueuePollInterval: 5 * time.Second,
		QueueMaxRetries:   5,
		QueueRetryBase:    120 * time.Second,
		QueueRetryMax:     3600 * time.Second,
		QueueBatchSize:    10,
		RetentionDays:     30,
	}
}

// Load reads the configuration file at path, applying Default() values for
// missing keys. A missing file is not an error - defaults are returned so
// that `outbox db init` works on a fresh system.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot parse %s: %w", path, err)
	}

	root := filepath.Dir(path)

	srv := file.Section("server")
	cfg.ListenAddr = srv.Key("LISTEN").MustString(cfg.ListenAddr)
	cfg.Debug = srv.Key("DEBUG").MustBool(cfg.Debug)
	cfg.Hostname = srv.Key("HOSTNAME").MustString(cfg.Hostname)

	db := file.Section("database")
	cfg.DatabasePath = resolvePath(root, db.Key("PATH").MustString(cfg.DatabasePath))

	blobs := file.Section("blobs")
	cfg.BlobDirectory = resolvePath(root, blobs.Key("DIRECTORY").MustString(cfg.BlobDirectory))
	cfg.BlobMaxSizeMB = blobs.Key("MAX_SIZE_MB").MustInt64(cfg.BlobMaxSizeMB)

	mail := file.Section("mail")
	cfg.SMTPServer = mail.Key("SMTP_SERVER").MustString(cfg.SMTPServer)
	cfg.SMTPPort = mail.Key("SMTP_PORT").MustInt(cfg.SMTPPort)
	cfg.SMTPUseTLS = mail.Key("SMTP_USE_TLS").MustBool(cfg.SMTPUseTLS)
	cfg.SMTPUsername = mail.Key("SMTP_USERNAME").MustString(cfg.SMTPUsername)
	cfg.SMTPPassword = mail.Key("SMTP_PASSWORD").MustString(cfg.SMTPPassword)
	cfg.MailDefaultSender = mail.Key("MAIL_DEFAULT_SENDER").MustString(cfg.MailDefaultSender)

	queue := file.Section("queue")
	cfg.QueuePollInterval = secondsKey(queue, "POLL_INTERVAL", cfg.QueuePollInterval)
	cfg.QueueMaxRetries = queue.Key("MAX_RETRIES").MustInt(cfg.QueueMaxRetries)
	cfg.QueueRetryBase = secondsKey(queue, "RETRY_BASE_SECONDS", cfg.QueueRetryBase)
	cfg.QueueRetryMax = secondsKey(queue, "RETRY_MAX_SECONDS", cfg.QueueRetryMax)
	cfg.QueueBatchSize = queue.Key("BATCH_SIZE").MustInt(cfg.QueueBatchSize)

	retention := file.Section("retention")
	cfg.RetentionDays = retention.Key("DAYS").MustInt(cfg.RetentionDays)

	if err := cfg.check(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) check() error {
	if c.QueueMaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be at least 1")
	}
	if c.QueueBatchSize < 1 {
		return fmt.Errorf("config: BATCH_SIZE must be at least 1")
	}
	if c.BlobMaxSizeMB < 1 {
		return fmt.Errorf("config: MAX_SIZE_MB must be at least 1")
	}
	return nil
}

func secondsKey(sec *ini.Section, name string, def time.Duration) time.Duration {
	return time.Duration(sec.Key(name).MustInt64(int64(def/time.Second))) * time.Second
}

func resolvePath(root, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
