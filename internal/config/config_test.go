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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "outbox.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != "127.0.0.1:8025" {
		t.Errorf("defaults not applied: %q", cfg.ListenAddr)
	}
	if cfg.QueueRetryBase != 120*time.Second {
		t.Errorf("wrong retry base default: %v", cfg.QueueRetryBase)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[server]
LISTEN = 0.0.0.0:9000
DEBUG = true
HOSTNAME = mail.example.org

[database]
PATH = data/outbox.db

[blobs]
DIRECTORY = /var/lib/outbox/blobs
MAX_SIZE_MB = 10

[mail]
SMTP_SERVER = smtp.example.org
SMTP_PORT = 465
SMTP_USE_TLS = false
SMTP_USERNAME = outbox
SMTP_PASSWORD = hunter2
MAIL_DEFAULT_SENDER = noreply@example.org

[queue]
POLL_INTERVAL = 30
MAX_RETRIES = 3
RETRY_BASE_SECONDS = 60
RETRY_MAX_SECONDS = 600
BATCH_SIZE = 25

[retention]
DAYS = 7
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" || !cfg.Debug || cfg.Hostname != "mail.example.org" {
		t.Errorf("server section wrong: %+v", cfg)
	}
	// Relative paths resolve against the config file directory.
	if cfg.DatabasePath != filepath.Join(filepath.Dir(path), "data/outbox.db") {
		t.Errorf("relative db path not resolved: %q", cfg.DatabasePath)
	}
	// Absolute paths are kept as-is.
	if cfg.BlobDirectory != "/var/lib/outbox/blobs" {
		t.Errorf("absolute blob path mangled: %q", cfg.BlobDirectory)
	}
	if cfg.MaxBlobBytes() != 10*1024*1024 {
		t.Errorf("wrong blob cap: %d", cfg.MaxBlobBytes())
	}
	if cfg.SMTPServer != "smtp.example.org" || cfg.SMTPPort != 465 || cfg.SMTPUseTLS {
		t.Errorf("mail section wrong: %+v", cfg)
	}
	if cfg.SMTPUsername != "outbox" || cfg.SMTPPassword != "hunter2" {
		t.Errorf("credentials wrong: %+v", cfg)
	}
	if cfg.MailDefaultSender != "noreply@example.org" {
		t.Errorf("wrong default sender: %q", cfg.MailDefaultSender)
	}
	if cfg.QueuePollInterval != 30*time.Second || cfg.QueueMaxRetries != 3 {
		t.Errorf("queue section wrong: %+v", cfg)
	}
	if cfg.QueueRetryBase != time.Minute || cfg.QueueRetryMax != 10*time.Minute {
		t.Errorf("retry durations wrong: %v / %v", cfg.QueueRetryBase, cfg.QueueRetryMax)
	}
	if cfg.QueueBatchSize != 25 || cfg.RetentionDays != 7 {
		t.Errorf("batch/retention wrong: %+v", cfg)
	}
}

func TestLoadPartial(t *testing.T) {
	path := writeConfig(t, `
[mail]
SMTP_SERVER = relay.example.org
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SMTPServer != "relay.example.org" {
		t.Errorf("value not read: %q", cfg.SMTPServer)
	}
	// Everything else stays at defaults.
	if cfg.SMTPPort != 587 || !cfg.SMTPUseTLS || cfg.QueueMaxRetries != 5 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadRejectsNonsense(t *testing.T) {
	for _, content := range []string{
		"[queue]\nMAX_RETRIES = 0\n",
		"[queue]\nBATCH_SIZE = 0\n",
		"[blobs]\nMAX_SIZE_MB = 0\n",
	} {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Errorf("config %q accepted", content)
		}
	}
}
