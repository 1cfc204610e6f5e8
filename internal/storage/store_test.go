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

package storage

import (
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/outbox-mail/outbox/internal/testutils"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatal(err)
	}
	s.Log = testutils.Logger(t, "storage")
	if err := s.InitSchema(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func createTestMsg(t *testing.T, s *Store, subject string) *Message {
	t.Helper()

	m, err := s.CreateMessage(NewMessage{
		FromAddress:  "noreply@example.org",
		To:           []string{"rcpt@example.com"},
		Subject:      subject,
		Body:         "hello",
		BodyType:     "plain",
		DeliveryType: "email",
		MaxRetries:   5,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTimeRoundtrip(t *testing.T) {
	orig := time.Date(2024, time.March, 7, 13, 5, 9, 123456000, time.UTC)
	parsed, err := ParseTime(FormatTime(orig))
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(orig) {
		t.Errorf("roundtrip mismatch: %v != %v", parsed, orig)
	}
}

// Stored timestamps are compared as strings in SQL, so the textual form
// must sort the same way the instants do.
func TestTimeLexicographicOrder(t *testing.T) {
	base := time.Date(2024, time.March, 7, 13, 5, 9, 0, time.UTC)
	stamps := []string{
		FormatTime(base),
		FormatTime(base.Add(time.Microsecond)),
		FormatTime(base.Add(time.Second)),
		FormatTime(base.Add(time.Hour)),
		FormatTime(base.AddDate(0, 0, 1)),
	}
	if !sort.StringsAreSorted(stamps) {
		t.Errorf("timestamps do not sort chronologically: %v", stamps)
	}
}

func TestSecretKeySeeded(t *testing.T) {
	s := testStore(t)

	key, err := s.Setting("secret_key")
	if err != nil {
		t.Fatal(err)
	}
	if key == "" {
		t.Error("secret_key not seeded")
	}

	// A second InitSchema must not rotate it.
	if err := s.InitSchema(); err != nil {
		t.Fatal(err)
	}
	key2, err := s.Setting("secret_key")
	if err != nil {
		t.Fatal(err)
	}
	if key2 != key {
		t.Error("secret_key changed on reinit")
	}
}

func TestSettings(t *testing.T) {
	s := testStore(t)

	if _, err := s.Setting("no_such_setting"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.SetSetting("retention_note", "30d"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting("retention_note", "60d"); err != nil {
		t.Fatal(err)
	}
	v, err := s.Setting("retention_note")
	if err != nil {
		t.Fatal(err)
	}
	if v != "60d" {
		t.Errorf("wrong value: %q", v)
	}
}
