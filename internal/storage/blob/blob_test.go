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

package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testBlobStore(t *testing.T, maxSize int64) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "blobs"), maxSize)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPut(t *testing.T) {
	s := testBlobStore(t, 1024)

	data := []byte("attachment payload")
	digest, path, err := s.Put(data)
	if err != nil {
		t.Fatal(err)
	}

	wantDigest := hex.EncodeToString(func() []byte {
		sum := sha256.Sum256(data)
		return sum[:]
	}())
	if digest != wantDigest {
		t.Errorf("wrong digest: %q", digest)
	}
	if path != s.Path(digest) {
		t.Errorf("wrong path: %q", path)
	}
	// Fan-out directory is the first two digest characters.
	if filepath.Base(filepath.Dir(path)) != digest[:2] {
		t.Errorf("wrong fan-out dir: %q", path)
	}

	stored, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(stored) != string(data) {
		t.Errorf("content mismatch: %q", stored)
	}
	if !s.Exists(digest) {
		t.Error("Exists reports false for stored blob")
	}
}

func TestPutDedup(t *testing.T) {
	s := testBlobStore(t, 1024)

	data := []byte("same bytes twice")
	digest1, path1, err := s.Put(data)
	if err != nil {
		t.Fatal(err)
	}

	info1, err := os.Stat(path1)
	if err != nil {
		t.Fatal(err)
	}

	digest2, path2, err := s.Put(data)
	if err != nil {
		t.Fatal(err)
	}
	if digest1 != digest2 || path1 != path2 {
		t.Errorf("dedup broken: %q/%q vs %q/%q", digest1, path1, digest2, path2)
	}

	// Same inode, not rewritten.
	info2, err := os.Stat(path2)
	if err != nil {
		t.Fatal(err)
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Error("existing blob was rewritten")
	}
}

func TestPutTooLarge(t *testing.T) {
	s := testBlobStore(t, 8)

	_, _, err := s.Put([]byte("way past the size limit"))
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
}

func TestExistsUnknown(t *testing.T) {
	s := testBlobStore(t, 1024)

	if s.Exists("deadbeef") {
		t.Error("Exists reports true for unknown digest")
	}
}
