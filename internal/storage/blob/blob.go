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

// Package blob implements the content-addressed attachment store.
//
// Files are keyed by the SHA-256 digest of their contents and live at
// <root>/<first two hex chars>/<digest>. Because the path is a pure
// function of the content, writes are naturally idempotent and identical
// attachments submitted by different messages share one file.
//
// Nothing here deletes files: a blob may be referenced by any number of
// attachment rows and garbage collection of orphans is left to offline
// tooling.
package blob

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrTooLarge is returned by Put for contents exceeding the configured
// maximum.
var ErrTooLarge = errors.New("blob: content too large")

type Store struct {
	root string

	// Maximum accepted content size in bytes.
	maxSize int64
}

func NewStore(root string, maxSize int64) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	return &Store{root: root, maxSize: maxSize}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Path returns the location a blob with the given digest would be stored
// at. It does not check for existence.
func (s *Store) Path(digest string) string {
	return filepath.Join(s.root, digest[:2], digest)
}

// Put stores data and returns its hex digest together with the absolute
// file path. If a file for the same content already exists it is reused
// without a write. The write itself is write-and-rename so a concurrent
// Put of the same content cannot leave a corrupted file behind.
func (s *Store) Put(data []byte) (digest, path string, err error) {
	if int64(len(data)) > s.maxSize {
		return "", "", fmt.Errorf("blob: %d bytes: %w", len(data), ErrTooLarge)
	}

	sum := sha256.Sum256(data)
	digest = hex.EncodeToString(sum[:])
	path = s.Path(digest)

	if _, err := os.Stat(path); err == nil {
		return digest, path, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("blob: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+digest+".*")
	if err != nil {
		return "", "", fmt.Errorf("blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", fmt.Errorf("blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("blob: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("blob: %w", err)
	}

	return digest, path, nil
}

// Exists reports whether a blob with the given digest is present.
func (s *Store) Exists(digest string) bool {
	_, err := os.Stat(s.Path(digest))
	return err == nil
}
