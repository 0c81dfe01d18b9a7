// Package keystore keeps per-instance private keys on disk. Keys are written
// once with 0400 permissions inside a 0700 directory and removed when the
// instance is terminated.
package keystore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var validID = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

type Store struct {
	dir string
}

func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("restrict key dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Path(instanceID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("instance-%s.pem", instanceID))
}

// Save writes the key for instanceID. Saving identical material again is a
// no-op; different material for an existing key is refused.
func (s *Store) Save(instanceID string, pem []byte) (string, error) {
	if !validID.MatchString(instanceID) {
		return "", fmt.Errorf("invalid instance id %q", instanceID)
	}
	path := s.Path(instanceID)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o400)
	if errors.Is(err, os.ErrExist) {
		existing, rerr := os.ReadFile(path)
		if rerr != nil {
			return "", fmt.Errorf("read existing key: %w", rerr)
		}
		if !bytes.Equal(existing, pem) {
			return "", fmt.Errorf("key for %s already exists with different material", instanceID)
		}
		return path, nil
	}
	if err != nil {
		return "", fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(pem); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close key file: %w", err)
	}
	return path, nil
}

func (s *Store) Load(instanceID string) ([]byte, error) {
	if !validID.MatchString(instanceID) {
		return nil, fmt.Errorf("invalid instance id %q", instanceID)
	}
	data, err := os.ReadFile(s.Path(instanceID))
	if err != nil {
		return nil, fmt.Errorf("load key for %s: %w", instanceID, err)
	}
	return data, nil
}

// Discard removes the key. A missing key is not an error.
func (s *Store) Discard(instanceID string) error {
	if !validID.MatchString(instanceID) {
		return fmt.Errorf("invalid instance id %q", instanceID)
	}
	err := os.Remove(s.Path(instanceID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard key for %s: %w", instanceID, err)
	}
	return nil
}
