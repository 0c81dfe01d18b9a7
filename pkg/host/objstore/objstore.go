// Package objstore is the durable store for session artifacts. Keys are
// userId/sessionId/filename.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var ErrNotFound = errors.New("object not found")

type Store interface {
	// Upload writes the object, replacing any existing object under key.
	Upload(ctx context.Context, key string, r io.Reader, size int64) error
	// List returns the keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	Download(ctx context.Context, key string, w io.Writer) error
}

// Key builds the object key for a session artifact.
func Key(userID, sessionID, filename string) string {
	return path.Join(userID, sessionID, path.Base(filename))
}

// SessionPrefix is the listing prefix for every artifact of a session.
func SessionPrefix(userID, sessionID string) string {
	return path.Join(userID, sessionID) + "/"
}

func validKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("invalid object key %q", key)
	}
	return nil
}
