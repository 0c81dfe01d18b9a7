// Package bundle locates the assets the daemon ships to instances.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("asset not found")

// Script is a loaded bootstrap script.
type Script struct {
	Path   string
	Data   []byte
	SHA256 string
}

// Locator searches a fixed list of directories for relative asset paths.
type Locator struct {
	Dirs []string
}

// NewLocator searches the working directory, the executable's directory and
// ~/.spire/assets, in that order. Directories that cannot be resolved are
// skipped.
func NewLocator() *Locator {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".spire", "assets"))
	}
	return &Locator{Dirs: dirs}
}

// Find returns the first existing regular file for name. Absolute paths are
// checked as given.
func (l *Locator) Find(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty path", ErrNotFound)
	}
	candidates := []string{name}
	if !filepath.IsAbs(name) {
		candidates = candidates[:0]
		for _, dir := range l.Dirs {
			candidates = append(candidates, filepath.Join(dir, name))
		}
	}
	for _, path := range candidates {
		if st, err := os.Stat(path); err == nil && st.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: %s (searched %v)", ErrNotFound, name, l.Dirs)
}

// Script loads the bootstrap script. An empty file is an error, since the
// instance would be marked ready without being configured.
func (l *Locator) Script(name string) (*Script, error) {
	path, err := l.Find(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap script: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("bootstrap script %s is empty", path)
	}
	sum := sha256.Sum256(data)
	return &Script{Path: path, Data: data, SHA256: hex.EncodeToString(sum[:])}, nil
}
