// Package remote runs commands, copies files and forwards ports on remote
// instances over SSH.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
)

// Target identifies an SSH endpoint and the key that authenticates to it.
type Target struct {
	InstanceID string
	User       string
	Host       string
	Port       int
	PrivateKey []byte
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%s", t.User, t.Host)
}

type Dialer interface {
	Dial(ctx context.Context, t Target) (Client, error)
}

type Client interface {
	// Run executes cmd and returns its stdout. A non-zero exit status is
	// returned as *ExitError.
	Run(ctx context.Context, cmd string) ([]byte, error)
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error
	Download(ctx context.Context, remotePath string, w io.Writer) error
	// List returns the names of the regular files in dir, or nothing when
	// dir does not exist.
	List(ctx context.Context, dir string) ([]string, error)
	// Start launches a long-running command whose output is streamed to
	// stdout and stderr.
	Start(ctx context.Context, cmd string, stdout, stderr io.Writer) (Process, error)
	// DialRemote opens a TCP connection from the remote side to addr.
	DialRemote(ctx context.Context, addr string) (net.Conn, error)
	Close() error
}

type Process interface {
	// Wait blocks until the remote command exits or the transport closes.
	Wait() error
	Close() error
}

// ExitError is a remote command that exited with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("remote command exited with status %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// ExitCode extracts the remote exit status from err.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes and space-separates each value.
func Join(values ...string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = Quote(v)
	}
	return strings.Join(quoted, " ")
}
