// Package remotetest provides an in-memory remote.Dialer for tests.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"spire/pkg/host/remote"
)

var ErrUnreachable = errors.New("remotetest: host unreachable")

// Host is a scripted remote machine with an in-memory file system.
type Host struct {
	mu sync.Mutex

	files map[string][]byte
	modes map[string]os.FileMode
	runs  []string

	// Reachable reports whether a dial at the given attempt succeeds.
	Reachable func(attempt int) bool
	// OnRun handles commands passed to Run. A nil OnRun succeeds with no
	// output.
	OnRun func(cmd string) ([]byte, error)
	// OnStart handles commands passed to Start.
	OnStart func(cmd string, stdout, stderr io.Writer) (remote.Process, error)
	// Forwards maps a remote address to a local address reachable from the
	// test process.
	Forwards map[string]string
	// FailDownload makes downloads of the named paths fail.
	FailDownload map[string]bool

	dials int
}

func NewHost() *Host {
	return &Host{
		files:        make(map[string][]byte),
		modes:        make(map[string]os.FileMode),
		Forwards:     make(map[string]string),
		FailDownload: make(map[string]bool),
	}
}

func (h *Host) PutFile(p string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.files[path.Clean(p)] = append([]byte(nil), data...)
	h.modes[path.Clean(p)] = 0o644
}

func (h *Host) File(p string) ([]byte, os.FileMode, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.files[path.Clean(p)]
	return data, h.modes[path.Clean(p)], ok
}

func (h *Host) Runs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.runs...)
}

func (h *Host) Dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// Dialer resolves targets to scripted hosts by address.
type Dialer struct {
	mu      sync.Mutex
	hosts   map[string]*Host
	targets []remote.Target
}

func NewDialer() *Dialer {
	return &Dialer{hosts: make(map[string]*Host)}
}

func (d *Dialer) Add(addr string, h *Host) *Host {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts[addr] = h
	return h
}

func (d *Dialer) Targets() []remote.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]remote.Target(nil), d.targets...)
}

func (d *Dialer) Dial(ctx context.Context, t remote.Target) (remote.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	h, ok := d.hosts[t.Host]
	d.targets = append(d.targets, t)
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, t.Host)
	}

	h.mu.Lock()
	h.dials++
	attempt := h.dials
	reachable := h.Reachable
	h.mu.Unlock()
	if reachable != nil && !reachable(attempt) {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, t.Host)
	}
	return &client{host: h}, nil
}

type client struct {
	host *Host
}

func (c *client) Run(ctx context.Context, cmd string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.host.mu.Lock()
	c.host.runs = append(c.host.runs, cmd)
	onRun := c.host.OnRun
	c.host.mu.Unlock()
	if onRun == nil {
		return nil, nil
	}
	return onRun(cmd)
}

func (c *client) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	c.host.files[path.Clean(remotePath)] = data
	c.host.modes[path.Clean(remotePath)] = mode.Perm()
	return nil
}

func (c *client) Download(ctx context.Context, remotePath string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.host.mu.Lock()
	data, ok := c.host.files[path.Clean(remotePath)]
	fail := c.host.FailDownload[path.Clean(remotePath)]
	c.host.mu.Unlock()
	if fail {
		return fmt.Errorf("download %s: %w", remotePath, &remote.ExitError{Code: 1, Stderr: "read error"})
	}
	if !ok {
		return fmt.Errorf("download %s: %w", remotePath, &remote.ExitError{Code: 1, Stderr: "No such file or directory"})
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (c *client) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := path.Clean(dir) + "/"
	c.host.mu.Lock()
	defer c.host.mu.Unlock()
	var names []string
	for p := range c.host.files {
		if rest, ok := strings.CutPrefix(p, prefix); ok && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *client) Start(ctx context.Context, cmd string, stdout, stderr io.Writer) (remote.Process, error) {
	c.host.mu.Lock()
	c.host.runs = append(c.host.runs, cmd)
	onStart := c.host.OnStart
	c.host.mu.Unlock()
	if onStart == nil {
		return NewProcess(), nil
	}
	return onStart(cmd, stdout, stderr)
}

func (c *client) DialRemote(ctx context.Context, addr string) (net.Conn, error) {
	c.host.mu.Lock()
	local, ok := c.host.Forwards[addr]
	c.host.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connect %s: connection refused", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", local)
}

func (c *client) Close() error { return nil }

// Process is a remote process that runs until closed or exited.
type Process struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewProcess() *Process {
	return &Process{done: make(chan struct{})}
}

// Exit ends the process with err.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Close() error {
	p.Exit(errors.New("remotetest: process closed"))
	return nil
}
