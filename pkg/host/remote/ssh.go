package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const defaultPort = 22

// HostKeys pins the first host key presented for each instance. A later
// connection presenting a different key is refused until the pin is
// forgotten.
type HostKeys struct {
	mu   sync.Mutex
	pins map[string][]byte
}

func NewHostKeys() *HostKeys {
	return &HostKeys{pins: make(map[string][]byte)}
}

func (h *HostKeys) callback(id string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		pinned, ok := h.pins[id]
		if !ok {
			h.pins[id] = key.Marshal()
			return nil
		}
		if !bytes.Equal(pinned, key.Marshal()) {
			return fmt.Errorf("host key for %s changed (%s)", id, ssh.FingerprintSHA256(key))
		}
		return nil
	}
}

// Forget drops the pin for an instance.
func (h *HostKeys) Forget(id string) {
	h.mu.Lock()
	delete(h.pins, id)
	h.mu.Unlock()
}

type SSHDialer struct {
	// Timeout bounds the TCP connect and the SSH handshake.
	Timeout  time.Duration
	HostKeys *HostKeys
}

func NewSSHDialer(timeout time.Duration) *SSHDialer {
	return &SSHDialer{Timeout: timeout, HostKeys: NewHostKeys()}
}

func (d *SSHDialer) Dial(ctx context.Context, t Target) (Client, error) {
	signer, err := ssh.ParsePrivateKey(t.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key for %s: %w", t, err)
	}

	pin := t.InstanceID
	if pin == "" {
		pin = t.Host
	}
	if d.HostKeys == nil {
		d.HostKeys = NewHostKeys()
	}
	port := t.Port
	if port == 0 {
		port = defaultPort
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	cfg := &ssh.ClientConfig{
		User:            t.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: d.HostKeys.callback(pin),
		Timeout:         d.Timeout,
	}

	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if d.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.Timeout))
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", t, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshClient{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshClient struct {
	client *ssh.Client
}

func (c *sshClient) Run(ctx context.Context, cmd string) ([]byte, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	err = runWithContext(ctx, sess, func() error { return sess.Run(cmd) })
	return stdout.Bytes(), translate(err, stderr.String())
}

func (c *sshClient) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	sess, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stdin = r
	sess.Stderr = &stderr
	q := Quote(remotePath)
	cmd := fmt.Sprintf(`mkdir -p "$(dirname %s)" && cat > %s && chmod %o %s`, q, q, mode.Perm(), q)
	err = runWithContext(ctx, sess, func() error { return sess.Run(cmd) })
	if err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, translate(err, stderr.String()))
	}
	return nil
}

func (c *sshClient) Download(ctx context.Context, remotePath string, w io.Writer) error {
	sess, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	var stderr bytes.Buffer
	sess.Stdout = w
	sess.Stderr = &stderr
	err = runWithContext(ctx, sess, func() error { return sess.Run("cat " + Quote(remotePath)) })
	if err != nil {
		return fmt.Errorf("download %s: %w", remotePath, translate(err, stderr.String()))
	}
	return nil
}

func (c *sshClient) List(ctx context.Context, dir string) ([]string, error) {
	q := Quote(dir)
	cmd := fmt.Sprintf(`[ -d %s ] || exit 0; cd %s && for f in * .[!.]*; do [ -f "$f" ] && printf '%%s\n' "$f"; done; true`, q, q)
	out, err := c.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

func (c *sshClient) Start(ctx context.Context, cmd string, stdout, stderr io.Writer) (Process, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	sess.Stdout = stdout
	sess.Stderr = stderr
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}

	p := &sshProcess{sess: sess, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-p.done:
		}
	}()
	return p, nil
}

func (c *sshClient) DialRemote(ctx context.Context, addr string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.client.Dial("tcp", addr)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *sshClient) Close() error {
	return c.client.Close()
}

type sshProcess struct {
	sess      *ssh.Session
	done      chan struct{}
	closeOnce sync.Once
}

func (p *sshProcess) Wait() error {
	err := p.sess.Wait()
	p.closeOnce.Do(func() { close(p.done) })
	return translate(err, "")
}

func (p *sshProcess) Close() error {
	_ = p.sess.Signal(ssh.SIGTERM)
	return p.sess.Close()
}

func runWithContext(ctx context.Context, sess *ssh.Session, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		return ctx.Err()
	}
}

func translate(err error, stderr string) error {
	if err == nil {
		return nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitStatus(), Stderr: stderr}
	}
	return err
}
