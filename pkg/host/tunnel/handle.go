package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"sync"

	"spire/pkg/host/remote"
)

var tokenPattern = regexp.MustCompile(`[?&]token=([0-9A-Za-z]+)`)

// Handle is an open tunnel. Done is closed when the SSH session running the
// remote service ends, for whatever reason.
type Handle struct {
	manager    *Manager
	instanceID string
	client     remote.Client
	proc       remote.Process
	listener   net.Listener
	localPort  int
	remoteAddr string
	cancel     context.CancelFunc

	done   chan struct{}
	once   sync.Once
	opened bool

	mu    sync.Mutex
	err   error
	token string
}

func (h *Handle) InstanceID() string { return h.instanceID }

func (h *Handle) LocalPort() int { return h.localPort }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the tunnel closed. It is nil while the tunnel is open and
// after a local Close.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// URL is the local address of the service, carrying the access token once
// the service has printed one.
func (h *Handle) URL() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	u := fmt.Sprintf("http://localhost:%d/", h.localPort)
	if h.token != "" {
		u += "lab?token=" + h.token
	}
	return u
}

func (h *Handle) Close() error {
	h.teardown(nil)
	return nil
}

func (h *Handle) teardown(cause error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = cause
		h.mu.Unlock()

		h.cancel()
		h.listener.Close()
		if h.proc != nil {
			h.proc.Close()
		}
		h.client.Close()
		close(h.done)

		m := h.manager
		m.mu.Lock()
		if cur, ok := m.open[h.instanceID]; ok && (cur == nil || cur == h) {
			delete(m.open, h.instanceID)
		}
		delete(m.ports, h.localPort)
		wasOpen := h.opened
		m.mu.Unlock()

		if wasOpen {
			m.metrics.TunnelClosed()
			log.Info("Tunnel for %s closed", h.instanceID)
		}
	})
}

func (h *Handle) serve(ctx context.Context) {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		go h.forward(ctx, conn)
	}
}

func (h *Handle) forward(ctx context.Context, local net.Conn) {
	defer local.Close()
	upstream, err := h.client.DialRemote(ctx, h.remoteAddr)
	if err != nil {
		log.Debug("Forward to %s on %s failed: %v", h.remoteAddr, h.instanceID, err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, upstream)
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// maxServiceLine bounds a single logged line of service output.
const maxServiceLine = 1 << 20

// consumeServiceLogs reads r until EOF. Output past an overlong line is
// discarded but still read, so the remote process never blocks on its pipe.
func (h *Handle) consumeServiceLogs(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxServiceLine)
	for sc.Scan() {
		line := sc.Text()
		log.Debug("[%s] %s", h.instanceID, line)
		h.observeServiceLine(line)
	}
	if err := sc.Err(); err != nil {
		log.Warn("Stopped logging service output of %s: %v", h.instanceID, err)
	}
	_, _ = io.Copy(io.Discard, r)
}

func (h *Handle) observeServiceLine(line string) {
	m := tokenPattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.token == "" {
		h.token = m[1]
	}
}
