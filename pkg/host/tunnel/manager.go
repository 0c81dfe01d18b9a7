// Package tunnel forwards a local port to the notebook service on an instance
// over its SSH connection.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"spire/pkg/host/remote"
	"spire/pkg/shared/logger"
	"spire/pkg/shared/metrics"
)

var log = logger.New(os.Stdout)

const DefaultServiceCommand = `source ~/venvs/sshkernel-env/bin/activate && jupyter lab --no-browser --ip=0.0.0.0 --port={{.Port}}`

var ErrAlreadyOpen = errors.New("tunnel already open for instance")

// TunnelError means the forwarded service never became reachable.
type TunnelError struct {
	InstanceID string
	Err        error
}

func (e *TunnelError) Error() string {
	return fmt.Sprintf("tunnel for %s: %v", e.InstanceID, e.Err)
}

func (e *TunnelError) Unwrap() error { return e.Err }

type Config struct {
	RemotePort     int
	LocalPort      int
	PortRange      int
	ReadyTimeout   time.Duration
	ReadyInterval  time.Duration
	ServiceCommand string
}

func (c Config) withDefaults() Config {
	if c.RemotePort == 0 {
		c.RemotePort = 8888
	}
	if c.LocalPort == 0 {
		c.LocalPort = c.RemotePort
	}
	if c.PortRange <= 0 {
		c.PortRange = 100
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = 500 * time.Millisecond
	}
	if c.ServiceCommand == "" {
		c.ServiceCommand = DefaultServiceCommand
	}
	return c
}

type Manager struct {
	dialer  remote.Dialer
	cfg     Config
	service *remote.Command
	metrics *metrics.Metrics

	mu    sync.Mutex
	open  map[string]*Handle
	ports map[int]string
}

func New(dialer remote.Dialer, cfg Config, m *metrics.Metrics) (*Manager, error) {
	cfg = cfg.withDefaults()
	service, err := remote.NewCommand("service", cfg.ServiceCommand)
	if err != nil {
		return nil, err
	}
	return &Manager{
		dialer:  dialer,
		cfg:     cfg,
		service: service,
		metrics: m,
		open:    make(map[string]*Handle),
		ports:   make(map[int]string),
	}, nil
}

// Open starts the remote service and forwards a local port to it. It returns
// once the service answers through the forward.
func (m *Manager) Open(ctx context.Context, t remote.Target) (*Handle, error) {
	id := t.InstanceID

	m.mu.Lock()
	if _, ok := m.open[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, id)
	}
	// reserve the slot while the tunnel comes up
	m.open[id] = nil
	m.mu.Unlock()

	h, err := m.start(ctx, t)
	if err != nil {
		m.release(id, 0)
		return nil, err
	}

	m.mu.Lock()
	select {
	case <-h.done:
		m.mu.Unlock()
		return nil, &TunnelError{InstanceID: id, Err: fmt.Errorf("closed during startup: %v", h.Err())}
	default:
	}
	m.open[id] = h
	h.opened = true
	m.mu.Unlock()
	m.metrics.TunnelOpened()
	log.Info("Tunnel for %s ready at %s", id, h.URL())
	return h, nil
}

// Get returns the open tunnel for an instance.
func (m *Manager) Get(instanceID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.open[instanceID]
	return h, ok && h != nil
}

// CloseAll closes every open tunnel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.open))
	for _, h := range m.open {
		if h != nil {
			handles = append(handles, h)
		}
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}

func (m *Manager) start(ctx context.Context, t remote.Target) (*Handle, error) {
	id := t.InstanceID
	fail := func(err error) error { return &TunnelError{InstanceID: id, Err: err} }

	cmd, err := m.service.Render(map[string]any{"Port": m.cfg.RemotePort})
	if err != nil {
		return nil, fail(err)
	}

	client, err := m.dialer.Dial(ctx, t)
	if err != nil {
		return nil, fail(err)
	}

	ln, err := m.listen(id)
	if err != nil {
		client.Close()
		return nil, fail(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	// the handle outlives the caller's context; Close tears it down
	hctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		manager:    m,
		instanceID: id,
		client:     client,
		listener:   ln,
		localPort:  port,
		remoteAddr: net.JoinHostPort("localhost", strconv.Itoa(m.cfg.RemotePort)),
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go h.consumeServiceLogs(stdoutR)
	go h.consumeServiceLogs(stderrR)

	proc, err := client.Start(hctx, cmd, stdoutW, stderrW)
	if err != nil {
		stdoutW.Close()
		stderrW.Close()
		h.teardown(err)
		return nil, fail(err)
	}
	h.proc = proc

	go func() {
		err := proc.Wait()
		stdoutW.Close()
		stderrW.Close()
		h.teardown(err)
	}()
	go h.serve(hctx)

	if err := m.awaitReady(ctx, h); err != nil {
		h.Close()
		return nil, fail(err)
	}
	return h, nil
}

// listen binds the fixed local port, or the next free one in range when the
// fixed port is taken by another tunnel or process.
func (m *Manager) listen(instanceID string) (net.Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var lastErr error
	for port := m.cfg.LocalPort; port < m.cfg.LocalPort+m.cfg.PortRange; port++ {
		if _, used := m.ports[port]; used {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			lastErr = err
			continue
		}
		m.ports[port] = instanceID
		return ln, nil
	}
	if lastErr == nil {
		lastErr = errors.New("all ports in use")
	}
	return nil, fmt.Errorf("no local port available in %d-%d: %w", m.cfg.LocalPort, m.cfg.LocalPort+m.cfg.PortRange-1, lastErr)
}

func (m *Manager) release(instanceID string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, instanceID)
	if port != 0 {
		delete(m.ports, port)
	}
}

func (m *Manager) awaitReady(ctx context.Context, h *Handle) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()

	client := &http.Client{Timeout: m.cfg.ReadyInterval * 4}
	url := fmt.Sprintf("http://127.0.0.1:%d/", h.localPort)
	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			lastErr = fmt.Errorf("service answered %s", resp.Status)
		} else {
			lastErr = err
		}

		select {
		case <-h.done:
			return fmt.Errorf("remote service exited before becoming ready: %v", h.Err())
		case <-ctx.Done():
			return fmt.Errorf("service not reachable within %s: %v", m.cfg.ReadyTimeout, lastErr)
		case <-time.After(m.cfg.ReadyInterval):
		}
	}
}
