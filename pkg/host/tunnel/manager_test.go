package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spire/pkg/host/remote"
	"spire/pkg/host/remote/remotetest"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type fixture struct {
	manager *Manager
	host    *remotetest.Host
	procs   chan *remotetest.Process
	target  remote.Target
	port    int
}

func newFixture(t *testing.T, handler http.Handler, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		host:   remotetest.NewHost(),
		procs:  make(chan *remotetest.Process, 4),
		target: remote.Target{InstanceID: "i-1", User: "ubuntu", Host: "10.0.0.9"},
	}
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		f.host.Forwards["localhost:8888"] = strings.TrimPrefix(srv.URL, "http://")
	}
	f.host.OnStart = func(cmd string, stdout, stderr io.Writer) (remote.Process, error) {
		p := remotetest.NewProcess()
		go fmt.Fprintln(stdout, "    http://127.0.0.1:8888/lab?token=0a1b2c3d")
		f.procs <- p
		return p, nil
	}

	dialer := remotetest.NewDialer()
	dialer.Add(f.target.Host, f.host)

	if cfg.LocalPort == 0 {
		cfg.LocalPort = freePort(t)
	}
	cfg.PortRange = 10
	if cfg.ReadyInterval == 0 {
		cfg.ReadyInterval = 20 * time.Millisecond
	}
	f.port = cfg.LocalPort

	m, err := New(dialer, cfg, nil)
	require.NoError(t, err)
	f.manager = m
	t.Cleanup(m.CloseAll)
	return f
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "notebook")
	})
}

func TestOpenForwardsToService(t *testing.T) {
	f := newFixture(t, okHandler(), Config{})

	h, err := f.manager.Open(context.Background(), f.target)
	require.NoError(t, err)
	assert.Equal(t, f.port, h.LocalPort())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", h.LocalPort()))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "notebook", string(body))

	assert.Eventually(t, func() bool {
		return strings.HasSuffix(h.URL(), "lab?token=0a1b2c3d")
	}, time.Second, 10*time.Millisecond)

	runs := f.host.Runs()
	require.Len(t, runs, 1)
	assert.Contains(t, runs[0], "jupyter lab --no-browser --ip=0.0.0.0 --port=8888")

	got, ok := f.manager.Get("i-1")
	assert.True(t, ok)
	assert.Same(t, h, got)
}

func TestOneTunnelPerInstance(t *testing.T) {
	f := newFixture(t, okHandler(), Config{})

	_, err := f.manager.Open(context.Background(), f.target)
	require.NoError(t, err)

	_, err = f.manager.Open(context.Background(), f.target)
	assert.True(t, errors.Is(err, ErrAlreadyOpen))
}

func TestRemoteExitSignalsClosure(t *testing.T) {
	f := newFixture(t, okHandler(), Config{})

	h, err := f.manager.Open(context.Background(), f.target)
	require.NoError(t, err)
	proc := <-f.procs

	select {
	case <-h.Done():
		t.Fatal("tunnel closed early")
	default:
	}

	proc.Exit(errors.New("connection lost"))
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel did not report closure")
	}
	assert.EqualError(t, h.Err(), "connection lost")

	_, ok := f.manager.Get("i-1")
	assert.False(t, ok)

	// the slot and port are free again
	h2, err := f.manager.Open(context.Background(), f.target)
	require.NoError(t, err)
	assert.Equal(t, f.port, h2.LocalPort())
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, okHandler(), Config{})

	h, err := f.manager.Open(context.Background(), f.target)
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	<-h.Done()
	assert.NoError(t, h.Err())
}

func TestReadyTimeout(t *testing.T) {
	unhealthy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	f := newFixture(t, unhealthy, Config{ReadyTimeout: 200 * time.Millisecond})

	_, err := f.manager.Open(context.Background(), f.target)
	var terr *TunnelError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, err.Error(), "502")

	_, ok := f.manager.Get("i-1")
	assert.False(t, ok)

	// a failed open leaves no reservation behind
	_, err = f.manager.Open(context.Background(), f.target)
	assert.False(t, errors.Is(err, ErrAlreadyOpen))
}

func TestReadyTimeoutWithoutService(t *testing.T) {
	f := newFixture(t, nil, Config{ReadyTimeout: 200 * time.Millisecond})

	_, err := f.manager.Open(context.Background(), f.target)
	var terr *TunnelError
	require.ErrorAs(t, err, &terr)
}

func TestNextPortWhenFixedPortTaken(t *testing.T) {
	port := freePort(t)
	busy, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer busy.Close()

	f := newFixture(t, okHandler(), Config{LocalPort: port})

	h, err := f.manager.Open(context.Background(), f.target)
	require.NoError(t, err)
	assert.Greater(t, h.LocalPort(), port)
	assert.Less(t, h.LocalPort(), port+10)
}

func TestServiceOutputKeepsFlowingAfterLongLines(t *testing.T) {
	tests := []struct {
		name      string
		long      int
		wantToken string
	}{
		{name: "Line above the default scanner limit", long: 70 * 1024, wantToken: "abc123"},
		{name: "Line above the logging limit", long: maxServiceLine + 1024},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Handle{instanceID: "i-logs", localPort: 8888}
			r, w := io.Pipe()
			finished := make(chan struct{})
			go func() {
				h.consumeServiceLogs(r)
				close(finished)
			}()

			written := make(chan error, 1)
			go func() {
				if _, err := w.Write([]byte(strings.Repeat("x", tt.long) + "\n")); err != nil {
					written <- err
					return
				}
				_, err := io.WriteString(w, "http://127.0.0.1:8888/lab?token=abc123\nnext line\n")
				written <- err
			}()

			select {
			case err := <-written:
				require.NoError(t, err)
			case <-time.After(2 * time.Second):
				t.Fatal("service output blocked")
			}
			require.NoError(t, w.Close())

			select {
			case <-finished:
			case <-time.After(2 * time.Second):
				t.Fatal("reader did not finish at EOF")
			}
			if tt.wantToken != "" {
				assert.Equal(t, "http://localhost:8888/lab?token="+tt.wantToken, h.URL())
			}
		})
	}
}
