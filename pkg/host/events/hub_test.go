package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events chan Event
	fail   bool
	closed bool
}

func newRecorder() *recorder { return &recorder{events: make(chan Event, 16)} }

func (r *recorder) WriteJSON(v any) error {
	if r.fail {
		return errors.New("broken pipe")
	}
	r.events <- v.(Event)
	return nil
}

func (r *recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func TestHubBroadcastsToSubscribers(t *testing.T) {
	h := startHub(t)
	a, b := newRecorder(), newRecorder()
	require.True(t, h.Register(a))
	require.True(t, h.Register(b))

	h.Publish(Event{InstanceID: "i-1", Phase: "ready"})

	for _, r := range []*recorder{a, b} {
		select {
		case ev := <-r.events:
			assert.Equal(t, "i-1", ev.InstanceID)
			assert.Equal(t, "ready", ev.Phase)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	h := startHub(t)
	bad := newRecorder()
	bad.fail = true
	require.True(t, h.Register(bad))

	h.Publish(Event{InstanceID: "i-1", Phase: "bootstrapping"})
	require.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, bad.isClosed())
}

func TestHubStopClosesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub()
	go h.Run(ctx)

	r := newRecorder()
	require.True(t, h.Register(r))
	cancel()
	<-h.done

	assert.True(t, r.isClosed())
	assert.False(t, h.Register(newRecorder()))
}

func TestNilHubPublishIsNoop(t *testing.T) {
	var h *Hub
	h.Publish(Event{InstanceID: "i-1"})
}

func TestWebSocketStream(t *testing.T) {
	h := startHub(t)
	srv := httptest.NewServer(h.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 10*time.Millisecond)
	h.Publish(Event{InstanceID: "i-9", SessionID: "s-9", Phase: "rebooting"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "i-9", ev.InstanceID)
	assert.Equal(t, "s-9", ev.SessionID)
	assert.Equal(t, "rebooting", ev.Phase)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "spire.internal:8080", true},
		{"http://localhost:3000", "spire.internal:8080", true},
		{"http://127.0.0.1:5173", "spire.internal:8080", true},
		{"http://[::1]:5173", "spire.internal:8080", true},
		{"https://spire.internal:8080", "spire.internal:8080", true},
		{"https://evil.example", "spire.internal:8080", false},
		{"://bad", "spire.internal:8080", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws/lifecycle", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r))
		})
	}
}
