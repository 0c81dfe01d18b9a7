package events

import (
	"net"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin allows requests without an Origin header, the serving host
// itself, and local development origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == r.Host {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler upgrades the request and streams hub events to it until the client
// goes away.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("WebSocket upgrade failed: %v", err)
			return
		}
		if !h.Register(conn) {
			_ = conn.Close()
			return
		}
		// Reads only detect the close frame; client messages are ignored.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				h.Unregister(conn)
				return
			}
		}
	})
}
