package relay

import (
	"crypto/subtle"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Gate accepts the manager control channel: it upgrades only on a fixed
// path and only with a matching shared-secret token, supplied as the
// x-manager-token header (recommended) or a token= query parameter.
type Gate struct {
	path     string
	manager  *Manager
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	token string
}

// NewGate builds an Upgrade Gate bound to path, checking incoming upgrades
// against token, and handing accepted channels to manager.
func NewGate(path, token string, manager *Manager) *Gate {
	return &Gate{
		path:    path,
		token:   token,
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The manager is a trusted backend service, not a browser, and
			// never sends an Origin header worth checking.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler. A path mismatch closes the underlying
// connection without writing any HTTP response; an auth failure responds
// 401 and does not upgrade.
func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != g.path {
		closeWithoutResponse(w)
		return
	}

	token := r.Header.Get("x-manager-token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	g.mu.RLock()
	expected := g.token
	g.mu.RUnlock()
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("manager upgrade rejected: bad or missing token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("manager upgrade failed")
		return
	}

	go g.manager.Adopt(conn)
}

// SetToken updates the expected shared secret, used for config hot-reload
// without restarting the process.
func (g *Gate) SetToken(token string) {
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

// closeWithoutResponse hijacks and closes the raw connection, skipping the
// HTTP response entirely. Falls back to doing nothing if the
// ResponseWriter doesn't support hijacking (e.g. under certain test
// recorders); the connection is then simply left for the server's normal
// handling, which is an acceptable degradation for a path that should not
// be reachable in production routing anyway.
func closeWithoutResponse(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
