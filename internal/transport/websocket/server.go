// Package websocket is the transport layer for capsyd.
//
// Both caregiver apps and pillbox devices connect to:
//
//	GET /ws
//
// and speak the JSON message protocol handled by the router. One read
// goroutine per connection feeds frames to the router; outbound traffic
// (replies, notifications, dispense commands) goes through the shared Conn
// write path.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/depremu/capsyd/internal/config"
	"github.com/depremu/capsyd/internal/router"
	"github.com/depremu/capsyd/pkg/protocol"
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin upgrade requests. A request is
	// same-origin when its Origin host matches the Host header
	// (scheme-agnostic). Requests without an Origin header (native apps,
	// devices, curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return false
		}
		return u.Host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Server wraps the stdlib HTTP server with the /ws and /health routes.
type Server struct {
	inner  *http.Server
	router *router.Router
	limits config.LimitsConfig
}

// New builds a Server around a Router.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(rt *router.Router, cfg *config.Config) *Server {
	s := &Server{router: rt, limits: cfg.Limits}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /ws", s.serveWS)

	s.inner = &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route tree, used by tests to mount the server inside
// an httptest.Server.
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe blocks serving addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener. Live WebSocket connections
// are closed by their read loops as the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

// serveWS upgrades the connection and runs its read loop until the client
// goes away.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := newConn(ws)
	sess := s.router.NewSession(conn)
	defer func() {
		s.router.HandleClose(sess)
		_ = conn.Close()
	}()

	ws.SetReadLimit(s.limits.MaxMessageBytes)

	// Per-connection token bucket: a chatty or runaway client slows itself
	// down without affecting anyone else's timers or sends.
	limiter := rate.NewLimiter(rate.Limit(s.limits.MsgRate), s.limits.MsgBurst)

	slog.Debug("websocket connected", "session", sess.ID, "remote", r.RemoteAddr)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseNormalClosure) {
				slog.Debug("websocket read error", "session", sess.ID, "err", err)
			}
			return
		}
		if !limiter.Allow() {
			_ = conn.Send(protocol.ErrorMessage{Type: protocol.TypeError, Error: "rate limit exceeded"})
			continue
		}
		s.router.HandleMessage(r.Context(), sess, raw)
	}
}

// loggingMiddleware logs method, path, and duration for every HTTP request.
// WebSocket sessions log once at upgrade time, not per frame.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
