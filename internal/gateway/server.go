package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/config"
	"github.com/giantswarm/mcp-gateway/internal/session"
	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/coreos/go-systemd/v22/activation"
)

// HTTP server timing (spec §5 "Cancellation & timeouts" plus the teacher's
// internal/server/oauth_http.go default constants).
const (
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 0 // the /mcp and /sse streams are long-lived; no fixed write deadline.
	IdleTimeout       = 120 * time.Second

	// legacyKeepAlivePeriod is the socket-level TCP keep-alive probe
	// interval the legacy SSE connection tuning requires (spec §4.4).
	legacyKeepAlivePeriod = 15 * time.Second
)

// Server owns the gateway's single HTTP listener and routes every path
// from spec §6's routing table to the right session manager.
type Server struct {
	httpServer *http.Server
	modern     *session.ModernSessionManager
	legacy     *session.LegacySessionManager

	cors            bool
	healthEndpoints []string
}

// NewServer builds the routed handler and wraps it with the CORS and
// preflight behavior spec §6 requires.
func NewServer(cfg *config.Config, modern *session.ModernSessionManager, legacy *session.LegacySessionManager) *Server {
	s := &Server{
		modern:          modern,
		legacy:          legacy,
		cors:            cfg.CORS,
		healthEndpoints: cfg.HealthEndpoints,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", modern.ServeHTTP)
	mux.HandleFunc("/sse", legacy.ServeSSE)
	mux.HandleFunc("/messages", legacy.ServeMessages)
	for _, path := range cfg.HealthEndpoints {
		mux.HandleFunc(path, handleHealth)
	}

	var handler http.Handler = mux
	if cfg.CORS {
		handler = withCORS(handler)
	}
	handler = withOptionsPreflight(handler)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: ReadHeaderTimeout,
		IdleTimeout:       IdleTimeout,
	}
	return s
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withCORS applies spec §6's fixed CORS header set to every response.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, mcp-session-id, Cache-Control")
		h.Set("Access-Control-Expose-Headers", "mcp-session-id, Content-Type")
		next.ServeHTTP(w, r)
	})
}

// withOptionsPreflight answers every OPTIONS request with 200 regardless of
// path (spec §6 "OPTIONS (any) | 200 for preflight").
func withOptionsPreflight(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve runs the HTTP server. It prefers a systemd-activated listener when
// one is present (socket activation, spec's ambient-stack commitment) and
// falls back to binding cfg.Port directly. Every accepted connection is
// tuned with the legacy transport's TCP keep-alive settings since a single
// listener serves both the modern and legacy endpoints (spec §4.4
// "Connection tuning").
func (s *Server) Serve() error {
	listeners, err := activation.Listeners()
	if err != nil {
		logging.Debug("gateway.server", "systemd activation check failed, binding directly: %v", err)
	}
	if len(listeners) > 0 {
		logging.Info("gateway.server", "using systemd-activated listener")
		ln := &keepAliveListener{Listener: listeners[0]}
		return s.httpServer.Serve(ln)
	}

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.httpServer.Addr, err)
	}
	logging.Info("gateway.server", "listening on %s", s.httpServer.Addr)
	return s.httpServer.Serve(&keepAliveListener{Listener: ln})
}

// Shutdown closes the HTTP listener, bounded by the caller's context
// deadline (spec §4.5 step 3: "5 s cap").
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// keepAliveListener tunes every accepted TCP connection with a 15 s
// keep-alive probe interval, matching the legacy SSE connection-tuning
// requirement (spec §4.4); it sets no deadlines, and the http.Server built
// in NewServer has no ReadTimeout, so reads are never timed out. It is applied to
// the whole listener rather than per-endpoint since one listener serves
// both /mcp and /sse.
type keepAliveListener struct {
	net.Listener
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(legacyKeepAlivePeriod)
	}
	return conn, nil
}
