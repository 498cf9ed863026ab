package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/jsonrpc"
	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/google/uuid"
)

// Legacy SSE session limits and timings (spec §4.4 "Legacy Session
// Manager").
const (
	LegacySessionCap        = 50
	LegacyKeepAliveInterval = 15 * time.Second
	LegacyReaperInterval    = 10 * time.Second
	LegacyDeadInactive      = 60 * time.Second
	LegacyPingInactive      = 2 * time.Minute
	LegacyMaxErrorCount     = 5
)

// errorClass categorizes a transport error for the legacy session's
// cleanup-or-tolerate decision (spec §4.4 "Error categorization").
type errorClass int

const (
	errTransient errorClass = iota
	errCritical
	errUnknown
)

// classifyError maps a write/socket error to its category. Transient
// errors are tolerated (up to LegacyMaxErrorCount); critical errors
// trigger immediate cleanup.
func classifyError(err error) errorClass {
	if err == nil {
		return errUnknown
	}
	switch {
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH):
		return errTransient
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE):
		return errCritical
	default:
		// Most platform HTTP write failures surface as net.OpError or a
		// plain client-disconnect string rather than a raw errno — treat
		// the common "broken pipe"/"connection reset" substrings as
		// transient since Go's http package doesn't always unwrap to a
		// syscall.Errno.
		msg := err.Error()
		if strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset") {
			return errTransient
		}
		return errUnknown
	}
}

// legacySession bundles a ClientSession with the legacy transport's own
// bookkeeping: the stream's cancel func and the write-error counter.
type legacySession struct {
	*ClientSession
	cancel context.CancelFunc
	errCnt atomic.Int32
}

// LegacySessionManager owns every SSE session and serves the GET /sse and
// POST /messages handlers (spec §4.4).
type LegacySessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*legacySession

	dispatcher Dispatcher

	shuttingDown atomic.Bool
	stop         chan struct{}
}

// NewLegacySessionManager builds a manager and starts its reaper.
func NewLegacySessionManager(dispatcher Dispatcher) *LegacySessionManager {
	m := &LegacySessionManager{
		sessions:   make(map[string]*legacySession),
		dispatcher: dispatcher,
		stop:       make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

func (m *LegacySessionManager) reapLoop() {
	ticker := time.NewTicker(LegacyReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap()
		case <-m.stop:
			return
		}
	}
}

// reap applies the three-tier policy from spec §4.4: dead connections are
// cleaned up immediately, long-idle ones get a ping probe, everything else
// is left alone.
func (m *LegacySessionManager) reap() {
	m.mu.RLock()
	snapshot := make([]*legacySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	for _, s := range snapshot {
		success, _ := s.KeepAliveStats()
		idle := s.IdleSince()

		if s.State() != StateActive || (success == 0 && idle > LegacyDeadInactive) {
			m.cleanup(s, "dead connection")
			continue
		}

		if idle > LegacyPingInactive {
			if !m.trySend(s, []byte(":ping")) {
				m.cleanup(s, "ping probe failed")
			}
		}
	}
}

// trySend writes frame as an SSE comment line via the session's outbound
// queue; the stream writer goroutine owns the actual socket write, so this
// only detects a session whose outbound channel is already gone or full.
func (m *LegacySessionManager) trySend(s *legacySession, frame []byte) bool {
	defer func() { recover() }()
	select {
	case s.Outbound <- frame:
		return true
	default:
		return false
	}
}

// Count returns the number of currently tracked sessions.
func (m *LegacySessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop halts the reaper and cleans up every session. No new session is
// accepted after Stop is called (spec §8).
func (m *LegacySessionManager) Stop() {
	m.shuttingDown.Store(true)
	close(m.stop)
	m.mu.RLock()
	snapshot := make([]*legacySession, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()
	for _, s := range snapshot {
		m.cleanup(s, "shutdown")
	}
}

// BroadcastAll queues frame on every tracked session's outbound stream, for
// upstream notifications with no originating session (spec §4.2/§4.4).
func (m *LegacySessionManager) BroadcastAll(frame []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.Send(frame)
	}
}

// cleanup tears a session down exactly once: it is unregistered from the
// map first so no new event can re-enter it, then its outbound channel and
// context are torn down, swallowing any error from either (spec §4.4
// "Cleanup is idempotent").
func (m *LegacySessionManager) cleanup(s *legacySession, reason string) {
	s.Cleanup(func() {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()

		s.MarkClosed()
		s.CancelAll()
		if s.cancel != nil {
			s.cancel()
		}
		close(s.Outbound)
		logging.Debug("session.legacy", "cleaned up session %s: %s", logging.TruncateSessionID(s.ID), reason)
	})
}

func (m *LegacySessionManager) get(id string) (*legacySession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ServeSSE handles GET <sse-path> (open stream) and rejects POST <sse-path>
// with a pointer to the modern endpoint (spec §4.4).
func (m *LegacySessionManager) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		http.Error(w, "legacy SSE POST-ingress is not accepted here; use /mcp for the modern transport", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if m.shuttingDown.Load() {
		http.Error(w, "gateway is shutting down", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	m.mu.Lock()
	if len(m.sessions) >= LegacySessionCap {
		m.mu.Unlock()
		http.Error(w, fmt.Sprintf("too many active SSE sessions (limit %d)", LegacySessionCap), http.StatusServiceUnavailable)
		return
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	sess := &legacySession{
		ClientSession: newClientSession(id, TransportLegacy, 0),
		cancel:        cancel,
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	// Connection tuning: headers below match spec §4.4 verbatim. TCP
	// keep-alive (15 s probes) is applied at the listener level by the
	// gateway server, which wraps every accepted conn before handing it to
	// net/http; there is no read timeout because the gateway's http.Server
	// sets no ReadTimeout.
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Keep-Alive", "timeout=300")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", id)
	flusher.Flush()

	ticker := time.NewTicker(LegacyKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, open := <-sess.Outbound:
			if !open {
				return
			}
			// A frame starting with ':' (the reaper's ping) is an SSE
			// comment line; everything else is a data event.
			format := "data: %s\n\n"
			if len(frame) > 0 && frame[0] == ':' {
				format = "%s\n\n"
			}
			if _, err := fmt.Fprintf(w, format, frame); err != nil {
				m.handleWriteError(sess, err)
				return
			}
			flusher.Flush()
			sess.Touch()

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				sess.RecordKeepAliveError()
				m.handleWriteError(sess, err)
				m.cleanup(sess, "keep-alive write failed")
				return
			}
			flusher.Flush()
			sess.Touch()
			sess.RecordKeepAliveSuccess()

		case <-ctx.Done():
			m.cleanup(sess, "stream closed")
			return

		case <-r.Context().Done():
			m.cleanup(sess, "peer disconnected")
			return
		}
	}
}

// handleWriteError applies spec §4.4's error-categorization rule: a
// critical error or an error counter over LegacyMaxErrorCount triggers
// cleanup; a transient error merely increments the counter.
func (m *LegacySessionManager) handleWriteError(sess *legacySession, err error) {
	class := classifyError(err)
	if class == errCritical {
		m.cleanup(sess, "critical transport error: "+err.Error())
		return
	}
	if sess.errCnt.Add(1) > LegacyMaxErrorCount {
		m.cleanup(sess, "error counter exceeded threshold")
	}
}

// ServeMessages handles POST <message-path>?sessionId=<id> (spec §4.4).
func (m *LegacySessionManager) ServeMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	sid := r.URL.Query().Get("sessionId")
	if sid == "" {
		http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
		return
	}

	sess, ok := m.get(sid)
	if !ok || sess.State() != StateActive {
		http.Error(w, "unknown or closed session", http.StatusServiceUnavailable)
		return
	}

	var req jsonrpc.Envelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.NullID, jsonrpc.CodeParseError, "invalid JSON-RPC payload")
		return
	}

	if !sess.TryAcquire() {
		writeJSONRPCError(w, http.StatusTooManyRequests, req.ID, jsonrpc.CodeServerError, "too many concurrent requests for this session")
		return
	}
	defer sess.Release()

	ctx, release := sess.TrackCancel(r.Context(), string(req.ID))
	defer release()

	// Dispatching synchronously and delivering the response over the SSE
	// stream mirrors the original protocol's decoupled POST-ingress /
	// GET-egress shape: the POST caller only needs an ack, the actual
	// result rides the event stream.
	resp := m.dispatcher.Dispatch(ctx, sess.ID, req)
	frame, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	sess.Send(frame)
	w.WriteHeader(http.StatusAccepted)
}
