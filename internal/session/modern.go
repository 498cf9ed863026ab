package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/jsonrpc"
	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/google/uuid"
)

// Modern Streamable HTTP session limits and timings (spec §4.2 "Modern
// session manager").
const (
	ModernGlobalSessionCap   = 100
	ModernDefaultPerSession  = 10
	ModernReaperInterval     = 10 * time.Second
	ModernIdleEvictThreshold = 5 * time.Minute
)

const sessionIDHeader = "Mcp-Session-Id"

// ModernSessionManager owns every Streamable HTTP session and serves the
// POST/GET/DELETE handlers for /mcp.
type ModernSessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession

	perSessionCap int
	dispatcher    Dispatcher

	shuttingDown atomic.Bool
	stop         chan struct{}
}

// NewModernSessionManager builds a manager and starts its idle reaper.
// perSessionCap collapses to ModernDefaultPerSession when non-positive.
func NewModernSessionManager(dispatcher Dispatcher, perSessionCap int) *ModernSessionManager {
	if perSessionCap <= 0 {
		perSessionCap = ModernDefaultPerSession
	}
	m := &ModernSessionManager{
		sessions:      make(map[string]*ClientSession),
		perSessionCap: perSessionCap,
		dispatcher:    dispatcher,
		stop:          make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

func (m *ModernSessionManager) reapLoop() {
	ticker := time.NewTicker(ModernReaperInterval)
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

func (m *ModernSessionManager) reap() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.ActiveRequests() == 0 && s.IdleSince() > ModernIdleEvictThreshold {
			s.MarkClosed()
			close(s.Outbound)
			delete(m.sessions, id)
			logging.Debug("session.modern", "reaped idle session %s", logging.TruncateSessionID(id))
		}
	}
}

// Count returns the number of currently tracked sessions.
func (m *ModernSessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stop halts the reaper and closes every session's outbound channel. Once
// called, no new session is ever accepted again (spec §8: "after shutdown
// initiation, no new session is created").
func (m *ModernSessionManager) Stop() {
	m.shuttingDown.Store(true)
	close(m.stop)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.MarkClosed()
		close(s.Outbound)
		delete(m.sessions, id)
	}
}

// BroadcastAll queues frame on every tracked session's outbound stream,
// for upstream notifications that have no originating session (spec
// §4.2: "notifications from upstreams are broadcast to every client
// session").
func (m *ModernSessionManager) BroadcastAll(frame []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		s.Send(frame)
	}
}

func (m *ModernSessionManager) create() (*ClientSession, error) {
	if m.shuttingDown.Load() {
		return nil, fmt.Errorf("gateway is shutting down")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= ModernGlobalSessionCap {
		return nil, fmt.Errorf("too many active sessions (limit %d)", ModernGlobalSessionCap)
	}
	id := uuid.NewString()
	s := newClientSession(id, TransportModern, m.perSessionCap)
	m.sessions[id] = s
	return s, nil
}

func (m *ModernSessionManager) get(id string) (*ClientSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ServeHTTP dispatches to the POST/GET/DELETE handlers for the /mcp
// route (spec §6 routing table).
func (m *ModernSessionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		m.handlePost(w, r)
	case http.MethodGet:
		m.handleGet(w, r)
	case http.MethodDelete:
		m.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (m *ModernSessionManager) handlePost(w http.ResponseWriter, r *http.Request) {
	var req jsonrpc.Envelope
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, jsonrpc.NullID, jsonrpc.CodeParseError, "invalid JSON-RPC payload")
		return
	}

	sid := r.Header.Get(sessionIDHeader)
	var sess *ClientSession
	if sid == "" {
		if req.Method != "initialize" {
			writeJSONRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.CodeInvalidRequest, "missing mcp-session-id header")
			return
		}
		created, err := m.create()
		if err != nil {
			// Spec boundary scenario 1: the session-cap rejection always
			// carries id:null, since no session could be established to
			// correlate the error with.
			writeJSONRPCError(w, http.StatusServiceUnavailable, jsonrpc.NullID, jsonrpc.CodeServerError, err.Error())
			return
		}
		sess = created
	} else {
		existing, ok := m.get(sid)
		if !ok {
			writeJSONRPCError(w, http.StatusNotFound, req.ID, jsonrpc.CodeServerError, "unknown session")
			return
		}
		sess = existing
	}

	if !sess.TryAcquire() {
		writeJSONRPCError(w, http.StatusTooManyRequests, req.ID, jsonrpc.CodeServerError, "too many concurrent requests for this session")
		return
	}
	defer sess.Release()

	// Track this request so a concurrent DELETE can interrupt it instead
	// of leaking the dispatch goroutine (spec §3
	// "PendingRequest" bookkeeping, adapted to this gateway's synchronous
	// per-request dispatch model).
	ctx, release := sess.TrackCancel(r.Context(), string(req.ID))
	defer release()

	resp := m.dispatcher.Dispatch(ctx, sess.ID, req)

	w.Header().Set(sessionIDHeader, sess.ID)
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(statusForCode(resp.Error.Code))
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *ModernSessionManager) handleGet(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(sessionIDHeader)
	sess, ok := m.get(sid)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	// Held for the stream's whole lifetime, not just its setup: this is
	// what keeps the reaper's active-requests==0 idle check (spec §4.3)
	// from evicting an open-but-quiet GET stream out from under its
	// client.
	if !sess.TryAcquire() {
		http.Error(w, "too many concurrent requests for this session", http.StatusTooManyRequests)
		return
	}
	defer sess.Release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case frame, open := <-sess.Outbound:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (m *ModernSessionManager) handleDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(sessionIDHeader)
	m.mu.Lock()
	sess, ok := m.sessions[sid]
	if ok {
		delete(m.sessions, sid)
	}
	m.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// Counter discipline applies here too (spec §4.3), even though the
	// session is already unlinked from the map and the cap can't block a
	// teardown: every entry gets a matching release.
	if sess.TryAcquire() {
		defer sess.Release()
	}

	sess.MarkClosed()
	sess.CancelAll()
	close(sess.Outbound)
	w.WriteHeader(http.StatusNoContent)
}

func statusForCode(code int) int {
	switch code {
	case jsonrpc.CodeInvalidRequest, jsonrpc.CodeInvalidParams, jsonrpc.CodeParseError:
		return http.StatusBadRequest
	case jsonrpc.CodeMethodNotFound:
		return http.StatusNotFound
	case jsonrpc.CodeServerError:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSONRPCError(w http.ResponseWriter, status int, id []byte, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewError(id, code, message))
}
