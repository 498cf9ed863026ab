// Package session tracks per-client connections across both front-door
// transports: the modern Streamable HTTP session (POST/GET/DELETE on
// /mcp) and the legacy SSE session (GET /sse, POST /messages). Grounded
// on the teacher's internal/aggregator SessionRegistry/SessionState
// (lifecycle, idle cleanup, activity tracking), adapted from muster's
// OAuth-connection-per-session bookkeeping to this gateway's simpler
// request-concurrency and keep-alive bookkeeping.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/jsonrpc"
	"github.com/giantswarm/mcp-gateway/pkg/logging"
)

// Transport identifies which front door a session belongs to.
type Transport int

const (
	TransportModern Transport = iota
	TransportLegacy
)

// ConnectionState is a session's lifecycle state. It only ever moves
// forward: Active -> Closed or Active -> Error (spec §5 "Session
// invariants").
type ConnectionState int32

const (
	StateActive ConnectionState = iota
	StateClosed
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Dispatcher executes one JSON-RPC request against the catalog/upstream
// layer. Session managers never reach into the catalog or pool
// themselves; they call through this interface, keeping routing and
// transport bookkeeping separate (spec §3/§4.2 boundary).
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, req jsonrpc.Envelope) jsonrpc.Envelope
}

// ClientSession is the state shared by both transports: a unique id,
// activity timestamps, an active-request counter that must never go
// negative, and a monotonic connection state (spec §5 "ClientSession
// invariants").
type ClientSession struct {
	ID        string
	Transport Transport
	CreatedAt time.Time

	maxConcurrent int

	mu           sync.Mutex
	lastActivity time.Time

	activeRequests atomic.Int32
	state          atomic.Int32

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	// keepAliveSuccess/keepAliveErrors count legacy SSE keep-alive writes;
	// unused by the modern transport, which has no keep-alive ticker.
	keepAliveSuccess atomic.Int32
	keepAliveErrors  atomic.Int32

	cleanupOnce sync.Once

	// Outbound is where server-initiated messages (notifications, the
	// legacy reaper's ping probes, and — for legacy — responses to
	// dispatched requests)
	// are queued for the transport's stream-writer goroutine to drain.
	Outbound chan []byte
}

// newClientSession builds a session in the active state.
func newClientSession(id string, transport Transport, maxConcurrent int) *ClientSession {
	now := time.Now()
	s := &ClientSession{
		ID:            id,
		Transport:     transport,
		CreatedAt:     now,
		lastActivity:  now,
		maxConcurrent: maxConcurrent,
		cancels:       make(map[string]context.CancelFunc),
		Outbound:      make(chan []byte, 32),
	}
	s.state.Store(int32(StateActive))
	return s
}

// State returns the session's current connection state.
func (s *ClientSession) State() ConnectionState {
	return ConnectionState(s.state.Load())
}

// Touch records activity on the session.
func (s *ClientSession) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince returns how long the session has been without activity.
func (s *ClientSession) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// TryAcquire increments the active-request counter if the session is
// active and under its per-session concurrency cap. Every acquire must
// be paired with a Release on every exit path (spec §5).
func (s *ClientSession) TryAcquire() bool {
	if s.State() != StateActive {
		return false
	}
	for {
		cur := s.activeRequests.Load()
		if s.maxConcurrent > 0 && int(cur) >= s.maxConcurrent {
			return false
		}
		if s.activeRequests.CompareAndSwap(cur, cur+1) {
			s.Touch()
			return true
		}
	}
}

// Release decrements the active-request counter. It is a no-op below
// zero, guarding against a double-release bug from ever corrupting
// state (spec §5 invariant: "active-request counter >= 0").
func (s *ClientSession) Release() {
	for {
		cur := s.activeRequests.Load()
		if cur <= 0 {
			return
		}
		if s.activeRequests.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ActiveRequests returns the current in-flight request count.
func (s *ClientSession) ActiveRequests() int {
	return int(s.activeRequests.Load())
}

// MarkClosed transitions the session to Closed, if it is still Active.
func (s *ClientSession) MarkClosed() {
	s.state.CompareAndSwap(int32(StateActive), int32(StateClosed))
}

// MarkError transitions the session to Error, if it is still Active.
func (s *ClientSession) MarkError() {
	s.state.CompareAndSwap(int32(StateActive), int32(StateError))
}

// TrackCancel derives a cancelable child of parent and registers it under
// key so CancelAll (DELETE, reaper eviction) can interrupt the in-flight
// dispatch it guards. The caller must call the returned release func on
// every exit path, mirroring Release's acquire/release discipline.
func (s *ClientSession) TrackCancel(parent context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	s.cancelMu.Lock()
	s.cancels[key] = cancel
	s.cancelMu.Unlock()
	return ctx, func() {
		s.cancelMu.Lock()
		delete(s.cancels, key)
		s.cancelMu.Unlock()
		cancel()
	}
}

// CancelAll interrupts every in-flight request this session is currently
// tracking, used when a session is torn down out from under its
// dispatches (DELETE /mcp, reaper eviction).
func (s *ClientSession) CancelAll() {
	s.cancelMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.cancelMu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// RecordKeepAliveSuccess/RecordKeepAliveError track the legacy transport's
// 15s keep-alive ticker outcomes; the legacy reaper treats a session with
// no successful keep-alive as dead once it has been idle long enough
// (spec §4.4).
func (s *ClientSession) RecordKeepAliveSuccess() { s.keepAliveSuccess.Add(1) }
func (s *ClientSession) RecordKeepAliveError()   { s.keepAliveErrors.Add(1) }

// KeepAliveStats returns the running success/error counts.
func (s *ClientSession) KeepAliveStats() (success, errors int) {
	return int(s.keepAliveSuccess.Load()), int(s.keepAliveErrors.Load())
}

// Cleanup runs fn exactly once for this session, guarding against the
// reaper and an explicit disconnect racing to tear down the same session
// (spec §4.4: "cleanup is idempotent").
func (s *ClientSession) Cleanup(fn func()) {
	s.cleanupOnce.Do(fn)
}

// Send queues an outbound frame for the session's stream writer. It
// never blocks indefinitely: a full outbound buffer indicates a stalled
// client and the frame is dropped with a warning rather than risking a
// pile-up of blocked goroutines. Cleanup can close Outbound concurrently
// with a caller that dispatched before the session was torn down, so a
// send on the closed channel is recovered rather than allowed to panic.
func (s *ClientSession) Send(frame []byte) {
	defer func() {
		if recover() != nil {
			logging.Debug("session", "dropping frame for session %s: outbound channel already closed", logging.TruncateSessionID(s.ID))
		}
	}()
	select {
	case s.Outbound <- frame:
	default:
		logging.Warn("session", "outbound buffer full for session %s, dropping frame", logging.TruncateSessionID(s.ID))
	}
}
