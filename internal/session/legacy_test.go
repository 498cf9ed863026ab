package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncRecorder is a minimal http.ResponseWriter + http.Flusher safe for a
// handler goroutine to write to while the test goroutine concurrently reads
// its buffered body, unlike the bare bytes.Buffer behind
// httptest.ResponseRecorder.
type syncRecorder struct {
	mu     sync.Mutex
	header http.Header
	buf    bytes.Buffer
	code   int
}

func newSyncRecorder() *syncRecorder {
	return &syncRecorder{header: make(http.Header), code: http.StatusOK}
}

func (r *syncRecorder) Header() http.Header { return r.header }

func (r *syncRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *syncRecorder) WriteHeader(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.code = status
}

func (r *syncRecorder) Flush() {}

func (r *syncRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *syncRecorder) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestLegacySessionManager_ServeSSEAssignsAndCleansUpSession(t *testing.T) {
	d := &stubDispatcher{}
	m := NewLegacySessionManager(d)
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/sse", nil).WithContext(ctx)
	rec := newSyncRecorder()

	done := make(chan struct{})
	go func() {
		m.ServeSSE(rec, req)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return strings.Contains(rec.String(), "event: endpoint") })
	assert.Equal(t, 1, m.Count())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeSSE did not return after context cancellation")
	}
	assert.Equal(t, 0, m.Count())
}

func TestLegacySessionManager_ServeSSERejectsPost(t *testing.T) {
	m := NewLegacySessionManager(&stubDispatcher{})
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/sse", nil)
	rec := httptest.NewRecorder()
	m.ServeSSE(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLegacySessionManager_ServeSSERejectsOverCap(t *testing.T) {
	m := NewLegacySessionManager(&stubDispatcher{})
	defer m.Stop()

	for i := 0; i < LegacySessionCap; i++ {
		id := fmt.Sprintf("filler-%d", i)
		m.sessions[id] = &legacySession{
			ClientSession: newClientSession(id, TransportLegacy, 0),
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	rec := httptest.NewRecorder()
	m.ServeSSE(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func extractSessionID(t *testing.T, body string) string {
	t.Helper()
	const marker = "data: /messages?sessionId="
	idx := strings.Index(body, marker)
	require.GreaterOrEqual(t, idx, 0)
	rest := body[idx+len(marker):]
	end := strings.IndexAny(rest, "\n")
	if end < 0 {
		end = len(rest)
	}
	return rest[:end]
}

func TestLegacySessionManager_ServeMessagesDispatchesAndRidesSSEStream(t *testing.T) {
	d := &stubDispatcher{}
	m := NewLegacySessionManager(d)
	defer m.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sseReq := httptest.NewRequest(http.MethodGet, "/sse", nil).WithContext(ctx)
	sseRec := newSyncRecorder()
	go m.ServeSSE(sseRec, sseReq)

	waitFor(t, time.Second, func() bool { return strings.Contains(sseRec.String(), "event: endpoint") })
	sid := extractSessionID(t, sseRec.String())

	body, _ := json.Marshal(jsonrpc.Envelope{JSONRPC: jsonrpc.Version, ID: rawID(7), Method: "tools/list"})
	msgReq := httptest.NewRequest(http.MethodPost, "/messages?sessionId="+sid, bytes.NewBuffer(body))
	msgRec := httptest.NewRecorder()
	m.ServeMessages(msgRec, msgReq)

	assert.Equal(t, http.StatusAccepted, msgRec.Code)
	assert.Equal(t, "tools/list", d.lastMethod)

	waitFor(t, time.Second, func() bool { return strings.Contains(sseRec.String(), `"ok":"true"`) })
}

func TestLegacySessionManager_ServeMessagesMissingSessionID(t *testing.T) {
	m := NewLegacySessionManager(&stubDispatcher{})
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	m.ServeMessages(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLegacySessionManager_ServeMessagesUnknownSession(t *testing.T) {
	m := NewLegacySessionManager(&stubDispatcher{})
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId=ghost", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	m.ServeMessages(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, errTransient, classifyError(syscall.ECONNRESET))
	assert.Equal(t, errCritical, classifyError(syscall.ECONNREFUSED))
	assert.Equal(t, errTransient, classifyError(errors.New("write: broken pipe")))
	assert.Equal(t, errUnknown, classifyError(errors.New("something else")))
}

func TestLegacySessionManager_StopClosesEverySession(t *testing.T) {
	m := NewLegacySessionManager(&stubDispatcher{})
	m.sessions["a"] = &legacySession{ClientSession: newClientSession("a", TransportLegacy, 0), cancel: func() {}}
	m.sessions["b"] = &legacySession{ClientSession: newClientSession("b", TransportLegacy, 0), cancel: func() {}}

	m.Stop()

	assert.Equal(t, 0, m.Count())
}
