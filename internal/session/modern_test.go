package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postEnvelope(method string) *bytes.Buffer {
	body, _ := json.Marshal(jsonrpc.Envelope{JSONRPC: jsonrpc.Version, ID: rawID(1), Method: method})
	return bytes.NewBuffer(body)
}

func rawID(id int) []byte {
	b, _ := json.Marshal(id)
	return b
}

func TestModernSessionManager_PostCreatesSessionOnFirstCall(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 0)
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/mcp", postEnvelope("initialize"))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	sid := rec.Header().Get(sessionIDHeader)
	assert.NotEmpty(t, sid)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, "initialize", d.lastMethod)
}

func TestModernSessionManager_PostWithUnknownSessionIDIs404(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 0)
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/mcp", postEnvelope("tools/list"))
	req.Header.Set(sessionIDHeader, "does-not-exist")
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModernSessionManager_PostNonInitializeWithoutSessionIDIsBadRequest(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 0)
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/mcp", postEnvelope("tools/list"))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, m.Count())
}

func TestModernSessionManager_PostMalformedBodyIsBadRequest(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 0)
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModernSessionManager_DeleteClosesSession(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 0)
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/mcp", postEnvelope("initialize"))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	sid := rec.Header().Get(sessionIDHeader)

	del := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	del.Header.Set(sessionIDHeader, sid)
	delRec := httptest.NewRecorder()
	m.ServeHTTP(delRec, del)

	assert.Equal(t, http.StatusNoContent, delRec.Code)
	assert.Equal(t, 0, m.Count())

	// A second DELETE for the same (now-gone) id is a 404, not a repeat
	// success.
	delRec2 := httptest.NewRecorder()
	m.ServeHTTP(delRec2, del)
	assert.Equal(t, http.StatusNotFound, delRec2.Code)
}

func TestModernSessionManager_PerSessionConcurrencyCapRejectsExcessRequests(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 1)
	defer m.Stop()

	sess, err := m.create()
	require.NoError(t, err)
	require.True(t, sess.TryAcquire())

	req := httptest.NewRequest(http.MethodPost, "/mcp", postEnvelope("tools/list"))
	req.Header.Set(sessionIDHeader, sess.ID)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestModernSessionManager_StopRejectsNewSessions(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 0)
	m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/mcp", postEnvelope("initialize"))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestModernSessionManager_GetHoldsActiveRequestForStreamLifetime(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 0)
	defer m.Stop()

	sess, err := m.create()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil).WithContext(ctx)
	req.Header.Set(sessionIDHeader, sess.ID)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		m.ServeHTTP(rec, req)
		close(done)
	}()

	// Give handleGet a moment to reach its TryAcquire before asserting.
	require.Eventually(t, func() bool { return sess.ActiveRequests() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, sess.ActiveRequests())
}

func TestModernSessionManager_GetRejectsOverCapWithTooManyRequests(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 1)
	defer m.Stop()

	sess, err := m.create()
	require.NoError(t, err)
	require.True(t, sess.TryAcquire())

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set(sessionIDHeader, sess.ID)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestModernSessionManager_DeleteReleasesActiveRequestCounter(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 0)
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPost, "/mcp", postEnvelope("initialize"))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	sid := rec.Header().Get(sessionIDHeader)

	sess, ok := m.get(sid)
	require.True(t, ok)

	del := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	del.Header.Set(sessionIDHeader, sid)
	delRec := httptest.NewRecorder()
	m.ServeHTTP(delRec, del)

	assert.Equal(t, http.StatusNoContent, delRec.Code)
	assert.Equal(t, 0, sess.ActiveRequests())
}

func TestModernSessionManager_MethodNotAllowed(t *testing.T) {
	d := &stubDispatcher{}
	m := NewModernSessionManager(d, 0)
	defer m.Stop()

	req := httptest.NewRequest(http.MethodPut, "/mcp", nil)
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
