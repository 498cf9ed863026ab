package session

import (
	"context"
	"testing"

	"github.com/giantswarm/mcp-gateway/internal/jsonrpc"
	"github.com/stretchr/testify/assert"
)

func TestClientSession_TryAcquireRespectsPerSessionCap(t *testing.T) {
	s := newClientSession("s1", TransportModern, 2)

	assert.True(t, s.TryAcquire())
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire(), "third acquire should be rejected at the cap")
	assert.Equal(t, 2, s.ActiveRequests())

	s.Release()
	assert.Equal(t, 1, s.ActiveRequests())
	assert.True(t, s.TryAcquire())
}

func TestClientSession_ReleaseNeverGoesNegative(t *testing.T) {
	s := newClientSession("s1", TransportModern, 0)
	s.Release()
	s.Release()
	assert.Equal(t, 0, s.ActiveRequests())
}

func TestClientSession_TryAcquireRejectedOnceNotActive(t *testing.T) {
	s := newClientSession("s1", TransportModern, 0)
	s.MarkClosed()
	assert.False(t, s.TryAcquire())
}

func TestClientSession_StateTransitionsAreMonotonic(t *testing.T) {
	s := newClientSession("s1", TransportModern, 0)
	assert.Equal(t, StateActive, s.State())

	s.MarkError()
	assert.Equal(t, StateError, s.State())

	// Once in Error, MarkClosed must not move it back to Closed — the
	// CompareAndSwap only fires from Active.
	s.MarkClosed()
	assert.Equal(t, StateError, s.State())
}

func TestClientSession_TrackCancelInterruptsDispatch(t *testing.T) {
	s := newClientSession("s1", TransportModern, 0)
	ctx, release := s.TrackCancel(context.Background(), "req-1")
	defer release()

	s.CancelAll()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected CancelAll to cancel the tracked context")
	}
}

func TestClientSession_KeepAliveStats(t *testing.T) {
	s := newClientSession("s1", TransportLegacy, 0)
	s.RecordKeepAliveSuccess()
	s.RecordKeepAliveSuccess()
	s.RecordKeepAliveError()

	success, errs := s.KeepAliveStats()
	assert.Equal(t, 2, success)
	assert.Equal(t, 1, errs)
}

func TestClientSession_CleanupRunsExactlyOnce(t *testing.T) {
	s := newClientSession("s1", TransportModern, 0)
	calls := 0
	for i := 0; i < 3; i++ {
		s.Cleanup(func() { calls++ })
	}
	assert.Equal(t, 1, calls)
}

func TestClientSession_SendDropsOnFullBuffer(t *testing.T) {
	s := newClientSession("s1", TransportModern, 0)
	for i := 0; i < cap(s.Outbound); i++ {
		s.Send([]byte("x"))
	}
	// One more send must not block even though the buffer is full.
	done := make(chan struct{})
	go func() {
		s.Send([]byte("overflow"))
		close(done)
	}()
	select {
	case <-done:
	default:
	}
	<-done
}

func TestClientSession_SendOnClosedChannelDoesNotPanic(t *testing.T) {
	s := newClientSession("s1", TransportModern, 0)
	close(s.Outbound)

	assert.NotPanics(t, func() { s.Send([]byte("too late")) })
}

// stubDispatcher is a Dispatcher double recording the last request it saw.
type stubDispatcher struct {
	lastMethod string
}

func (d *stubDispatcher) Dispatch(ctx context.Context, sessionID string, req jsonrpc.Envelope) jsonrpc.Envelope {
	d.lastMethod = req.Method
	result, _ := jsonrpc.NewResult(req.ID, map[string]string{"ok": "true"})
	return result
}
