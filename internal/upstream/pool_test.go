package upstream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/mcp-go/mcp"
)

// fakeClient is a minimal Client double for tests that don't need a real
// subprocess or network round trip.
type fakeClient struct {
	closed atomic.Bool
}

func (f *fakeClient) Initialize(ctx context.Context) error { return nil }
func (f *fakeClient) Close() error                         { f.closed.Store(true); return nil }
func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "do_thing"}}, nil
}
func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *fakeClient) ListResources(ctx context.Context) ([]mcp.Resource, error) { return nil, nil }
func (f *fakeClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}
func (f *fakeClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) { return nil, nil }
func (f *fakeClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}
func (f *fakeClient) Ping(ctx context.Context) error                          { return nil }
func (f *fakeClient) OnNotification(handler func(mcp.JSONRPCNotification)) {}

func TestPool_GetAllIsDefensiveCopy(t *testing.T) {
	u := &Upstream{Name: "a", Client: &fakeClient{}}
	p := NewPoolFrom(map[string]*Upstream{"a": u})

	got, ok := p.Get("a")
	require.True(t, ok)
	assert.Same(t, u, got)

	all := p.All()
	delete(all, "a")
	_, stillThere := p.Get("a")
	assert.True(t, stillThere, "mutating the All() snapshot must not affect the pool")
}

func TestPool_DisconnectClosesClientAndRemoves(t *testing.T) {
	fc := &fakeClient{}
	p := NewPoolFrom(map[string]*Upstream{"a": {Name: "a", Client: fc}})

	err := p.Disconnect(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, fc.closed.Load())

	_, ok := p.Get("a")
	assert.False(t, ok)
}

func TestPool_DisconnectUnknownIsNoop(t *testing.T) {
	p := NewPool()
	err := p.Disconnect(context.Background(), "missing")
	assert.NoError(t, err)
}

func TestPool_DisconnectAllClosesEveryUpstream(t *testing.T) {
	a, b := &fakeClient{}, &fakeClient{}
	p := NewPoolFrom(map[string]*Upstream{
		"a": {Name: "a", Client: a},
		"b": {Name: "b", Client: b},
	})

	p.DisconnectAll(context.Background())

	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
	assert.Empty(t, p.All())
}

// TestConnectAll_CollectsFailuresWithoutFailingTheBatch exercises the
// "every outcome is collected, a failed upstream never fails ConnectAll
// itself" rule (spec §4.1) using a stdio command that exits immediately
// rather than speaking MCP.
func TestConnectAll_CollectsFailuresWithoutFailingTheBatch(t *testing.T) {
	configs := []config.Upstream{
		{Name: "bad-1", Transport: config.TransportStdio, Command: "false"},
		{Name: "bad-2", Transport: config.TransportStdio, Command: "false"},
	}

	pool, results := ConnectAll(context.Background(), configs, 0, 2*time.Second, nil)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Nil(t, r.Upstream)
		assert.Error(t, r.Err)
	}
	assert.Empty(t, pool.All())
}

func TestPool_RelistRebuildsCatalogInPlace(t *testing.T) {
	u := NewUpstream("a", config.TransportStdio, &fakeClient{}, Catalog{})
	p := NewPoolFrom(map[string]*Upstream{"a": u})

	assert.Empty(t, u.Catalog().Tools)
	p.Relist(context.Background())

	got, ok := p.Get("a")
	require.True(t, ok)
	require.Len(t, got.Catalog().Tools, 1)
	assert.Equal(t, "do_thing", got.Catalog().Tools[0].Name)
}

func TestConnectAll_MaxParallelCollapsesWhenNonPositive(t *testing.T) {
	configs := []config.Upstream{
		{Name: "bad-1", Transport: config.TransportStdio, Command: "false"},
	}
	_, results := ConnectAll(context.Background(), configs, -1, time.Second, nil)
	require.Len(t, results, 1)
}
