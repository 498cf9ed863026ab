// Package upstream owns connections to configured MCP backends: spawning
// and supervising stdio child processes, dialing remote streaming clients
// with modern-to-legacy fallback probing, and exposing a uniform Client
// interface for the catalog/router layer to call through.
package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
)

// Client is the uniform interface every transport adapter (stdio, SSE,
// streamable-http) implements, letting the pool and router treat all
// upstreams polymorphically.
type Client interface {
	Initialize(ctx context.Context) error
	Close() error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	Ping(ctx context.Context) error

	// OnNotification registers the callback invoked for every id-less
	// message the upstream sends unprompted (spec §4.2: "notifications
	// from upstreams are broadcast to every client session"). Must be
	// called before Initialize to avoid missing early notifications.
	OnNotification(handler func(mcp.JSONRPCNotification))
}

// baseClient provides the locking and connected-state bookkeeping shared by
// every remote transport adapter.
type baseClient struct {
	mu        sync.RWMutex
	connected bool
}

func (b *baseClient) checkConnected() error {
	if !b.connected {
		return fmt.Errorf("upstream client not connected")
	}
	return nil
}

// clientInfo is the identity this gateway presents during MCP initialize.
var clientInfo = mcp.Implementation{
	Name:    "mcp-gateway",
	Version: "1.0.0",
}

const protocolVersion = "2024-11-05"
