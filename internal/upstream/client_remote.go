package upstream

import (
	"context"
	"fmt"

	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// sseClient is a Client backed by the legacy Server-Sent Events transport.
type sseClient struct {
	baseClient
	url           string
	mcp           client.MCPClient
	notifyHandler func(mcp.JSONRPCNotification)
}

// newSSEClient constructs a legacy-sse Client for url.
func newSSEClient(url string) *sseClient {
	return &sseClient{url: url}
}

func (c *sseClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	mcpClient, err := client.NewSSEMCPClient(c.url)
	if err != nil {
		return fmt.Errorf("creating sse client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("starting sse transport: %w", err)
	}

	if c.notifyHandler != nil {
		mcpClient.OnNotification(c.notifyHandler)
	}

	if _, err := mcpClient.Initialize(ctx, initializeRequest()); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initializing mcp protocol over sse: %w", err)
	}

	c.mcp = mcpClient
	c.connected = true
	logging.Debug("upstream.sse", "connected to %s", c.url)
	return nil
}

// OnNotification registers handler to receive every notification the
// upstream sends. Must be called before Initialize.
func (c *sseClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	c.notifyHandler = handler
}

func (c *sseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	err := c.mcp.Close()
	c.connected = false
	c.mcp = nil
	return err
}

func (c *sseClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	result, err := c.mcp.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *sseClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	return c.mcp.CallTool(ctx, mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}})
}

func (c *sseClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	result, err := c.mcp.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (c *sseClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	return c.mcp.ReadResource(ctx, mcp.ReadResourceRequest{Params: struct {
		URI       string         `json:"uri"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{URI: uri}})
}

func (c *sseClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	result, err := c.mcp.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

func (c *sseClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		stringArgs[k] = fmt.Sprintf("%v", v)
	}
	return c.mcp.GetPrompt(ctx, mcp.GetPromptRequest{Params: struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}{Name: name, Arguments: stringArgs}})
}

func (c *sseClient) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return err
	}
	return c.mcp.Ping(ctx)
}

// streamableClient is a Client backed by the modern Streamable HTTP
// transport.
type streamableClient struct {
	baseClient
	url           string
	mcp           client.MCPClient
	notifyHandler func(mcp.JSONRPCNotification)
}

func newStreamableClient(url string) *streamableClient {
	return &streamableClient{url: url}
}

func (c *streamableClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url)
	if err != nil {
		return fmt.Errorf("creating streamable-http client: %w", err)
	}

	if c.notifyHandler != nil {
		mcpClient.OnNotification(c.notifyHandler)
	}

	if _, err := mcpClient.Initialize(ctx, initializeRequest()); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initializing mcp protocol over streamable-http: %w", err)
	}

	c.mcp = mcpClient
	c.connected = true
	logging.Debug("upstream.streamable", "connected to %s", c.url)
	return nil
}

// OnNotification registers handler to receive every notification the
// upstream sends. Must be called before Initialize.
func (c *streamableClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	c.notifyHandler = handler
}

func (c *streamableClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	err := c.mcp.Close()
	c.connected = false
	c.mcp = nil
	return err
}

func (c *streamableClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	result, err := c.mcp.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *streamableClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	return c.mcp.CallTool(ctx, mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}})
}

func (c *streamableClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	result, err := c.mcp.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (c *streamableClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	return c.mcp.ReadResource(ctx, mcp.ReadResourceRequest{Params: struct {
		URI       string         `json:"uri"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{URI: uri}})
}

func (c *streamableClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	result, err := c.mcp.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

func (c *streamableClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		stringArgs[k] = fmt.Sprintf("%v", v)
	}
	return c.mcp.GetPrompt(ctx, mcp.GetPromptRequest{Params: struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}{Name: name, Arguments: stringArgs}})
}

func (c *streamableClient) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkConnected(); err != nil {
		return err
	}
	return c.mcp.Ping(ctx)
}

func initializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo:      clientInfo,
			Capabilities:    mcp.ClientCapabilities{},
		},
	}
}
