// Package gateway wires the catalog, upstream pool, and session managers
// together behind one HTTP surface. Grounded on the teacher's
// internal/aggregator MCPServer (request routing) and internal/server
// oauth_http.go (hand-built net/http front door, listener/shutdown
// conventions).
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/giantswarm/mcp-gateway/internal/catalog"
	"github.com/giantswarm/mcp-gateway/internal/jsonrpc"
	"github.com/giantswarm/mcp-gateway/internal/upstream"
	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// serverInfo identifies this gateway during MCP initialize handshakes
// (mirrors the per-upstream clientInfo the gateway itself presents
// upstream, spec §3 "Out of scope... assumed MCP wire schema").
var serverInfo = mcp.Implementation{Name: "mcp-gateway", Version: "1.0.0"}

const protocolVersion = "2024-11-05"

// Dispatcher implements session.Dispatcher: it decodes a JSON-RPC method
// and params, resolves the target (catalog aggregation or a namespaced
// upstream route), forwards through the pool, and re-encodes the result
// or error as a JSON-RPC response envelope (spec §4.2 "Routing rules").
type Dispatcher struct {
	catalog *catalog.Catalog
	pool    *upstream.Pool
}

// New builds a Dispatcher over the given catalog and pool.
func New(cat *catalog.Catalog, pool *upstream.Pool) *Dispatcher {
	return &Dispatcher{catalog: cat, pool: pool}
}

// Dispatch executes one JSON-RPC request. It never panics on a malformed
// payload: decode failures become JSON-RPC −32602 responses rather than
// propagating, since a single bad request must not affect another session
// or the gateway process (spec §7 "Propagation policy").
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, req jsonrpc.Envelope) jsonrpc.Envelope {
	switch req.Method {
	case "initialize":
		return d.initialize(req)
	case "tools/list":
		return d.toolsList(ctx, req)
	case "tools/call":
		return d.toolsCall(ctx, req)
	case "resources/list":
		return d.resourcesList(ctx, req)
	case "resources/read":
		return d.resourcesRead(ctx, req)
	case "prompts/list":
		return d.promptsList(ctx, req)
	case "prompts/get":
		return d.promptsGet(ctx, req)
	case "ping":
		return resultEnvelope(req.ID, struct{}{})
	default:
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

// toolsCapability/resourcesCapability/promptsCapability/serverCapabilities/
// initializeResult are defined locally rather than reused from mcp-go's
// server-side types: this gateway hand-rolls the initialize response (it
// never runs an mcp-go server.MCPServer internally, per SPEC_FULL.md's
// "hand-built net/http front door" decision), so only the wire shape from
// the MCP spec matters here, not a library-internal struct.
type toolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type resourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type promptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type serverCapabilities struct {
	Tools     *toolsCapability     `json:"tools,omitempty"`
	Resources *resourcesCapability `json:"resources,omitempty"`
	Prompts   *promptsCapability   `json:"prompts,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

func (d *Dispatcher) initialize(req jsonrpc.Envelope) jsonrpc.Envelope {
	result := initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo:      serverInfo,
		Capabilities: serverCapabilities{
			Tools:     &toolsCapability{},
			Resources: &resourcesCapability{},
			Prompts:   &promptsCapability{},
		},
	}
	return resultEnvelope(req.ID, result)
}

func (d *Dispatcher) toolsList(ctx context.Context, req jsonrpc.Envelope) jsonrpc.Envelope {
	return resultEnvelope(req.ID, mcp.ListToolsResult{Tools: d.catalog.Tools(ctx)})
}

func (d *Dispatcher) resourcesList(ctx context.Context, req jsonrpc.Envelope) jsonrpc.Envelope {
	return resultEnvelope(req.ID, mcp.ListResourcesResult{Resources: d.catalog.Resources(ctx)})
}

func (d *Dispatcher) promptsList(ctx context.Context, req jsonrpc.Envelope) jsonrpc.Envelope {
	return resultEnvelope(req.ID, mcp.ListPromptsResult{Prompts: d.catalog.Prompts(ctx)})
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (d *Dispatcher) toolsCall(ctx context.Context, req jsonrpc.Envelope) jsonrpc.Envelope {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid tools/call params")
	}

	switch params.Name {
	case catalog.ToolListServers:
		result, err := d.catalog.CallListServers()
		return toolResultEnvelope(req.ID, result, err)
	case catalog.ToolGetServerInfo:
		name, _ := params.Arguments["name"].(string)
		result, err := d.catalog.CallGetServerInfo(name)
		return toolResultEnvelope(req.ID, result, err)
	}

	target, err := d.catalog.ResolveTool(params.Name)
	if err != nil {
		return routingErrorEnvelope(req.ID, err)
	}

	u, ok := d.pool.Get(target.Upstream)
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("upstream %q is no longer connected", target.Upstream))
	}

	result, err := u.Client.CallTool(ctx, target.Name, params.Arguments)
	if err != nil {
		logging.Warn("gateway.dispatcher", "tools/call %s.%s failed: %v", target.Upstream, target.Name, err)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, fmt.Sprintf("forwarding to %s failed: %v", target.Upstream, err))
	}
	return resultEnvelope(req.ID, result)
}

type resourceReadParams struct {
	URI string `json:"uri"`
}

func (d *Dispatcher) resourcesRead(ctx context.Context, req jsonrpc.Envelope) jsonrpc.Envelope {
	var params resourceReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid resources/read params")
	}

	target, err := d.catalog.ResolveResource(params.URI)
	if err != nil {
		return routingErrorEnvelope(req.ID, err)
	}

	u, ok := d.pool.Get(target.Upstream)
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("upstream %q is no longer connected", target.Upstream))
	}

	result, err := u.Client.ReadResource(ctx, target.Name)
	if err != nil {
		logging.Warn("gateway.dispatcher", "resources/read %s://%s failed: %v", target.Upstream, target.Name, err)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, fmt.Sprintf("forwarding to %s failed: %v", target.Upstream, err))
	}
	return resultEnvelope(req.ID, result)
}

type promptGetParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (d *Dispatcher) promptsGet(ctx context.Context, req jsonrpc.Envelope) jsonrpc.Envelope {
	var params promptGetParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInvalidParams, "invalid prompts/get params")
	}

	target, err := d.catalog.ResolvePrompt(params.Name)
	if err != nil {
		return routingErrorEnvelope(req.ID, err)
	}

	u, ok := d.pool.Get(target.Upstream)
	if !ok {
		return jsonrpc.NewError(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("upstream %q is no longer connected", target.Upstream))
	}

	result, err := u.Client.GetPrompt(ctx, target.Name, params.Arguments)
	if err != nil {
		logging.Warn("gateway.dispatcher", "prompts/get %s.%s failed: %v", target.Upstream, target.Name, err)
		return jsonrpc.NewError(req.ID, jsonrpc.CodeInternalError, fmt.Sprintf("forwarding to %s failed: %v", target.Upstream, err))
	}
	return resultEnvelope(req.ID, result)
}

// routingErrorEnvelope turns a catalog resolution error into the −32601
// JSON-RPC error spec §7 names for both UnknownTarget and AmbiguousTarget,
// the latter naming the disambiguated forms in its message.
func routingErrorEnvelope(id []byte, err error) jsonrpc.Envelope {
	switch e := err.(type) {
	case *catalog.ErrAmbiguous:
		msg := fmt.Sprintf("ambiguous name %q matches multiple upstreams; use one of: ", e.Name)
		for i, up := range e.Upstreams {
			if i > 0 {
				msg += ", "
			}
			msg += up + "." + e.Name
		}
		return jsonrpc.NewError(id, jsonrpc.CodeMethodNotFound, msg)
	case *catalog.ErrNotFound:
		return jsonrpc.NewError(id, jsonrpc.CodeMethodNotFound, fmt.Sprintf("unknown target %q", e.Name))
	default:
		return jsonrpc.NewError(id, jsonrpc.CodeMethodNotFound, err.Error())
	}
}

func resultEnvelope(id []byte, result interface{}) jsonrpc.Envelope {
	env, err := jsonrpc.NewResult(id, result)
	if err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, fmt.Sprintf("marshaling result: %v", err))
	}
	return env
}

func toolResultEnvelope(id []byte, result *mcp.CallToolResult, err error) jsonrpc.Envelope {
	if err != nil {
		return jsonrpc.NewError(id, jsonrpc.CodeInternalError, err.Error())
	}
	return resultEnvelope(id, result)
}
