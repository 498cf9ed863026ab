// Package catalog merges every connected upstream's tools, resources, and
// prompts into one namespaced view and serves the two reserved management
// tools the gateway itself exposes. Grounded on the teacher's
// internal/aggregator ServerRegistry (GetAllTools/GetAllResources/
// GetAllPrompts, the defensive-copy GetAllServers accessor), adapted from
// muster's smart-prefix scheme to the dot/scheme namespacing this gateway
// uses instead.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/giantswarm/mcp-gateway/internal/upstream"
	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// Reserved management tool names (spec §3 "Reserved tools"). These are
// never namespaced and always shadow any upstream tool that happens to
// advertise the same bare name.
const (
	ToolListServers   = "list_servers"
	ToolGetServerInfo = "get_server_info"
)

// Separator joins an upstream name to a tool or prompt name in its
// namespaced form, e.g. "github.create_issue" (spec §3 "Namespacing").
const Separator = "."

// ResourceSeparator namespaces a resource URI to its owning upstream, e.g.
// "github://repo/issues/1" (spec §3).
const ResourceSeparator = "://"

// Catalog is a read-through view over a Pool: it holds no state of its
// own and always reflects the pool's current connected set.
type Catalog struct {
	pool *upstream.Pool
}

// New builds a Catalog over pool.
func New(pool *upstream.Pool) *Catalog {
	return &Catalog{pool: pool}
}

func qualifyName(upstreamName, name string) string {
	return upstreamName + Separator + name
}

func qualifyResource(upstreamName, uri string) string {
	return upstreamName + ResourceSeparator + uri
}

// Tools re-lists every connected upstream live and returns its tools under
// their namespaced names, sorted by name, followed by the two reserved
// management tools (spec §9: the startup cache is a warm start only).
func (c *Catalog) Tools(ctx context.Context) []mcp.Tool {
	c.pool.Relist(ctx)
	all := c.pool.All()
	out := make([]mcp.Tool, 0, len(all)+2)
	for name, u := range all {
		for _, t := range u.Catalog().Tools {
			qt := t
			qt.Name = qualifyName(name, t.Name)
			if qt.Name == ToolListServers || qt.Name == ToolGetServerInfo {
				// The reserved separator makes this unreachable in practice
				// (an upstream name can't contain Separator), but spec §4.2
				// calls for a skip-with-warning rather than a silent shadow.
				logging.Warn("catalog", "skipping upstream tool %q: collides with a reserved management tool name", qt.Name)
				continue
			}
			out = append(out, qt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	out = append(out, listServersTool(), getServerInfoTool())
	return out
}

// Resources re-lists every connected upstream live and returns its
// resources under their namespaced URIs, sorted by URI.
func (c *Catalog) Resources(ctx context.Context) []mcp.Resource {
	c.pool.Relist(ctx)
	all := c.pool.All()
	out := make([]mcp.Resource, 0, len(all))
	for name, u := range all {
		for _, r := range u.Catalog().Resources {
			qr := r
			qr.URI = qualifyResource(name, r.URI)
			out = append(out, qr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Prompts re-lists every connected upstream live and returns its prompts
// under their namespaced names, sorted by name.
func (c *Catalog) Prompts(ctx context.Context) []mcp.Prompt {
	c.pool.Relist(ctx)
	all := c.pool.All()
	out := make([]mcp.Prompt, 0, len(all))
	for name, u := range all {
		for _, p := range u.Catalog().Prompts {
			qp := p
			qp.Name = qualifyName(name, p.Name)
			out = append(out, qp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func listServersTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolListServers,
		Description: "List every connected upstream MCP server with its transport and tool, resource, and prompt counts.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

func getServerInfoTool() mcp.Tool {
	return mcp.Tool{
		Name:        ToolGetServerInfo,
		Description: "Get detailed information about one upstream MCP server, including its tool, resource, and prompt counts.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"name": map[string]interface{}{
					"type":        "string",
					"description": "The upstream server name as configured.",
				},
			},
			Required: []string{"name"},
		},
	}
}

// serverSummary is the per-upstream row surfaced by list_servers /
// get_server_info, grounded on the teacher's GetServiceData() shape.
type serverSummary struct {
	Name          string `json:"name"`
	Transport     string `json:"transport"`
	Connected     bool   `json:"connected"`
	ToolCount     int    `json:"toolCount"`
	ResourceCount int    `json:"resourceCount"`
	PromptCount   int    `json:"promptCount"`
}

func summarize(name string, u *upstream.Upstream) serverSummary {
	cat := u.Catalog()
	return serverSummary{
		Name:          name,
		Transport:     string(u.Transport),
		Connected:     true,
		ToolCount:     len(cat.Tools),
		ResourceCount: len(cat.Resources),
		PromptCount:   len(cat.Prompts),
	}
}

// CallListServers implements the reserved list_servers tool: transport
// kind and catalog counts per upstream, spec §4.2.
func (c *Catalog) CallListServers() (*mcp.CallToolResult, error) {
	all := c.pool.All()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	summaries := make([]serverSummary, 0, len(names))
	for _, name := range names {
		summaries = append(summaries, summarize(name, all[name]))
	}

	body, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling server list: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(body))}}, nil
}

// serverInfo is the get_server_info payload: the summary row plus the
// upstream's full cached catalog (spec §4.2: "returns a JSON blob of that
// upstream's full catalog").
type serverInfo struct {
	serverSummary
	Tools     []mcp.Tool     `json:"tools"`
	Resources []mcp.Resource `json:"resources"`
	Prompts   []mcp.Prompt   `json:"prompts"`
}

// CallGetServerInfo implements the reserved get_server_info tool. It
// errors if the upstream is unknown (spec §4.2).
func (c *Catalog) CallGetServerInfo(name string) (*mcp.CallToolResult, error) {
	u, ok := c.pool.Get(name)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unknown server: %s", name)), nil
	}

	cat := u.Catalog()
	info := serverInfo{
		serverSummary: summarize(name, u),
		Tools:         cat.Tools,
		Resources:     cat.Resources,
		Prompts:       cat.Prompts,
	}
	body, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling server info: %w", err)
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(body))}}, nil
}
