package catalog

import (
	"context"
	"testing"

	"github.com/giantswarm/mcp-gateway/internal/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/mcp-go/mcp"
)

// stubClient is an upstream.Client double that always re-lists the same
// fixed catalog, so the live re-list Catalog.Tools/Resources/Prompts now
// perform on every call is idempotent against these fixtures.
type stubClient struct {
	catalog upstream.Catalog
}

func (s stubClient) Initialize(ctx context.Context) error { return nil }
func (s stubClient) Close() error                         { return nil }
func (s stubClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return s.catalog.Tools, nil
}
func (s stubClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return nil, nil
}
func (s stubClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	return s.catalog.Resources, nil
}
func (s stubClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	return nil, nil
}
func (s stubClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	return s.catalog.Prompts, nil
}
func (s stubClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	return nil, nil
}
func (s stubClient) Ping(ctx context.Context) error                      { return nil }
func (s stubClient) OnNotification(handler func(mcp.JSONRPCNotification)) {}

func testPool() *upstream.Pool {
	githubCatalog := upstream.Catalog{
		Tools:     []mcp.Tool{{Name: "create_issue"}, {Name: "search"}},
		Resources: []mcp.Resource{{URI: "repo/issues/1"}},
		Prompts:   []mcp.Prompt{{Name: "triage"}},
	}
	jiraCatalog := upstream.Catalog{
		Tools: []mcp.Tool{{Name: "search"}},
	}
	return upstream.NewPoolFrom(map[string]*upstream.Upstream{
		"github": upstream.NewUpstream("github", "stdio", stubClient{catalog: githubCatalog}, githubCatalog),
		"jira":   upstream.NewUpstream("jira", "stdio", stubClient{catalog: jiraCatalog}, jiraCatalog),
	})
}

func TestCatalog_ToolsNamespacesAndAppendsReservedTools(t *testing.T) {
	cat := New(testPool())
	tools := cat.Tools(context.Background())

	names := make([]string, 0, len(tools))
	for _, tl := range tools {
		names = append(names, tl.Name)
	}

	assert.Contains(t, names, "github.create_issue")
	assert.Contains(t, names, "github.search")
	assert.Contains(t, names, "jira.search")
	assert.Contains(t, names, ToolListServers)
	assert.Contains(t, names, ToolGetServerInfo)
}

func TestCatalog_ResourcesAndPromptsAreNamespaced(t *testing.T) {
	cat := New(testPool())

	resources := cat.Resources(context.Background())
	require.Len(t, resources, 1)
	assert.Equal(t, "github://repo/issues/1", resources[0].URI)

	prompts := cat.Prompts(context.Background())
	require.Len(t, prompts, 1)
	assert.Equal(t, "github.triage", prompts[0].Name)
}

func TestCatalog_CallListServersReportsEveryUpstream(t *testing.T) {
	cat := New(testPool())
	result, err := cat.CallListServers()
	require.NoError(t, err)
	require.Len(t, result.Content, 1)

	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, `"name": "github"`)
	assert.Contains(t, text.Text, `"name": "jira"`)
}

func TestCatalog_CallGetServerInfoUnknownReturnsToolError(t *testing.T) {
	cat := New(testPool())
	result, err := cat.CallGetServerInfo("nope")
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCatalog_CallGetServerInfoKnown(t *testing.T) {
	cat := New(testPool())
	result, err := cat.CallGetServerInfo("github")
	require.NoError(t, err)
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
}
