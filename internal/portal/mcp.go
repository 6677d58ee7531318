package portal

import (
	"context"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"elisa/internal/client"
	"elisa/internal/spec"
	"elisa/internal/tools"
)

// MCPPortal is a connected MCP server whose tools can join the agent tool
// surface.
type MCPPortal struct {
	name   string
	client *mcpclient.Client
}

// openMCP spawns the server over stdio and runs the initialize handshake.
// The endpoint is the server command line.
func openMCP(ctx context.Context, p spec.Portal) (*MCPPortal, error) {
	parts := strings.Fields(p.Endpoint)
	if len(parts) == 0 {
		return nil, fmt.Errorf("mcp portal has no server command")
	}

	c, err := mcpclient.NewStdioMCPClient(parts[0], nil, parts[1:]...)
	if err != nil {
		return nil, fmt.Errorf("starting mcp server: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "elisa", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	return &MCPPortal{name: p.Name, client: c}, nil
}

func (m *MCPPortal) Name() string { return m.name }
func (m *MCPPortal) Kind() string { return KindMCP }
func (m *MCPPortal) Close() error { return m.client.Close() }

// Tools lists the server's tools adapted to the sandbox tool interface.
// Names are prefixed with the portal name to avoid collisions.
func (m *MCPPortal) Tools(ctx context.Context) ([]tools.Tool, error) {
	res, err := m.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing mcp tools: %w", err)
	}
	out := make([]tools.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		out = append(out, &portalTool{
			portal:      m,
			name:        fmt.Sprintf("%s_%s", m.name, t.Name),
			remote:      t.Name,
			description: t.Description,
			schema:      toolParameters(t),
		})
	}
	return out, nil
}

func toolParameters(t mcp.Tool) map[string]any {
	params := map[string]any{"type": "object"}
	if t.InputSchema.Type != "" {
		params["type"] = t.InputSchema.Type
	}
	if len(t.InputSchema.Properties) > 0 {
		params["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		params["required"] = t.InputSchema.Required
	}
	return params
}

// portalTool proxies one remote MCP tool.
type portalTool struct {
	portal      *MCPPortal
	name        string
	remote      string
	description string
	schema      map[string]any
}

var _ tools.Tool = (*portalTool)(nil)

func (p *portalTool) Name() string        { return p.name }
func (p *portalTool) Description() string { return p.description }

func (p *portalTool) Declaration() client.ToolSchema {
	return client.ToolSchema{Name: p.name, Description: p.description, Parameters: p.schema}
}

func (p *portalTool) Validate(args map[string]any) error { return nil }

func (p *portalTool) Execute(ctx context.Context, args map[string]any) (tools.ToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = p.remote
	req.Params.Arguments = args

	res, err := p.portal.client.CallTool(ctx, req)
	if err != nil {
		return tools.NewErrorResult(err.Error()), nil
	}
	text := extractText(res)
	if res.IsError {
		return tools.NewErrorResult(text), nil
	}
	return tools.NewSuccessResult(text), nil
}

func extractText(res *mcp.CallToolResult) string {
	var parts []string
	for _, item := range res.Content {
		if tc, ok := item.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
