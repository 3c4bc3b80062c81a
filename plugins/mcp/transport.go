package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// transport is the MCP connection surface the worker drives. Split out so
// tests can run the worker against a fake server.
type transport interface {
	start(ctx context.Context) error
	listTools(ctx context.Context) ([]mcp.Tool, error)
	callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	close() error
}

// stdioTransport runs an MCP server as a subprocess.
type stdioTransport struct {
	command string
	args    []string
	env     []string
	client  *client.Client
}

func (t *stdioTransport) start(ctx context.Context) error {
	c, err := client.NewStdioMCPClient(t.command, t.env, t.args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = "2024-11-05"
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "jaato",
		Version: "1.0.0",
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	t.client = c
	return nil
}

func (t *stdioTransport) listTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list MCP tools: %w", err)
	}
	return resp.Tools, nil
}

func (t *stdioTransport) callTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return t.client.CallTool(ctx, req)
}

func (t *stdioTransport) close() error {
	if t.client == nil {
		return nil
	}
	return t.client.Close()
}
