// Package mcp bridges an MCP server's tools through the plugin contract.
// The connection is owned by a single background goroutine; tool executors
// interact with it through a bounded request/response channel pair, so the
// orchestrator's parallel fan-out never touches the connection directly.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jaato-labs/jaato/pkg/plugin"
	"github.com/jaato-labs/jaato/pkg/protocol"
)

// Name is the plugin's registry name.
const Name = "mcp"

const defaultQueueSize = 16

// Plugin exposes the tools of one MCP server.
type Plugin struct {
	plugin.Base

	// newTransport is swappable for tests.
	newTransport func(config map[string]any) (transport, error)

	worker  *worker
	schemas []protocol.ToolSchema
	logger  *slog.Logger
}

// New builds an unconfigured MCP plugin.
func New() plugin.Plugin {
	return &Plugin{
		newTransport: buildStdioTransport,
		logger:       slog.Default().With("component", "mcp"),
	}
}

func buildStdioTransport(config map[string]any) (transport, error) {
	command, _ := config["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("mcp requires a command to launch the server")
	}
	t := &stdioTransport{command: command}
	if raw, ok := config["args"].([]any); ok {
		for _, a := range raw {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("args must be strings, got %T", a)
			}
			t.args = append(t.args, s)
		}
	}
	if raw, ok := config["env"].(map[string]any); ok {
		for k, v := range raw {
			t.env = append(t.env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return t, nil
}

func (p *Plugin) Name() string { return Name }

// Initialize launches the server, starts the owner goroutine and waits for
// the initial tool list. An optional "filter" restricts exposed tools.
func (p *Plugin) Initialize(ctx context.Context, config map[string]any) error {
	t, err := p.newTransport(config)
	if err != nil {
		return err
	}

	queueSize := defaultQueueSize
	if v, ok := config["queue_size"].(int); ok && v > 0 {
		queueSize = v
	}

	var filter map[string]bool
	if raw, ok := config["filter"].([]any); ok && len(raw) > 0 {
		filter = make(map[string]bool, len(raw))
		for _, f := range raw {
			if s, ok := f.(string); ok {
				filter[s] = true
			}
		}
	}

	w := newWorker(t, queueSize)
	ready := make(chan listResult, 1)
	go w.run(context.WithoutCancel(ctx), ready)

	select {
	case r := <-ready:
		if r.err != nil {
			w.shutdown()
			return r.err
		}
		for _, tool := range r.tools {
			if filter != nil && !filter[tool.Name] {
				continue
			}
			p.schemas = append(p.schemas, protocol.ToolSchema{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  convertSchema(tool.InputSchema),
			})
		}
	case <-ctx.Done():
		w.shutdown()
		return ctx.Err()
	}

	p.worker = w
	p.logger.Info("connected to MCP server", "tools", len(p.schemas))
	return nil
}

func (p *Plugin) Shutdown(context.Context) error {
	if p.worker != nil {
		p.worker.shutdown()
		p.worker = nil
	}
	return nil
}

func (p *Plugin) ToolSchemas() []protocol.ToolSchema {
	return p.schemas
}

func (p *Plugin) Executors() map[string]plugin.Executor {
	w := p.worker
	executors := make(map[string]plugin.Executor, len(p.schemas))
	for _, schema := range p.schemas {
		name := schema.Name
		executors[name] = func(ctx context.Context, args map[string]any) (any, error) {
			return w.call(ctx, name, args)
		}
	}
	return executors
}

var _ plugin.Plugin = (*Plugin)(nil)
