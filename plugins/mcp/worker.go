package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// callRequest crosses from an executor goroutine to the worker.
type callRequest struct {
	ctx  context.Context
	name string
	args map[string]any
	done chan callResponse
}

type callResponse struct {
	value any
	err   error
}

// worker owns the MCP connection. All transport I/O happens on its one
// goroutine; executors talk to it through a bounded request channel.
type worker struct {
	transport transport
	requests  chan callRequest
	stop      chan struct{}
	stopped   chan struct{}
}

func newWorker(t transport, queueSize int) *worker {
	return &worker{
		transport: t,
		requests:  make(chan callRequest, queueSize),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// run connects, lists tools, reports them on ready, then serves calls until
// stopped. Runs as the connection's single owner goroutine.
func (w *worker) run(ctx context.Context, ready chan<- listResult) {
	defer close(w.stopped)
	defer w.transport.close()

	if err := w.transport.start(ctx); err != nil {
		ready <- listResult{err: err}
		return
	}
	tools, err := w.transport.listTools(ctx)
	if err != nil {
		ready <- listResult{err: err}
		return
	}
	ready <- listResult{tools: tools}

	for {
		select {
		case <-w.stop:
			return
		case req := <-w.requests:
			value, err := w.execute(req.ctx, req.name, req.args)
			req.done <- callResponse{value: value, err: err}
		}
	}
}

type listResult struct {
	tools []mcp.Tool
	err   error
}

func (w *worker) execute(ctx context.Context, name string, args map[string]any) (any, error) {
	resp, err := w.transport.callTool(ctx, name, args)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}
	return parseResult(resp), nil
}

// call enqueues a request and waits for its response. The queue is bounded;
// a full queue blocks here, not inside the orchestrator's fan-out.
func (w *worker) call(ctx context.Context, name string, args map[string]any) (any, error) {
	done := make(chan callResponse, 1)
	select {
	case w.requests <- callRequest{ctx: ctx, name: name, args: args, done: done}:
	case <-w.stopped:
		return nil, fmt.Errorf("MCP connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-done:
		return resp.value, resp.err
	case <-w.stopped:
		return nil, fmt.Errorf("MCP connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shutdown stops the worker and waits for the connection to close.
func (w *worker) shutdown() {
	close(w.stop)
	<-w.stopped
}

// parseResult flattens an MCP tool result. Server-side errors come back as
// structured values so the model can react; they are not Go errors.
func parseResult(resp *mcp.CallToolResult) any {
	var texts []string
	for _, content := range resp.Content {
		if text, ok := content.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}

	if resp.IsError {
		msg := "unknown error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return map[string]any{"error": msg}
	}

	switch len(texts) {
	case 0:
		return map[string]any{}
	case 1:
		return map[string]any{"result": texts[0]}
	default:
		return map[string]any{"results": texts}
	}
}

// convertSchema renders an MCP input schema as a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
