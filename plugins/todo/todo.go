// Package todo keeps the model's working plan for a session. Writes go
// through a single tool whose result carries the plan under the
// "_plan_update" key, which the orchestrator forwards to its plan hook.
package todo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jaato-labs/jaato/pkg/plugin"
	"github.com/jaato-labs/jaato/pkg/protocol"
)

const (
	// Name is the plugin's registry name.
	Name = "todo"

	toolName = "update_todos"
)

// Item is one plan entry.
type Item struct {
	Content string `json:"content" jsonschema:"required,description=What this step does"`
	Status  string `json:"status" jsonschema:"required,enum=pending,enum=in_progress,enum=completed"`
}

// updateParams is the update_todos argument shape; its schema is reflected.
type updateParams struct {
	Todos []Item `json:"todos" jsonschema:"required,description=The full plan in order"`
}

var validStatus = map[string]bool{
	"pending":     true,
	"in_progress": true,
	"completed":   true,
}

// Plugin stores the current plan and exposes it as a user command.
type Plugin struct {
	plugin.Base

	mu    sync.Mutex
	items []Item
}

// New builds an empty todo plugin.
func New() plugin.Plugin {
	return &Plugin{}
}

func (p *Plugin) Name() string { return Name }

func (p *Plugin) ToolSchemas() []protocol.ToolSchema {
	return []protocol.ToolSchema{{
		Name:        toolName,
		Description: "Replace the working plan with a new list of todo items. Use it to track multi-step work.",
		Parameters:  plugin.SchemaFor(&updateParams{}),
	}}
}

func (p *Plugin) Executors() map[string]plugin.Executor {
	return map[string]plugin.Executor{
		toolName: p.update,
	}
}

// AutoApprovedTools marks the plan write as safe; it touches nothing but
// this plugin's state.
func (p *Plugin) AutoApprovedTools() []string {
	return []string{toolName}
}

func (p *Plugin) SystemInstructions() string {
	return "Track multi-step work with the update_todos tool. Keep exactly one item in_progress at a time and mark items completed as soon as they are done."
}

func (p *Plugin) UserCommands() []plugin.UserCommand {
	return []plugin.UserCommand{{
		Name:        "todos",
		Description: "Show the current plan",
		Execute: func(context.Context, []string) (string, error) {
			return p.render(), nil
		},
	}}
}

func (p *Plugin) update(_ context.Context, args map[string]any) (any, error) {
	raw, ok := args["todos"].([]any)
	if !ok {
		return nil, fmt.Errorf("todos must be an array")
	}

	items := make([]Item, 0, len(raw))
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("todos[%d] must be an object", i)
		}
		item := Item{}
		item.Content, _ = m["content"].(string)
		item.Status, _ = m["status"].(string)
		if item.Content == "" {
			return nil, fmt.Errorf("todos[%d].content is required", i)
		}
		if !validStatus[item.Status] {
			return nil, fmt.Errorf("todos[%d].status must be pending, in_progress or completed, got %q", i, item.Status)
		}
		items = append(items, item)
	}

	p.mu.Lock()
	p.items = items
	p.mu.Unlock()

	return map[string]any{
		"count":        len(items),
		"_plan_update": items,
	}, nil
}

// Items returns a copy of the current plan.
func (p *Plugin) Items() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Item, len(p.items))
	copy(out, p.items)
	return out
}

func (p *Plugin) render() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) == 0 {
		return "no todos"
	}
	marks := map[string]string{
		"pending":     "[ ]",
		"in_progress": "[~]",
		"completed":   "[x]",
	}
	var b strings.Builder
	for i, item := range p.items {
		fmt.Fprintf(&b, "%s %d. %s\n", marks[item.Status], i+1, item.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

var _ plugin.Plugin = (*Plugin)(nil)
