// Package plugin defines the contract every tool plugin implements and the
// registry that discovers, exposes and aggregates them for the orchestrator.
package plugin

import (
	"context"
	"fmt"

	"github.com/jaato-labs/jaato/pkg/protocol"
)

// Executor runs one tool call. The returned value becomes ToolResult.Result;
// a *protocol.ToolResult return passes attachments through unchanged.
type Executor func(ctx context.Context, args map[string]any) (any, error)

// UserCommand is a "/name" command typed directly by the user. Output is
// echoed to the model only when ShareWithModel is set.
type UserCommand struct {
	Name           string
	Description    string
	ShareWithModel bool
	Execute        func(ctx context.Context, args []string) (string, error)
}

// Completion is one UI completion candidate for a command argument.
type Completion struct {
	Value       string
	Description string
}

// Plugin is the contract every plugin implements. Implementations embed
// Base to pick up no-op defaults for the parts they don't use.
type Plugin interface {
	Name() string
	Initialize(ctx context.Context, config map[string]any) error
	Shutdown(ctx context.Context) error

	ToolSchemas() []protocol.ToolSchema
	Executors() map[string]Executor

	// SystemInstructions is spliced into the model's system prompt while
	// the plugin is exposed. Empty means no contribution.
	SystemInstructions() string

	// AutoApprovedTools extends the permission engine's auto-approved set
	// while the plugin is exposed.
	AutoApprovedTools() []string

	UserCommands() []UserCommand
	CommandCompletions(command string, args []string) []Completion
}

// Enricher is implemented by plugins that want to splice hints into user
// prompts before they reach the model (session plugins use this to request
// a one-line description after a few turns).
type Enricher interface {
	EnrichPrompt(prompt string) (string, map[string]any)
}

// TurnObserver is implemented by plugins that track turn lifecycle (session
// persistence, GC bookkeeping).
type TurnObserver interface {
	OnTurnComplete(accounting protocol.TurnAccounting)
}

// Base provides no-op defaults for the optional parts of the contract.
type Base struct{}

func (Base) Initialize(ctx context.Context, config map[string]any) error { return nil }
func (Base) Shutdown(ctx context.Context) error                          { return nil }
func (Base) SystemInstructions() string                                  { return "" }
func (Base) AutoApprovedTools() []string                                 { return nil }
func (Base) UserCommands() []UserCommand                                 { return nil }
func (Base) CommandCompletions(command string, args []string) []Completion {
	return nil
}

// Factory builds a fresh plugin instance. Exposure constructs via the
// factory so unexpose/re-expose starts from clean state.
type Factory func() Plugin

// Error is a plugin-scoped error.
type Error struct {
	PluginName string
	Operation  string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[plugin:%s] %s failed: %s: %v", e.PluginName, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[plugin:%s] %s failed: %s", e.PluginName, e.Operation, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(pluginName, operation, message string, err error) *Error {
	return &Error{PluginName: pluginName, Operation: operation, Message: message, Err: err}
}

var (
	ErrPluginNotFound   = fmt.Errorf("plugin not found")
	ErrNotExposed       = fmt.Errorf("plugin not exposed")
	ErrAlreadyExposed   = fmt.Errorf("plugin already exposed")
	ErrDuplicateTool    = fmt.Errorf("duplicate tool name")
	ErrDiscoveryFailure = fmt.Errorf("plugin discovery failed")
)
