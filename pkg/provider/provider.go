// Package provider defines the provider abstraction the orchestrator runs
// against. A Provider authenticates against one backend and vends chat
// sessions; a ChatSession owns one conversation's history on the provider
// side. Concrete implementations live in subpackages (gemini).
package provider

import (
	"context"

	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/registry"
)

// Provider is a configured connection to one model backend.
type Provider interface {
	// Initialize establishes auth and a client handle, then runs a
	// lightweight connectivity probe (model list). Fails fast with a
	// *ConfigError describing what to fix.
	Initialize(ctx context.Context, auth AuthConfig) error

	// Connect sets the active model id. Idempotent.
	Connect(model string) error

	// Model returns the active model id.
	Model() string

	// CreateSession opens a fresh chat context. Automatic tool execution
	// by the underlying SDK is always disabled; dispatch belongs to the
	// orchestrator.
	CreateSession(ctx context.Context, opts SessionOptions) (ChatSession, error)

	// CountTokens returns the provider's token count for text.
	CountTokens(ctx context.Context, text string) (int, error)

	// ContextLimit returns the context window size for the active model.
	ContextLimit() int

	// SupportsStructuredOutput reports whether response schemas are honored.
	SupportsStructuredOutput() bool

	// ListModels lists available model ids, optionally filtered by prefix.
	ListModels(ctx context.Context, prefix string) ([]string, error)

	// Close releases the client handle.
	Close() error
}

// SessionOptions configures a new chat session.
type SessionOptions struct {
	SystemInstruction string
	Tools             []protocol.ToolSchema
	History           []*protocol.Message
}

// ChatSession is one conversation against a provider. Sessions are not safe
// for concurrent use; the owning session serializes access.
type ChatSession interface {
	// SendMessage sends a user text turn and returns the model's response.
	// When responseSchema is non-nil and the provider supports structured
	// output, the response is constrained to JSON matching the schema and
	// StructuredOutput is populated (parse failures fall through silently).
	SendMessage(ctx context.Context, text string, responseSchema map[string]any) (*protocol.ProviderResponse, error)

	// SendMessageWithParts is the multimodal variant of SendMessage.
	SendMessageWithParts(ctx context.Context, parts []protocol.Part, responseSchema map[string]any) (*protocol.ProviderResponse, error)

	// SendToolResults posts tool outputs back to the model in a single turn.
	SendToolResults(ctx context.Context, results []protocol.ToolResult, responseSchema map[string]any) (*protocol.ProviderResponse, error)

	// History returns a deep copy of the session's history.
	History() []*protocol.Message

	// SetHistory replaces the session's history (used by GC and revert).
	SetHistory(history []*protocol.Message)

	// LastUsage returns token usage from the most recent response.
	LastUsage() protocol.TokenUsage
}

// Factory builds an unconfigured provider instance.
type Factory func() Provider

var factories = registry.NewBaseRegistry[Factory]()

// RegisterFactory registers a named provider factory. Called from provider
// subpackage init functions.
func RegisterFactory(name string, f Factory) error {
	return factories.Register(name, f)
}

// NewProvider constructs a provider by registered name.
func NewProvider(name string) (Provider, error) {
	f, ok := factories.Get(name)
	if !ok {
		return nil, &ConfigError{
			Kind:        ErrKindProjectMisconfigured,
			Operation:   "new_provider",
			Message:     "unknown provider: " + name,
			Remediation: "known providers: " + joinNames(factories.Names()),
		}
	}
	return f(), nil
}

// ProviderNames returns the registered provider names in sorted order.
func ProviderNames() []string {
	return factories.Names()
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
