package runtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jaato-labs/jaato/pkg/gc"
	"github.com/jaato-labs/jaato/pkg/jaato"
	"github.com/jaato-labs/jaato/pkg/permission"
	"github.com/jaato-labs/jaato/pkg/protocol"
	"github.com/jaato-labs/jaato/pkg/provider"
	"github.com/jaato-labs/jaato/pkg/tokens"
)

// AgentContext identifies what kind of conversation a session carries.
type AgentContext struct {
	Kind string `json:"kind"` // main | subagent
	Name string `json:"name,omitempty"`
}

// SessionOptions configures a new session.
type SessionOptions struct {
	SystemInstruction string
	Agent             AgentContext
	History           []*protocol.Message
	Hooks             jaato.Hooks
	Description       string
}

// Session owns one conversation: its provider chat session, orchestrator
// client, permission rules and prompt-history bookkeeping. Sessions on one
// runtime run concurrently; within a session, calls are sequential.
type Session struct {
	id        string
	rt        *Runtime
	engine    *permission.Engine
	chat      provider.ChatSession
	client    *jaato.Client
	agentCtx  AgentContext
	createdAt time.Time

	mu          sync.Mutex
	description string
	userInputs  []string
	pending     []string
}

// NewSession opens a provider chat session and wires an orchestrator client
// around it. Each session gets its own permission engine (session rules are
// per session) sharing the runtime-wide prompt lock.
func (r *Runtime) NewSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	instruction := opts.SystemInstruction
	if instruction == "" {
		instruction = r.cfg.SystemInstruction
	}
	if pluginInstr := r.registry.SystemInstructions(); pluginInstr != "" {
		instruction = strings.TrimSpace(instruction + "\n\n" + pluginInstr)
	}

	chat, err := r.provider.CreateSession(ctx, provider.SessionOptions{
		SystemInstruction: instruction,
		Tools:             r.registry.ToolSchemas(),
		History:           opts.History,
	})
	if err != nil {
		return nil, err
	}

	engine := permission.NewEngine(r.cfg.Permission.Policy(), r.channel)
	engine.SharePromptLock(r.promptOwner)

	clientOpts := []jaato.Option{
		jaato.WithConfig(jaato.Config{
			MaxToolIterations: r.cfg.Orchestrator.MaxToolIterations,
			MaxParallelTools:  r.cfg.Orchestrator.MaxParallelTools,
		}),
		jaato.WithHooks(opts.Hooks),
		jaato.WithObservability(r.obs.Tracer("jaato"), r.obs.Metrics(), r.provider.Model()),
	}
	counter, err := tokens.NewCounter(r.provider.Model())
	if err == nil {
		clientOpts = append(clientOpts, jaato.WithCounter(counter))
	} else {
		r.logger.Warn("local token counting disabled", "model", r.provider.Model(), "error", err)
		counter = nil
	}
	if r.cfg.GC.Enabled {
		collector := gc.New(counter)
		if r.cfg.GC.ContextThreshold > 0 {
			collector.ContextThreshold = r.cfg.GC.ContextThreshold
		}
		if r.cfg.GC.TurnLimit > 0 {
			collector.TurnLimit = r.cfg.GC.TurnLimit
		}
		clientOpts = append(clientOpts, jaato.WithGC(collector))
	}

	agentCtx := opts.Agent
	if agentCtx.Kind == "" {
		agentCtx.Kind = "main"
	}
	s := &Session{
		id:          time.Now().UTC().Format("20060102_150405"),
		rt:          r,
		engine:      engine,
		chat:        chat,
		agentCtx:    agentCtx,
		createdAt:   time.Now().UTC(),
		description: opts.Description,
		client: jaato.New(chat, r.registry, engine, r.ledger,
			r.provider.ContextLimit(), clientOpts...),
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return s, nil
}

// ID is the session's timestamp identifier.
func (s *Session) ID() string { return s.id }

// Agent returns the session's agent context.
func (s *Session) Agent() AgentContext { return s.agentCtx }

// Model returns the model this session talks to.
func (s *Session) Model() string { return s.rt.provider.Model() }

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Client exposes the orchestrator for advanced callers (hooks, revert).
func (s *Session) Client() *jaato.Client { return s.client }

// Permissions exposes the session's permission engine.
func (s *Session) Permissions() *permission.Engine { return s.engine }

// SendMessage runs one turn and records the prompt for history restoration.
func (s *Session) SendMessage(ctx context.Context, text string) (string, error) {
	out, err := s.client.SendMessage(ctx, text)
	if err == nil {
		s.mu.Lock()
		s.userInputs = append(s.userInputs, text)
		s.mu.Unlock()
	}
	return out, err
}

// History returns a deep copy of the conversation history.
func (s *Session) History() []*protocol.Message { return s.client.History() }

// Accounting returns the per-turn accounting rows.
func (s *Session) Accounting() []protocol.TurnAccounting { return s.client.Accounting() }

// TurnCount returns completed turns.
func (s *Session) TurnCount() int { return s.client.TurnCount() }

// RevertToTurn rolls the conversation back to the first n turns.
func (s *Session) RevertToTurn(n int) error {
	if err := s.client.RevertToTurn(n); err != nil {
		return err
	}
	s.mu.Lock()
	if n < len(s.userInputs) {
		s.userInputs = s.userInputs[:n]
	}
	s.mu.Unlock()
	return nil
}

// Description returns the one-line session description, if any.
func (s *Session) Description() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.description
}

// SetDescription stores a one-line session description.
func (s *Session) SetDescription(d string) {
	s.mu.Lock()
	s.description = d
	s.mu.Unlock()
}

// UserInputs returns the prompts sent so far, for prompt-history persistence.
func (s *Session) UserInputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.userInputs))
	copy(out, s.userInputs)
	return out
}

// PendingUserInputs returns inputs restored from a saved session that have
// not been replayed into the prompt history yet.
func (s *Session) PendingUserInputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.pending))
	copy(out, s.pending)
	return out
}

// Restore replaces the session's conversation with persisted state.
func (s *Session) Restore(id string, history []*protocol.Message, accounting []protocol.TurnAccounting, userInputs []string, description string) error {
	if err := s.client.RestoreState(history, accounting); err != nil {
		return err
	}
	s.mu.Lock()
	if id != "" {
		s.id = id
	}
	s.description = description
	s.userInputs = append([]string(nil), userInputs...)
	s.pending = append([]string(nil), userInputs...)
	s.mu.Unlock()
	return nil
}

// Reset drops session permission rules and pending inputs. History is kept.
func (s *Session) Reset() {
	s.engine.Reset()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// Close detaches the session from its runtime.
func (s *Session) Close() error {
	s.rt.mu.Lock()
	defer s.rt.mu.Unlock()
	for i, other := range s.rt.sessions {
		if other == s {
			s.rt.sessions = append(s.rt.sessions[:i], s.rt.sessions[i+1:]...)
			break
		}
	}
	return nil
}
