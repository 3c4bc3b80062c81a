package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/jaato-labs/jaato/pkg/protocol"
)

// Engine evaluates the gating policy for one session. The prompt mutex may
// be shared across engines so console prompts never interleave, even across
// sessions.
type Engine struct {
	policy  Policy
	channel Channel
	logger  *slog.Logger

	mu           sync.Mutex
	autoApproved map[string]bool
	sessionRules map[string]Outcome

	promptMu *sync.Mutex
	pending  map[string]*pendingAsk

	// OnDecision, when set, observes every decision (UI hook).
	OnDecision func(Decision)
}

type pendingAsk struct {
	done     chan struct{}
	decision Decision
}

// NewEngine builds an engine over a policy and an ask channel. channel may
// be nil when the default policy never asks.
func NewEngine(policy Policy, channel Channel) *Engine {
	if policy.Default == "" {
		policy.Default = DefaultAsk
	}
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultTimeout
	}
	return &Engine{
		policy:       policy,
		channel:      channel,
		logger:       slog.Default().With("component", "permission"),
		autoApproved: make(map[string]bool),
		sessionRules: make(map[string]Outcome),
		promptMu:     &sync.Mutex{},
		pending:      make(map[string]*pendingAsk),
	}
}

// SharePromptLock makes this engine serialize prompts with other, so console
// interaction never interleaves across sessions on one runtime.
func (e *Engine) SharePromptLock(other *Engine) {
	e.promptMu = other.promptMu
}

// SetAutoApproved replaces the auto-approved tool set (union over exposed
// plugins, maintained by the registry).
func (e *Engine) SetAutoApproved(tools []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoApproved = make(map[string]bool, len(tools))
	for _, t := range tools {
		e.autoApproved[t] = true
	}
}

// Reset clears session rules. Called when the owning session resets.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionRules = make(map[string]Outcome)
}

// SessionRules returns a copy of the installed session rules.
func (e *Engine) SessionRules() map[string]Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Outcome, len(e.sessionRules))
	for k, v := range e.sessionRules {
		out[k] = v
	}
	return out
}

// Ask evaluates the policy for one call. Layers are checked in order:
// auto-approved, session rule, blacklist, whitelist, default; an ask default
// consults the channel. Pending asks for the same (tool, digest) coalesce
// onto one prompt.
func (e *Engine) Ask(ctx context.Context, tool string, args map[string]any, digest string) Decision {
	d := e.decide(ctx, tool, args, digest)
	if e.OnDecision != nil {
		e.OnDecision(d)
	}
	return d
}

func (e *Engine) decide(ctx context.Context, tool string, args map[string]any, digest string) Decision {
	base := Decision{ToolName: tool, ArgsDigest: digest}

	e.mu.Lock()
	if e.autoApproved[tool] {
		e.mu.Unlock()
		base.Decision, base.Method = Allowed, MethodAutoApproved
		return base
	}
	if outcome, ok := e.sessionRules[tool]; ok {
		e.mu.Unlock()
		base.Decision, base.Method = outcome, MethodSessionRule
		if outcome == Denied {
			base.Reason = "session rule"
		}
		return base
	}
	e.mu.Unlock()

	canonical := canonicalArgs(args)
	if matchRules(e.policy.Blacklist, tool, canonical) {
		base.Decision, base.Method, base.Reason = Denied, MethodBlacklist, "blacklisted"
		return base
	}
	if matchRules(e.policy.Whitelist, tool, canonical) {
		base.Decision, base.Method = Allowed, MethodWhitelist
		return base
	}

	switch e.policy.Default {
	case DefaultAllow:
		base.Decision, base.Method = Allowed, MethodDefault
		return base
	case DefaultDeny:
		base.Decision, base.Method, base.Reason = Denied, MethodDefault, "default policy"
		return base
	}

	return e.askChannel(ctx, tool, args, digest)
}

// askChannel consults the interaction channel, serialized and coalesced.
func (e *Engine) askChannel(ctx context.Context, tool string, args map[string]any, digest string) Decision {
	key := tool + ":" + digest

	e.mu.Lock()
	if p, ok := e.pending[key]; ok {
		e.mu.Unlock()
		select {
		case <-p.done:
			return p.decision
		case <-ctx.Done():
			return Decision{
				Decision: Denied, Method: MethodUserOnce, Reason: "cancelled",
				ToolName: tool, ArgsDigest: digest,
			}
		}
	}
	p := &pendingAsk{done: make(chan struct{})}
	e.pending[key] = p
	e.mu.Unlock()

	p.decision = e.prompt(ctx, tool, args, digest)
	close(p.done)

	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()

	return p.decision
}

func (e *Engine) prompt(ctx context.Context, tool string, args map[string]any, digest string) Decision {
	base := Decision{ToolName: tool, ArgsDigest: digest}

	if e.channel == nil {
		base.Decision, base.Method, base.Reason = Denied, MethodDefault, "no interaction channel configured"
		return base
	}

	e.promptMu.Lock()
	defer e.promptMu.Unlock()

	askCtx, cancel := context.WithTimeout(ctx, e.policy.Timeout)
	defer cancel()

	action, err := e.channel.Ask(askCtx, newRequest(tool, args, ""))
	if err != nil {
		reason := fmt.Sprintf("channel error: %v", err)
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		} else if errors.Is(err, context.Canceled) {
			reason = "cancelled"
		}
		e.logger.Warn("permission ask failed", "tool", tool, "reason", reason)
		base.Decision, base.Method, base.Reason = Denied, MethodUserOnce, reason
		return base
	}

	switch action {
	case ActionAlways:
		e.installRule(tool, Allowed)
		base.Decision, base.Method, base.Scope = Allowed, MethodUserAlways, ScopeSession
	case ActionNever:
		e.installRule(tool, Denied)
		base.Decision, base.Method, base.Scope = Denied, MethodUserNever, ScopeSession
		base.Reason = "user denied for session"
	case ActionYes, ActionOnce:
		base.Decision, base.Method, base.Scope = Allowed, MethodUserOnce, ScopeOnce
	case ActionNo:
		base.Decision, base.Method, base.Scope = Denied, MethodUserOnce, ScopeOnce
		base.Reason = "user denied"
	default:
		base.Decision, base.Method = Denied, MethodUserOnce
		base.Reason = fmt.Sprintf("unrecognized channel action: %q", action)
	}
	return base
}

func (e *Engine) installRule(tool string, outcome Outcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionRules[tool] = outcome
}

func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	raw, err := protocol.CanonicalJSON(args)
	if err != nil {
		return ""
	}
	return string(raw)
}

func matchRules(rules []Rule, tool, canonical string) bool {
	for _, r := range rules {
		if r.Tool != tool && r.Tool != "*" {
			continue
		}
		if r.ArgsPattern == "" {
			return true
		}
		matched, err := regexp.MatchString(r.ArgsPattern, canonical)
		if err == nil && matched {
			return true
		}
	}
	return false
}
